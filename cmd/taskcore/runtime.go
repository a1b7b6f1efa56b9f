package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/taskcore/internal/config"
	"github.com/aristath/taskcore/internal/events"
	"github.com/aristath/taskcore/internal/executor"
	"github.com/aristath/taskcore/internal/logging"
	"github.com/aristath/taskcore/internal/persistence"
	"github.com/aristath/taskcore/internal/scheduler"
)

// ShellTaskType routes a task to the subprocess executor. Every other type
// runs on the simulated executor.
const ShellTaskType = "shell"

// runtime owns everything a command needs to drive an engine.
type runtime struct {
	cfg    *config.EngineConfig
	log    *logging.Logger
	store  *persistence.SQLiteStore
	bus    *events.EventBus
	procs  *executor.ProcessManager
	engine *scheduler.Engine
}

type runtimeOptions struct {
	simulatedDelay time.Duration
	persist        bool
}

func newRuntime(ctx context.Context, cfg *config.EngineConfig, opts runtimeOptions) (*runtime, error) {
	log, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	rt := &runtime{
		cfg:   cfg,
		log:   log,
		bus:   events.NewEventBus(),
		procs: executor.NewProcessManager(),
	}

	var store scheduler.Persistence
	if opts.persist && cfg.Persistence.Path != "" {
		rt.store, err = persistence.NewSQLiteStore(ctx, cfg.Persistence.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("opening state database: %w", err)
		}
		store = rt.store
	}

	rt.engine, err = scheduler.New(scheduler.Config{
		MaxConcurrent:       cfg.MaxConcurrent,
		TickInterval:        cfg.TickInterval,
		CheckpointThreshold: cfg.CheckpointThreshold,
		MaxLogEntries:       cfg.MaxLogEntries,
		DefaultTimeout:      cfg.DefaultTimeout,
		DefaultRetry: scheduler.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff:     cfg.Retry.Backoff,
			Multiplier:  cfg.Retry.Multiplier,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Executor:    rt.buildExecutor(opts.simulatedDelay),
		Persistence: store,
		Events:      rt.bus,
		Logger:      log,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}

	for _, r := range cfg.Resources {
		if err := rt.engine.RegisterResource(r.ID, r.Capacity); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) buildExecutor(simulatedDelay time.Duration) executor.Executor {
	router := executor.NewRouter(&executor.Simulated{StepDelay: simulatedDelay})
	router.Handle(ShellTaskType, executor.NewProcessExecutor(rt.procs))

	if !rt.cfg.Breaker.Enabled {
		return router
	}
	breakers := executor.NewCircuitBreakerRegistry(executor.BreakerSettings{
		ConsecutiveFailures: rt.cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         rt.cfg.Breaker.OpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			rt.log.Warn("circuit breaker state changed", "type", name, "from", from.String(), "to", to.String())
		},
	})
	return executor.WithBreaker(router, breakers)
}

// Close stops the engine, kills leftover subprocesses and releases the
// database and log file.
func (rt *runtime) Close() error {
	var errs []error
	if rt.engine != nil {
		errs = append(errs, rt.engine.Stop())
	}
	if err := rt.procs.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("killing subprocesses: %w", err))
	}
	rt.bus.Close()
	if rt.store != nil {
		errs = append(errs, rt.store.Close())
	}
	errs = append(errs, rt.log.Close())
	return errors.Join(errs...)
}
