package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/taskcore/internal/config"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	logDir     string
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "taskcore",
		Short: "Dependency-aware task orchestration engine",
		Long: `taskcore schedules tasks with dependencies, priorities, shared resources,
retries and rollback. Workflows are described in YAML manifests and their
state is persisted to a local SQLite database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "project config file (default .taskcore/config.yaml)")
	flags.StringVar(&g.dbPath, "db", "", "state database path (overrides persistence.path)")
	flags.StringVar(&g.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
	flags.StringVar(&g.logDir, "log-dir", "", "write logs to this directory instead of stderr")

	root.AddCommand(
		newRunCmd(g),
		newStatusCmd(g),
		newValidateCmd(),
		newConfigCmd(g),
	)
	return root
}

// loadConfig merges the global and project config files and applies flag
// overrides on top.
func (g *globalOptions) loadConfig() (*config.EngineConfig, error) {
	var global string
	if home, err := os.UserHomeDir(); err == nil {
		global = config.GlobalPath(home)
	}
	project := config.ProjectPath()
	if g.configPath != "" {
		project = g.configPath
	}

	cfg, err := config.Load(global, project)
	if err != nil {
		return nil, err
	}

	if g.dbPath != "" {
		cfg.Persistence.Path = g.dbPath
	}
	if g.logLevel != "" {
		cfg.Logging.Level = strings.ToUpper(g.logLevel)
	}
	if g.logDir != "" {
		cfg.Logging.Dir = g.logDir
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

func (g *globalOptions) projectConfigPath() string {
	if g.configPath != "" {
		return g.configPath
	}
	return config.ProjectPath()
}

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the project config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.projectConfigPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "max_concurrent:       %d\n", cfg.MaxConcurrent)
			fmt.Fprintf(out, "tick_interval:        %s\n", cfg.TickInterval)
			fmt.Fprintf(out, "default_timeout:      %s\n", cfg.DefaultTimeout)
			fmt.Fprintf(out, "checkpoint_threshold: %d\n", cfg.CheckpointThreshold)
			fmt.Fprintf(out, "retry:                %d attempts, %s backoff x%.1f\n",
				cfg.Retry.MaxAttempts, cfg.Retry.Backoff, cfg.Retry.Multiplier)
			fmt.Fprintf(out, "persistence.path:     %s\n", cfg.Persistence.Path)
			fmt.Fprintf(out, "logging.level:        %s\n", cfg.Logging.Level)
			fmt.Fprintf(out, "breaker.enabled:      %t\n", cfg.Breaker.Enabled)
			for _, r := range cfg.Resources {
				fmt.Fprintf(out, "resource %s:          capacity %d\n", r.ID, r.Capacity)
			}
			return nil
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
