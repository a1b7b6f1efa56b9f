// Package manifest decodes YAML workflow manifests into engine workflow specs.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskcore/internal/scheduler"
)

// Manifest is a workflow definition as written on disk.
type Manifest struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	Version       string            `yaml:"version"`
	CreatedBy     string            `yaml:"created_by"`
	Variables     map[string]string `yaml:"variables"`
	Parallelism   Parallelism       `yaml:"parallelism"`
	ErrorHandling ErrorHandling     `yaml:"error_handling"`
	Resources     []Resource        `yaml:"resources"`
	Tasks         []Task            `yaml:"tasks"`
}

// Parallelism mirrors scheduler.Parallelism.
type Parallelism struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	Strategy      string `yaml:"strategy"`
}

// ErrorHandling mirrors scheduler.ErrorHandling.
type ErrorHandling struct {
	Strategy   string `yaml:"strategy"`
	MaxRetries int    `yaml:"max_retries"`
}

// Resource is registered with the engine before the workflow runs.
type Resource struct {
	ID       string `yaml:"id"`
	Capacity int    `yaml:"capacity"`
}

// Task is one workflow member.
type Task struct {
	ID          string            `yaml:"id"`
	Type        string            `yaml:"type"`
	Description string            `yaml:"description"`
	Priority    int               `yaml:"priority"`
	Tags        []string          `yaml:"tags"`
	Command     any               `yaml:"command"` // String (run by sh) or argv list
	Timeout     time.Duration     `yaml:"timeout"`
	DependsOn   []Dependency      `yaml:"depends_on"`
	Resources   []Requirement     `yaml:"resources"`
	Retry       *Retry            `yaml:"retry"`
	Rollback    Rollback          `yaml:"rollback"`
	Schedule    *Schedule         `yaml:"schedule"`
	Variables   map[string]string `yaml:"variables"`
	State       map[string]any    `yaml:"state"`
	Extra       map[string]any    `yaml:"extra"`
}

// Dependency accepts either a bare task id or a mapping.
type Dependency struct {
	Task string        `yaml:"task"`
	Type string        `yaml:"type"`
	Lag  time.Duration `yaml:"lag"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.Task = node.Value
		return nil
	}
	type plain Dependency
	return node.Decode((*plain)(d))
}

// Requirement is a resource requirement of a task.
type Requirement struct {
	ID        string `yaml:"id"`
	Quantity  int    `yaml:"quantity"`
	Exclusive bool   `yaml:"exclusive"`
}

// Retry mirrors scheduler.RetryPolicy.
type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// Rollback selects the rollback strategy.
type Rollback struct {
	Strategy string `yaml:"strategy"`
	Handler  string `yaml:"handler"`
}

// Schedule mirrors scheduler.Schedule.
type Schedule struct {
	StartTime  *time.Time `yaml:"start_time"`
	Deadline   *time.Time `yaml:"deadline"`
	Recurrence string     `yaml:"recurrence"`
}

// Parse decodes a manifest from YAML bytes and checks its structure. Engine
// level validation (strategies, cycles) happens in CreateWorkflow.
func Parse(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("manifest: payload is empty")
	}
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: decode: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads a manifest from r.
func Load(r io.Reader) (*Manifest, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	return Parse(content)
}

// LoadFile reads a manifest from path.
func LoadFile(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	m, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("manifest: at least one task is required")
	}
	ids := make(map[string]bool, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.ID == "" {
			return fmt.Errorf("manifest: task %d has no id", i)
		}
		if ids[t.ID] {
			return fmt.Errorf("manifest: task %q declared twice", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range m.Tasks {
		for _, d := range t.DependsOn {
			if !ids[d.Task] {
				return fmt.Errorf("manifest: task %q depends on undeclared task %q", t.ID, d.Task)
			}
		}
	}
	for _, r := range m.Resources {
		if r.ID == "" || r.Capacity <= 0 {
			return fmt.Errorf("manifest: resource %q needs an id and a positive capacity", r.ID)
		}
	}
	return nil
}

// WorkflowSpec converts the manifest into an engine workflow spec.
func (m *Manifest) WorkflowSpec() scheduler.WorkflowSpec {
	spec := scheduler.WorkflowSpec{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Version:     m.Version,
		CreatedBy:   m.CreatedBy,
		Variables:   m.Variables,
		Parallelism: scheduler.Parallelism{
			MaxConcurrent: m.Parallelism.MaxConcurrent,
			Strategy:      scheduler.OrderingStrategy(m.Parallelism.Strategy),
		},
		ErrorHandling: scheduler.ErrorHandling{
			Strategy:   scheduler.ErrorStrategy(m.ErrorHandling.Strategy),
			MaxRetries: m.ErrorHandling.MaxRetries,
		},
	}
	for _, t := range m.Tasks {
		spec.Tasks = append(spec.Tasks, t.spec())
	}
	return spec
}

func (t Task) spec() scheduler.TaskSpec {
	s := scheduler.TaskSpec{
		ID:               t.ID,
		Type:             t.Type,
		Description:      t.Description,
		Tags:             t.Tags,
		Priority:         t.Priority,
		Timeout:          t.Timeout,
		RollbackStrategy: scheduler.RollbackStrategy(t.Rollback.Strategy),
		RollbackHandler:  t.Rollback.Handler,
		Variables:        t.Variables,
		State:            t.State,
		Extra:            t.Extra,
	}
	if t.Command != nil {
		if s.Extra == nil {
			s.Extra = make(map[string]any, 1)
		}
		s.Extra["command"] = t.Command
	}
	for _, d := range t.DependsOn {
		s.Dependencies = append(s.Dependencies, scheduler.TaskDependency{
			TaskID: d.Task,
			Type:   scheduler.DependencyType(d.Type),
			Lag:    d.Lag,
		})
	}
	for _, r := range t.Resources {
		s.Resources = append(s.Resources, scheduler.ResourceRequirement{
			ResourceID: r.ID,
			Quantity:   r.Quantity,
			Exclusive:  r.Exclusive,
		})
	}
	if t.Retry != nil {
		s.RetryPolicy = &scheduler.RetryPolicy{
			MaxAttempts: t.Retry.MaxAttempts,
			Backoff:     t.Retry.Backoff,
			Multiplier:  t.Retry.Multiplier,
			MaxBackoff:  t.Retry.MaxBackoff,
		}
	}
	if t.Schedule != nil {
		s.Schedule = &scheduler.Schedule{
			StartTime:  t.Schedule.StartTime,
			Deadline:   t.Schedule.Deadline,
			Recurrence: t.Schedule.Recurrence,
		}
	}
	return s
}
