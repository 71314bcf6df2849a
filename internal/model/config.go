package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig         `yaml:"project"`
	Phases    []PhaseSpec           `yaml:"phases"`
	Workers   map[string]WorkerSpec `yaml:"workers"`
	Retry     RetryPolicy           `yaml:"retry"`
	Execution ExecutionConfig       `yaml:"execution"`
	Logging   LoggingConfig         `yaml:"logging"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PhaseSpec is the static per-phase configuration. Immutable once loaded.
type PhaseSpec struct {
	Name            string   `yaml:"name"`
	Workers         []string `yaml:"workers"`
	Parallel        bool     `yaml:"parallel"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
	RequireApproval bool     `yaml:"require_approval"`
	Checkpoints     []string `yaml:"checkpoints"`
	FailFast        bool     `yaml:"fail_fast"`
}

// WorkerKind selects the execution strategy for a worker. The variant is
// resolved once at config load, never inferred per call.
type WorkerKind string

const (
	WorkerKindLocal  WorkerKind = "local"
	WorkerKindRemote WorkerKind = "remote"
)

// WorkerSpec is a tagged variant: Command/WorkDir/Env apply to local workers,
// Endpoint/Model/Payload to remote ones. Payload is the already-rendered
// request body supplied by the prompt renderer; the engine treats it as
// opaque.
type WorkerSpec struct {
	ID       string            `yaml:"id"`
	Kind     WorkerKind        `yaml:"kind"`
	Command  []string          `yaml:"command,omitempty"`
	WorkDir  string            `yaml:"work_dir,omitempty"`
	Env      map[string]string `yaml:"env,omitempty"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	Model    string            `yaml:"model,omitempty"`
	Payload  string            `yaml:"payload,omitempty"`
}

// RetryPolicy governs the reliability layer. Zero values are filled in by
// ApplyDefaults at load time.
type RetryPolicy struct {
	MaxRetries         int      `yaml:"max_retries"`
	BaseDelayMs        int      `yaml:"base_delay_ms"`
	BackoffMultiplier  float64  `yaml:"backoff_multiplier"`
	JitterFraction     float64  `yaml:"jitter_fraction"`
	TransientExitCodes []int    `yaml:"transient_exit_codes"`
	TransientMessages  []string `yaml:"transient_messages"`
}

// BaseDelay returns the configured base delay as a Duration.
func (p RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

type ExecutionConfig struct {
	WorkerTimeoutSec int    `yaml:"worker_timeout_sec"`
	ArtifactRoot     string `yaml:"artifact_root"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads and validates stagehand.yaml.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = 1000
	}
	if c.Retry.BackoffMultiplier <= 0 {
		c.Retry.BackoffMultiplier = 2.0
	}
	if c.Retry.JitterFraction < 0 {
		c.Retry.JitterFraction = 0
	}
	if c.Execution.WorkerTimeoutSec <= 0 {
		c.Execution.WorkerTimeoutSec = 600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Phases {
		if c.Phases[i].MaxConcurrency <= 0 {
			c.Phases[i].MaxConcurrency = 1
		}
	}
	for id, w := range c.Workers {
		if w.ID == "" {
			w.ID = id
			c.Workers[id] = w
		}
	}
}

// Validate checks cross-references and variant completeness.
func (c *Config) Validate() error {
	if len(c.Phases) == 0 {
		return fmt.Errorf("no phases configured")
	}
	seen := make(map[string]bool, len(c.Phases))
	for _, p := range c.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate phase %q", p.Name)
		}
		seen[p.Name] = true
		if len(p.Workers) == 0 {
			return fmt.Errorf("phase %q has no workers", p.Name)
		}
		for _, wID := range p.Workers {
			if _, ok := c.Workers[wID]; !ok {
				return fmt.Errorf("phase %q references unknown worker %q", p.Name, wID)
			}
		}
		for _, pattern := range p.Checkpoints {
			if _, err := filepath.Match(pattern, ""); err != nil {
				return fmt.Errorf("phase %q has invalid checkpoint pattern %q: %w", p.Name, pattern, err)
			}
		}
	}
	for id, w := range c.Workers {
		switch w.Kind {
		case WorkerKindLocal:
			if len(w.Command) == 0 {
				return fmt.Errorf("local worker %q has no command", id)
			}
		case WorkerKindRemote:
			if w.Endpoint == "" {
				return fmt.Errorf("remote worker %q has no endpoint", id)
			}
		default:
			return fmt.Errorf("worker %q has unknown kind %q", id, w.Kind)
		}
	}
	return nil
}

// PhaseByName returns the PhaseSpec with the given name.
func (c *Config) PhaseByName(name string) (PhaseSpec, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return PhaseSpec{}, false
}

// NextPhase returns the phase after name in the static ordering, or ""
// when name is the final phase.
func (c *Config) NextPhase(name string) string {
	for i, p := range c.Phases {
		if p.Name == name && i+1 < len(c.Phases) {
			return c.Phases[i+1].Name
		}
	}
	return ""
}
