package recovery

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy bounds the recovery of one category. MaxActionRetries counts
// attempts per action, the first one included.
type Policy struct {
	MaxActionRetries  int           `yaml:"max_action_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	ActionTimeout     time.Duration `yaml:"action_timeout"`
	MaxVerifyAttempts int           `yaml:"max_verify_attempts"`
	FallbackSource    string        `yaml:"fallback_source,omitempty"`
}

// Playbook holds the default policy and per-category overrides
type Playbook struct {
	Defaults   Policy              `yaml:"defaults"`
	Categories map[Category]Policy `yaml:"categories"`
}

// DefaultPlaybook returns the built-in policies
func DefaultPlaybook() *Playbook {
	return &Playbook{
		Defaults: Policy{
			MaxActionRetries:  3,
			RetryDelay:        5 * time.Second,
			ActionTimeout:     2 * time.Minute,
			MaxVerifyAttempts: 3,
		},
		Categories: map[Category]Policy{
			CategoryOracle: {FallbackSource: "secondary"},
		},
	}
}

// LoadPlaybook reads a YAML playbook. Fields left unset in the file keep
// their built-in values. An empty path yields the defaults.
func LoadPlaybook(path string) (*Playbook, error) {
	pb := DefaultPlaybook()
	if path == "" {
		return pb, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading playbook: %w", err)
	}

	var file Playbook
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing playbook YAML: %w", err)
	}

	pb.Defaults = merge(pb.Defaults, file.Defaults)
	for c, p := range file.Categories {
		if _, err := ParseCategory(string(c)); err != nil {
			return nil, err
		}
		pb.Categories[c] = merge(pb.Categories[c], p)
	}
	if err := pb.Defaults.validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	return pb, nil
}

// Policy returns the effective policy for a category
func (p *Playbook) Policy(c Category) Policy {
	return merge(p.Defaults, p.Categories[c])
}

// WithActionTimeout sets the default action timeout when positive
func (p *Playbook) WithActionTimeout(d time.Duration) *Playbook {
	if d > 0 {
		p.Defaults.ActionTimeout = d
	}
	return p
}

func merge(base, override Policy) Policy {
	if override.MaxActionRetries > 0 {
		base.MaxActionRetries = override.MaxActionRetries
	}
	if override.RetryDelay > 0 {
		base.RetryDelay = override.RetryDelay
	}
	if override.ActionTimeout > 0 {
		base.ActionTimeout = override.ActionTimeout
	}
	if override.MaxVerifyAttempts > 0 {
		base.MaxVerifyAttempts = override.MaxVerifyAttempts
	}
	if override.FallbackSource != "" {
		base.FallbackSource = override.FallbackSource
	}
	return base
}

func (p Policy) validate() error {
	if p.MaxActionRetries <= 0 {
		return fmt.Errorf("max_action_retries must be positive")
	}
	if p.MaxVerifyAttempts <= 0 {
		return fmt.Errorf("max_verify_attempts must be positive")
	}
	if p.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be positive")
	}
	return nil
}
