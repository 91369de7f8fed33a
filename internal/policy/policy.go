// Package policy holds the tunable knobs of a convergence run: iteration
// budgets, thresholds, scope growth caps, and optional custom signal rules.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the full knob set for one run. Zero values mean "use default";
// Load overlays a policy file onto Default().
type Policy struct {
	MaxIterations        int `yaml:"max_iterations" json:"max_iterations"`
	ConvergenceThreshold int `yaml:"convergence_threshold" json:"convergence_threshold"`
	DeferredDropAfter    int `yaml:"deferred_drop_after" json:"deferred_drop_after"`

	// MinIterations gates convergence: no convergence signal is honored
	// before this many full iterations. 0 allows convergence at iteration 1.
	MinIterations int `yaml:"min_iterations" json:"min_iterations"`

	PerIterationCap int `yaml:"per_iteration_cap" json:"per_iteration_cap"` // scope additions per iteration
	TotalCap        int `yaml:"total_cap" json:"total_cap"`                 // scope additions per run

	ChunkThreshold int `yaml:"chunk_threshold" json:"chunk_threshold"`
	ChunkSize      int `yaml:"chunk_size" json:"chunk_size"`
	EvalParallel   int `yaml:"eval_parallel" json:"eval_parallel"` // worker cap for chunked evaluate

	FixRetries int `yaml:"fix_retries" json:"fix_retries"` // validate-failure fix reattempts

	CapabilityTimeout Duration `yaml:"capability_timeout" json:"capability_timeout"`

	// Rules are extra convergence signals expressed as when: expressions,
	// evaluated against {stats, config} after the built-in convergent
	// signals and before the max-iterations check.
	Rules []SignalRule `yaml:"rules" json:"rules"`
}

// SignalRule is a custom convergence signal with an expression condition.
type SignalRule struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	When string `yaml:"when" json:"when"`
}

// Default returns the stock policy.
func Default() Policy {
	return Policy{
		MaxIterations:        5,
		ConvergenceThreshold: 2,
		DeferredDropAfter:    2,
		MinIterations:        0,
		PerIterationCap:      10,
		TotalCap:             30,
		ChunkThreshold:       60,
		ChunkSize:            25,
		EvalParallel:         4,
		FixRetries:           3,
		CapabilityTimeout:    Duration(10 * time.Minute),
	}
}

// Duration wraps time.Duration so policy files can say "30s" or "10m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML accepts either a duration string ("90s") or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// UnmarshalJSON mirrors the YAML rules for JSON policy files.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalJSON writes the duration in string form for readable reports.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// LoadFromPath reads a policy file (YAML or JSON) and overlays it onto the
// defaults. A missing file is not an error; defaults are returned.
func LoadFromPath(path string) (Policy, error) {
	p := Default()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("read policy: %w", err)
	}

	var overlay Policy
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &overlay); err != nil {
			return p, fmt.Errorf("parse policy json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return p, fmt.Errorf("parse policy yaml: %w", err)
		}
	}
	p.apply(overlay)
	return p, nil
}

func (p *Policy) apply(o Policy) {
	if o.MaxIterations > 0 {
		p.MaxIterations = o.MaxIterations
	}
	if o.ConvergenceThreshold > 0 {
		p.ConvergenceThreshold = o.ConvergenceThreshold
	}
	if o.DeferredDropAfter > 0 {
		p.DeferredDropAfter = o.DeferredDropAfter
	}
	if o.MinIterations > 0 {
		p.MinIterations = o.MinIterations
	}
	if o.PerIterationCap > 0 {
		p.PerIterationCap = o.PerIterationCap
	}
	if o.TotalCap > 0 {
		p.TotalCap = o.TotalCap
	}
	if o.ChunkThreshold > 0 {
		p.ChunkThreshold = o.ChunkThreshold
	}
	if o.ChunkSize > 0 {
		p.ChunkSize = o.ChunkSize
	}
	if o.EvalParallel > 0 {
		p.EvalParallel = o.EvalParallel
	}
	if o.FixRetries > 0 {
		p.FixRetries = o.FixRetries
	}
	if o.CapabilityTimeout > 0 {
		p.CapabilityTimeout = o.CapabilityTimeout
	}
	if len(o.Rules) > 0 {
		p.Rules = o.Rules
	}
}

// Validate rejects self-contradictory policies before a run starts.
func (p Policy) Validate() error {
	if p.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", p.MaxIterations)
	}
	if p.MinIterations > p.MaxIterations {
		return fmt.Errorf("min_iterations %d exceeds max_iterations %d", p.MinIterations, p.MaxIterations)
	}
	if p.PerIterationCap > p.TotalCap {
		return fmt.Errorf("per_iteration_cap %d exceeds total_cap %d", p.PerIterationCap, p.TotalCap)
	}
	if p.FixRetries < 0 {
		return fmt.Errorf("fix_retries must be >= 0, got %d", p.FixRetries)
	}
	return nil
}
