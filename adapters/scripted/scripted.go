// Package scripted provides a deterministic capability suite driven by a
// scenario description. It backs dry runs and the controller's tests: each
// iteration's evaluation, fix and validation outcomes are scripted up front,
// so a run plays back the same way every time.
package scripted

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"converge/internal/capability"
	"converge/internal/finding"
)

// Discovery scripts one out-of-scope candidate surfaced by an iteration.
type Discovery struct {
	File         string `yaml:"file"`
	Reason       string `yaml:"reason"`
	DependencyOf string `yaml:"dependency_of"`
}

// FixScript controls the fixer for one iteration. With no overrides the
// fixer reports every requested finding fixed and its files changed.
type FixScript struct {
	FilesChanged []string    `yaml:"files_changed"`
	FixedIDs     []string    `yaml:"fixed_ids"`
	Discovered   []Discovery `yaml:"discovered"`
	Fail         bool        `yaml:"fail"`
}

// ValidateScript controls the validator for one iteration.
type ValidateScript struct {
	FailuresBeforePass int      `yaml:"failures_before_pass"`
	AlwaysFail         bool     `yaml:"always_fail"`
	Errors             []string `yaml:"errors"`
}

// Iteration scripts one iteration of the run.
type Iteration struct {
	Findings   []finding.Finding `yaml:"findings"`
	Discovered []Discovery       `yaml:"discovered"`
	Fix        FixScript         `yaml:"fix"`
	Validate   ValidateScript    `yaml:"validate"`
}

// Round scripts one clean-room verification round's findings.
type Round struct {
	Findings []finding.Finding `yaml:"findings"`
}

// Scenario is a full playback script. Iterations past the scripted list
// evaluate clean; clean-room rounds past the scripted list find nothing.
type Scenario struct {
	Iterations []Iteration `yaml:"iterations"`
	CleanRoom  []Round     `yaml:"clean_room"`
}

// Load reads a scenario from a YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	return &sc, nil
}

// Suite plays back a scenario through the capability interfaces. Safe for
// the controller's parallel chunk evaluation.
type Suite struct {
	mu        sync.Mutex
	sc        *Scenario
	cleanIdx  int
	valFails  map[int]int
	fixCalls  int
	evalCalls int
}

// NewSuite wraps a scenario for playback.
func NewSuite(sc *Scenario) *Suite {
	return &Suite{sc: sc, valFails: make(map[int]int)}
}

// EvaluateCalls reports how many evaluate requests were served.
func (s *Suite) EvaluateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evalCalls
}

// FixCalls reports how many fix requests were served.
func (s *Suite) FixCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fixCalls
}

func (s *Suite) iteration(n int) *Iteration {
	if n < 1 || n > len(s.sc.Iterations) {
		return nil
	}
	return &s.sc.Iterations[n-1]
}

// Evaluate returns the scripted findings for the iteration, filtered to the
// requested chunk's files. Clean-room requests consume the scripted rounds
// in order.
func (s *Suite) Evaluate(_ context.Context, req capability.EvaluateRequest) (*capability.EvaluateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalCalls++

	if req.CleanRoom {
		var res capability.EvaluateResult
		if s.cleanIdx < len(s.sc.CleanRoom) {
			res.Findings = append(res.Findings, s.sc.CleanRoom[s.cleanIdx].Findings...)
		}
		s.cleanIdx++
		return &res, nil
	}

	it := s.iteration(req.Iteration)
	if it == nil {
		return &capability.EvaluateResult{}, nil
	}
	inChunk := make(map[string]bool, len(req.Files))
	for _, f := range req.Files {
		inChunk[f] = true
	}
	var res capability.EvaluateResult
	for _, f := range it.Findings {
		// Findings for files outside every chunk surface on chunk 0.
		if inChunk[f.File] || (req.Chunk == 0 && f.File == "") {
			res.Findings = append(res.Findings, f)
		}
	}
	if req.Chunk == 0 {
		for _, d := range it.Discovered {
			res.Discovered = append(res.Discovered, capability.Discovery(d))
		}
	}
	return &res, nil
}

// Fix reports the scripted fix result, defaulting to "everything requested
// was fixed" when the script gives no overrides.
func (s *Suite) Fix(_ context.Context, req capability.FixRequest) (*capability.FixResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixCalls++

	it := s.iteration(req.Iteration)
	if it == nil || (it.Fix.FilesChanged == nil && it.Fix.FixedIDs == nil && !it.Fix.Fail) {
		return defaultFixResult(req), nil
	}
	if it.Fix.Fail {
		return nil, fmt.Errorf("scripted fix failure at iteration %d", req.Iteration)
	}
	res := &capability.FixResult{
		FilesChanged: it.Fix.FilesChanged,
		FixedIDs:     it.Fix.FixedIDs,
	}
	for _, d := range it.Fix.Discovered {
		res.Discovered = append(res.Discovered, capability.Discovery(d))
	}
	return res, nil
}

// Validate passes unless the script says otherwise; a failures_before_pass
// count fails that many attempts within the iteration before passing.
func (s *Suite) Validate(_ context.Context, req capability.ValidateRequest) (*capability.ValidateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := s.iteration(req.Iteration)
	if it == nil {
		return &capability.ValidateResult{Passed: true}, nil
	}
	errs := it.Validate.Errors
	if len(errs) == 0 {
		errs = []string{"scripted validation failure"}
	}
	if it.Validate.AlwaysFail {
		return &capability.ValidateResult{Passed: false, Errors: errs}, nil
	}
	if s.valFails[req.Iteration] < it.Validate.FailuresBeforePass {
		s.valFails[req.Iteration]++
		return &capability.ValidateResult{Passed: false, Errors: errs}, nil
	}
	return &capability.ValidateResult{Passed: true}, nil
}

func defaultFixResult(req capability.FixRequest) *capability.FixResult {
	res := &capability.FixResult{}
	seen := make(map[string]bool)
	for _, f := range req.Findings {
		res.FixedIDs = append(res.FixedIDs, f.ID)
		if f.File != "" && !seen[f.File] {
			seen[f.File] = true
			res.FilesChanged = append(res.FilesChanged, f.File)
		}
	}
	return res
}

var _ capability.Suite = (*Suite)(nil)
