// Package capability defines the contracts for the opaque intelligence a
// run drives: the Evaluator that reports findings, the Fixer that applies
// changes, and the Validator that checks them. The controller never knows
// what sits behind these interfaces; a scripted playback, an exec'd test
// suite, a file-signal agent loop, and an MCP session all satisfy them.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"converge/internal/finding"
)

// EvaluateRequest asks for a fresh evaluation of a file set. When the scope
// is chunked, one request is issued per chunk with its index set.
type EvaluateRequest struct {
	ScopeSlug   string   `json:"scope_slug"`
	RunID       string   `json:"run_id"`
	Iteration   int      `json:"iteration"`
	Chunk       int      `json:"chunk"`
	Chunks      int      `json:"chunks"`
	Files       []string `json:"files"`
	CleanRoom   bool     `json:"clean_room,omitempty"`
	ArtifactDir string   `json:"artifact_dir,omitempty"`
}

// Discovery is a candidate file outside the current scope surfaced during
// evaluation or fixing.
type Discovery struct {
	File         string `json:"file"`
	Reason       string `json:"reason"`
	DependencyOf string `json:"dependency_of,omitempty"` // in-scope file with a direct edge
}

// EvaluateResult is the evaluator's report for one request.
type EvaluateResult struct {
	Findings   []finding.Finding `json:"findings"`
	Discovered []Discovery       `json:"discovered,omitempty"`
}

// FixPolicy tells the fixer how to prioritize. The controller pre-sorts and
// pre-filters findings; the policy travels with the request so an external
// agent can honor it too.
type FixPolicy struct {
	SkipLargeEffort bool     `json:"skip_large_effort"`
	SeverityOrder   []string `json:"severity_order"`
}

// FixRequest asks the fixer to address the given findings.
type FixRequest struct {
	ScopeSlug   string            `json:"scope_slug"`
	RunID       string            `json:"run_id"`
	Iteration   int               `json:"iteration"`
	Attempt     int               `json:"attempt"` // 0 = first fix pass, >0 = validation reattempt
	Findings    []finding.Finding `json:"findings"`
	Policy      FixPolicy         `json:"policy"`
	Errors      []string          `json:"errors,omitempty"` // validation errors on reattempts
	ArtifactDir string            `json:"artifact_dir,omitempty"`
}

// FixResult reports what the fixer changed.
type FixResult struct {
	FilesChanged []string    `json:"files_changed"`
	FixedIDs     []string    `json:"fixed_ids"`
	Summary      string      `json:"summary,omitempty"`
	Discovered   []Discovery `json:"discovered,omitempty"`
}

// ValidateRequest asks for project checks against the changed files only.
type ValidateRequest struct {
	ScopeSlug    string   `json:"scope_slug"`
	RunID        string   `json:"run_id"`
	Iteration    int      `json:"iteration"`
	ChangedFiles []string `json:"changed_files"`
	ArtifactDir  string   `json:"artifact_dir,omitempty"`
}

// ValidateResult is the validator's verdict.
type ValidateResult struct {
	Passed bool     `json:"passed"`
	Errors []string `json:"errors,omitempty"`
}

// Evaluator produces findings for a file set.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResult, error)
}

// Fixer applies fixes for findings.
type Fixer interface {
	Fix(ctx context.Context, req FixRequest) (*FixResult, error)
}

// Validator checks changed files.
type Validator interface {
	Validate(ctx context.Context, req ValidateRequest) (*ValidateResult, error)
}

// Suite bundles the three capabilities behind one backend.
type Suite interface {
	Evaluator
	Fixer
	Validator
}

// TimeoutError means a capability exceeded its caller-side deadline. A
// timeout counts as a failure for retry accounting, never as a success.
type TimeoutError struct {
	Capability string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s capability exceeded its %s deadline", e.Capability, e.Timeout)
}

// WithDeadline runs fn under the caller-side timeout and converts a
// deadline expiry into a TimeoutError naming the capability.
func WithDeadline(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(tctx)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return &TimeoutError{Capability: name, Timeout: timeout}
	}
	return err
}
