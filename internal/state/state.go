// Package state persists run state and per-iteration artifacts under the
// run directory, with atomic writes so a crash never leaves a half-written
// record. The persisted RunState is the single source of truth for resume.
package state

import "time"

// Phase is the currently executing (or next to execute) phase of an
// iteration. It is persisted before a phase runs and after it completes, so
// a crash mid-phase resolves to "resume from this phase".
type Phase string

const (
	PhaseEvaluate      Phase = "evaluate"
	PhaseConvergeCheck Phase = "converge_check"
	PhaseFix           Phase = "fix"
	PhaseValidate      Phase = "validate"
	PhaseCommit        Phase = "commit"
	PhaseStateUpdate   Phase = "state_update"
)

// Status is the run's lifecycle state.
type Status string

const (
	StatusRunning       Status = "running"
	StatusConverged     Status = "converged"
	StatusMaxIterations Status = "max_iterations"
	StatusFailed        Status = "failed"
	StatusStopped       Status = "stopped"
)

// RunState is the durable control record for one run.
type RunState struct {
	ScopeSlug            string   `json:"scope_slug"`
	RunID                string   `json:"run_id"`
	MaxIterations        int      `json:"max_iterations"`
	ConvergenceThreshold int      `json:"convergence_threshold"`
	DeferredDropAfter    int      `json:"deferred_drop_after"`
	MinIterations        int      `json:"min_iterations"`
	CurrentIteration     int      `json:"current_iteration"`
	Phase                Phase    `json:"phase"`
	ScopeAdditionsTotal  int      `json:"scope_additions_total"`
	Status               Status   `json:"status"`
	ScopeFiles           []string `json:"scope_files"`

	// NewFindingHistory records new-finding counts per iteration (index 0 =
	// iteration 1); the plateau signal reads the last two entries.
	NewFindingHistory []int `json:"new_finding_history"`

	// Signal is the convergence signal that ended the run, if any.
	Signal string `json:"signal,omitempty"`

	StartedAt string `json:"started_at"`
	UpdatedAt string `json:"updated_at"`
}

// Terminal reports whether the run has reached a terminal status.
func (s *RunState) Terminal() bool {
	return s.Status != StatusRunning
}

func (s *RunState) touch() {
	s.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}

// ScopeAddition records one admitted scope-evolution file with its reason.
type ScopeAddition struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// IterationRecord is the append-only history entry for one completed
// iteration.
type IterationRecord struct {
	Iteration        int             `json:"iteration"`
	NewFindings      int             `json:"new_findings_count"`
	ReportedFindings int             `json:"reported_findings_count"`
	Fixed            int             `json:"fixed_count"`
	FilesChanged     int             `json:"files_changed_count"`
	Deferred         int             `json:"deferred_count"`
	Dropped          int             `json:"dropped_count"`
	ValidationResult string          `json:"validation_result"` // passed, reverted, skipped
	CommitHash       string          `json:"commit_hash,omitempty"`
	ScopeAdditions   []ScopeAddition `json:"scope_additions,omitempty"`
	Status           string          `json:"status"` // complete, reverted
	Signal           string          `json:"signal,omitempty"`
	CompletedAt      string          `json:"completed_at,omitempty"`
}

// CleanRoomResult records one clean-room verification round.
type CleanRoomResult struct {
	Round       int    `json:"round_number"` // 1 or 2
	IssuesFound int    `json:"issues_found"`
	Outcome     string `json:"outcome"` // pass, fixed_inline, residual, failed
}
