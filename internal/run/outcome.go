package run

import "converge/internal/state"

// Exit statuses reported by a finished run.
const (
	ExitConvergedClean    = "converged-clean"
	ExitConvergedResidual = "converged-with-residual-findings"
	ExitMaxIterations     = "max-iterations-reached"
	ExitFailed            = "failed"
	ExitStopped           = "stopped"
)

// Outcome summarizes a finished (or halted) run for callers and the CLI.
type Outcome struct {
	ScopeSlug  string                  `json:"scope_slug"`
	RunID      string                  `json:"run_id"`
	Status     state.Status            `json:"status"`
	ExitStatus string                  `json:"exit_status"`
	Signal     string                  `json:"signal,omitempty"`
	Iterations int                     `json:"iterations"`
	Residual   int                     `json:"residual_findings"`
	CleanRoom  []state.CleanRoomResult `json:"clean_room,omitempty"`
}

// ExitCode maps the exit status to the process exit code.
func (o *Outcome) ExitCode() int {
	switch o.ExitStatus {
	case ExitConvergedClean:
		return 0
	case ExitConvergedResidual:
		return 2
	case ExitMaxIterations:
		return 3
	case ExitFailed:
		return 4
	case ExitStopped:
		return 5
	}
	return 4
}
