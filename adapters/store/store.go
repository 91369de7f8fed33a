// Package store is the cross-run index: a queryable summary of every run
// and iteration the tool has executed in a repository. The per-run JSON
// state under .converge/runs stays the source of truth for resume; the
// index answers "what ran here and how did it go" without walking run
// directories.
package store

import "converge/internal/state"

// DefaultDBPath is the default relative path for the SQLite DB
// (per-repository). Open() creates the parent dir.
const DefaultDBPath = ".converge/converge.db"

// RunSummary is one indexed run.
type RunSummary struct {
	RunID      string `json:"run_id"`
	ScopeSlug  string `json:"scope_slug"`
	Status     string `json:"status"`
	Signal     string `json:"signal,omitempty"`
	ExitStatus string `json:"exit_status,omitempty"`
	Iterations int    `json:"iterations"`
	Residual   int    `json:"residual_findings"`
	StartedAt  string `json:"started_at"`
	UpdatedAt  string `json:"updated_at"`
}

// IterationSummary is one indexed iteration of a run.
type IterationSummary struct {
	RunID            string `json:"run_id"`
	Iteration        int    `json:"iteration"`
	ReportedFindings int    `json:"reported_findings"`
	NewFindings      int    `json:"new_findings"`
	Fixed            int    `json:"fixed"`
	Deferred         int    `json:"deferred"`
	Dropped          int    `json:"dropped"`
	ValidationResult string `json:"validation_result"`
	CommitHash       string `json:"commit_hash,omitempty"`
	Status           string `json:"status"`
}

// Store is the index persistence facade. CLI code uses only this interface;
// the implementation is SQLite or in-memory.
type Store interface {
	// UpsertRun inserts or replaces a run summary keyed by run ID.
	UpsertRun(r *RunSummary) error
	// GetRun returns the run summary, or nil when not indexed.
	GetRun(runID string) (*RunSummary, error)
	// ListRuns returns all indexed runs, most recently updated first. A
	// non-empty slug filters to one scope.
	ListRuns(slug string) ([]*RunSummary, error)
	// UpsertIteration inserts or replaces an iteration summary.
	UpsertIteration(it *IterationSummary) error
	// ListIterations returns a run's iterations in order.
	ListIterations(runID string) ([]*IterationSummary, error)
	Close() error
}

// Sync indexes everything the state store has recorded about a run. Called
// after a run finishes (or is halted) so the index reflects the final state.
func Sync(idx Store, st *state.Store, slug, runID string) error {
	rs, err := st.LoadState(slug, runID)
	if err != nil {
		return err
	}
	if rs == nil {
		return nil
	}
	summary := &RunSummary{
		RunID:      rs.RunID,
		ScopeSlug:  rs.ScopeSlug,
		Status:     string(rs.Status),
		Signal:     rs.Signal,
		Iterations: rs.CurrentIteration,
		StartedAt:  rs.StartedAt,
		UpdatedAt:  rs.UpdatedAt,
	}
	var out struct {
		ExitStatus string `json:"exit_status"`
		Residual   int    `json:"residual_findings"`
	}
	if ok, err := st.LoadReport(slug, runID, &out); err == nil && ok {
		summary.ExitStatus = out.ExitStatus
		summary.Residual = out.Residual
	}
	if err := idx.UpsertRun(summary); err != nil {
		return err
	}
	records, err := st.LoadIterations(slug, runID)
	if err != nil {
		return err
	}
	for _, rec := range records {
		it := &IterationSummary{
			RunID:            rs.RunID,
			Iteration:        rec.Iteration,
			ReportedFindings: rec.ReportedFindings,
			NewFindings:      rec.NewFindings,
			Fixed:            rec.Fixed,
			Deferred:         rec.Deferred,
			Dropped:          rec.Dropped,
			ValidationResult: rec.ValidationResult,
			CommitHash:       rec.CommitHash,
			Status:           rec.Status,
		}
		if err := idx.UpsertIteration(it); err != nil {
			return err
		}
	}
	return nil
}
