// Package report assembles a run's persisted records into a single document
// and renders it for humans or as JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"converge/internal/finding"
	"converge/internal/run"
	"converge/internal/state"
)

// Document is the full picture of one run.
type Document struct {
	State      *state.RunState         `json:"state"`
	Iterations []state.IterationRecord `json:"iterations"`
	Deferred   []finding.Deferred      `json:"deferred,omitempty"`
	Outcome    *run.Outcome            `json:"outcome,omitempty"`
}

// Build loads everything the store has recorded about a run. The outcome is
// nil for runs that have not finished.
func Build(store *state.Store, slug, runID string) (*Document, error) {
	st, err := store.LoadState(slug, runID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("no run state for %s/%s", slug, runID)
	}
	iterations, err := store.LoadIterations(slug, runID)
	if err != nil {
		return nil, err
	}
	deferred, err := store.LoadDeferred(slug, runID)
	if err != nil {
		return nil, err
	}
	doc := &Document{State: st, Iterations: iterations, Deferred: deferred}

	var out run.Outcome
	ok, err := store.LoadReport(slug, runID, &out)
	if err != nil {
		return nil, err
	}
	if ok {
		doc.Outcome = &out
	}
	return doc, nil
}

// WriteJSON renders the document as indented JSON.
func (d *Document) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// WriteSummary renders a human-readable run summary with one row per
// iteration.
func (d *Document) WriteSummary(w io.Writer) error {
	st := d.State
	fmt.Fprintf(w, "Run %s (scope %s)\n", st.RunID, st.ScopeSlug)
	fmt.Fprintf(w, "Status: %s", st.Status)
	if st.Signal != "" {
		fmt.Fprintf(w, " (signal %s)", st.Signal)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Scope: %d files (%d added during the run)\n", len(st.ScopeFiles), st.ScopeAdditionsTotal)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Iter", "Reported", "New", "Fixed", "Deferred", "Dropped", "Validation", "Commit", "Signal"})
	table.SetBorder(false)
	table.SetCenterSeparator("")
	for _, rec := range d.Iterations {
		commit := rec.CommitHash
		if len(commit) > 8 {
			commit = commit[:8]
		}
		table.Append([]string{
			strconv.Itoa(rec.Iteration),
			strconv.Itoa(rec.ReportedFindings),
			strconv.Itoa(rec.NewFindings),
			strconv.Itoa(rec.Fixed),
			strconv.Itoa(rec.Deferred),
			strconv.Itoa(rec.Dropped),
			rec.ValidationResult,
			commit,
			rec.Signal,
		})
	}
	table.Render()

	if out := d.Outcome; out != nil {
		fmt.Fprintf(w, "\nOutcome: %s (%d residual findings)\n", out.ExitStatus, out.Residual)
		for _, round := range out.CleanRoom {
			fmt.Fprintf(w, "Clean-room round %d: %d issues, %s\n", round.Round, round.IssuesFound, round.Outcome)
		}
	}
	if len(d.Deferred) > 0 {
		fmt.Fprintf(w, "\nDeferred findings:\n")
		for _, def := range d.Deferred {
			f := def.Finding
			fmt.Fprintf(w, "  %s %s:%d [%s/%s] %s (deferred %d)\n",
				f.ID, f.File, f.Line, f.Severity, f.Category, f.Description, def.ConsecutiveDeferCount)
		}
	}
	return nil
}
