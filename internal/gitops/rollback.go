package gitops

import (
	"context"
	"fmt"

	"converge/internal/logging"
	"converge/internal/state"
)

// RollbackManager reverts committed iterations of a run, most recent first,
// so earlier reverts never conflict with later commits.
type RollbackManager struct {
	git   *Git
	store *state.Store
}

// NewRollbackManager wires a rollback over a repository and a run store.
func NewRollbackManager(git *Git, store *state.Store) *RollbackManager {
	return &RollbackManager{git: git, store: store}
}

// Rollback reverts the last n committed iterations of the run (all of them
// when n <= 0) and marks the affected iteration records as reverted. It
// returns the commit hashes that were reverted.
func (m *RollbackManager) Rollback(ctx context.Context, scopeSlug, runID string, n int) ([]string, error) {
	log := logging.New("gitops")

	records, err := m.store.LoadIterations(scopeSlug, runID)
	if err != nil {
		return nil, fmt.Errorf("load iterations: %w", err)
	}
	var committed []state.IterationRecord
	for _, rec := range records {
		if rec.CommitHash != "" && rec.Status != "reverted" {
			committed = append(committed, rec)
		}
	}
	if len(committed) == 0 {
		return nil, fmt.Errorf("run %s has no committed iterations to roll back", runID)
	}
	if n <= 0 || n > len(committed) {
		n = len(committed)
	}

	var reverted []string
	for i := len(committed) - 1; i >= len(committed)-n; i-- {
		rec := committed[i]
		if err := m.git.Revert(ctx, rec.CommitHash); err != nil {
			return reverted, fmt.Errorf("iteration %d: %w", rec.Iteration, err)
		}
		rec.Status = "reverted"
		if err := m.store.SaveIteration(scopeSlug, runID, &rec); err != nil {
			return reverted, fmt.Errorf("record revert of iteration %d: %w", rec.Iteration, err)
		}
		log.Info("reverted iteration", "iteration", rec.Iteration, "commit", rec.CommitHash)
		reverted = append(reverted, rec.CommitHash)
	}
	return reverted, nil
}
