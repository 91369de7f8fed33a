package main

import (
	"fmt"
	"os"
	"path/filepath"

	"converge/internal/state"

	idx "converge/adapters/store"
)

// stateDir resolves the state directory for a project root. An explicit
// --base wins; otherwise state lives under <repo>/.converge.
func stateDir(repo, base string) string {
	if base != "" {
		return base
	}
	return filepath.Join(repo, ".converge")
}

func openStateStore(repo, base string) *state.Store {
	return state.NewStore(stateDir(repo, base))
}

// openIndex opens the cross-run SQLite index, or returns nil when indexing
// is disabled.
func openIndex(repo, base, dbPath string, disabled bool) (idx.Store, error) {
	if disabled {
		return nil, nil
	}
	if dbPath == "" {
		dbPath = filepath.Join(stateDir(repo, base), "converge.db")
	}
	s, err := idx.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open run index: %w", err)
	}
	return s, nil
}

// syncIndex mirrors a run's persisted state into the index, logging instead
// of failing when the index is unavailable.
func syncIndex(index idx.Store, st *state.Store, slug, runID string) {
	if index == nil {
		return
	}
	if err := idx.Sync(index, st, slug, runID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: index sync failed: %v\n", err)
	}
}

func hasGitDir(repo string) bool {
	_, err := os.Stat(filepath.Join(repo, ".git"))
	return err == nil
}
