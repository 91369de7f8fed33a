package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"converge/internal/state"
)

// both implementations must behave identically.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"mem": NewMemStore(),
		"sql": sqlStore,
	}
}

func TestRunRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			r := &RunSummary{
				RunID: "run-1", ScopeSlug: "feature-auth", Status: "converged",
				Signal: "PLATEAU", ExitStatus: "converged-clean", Iterations: 3,
				StartedAt: "2026-08-30T10:00:00Z", UpdatedAt: "2026-08-30T10:20:00Z",
			}
			require.NoError(t, s.UpsertRun(r))

			got, err := s.GetRun("run-1")
			require.NoError(t, err)
			require.Equal(t, r, got)

			missing, err := s.GetRun("nope")
			require.NoError(t, err)
			require.Nil(t, missing)

			// Upsert replaces.
			r.Status = "failed"
			require.NoError(t, s.UpsertRun(r))
			got, err = s.GetRun("run-1")
			require.NoError(t, err)
			require.Equal(t, "failed", got.Status)
		})
	}
}

func TestListRuns_ScopeFilterAndOrder(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.UpsertRun(&RunSummary{RunID: "a", ScopeSlug: "feature-auth", Status: "converged", UpdatedAt: "2026-08-30T10:00:00Z"}))
			require.NoError(t, s.UpsertRun(&RunSummary{RunID: "b", ScopeSlug: "feature-auth", Status: "running", UpdatedAt: "2026-08-30T11:00:00Z"}))
			require.NoError(t, s.UpsertRun(&RunSummary{RunID: "c", ScopeSlug: "cross-errors", Status: "converged", UpdatedAt: "2026-08-30T12:00:00Z"}))

			all, err := s.ListRuns("")
			require.NoError(t, err)
			require.Len(t, all, 3)
			require.Equal(t, "c", all[0].RunID)

			auth, err := s.ListRuns("feature-auth")
			require.NoError(t, err)
			require.Len(t, auth, 2)
			require.Equal(t, "b", auth[0].RunID)
		})
	}
}

func TestIterationRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 3; i++ {
				require.NoError(t, s.UpsertIteration(&IterationSummary{
					RunID: "run-1", Iteration: i, ReportedFindings: 5 - i,
					ValidationResult: "passed", Status: "complete",
				}))
			}
			// Replay of the same iteration overwrites, not duplicates.
			require.NoError(t, s.UpsertIteration(&IterationSummary{
				RunID: "run-1", Iteration: 2, ReportedFindings: 9,
				ValidationResult: "reverted", Status: "reverted",
			}))

			got, err := s.ListIterations("run-1")
			require.NoError(t, err)
			require.Len(t, got, 3)
			require.Equal(t, 1, got[0].Iteration)
			require.Equal(t, "reverted", got[1].ValidationResult)
			require.Equal(t, 9, got[1].ReportedFindings)
		})
	}
}

func TestSync(t *testing.T) {
	st := state.NewStore(t.TempDir())
	rs := &state.RunState{
		ScopeSlug: "feature-auth", RunID: "run-1",
		Status: state.StatusConverged, Signal: "CLEAN_EVAL", CurrentIteration: 2,
		StartedAt: "2026-08-30T10:00:00Z", UpdatedAt: "2026-08-30T10:20:00Z",
	}
	require.NoError(t, st.InitRun(rs))
	require.NoError(t, st.SaveIteration("feature-auth", "run-1", &state.IterationRecord{
		Iteration: 1, ReportedFindings: 2, Fixed: 2, ValidationResult: "passed", Status: "complete",
	}))
	_, err := st.SaveReport("feature-auth", "run-1", map[string]any{
		"exit_status": "converged-clean", "residual_findings": 0,
	})
	require.NoError(t, err)

	idx := NewMemStore()
	require.NoError(t, Sync(idx, st, "feature-auth", "run-1"))

	run, err := idx.GetRun("run-1")
	require.NoError(t, err)
	require.Equal(t, "converged", run.Status)
	require.Equal(t, "converged-clean", run.ExitStatus)

	its, err := idx.ListIterations("run-1")
	require.NoError(t, err)
	require.Len(t, its, 1)
	require.Equal(t, 2, its[0].Fixed)
}
