package gitops

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"converge/internal/state"
)

// scriptRunner records invocations and replays canned outputs keyed by the
// joined argument string.
type scriptRunner struct {
	calls   []string
	outputs map[string]string
	errs    map[string]error
}

func (r *scriptRunner) run(_ context.Context, _ string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	r.calls = append(r.calls, key)
	if err, ok := r.errs[key]; ok {
		return "", err
	}
	return r.outputs[key], nil
}

func TestEnsureClean(t *testing.T) {
	tests := []struct {
		name      string
		porcelain string
		exempt    string
		wantErr   bool
	}{
		{name: "clean tree", porcelain: ""},
		{name: "dirty tree", porcelain: " M internal/auth/login.go\n", wantErr: true},
		{name: "state dir exempt", porcelain: "?? .converge/runs/feature-auth/state.json\n", exempt: ".converge"},
		{name: "rename counts as dirty", porcelain: "R  old.go -> new.go\n", wantErr: true},
		{name: "state dir plus real change", porcelain: "?? .converge/latest\n M main.go\n", exempt: ".converge", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptRunner{outputs: map[string]string{"status --porcelain": tt.porcelain}}
			g := NewWithRunner("/repo", r.run)
			err := g.EnsureClean(context.Background(), tt.exempt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureClean() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStageAndCommit(t *testing.T) {
	r := &scriptRunner{outputs: map[string]string{
		"diff --cached --name-only": "a.go\nb.go\n",
		"rev-parse HEAD":            "abc123\n",
	}}
	g := NewWithRunner("/repo", r.run)

	hash, err := g.StageAndCommit(context.Background(), []string{"a.go", "b.go"}, "feature-auth", 2)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "abc123" {
		t.Errorf("hash = %q, want abc123", hash)
	}

	want := []string{
		"add -- a.go b.go",
		"diff --cached --name-only",
		"commit -m converge(feature-auth): iteration 2 fixes",
		"rev-parse HEAD",
	}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Errorf("git calls mismatch (-want +got):\n%s", diff)
	}
}

func TestStageAndCommit_NothingStaged(t *testing.T) {
	r := &scriptRunner{outputs: map[string]string{"diff --cached --name-only": "\n"}}
	g := NewWithRunner("/repo", r.run)

	hash, err := g.StageAndCommit(context.Background(), []string{"a.go"}, "feature-auth", 1)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" {
		t.Errorf("hash = %q, want empty", hash)
	}
	for _, call := range r.calls {
		if strings.HasPrefix(call, "commit") {
			t.Error("commit must not run when nothing is staged")
		}
	}
}

func TestStageAndCommit_NoFiles(t *testing.T) {
	r := &scriptRunner{}
	g := NewWithRunner("/repo", r.run)
	hash, err := g.StageAndCommit(context.Background(), nil, "feature-auth", 1)
	if err != nil || hash != "" {
		t.Fatalf("StageAndCommit(nil) = %q, %v", hash, err)
	}
	if len(r.calls) != 0 {
		t.Errorf("expected no git calls, got %v", r.calls)
	}
}

func TestRestoreFiles(t *testing.T) {
	r := &scriptRunner{}
	g := NewWithRunner("/repo", r.run)
	if err := g.RestoreFiles(context.Background(), []string{"a.go", "b.go"}); err != nil {
		t.Fatal(err)
	}
	want := []string{"checkout -- a.go b.go"}
	if diff := cmp.Diff(want, r.calls); diff != "" {
		t.Errorf("git calls mismatch (-want +got):\n%s", diff)
	}
}

func TestChangedFiles(t *testing.T) {
	r := &scriptRunner{outputs: map[string]string{
		"status --porcelain": " M a.go\n?? b.go\nR  old.go -> new.go\n",
	}}
	g := NewWithRunner("/repo", r.run)
	files, err := g.ChangedFiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a.go", "b.go", "new.go"}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Errorf("files mismatch (-want +got):\n%s", diff)
	}
}

func TestRollback_MostRecentFirst(t *testing.T) {
	store := state.NewStore(t.TempDir())
	st := &state.RunState{ScopeSlug: "feature-auth", RunID: "run-1"}
	if err := store.InitRun(st); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 3; i++ {
		rec := &state.IterationRecord{Iteration: i, CommitHash: fmt.Sprintf("hash-%d", i), Status: "complete"}
		if err := store.SaveIteration("feature-auth", "run-1", rec); err != nil {
			t.Fatal(err)
		}
	}

	r := &scriptRunner{}
	g := NewWithRunner("/repo", r.run)
	m := NewRollbackManager(g, store)

	reverted, err := m.Rollback(context.Background(), "feature-auth", "run-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"hash-3", "hash-2"}, reverted); diff != "" {
		t.Errorf("revert order mismatch (-want +got):\n%s", diff)
	}

	recs, err := store.LoadIterations("feature-auth", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range recs {
		wantStatus := "complete"
		if rec.Iteration >= 2 {
			wantStatus = "reverted"
		}
		if rec.Status != wantStatus {
			t.Errorf("iteration %d status = %q, want %q", rec.Iteration, rec.Status, wantStatus)
		}
	}
}

func TestRollback_AllAndIdempotent(t *testing.T) {
	store := state.NewStore(t.TempDir())
	st := &state.RunState{ScopeSlug: "feature-auth", RunID: "run-1"}
	if err := store.InitRun(st); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveIteration("feature-auth", "run-1", &state.IterationRecord{Iteration: 1, CommitHash: "h1", Status: "complete"}); err != nil {
		t.Fatal(err)
	}
	// Iterations without a commit are skipped.
	if err := store.SaveIteration("feature-auth", "run-1", &state.IterationRecord{Iteration: 2, Status: "complete"}); err != nil {
		t.Fatal(err)
	}

	g := NewWithRunner("/repo", (&scriptRunner{}).run)
	m := NewRollbackManager(g, store)

	reverted, err := m.Rollback(context.Background(), "feature-auth", "run-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"h1"}, reverted); diff != "" {
		t.Errorf("reverted mismatch (-want +got):\n%s", diff)
	}

	// Everything already reverted: a second rollback has nothing to do.
	if _, err := m.Rollback(context.Background(), "feature-auth", "run-1", 0); err == nil {
		t.Error("expected error when no committed iterations remain")
	}
}
