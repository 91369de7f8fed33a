package finding

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFingerprint_Stable(t *testing.T) {
	a := Fingerprint("internal/auth/login.go", 42, "error-handling")
	b := Fingerprint("internal/auth/login.go", 42, "error-handling")
	if a != b {
		t.Errorf("fingerprint not stable: %s vs %s", a, b)
	}
	c := Fingerprint("internal/auth/login.go", 43, "error-handling")
	if a == c {
		t.Error("different lines must produce different fingerprints")
	}
}

func TestDedup_ByFileLineCategory(t *testing.T) {
	findings := []Finding{
		{File: "a.go", Line: 10, Category: "nil-check", Severity: SeverityHigh, Effort: EffortSmall},
		{File: "a.go", Line: 10, Category: "nil-check", Severity: SeverityHigh, Effort: EffortSmall},
		{File: "a.go", Line: 10, Category: "naming", Severity: SeverityLow, Effort: EffortTrivial},
		{File: "b.go", Line: 3, Category: "nil-check", Severity: SeverityMedium, Effort: EffortSmall},
	}
	got := Dedup(findings)
	if len(got) != 3 {
		t.Fatalf("expected 3 deduped findings, got %d", len(got))
	}
	for _, f := range got {
		if f.ID == "" {
			t.Errorf("dedup must assign IDs, finding %s:%d has none", f.File, f.Line)
		}
	}
}

func TestSortForFix_SeverityThenEffort(t *testing.T) {
	findings := []Finding{
		{File: "c.go", Line: 1, Category: "style", Severity: SeverityLow, Effort: EffortTrivial},
		{File: "a.go", Line: 5, Category: "race", Severity: SeverityCritical, Effort: EffortSmall},
		{File: "b.go", Line: 2, Category: "leak", Severity: SeverityCritical, Effort: EffortTrivial},
		{File: "d.go", Line: 9, Category: "api", Severity: SeverityHigh, Effort: EffortLarge},
	}
	SortForFix(findings)

	wantOrder := []string{"b.go", "a.go", "d.go", "c.go"}
	var gotOrder []string
	for _, f := range findings {
		gotOrder = append(gotOrder, f.File)
	}
	if diff := cmp.Diff(wantOrder, gotOrder); diff != "" {
		t.Errorf("fix order mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitByEffort(t *testing.T) {
	findings := []Finding{
		{File: "a.go", Line: 1, Category: "x", Effort: EffortTrivial},
		{File: "b.go", Line: 2, Category: "y", Effort: EffortLarge},
		{File: "c.go", Line: 3, Category: "z", Effort: EffortSmall},
	}
	fixable, skipped := SplitByEffort(findings)
	if len(fixable) != 2 || len(skipped) != 1 {
		t.Fatalf("expected 2 fixable / 1 skipped, got %d / %d", len(fixable), len(skipped))
	}
	if skipped[0].File != "b.go" {
		t.Errorf("expected large-effort b.go skipped, got %s", skipped[0].File)
	}
}
