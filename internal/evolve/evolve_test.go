package evolve

import (
	"fmt"
	"testing"

	"converge/internal/capability"
)

var scopeFiles = []string{"internal/auth/login.go", "internal/auth/token.go"}

func TestAdmit_RanksAdjacencyFirst(t *testing.T) {
	m := NewManager(10, 30, 0, scopeFiles)

	discoveries := []capability.Discovery{
		{File: "internal/session/store.go", Reason: "imported by login.go", DependencyOf: "internal/auth/login.go"},
		{File: "internal/auth/refresh.go", Reason: "same package"},
	}
	admitted := m.Admit(discoveries)
	if len(admitted) != 2 {
		t.Fatalf("expected 2 admissions, got %d", len(admitted))
	}
	if admitted[0].File != "internal/auth/refresh.go" {
		t.Errorf("module-adjacent candidate must rank first, got %s", admitted[0].File)
	}
}

func TestAdmit_ExcludesUnrelatedWithoutEdge(t *testing.T) {
	m := NewManager(10, 30, 0, scopeFiles)

	admitted := m.Admit([]capability.Discovery{
		{File: "internal/billing/invoice.go", Reason: "mentioned in a comment"},
	})
	if len(admitted) != 0 {
		t.Errorf("unrelated candidate without a dependency edge must be excluded, got %v", admitted)
	}
}

func TestAdmit_PerIterationCapDiscardsRemainder(t *testing.T) {
	m := NewManager(10, 30, 0, scopeFiles)

	var discoveries []capability.Discovery
	for i := 0; i < 12; i++ {
		discoveries = append(discoveries, capability.Discovery{
			File:   fmt.Sprintf("internal/auth/extra%02d.go", i),
			Reason: "same package",
		})
	}
	admitted := m.Admit(discoveries)
	if len(admitted) != 10 {
		t.Fatalf("expected exactly 10 admissions, got %d", len(admitted))
	}

	// The 2 over-cap candidates are discarded, not queued: resubmitting
	// nothing admits nothing.
	if extra := m.Admit(nil); len(extra) != 0 {
		t.Errorf("discarded candidates must not be queued, got %v", extra)
	}
	if m.AdmittedTotal() != 10 {
		t.Errorf("admitted total = %d, want 10", m.AdmittedTotal())
	}
}

func TestAdmit_TotalCapStopsAdmissions(t *testing.T) {
	m := NewManager(10, 30, 28, scopeFiles)

	var discoveries []capability.Discovery
	for i := 0; i < 5; i++ {
		discoveries = append(discoveries, capability.Discovery{
			File:   fmt.Sprintf("internal/auth/extra%02d.go", i),
			Reason: "same package",
		})
	}
	admitted := m.Admit(discoveries)
	if len(admitted) != 2 {
		t.Fatalf("expected 2 admissions up to the total cap, got %d", len(admitted))
	}
	if m.AdmittedTotal() != 30 {
		t.Errorf("admitted total = %d, want 30", m.AdmittedTotal())
	}

	// Once the run-wide cap is reached no further admissions occur.
	admitted = m.Admit([]capability.Discovery{{File: "internal/auth/late.go", Reason: "same package"}})
	if len(admitted) != 0 {
		t.Errorf("admissions past the total cap, got %v", admitted)
	}
}

func TestAdmit_SkipsInScopeAndDuplicates(t *testing.T) {
	m := NewManager(10, 30, 0, scopeFiles)

	admitted := m.Admit([]capability.Discovery{
		{File: "internal/auth/login.go", Reason: "already here"},
		{File: "internal/auth/new.go", Reason: "same package"},
		{File: "internal/auth/new.go", Reason: "duplicate discovery"},
	})
	if len(admitted) != 1 {
		t.Fatalf("expected 1 admission, got %d", len(admitted))
	}
	if admitted[0].File != "internal/auth/new.go" {
		t.Errorf("admitted %s", admitted[0].File)
	}
}
