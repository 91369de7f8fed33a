package finding

import "sort"

// Deferred is a finding that survived at least one iteration unfixed,
// with the number of consecutive iterations it has been deferred.
type Deferred struct {
	Finding               Finding `json:"finding"`
	ConsecutiveDeferCount int     `json:"consecutive_defer_count"`
}

// DeferredTracker maintains deferral bookkeeping across iterations.
//
// Lifecycle per iteration:
//   - Merge: findings re-reported by the evaluator that are already tracked
//     get their consecutive count incremented; anything whose count exceeds
//     the drop threshold is dropped on the spot, before the convergence
//     check sees it.
//   - Settle: after the fix phase, unresolved findings not yet tracked are
//     inserted with count 1, and tracked findings that were fixed (or no
//     longer reported) are removed, breaking the consecutive chain.
type DeferredTracker struct {
	dropAfter int
	entries   map[string]*Deferred
}

// NewDeferredTracker creates a tracker that drops findings once their
// consecutive defer count exceeds dropAfter.
func NewDeferredTracker(dropAfter int) *DeferredTracker {
	return &DeferredTracker{
		dropAfter: dropAfter,
		entries:   make(map[string]*Deferred),
	}
}

// Load replaces the tracker contents with a persisted snapshot (resume path).
func (t *DeferredTracker) Load(snapshot []Deferred) {
	t.entries = make(map[string]*Deferred, len(snapshot))
	for i := range snapshot {
		d := snapshot[i]
		d.Finding.EnsureID()
		t.entries[d.Finding.ID] = &d
	}
}

// Snapshot returns the tracked entries sorted by finding ID, for persistence.
func (t *DeferredTracker) Snapshot() []Deferred {
	out := make([]Deferred, 0, len(t.entries))
	for _, d := range t.entries {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Finding.ID < out[j].Finding.ID })
	return out
}

// Merge processes the evaluator's fresh findings for this iteration.
// Tracked findings that are reported again have survived another iteration:
// their count is incremented, and entries whose count now exceeds the drop
// threshold are dropped. Returns the findings that remain outstanding for
// this iteration (fresh plus surviving deferred) and the dropped entries.
func (t *DeferredTracker) Merge(reported []Finding) (outstanding []Finding, dropped []Deferred) {
	for i := range reported {
		reported[i].EnsureID()
	}
	for _, f := range reported {
		d, tracked := t.entries[f.ID]
		if !tracked {
			outstanding = append(outstanding, f)
			continue
		}
		d.ConsecutiveDeferCount++
		d.Finding = f // keep the freshest description
		if d.ConsecutiveDeferCount > t.dropAfter {
			dropped = append(dropped, *d)
			delete(t.entries, f.ID)
			continue
		}
		outstanding = append(outstanding, f)
	}
	return outstanding, dropped
}

// IsNew reports whether a finding ID is not currently tracked as deferred.
// The convergence detector counts only new findings toward plateau.
func (t *DeferredTracker) IsNew(id string) bool {
	_, tracked := t.entries[id]
	return !tracked
}

// Settle records the end-of-iteration deferral state. unresolved is the set
// of findings that remain unfixed after the fix phase. Untracked unresolved
// findings are inserted with count 1. Tracked findings absent from the
// unresolved set were fixed or are no longer reported, so they are removed.
func (t *DeferredTracker) Settle(unresolved []Finding) {
	keep := make(map[string]bool, len(unresolved))
	for i := range unresolved {
		unresolved[i].EnsureID()
		keep[unresolved[i].ID] = true
	}
	for id := range t.entries {
		if !keep[id] {
			delete(t.entries, id)
		}
	}
	for _, f := range unresolved {
		if _, tracked := t.entries[f.ID]; !tracked {
			t.entries[f.ID] = &Deferred{Finding: f, ConsecutiveDeferCount: 1}
		}
	}
}

// AllDeferred reports whether every outstanding finding is currently
// tracked as deferred. Together with a zero-fix iteration this is a
// convergence signal: nothing actionable remains.
func (t *DeferredTracker) AllDeferred(outstanding []Finding) bool {
	if len(outstanding) == 0 {
		return false
	}
	for i := range outstanding {
		outstanding[i].EnsureID()
		if _, tracked := t.entries[outstanding[i].ID]; !tracked {
			return false
		}
	}
	return true
}

// Count returns the number of tracked deferred findings.
func (t *DeferredTracker) Count() int {
	return len(t.entries)
}
