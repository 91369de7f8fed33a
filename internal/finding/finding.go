// Package finding models evaluator findings and the deferred-finding
// lifecycle. Findings are produced fresh each iteration; identity across
// iterations is the (file, line, category) fingerprint.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Severity classifies how serious a finding is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Effort estimates how much work a fix requires.
type Effort string

const (
	EffortTrivial Effort = "trivial"
	EffortSmall   Effort = "small"
	EffortLarge   Effort = "large"
)

// Finding is a single reported issue.
type Finding struct {
	ID          string   `json:"id"`
	File        string   `json:"file"`
	Line        int      `json:"line"`
	Severity    Severity `json:"severity"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Suggestion  string   `json:"suggestion,omitempty"`
	Effort      Effort   `json:"effort"`
}

// Fingerprint derives the stable identity of a finding from its location
// and category. Two findings with the same fingerprint are the same issue
// reported in different iterations.
func Fingerprint(file string, line int, category string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s", file, line, category))
	return hex.EncodeToString(sum[:8])
}

// EnsureID fills in the fingerprint ID if the evaluator left it empty.
func (f *Finding) EnsureID() {
	if f.ID == "" {
		f.ID = Fingerprint(f.File, f.Line, f.Category)
	}
}

// Dedup merges findings by fingerprint, keeping the first occurrence.
// Chunked evaluation reports overlapping findings when a file appears near
// a chunk boundary; the merged set must count each issue once.
func Dedup(findings []Finding) []Finding {
	seen := make(map[string]bool, len(findings))
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		f.EnsureID()
		if seen[f.ID] {
			continue
		}
		seen[f.ID] = true
		out = append(out, f)
	}
	return out
}

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityHigh:     1,
	SeverityMedium:   2,
	SeverityLow:      3,
	SeverityInfo:     4,
}

// SeverityOrder lists severities from most to least serious, the order the
// fixer is asked to work through findings.
func SeverityOrder() []string {
	return []string{
		string(SeverityCritical),
		string(SeverityHigh),
		string(SeverityMedium),
		string(SeverityLow),
		string(SeverityInfo),
	}
}

var effortRank = map[Effort]int{
	EffortTrivial: 0,
	EffortSmall:   1,
	EffortLarge:   2,
}

// SortForFix orders findings by fix priority: critical/high severity first,
// then trivial/small effort, then by file and line for a stable order.
func SortForFix(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] < severityRank[b.Severity]
		}
		if effortRank[a.Effort] != effortRank[b.Effort] {
			return effortRank[a.Effort] < effortRank[b.Effort]
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Line < b.Line
	})
}

// SplitByEffort partitions findings into fixable and skipped sets. Large
// effort findings are never sent to the fixer; they go straight to the
// deferred tracker.
func SplitByEffort(findings []Finding) (fixable, skipped []Finding) {
	for _, f := range findings {
		if f.Effort == EffortLarge {
			skipped = append(skipped, f)
			continue
		}
		fixable = append(fixable, f)
	}
	return fixable, skipped
}
