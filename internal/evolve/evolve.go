// Package evolve admits newly discovered files into a run's scope under
// per-iteration and run-total growth caps. Candidates are ranked by module
// adjacency first, then by a direct dependency edge to an in-scope file;
// unrelated candidates are excluded outright.
package evolve

import (
	"container/heap"
	"log/slog"
	"path"

	"converge/internal/capability"
	"converge/internal/logging"
	"converge/internal/state"
)

// adjacency classes, lower is stronger.
const (
	classSameModule = 0
	classDependency = 1
)

type candidate struct {
	file   string
	reason string
	class  int
}

// candidateQueue is a min-heap: best (lowest class, then lexical file order
// for determinism) on top.
type candidateQueue []candidate

func (q candidateQueue) Len() int { return len(q) }
func (q candidateQueue) Less(i, j int) bool {
	if q[i].class != q[j].class {
		return q[i].class < q[j].class
	}
	return q[i].file < q[j].file
}
func (q candidateQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *candidateQueue) Push(x any)        { *q = append(*q, x.(candidate)) }
func (q *candidateQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Manager enforces the scope growth caps across a run.
type Manager struct {
	perIterationCap int
	totalCap        int
	admittedTotal   int

	inScope map[string]bool
	dirs    map[string]bool
	log     *slog.Logger
}

// NewManager creates a manager over the current scope file set.
// admittedTotal carries the run-wide admission count across resume.
func NewManager(perIterationCap, totalCap, admittedTotal int, scopeFiles []string) *Manager {
	m := &Manager{
		perIterationCap: perIterationCap,
		totalCap:        totalCap,
		admittedTotal:   admittedTotal,
		inScope:         make(map[string]bool, len(scopeFiles)),
		dirs:            make(map[string]bool),
		log:             logging.New("evolve"),
	}
	for _, f := range scopeFiles {
		m.track(f)
	}
	return m
}

func (m *Manager) track(file string) {
	m.inScope[file] = true
	m.dirs[path.Dir(file)] = true
}

// AdmittedTotal returns the run-wide admission count.
func (m *Manager) AdmittedTotal() int { return m.admittedTotal }

// Admit ranks one iteration's discoveries and admits up to the per-iteration
// cap, respecting the run total. Candidates beyond the caps are discarded,
// not queued for later iterations. Returns the admissions with their
// justifications.
func (m *Manager) Admit(discoveries []capability.Discovery) []state.ScopeAddition {
	if m.admittedTotal >= m.totalCap {
		if len(discoveries) > 0 {
			m.log.Debug("scope growth cap reached, discarding candidates", "candidates", len(discoveries))
		}
		return nil
	}

	q := &candidateQueue{}
	heap.Init(q)
	seen := make(map[string]bool)
	for _, d := range discoveries {
		if d.File == "" || m.inScope[d.File] || seen[d.File] {
			continue
		}
		seen[d.File] = true

		switch {
		case m.dirs[path.Dir(d.File)]:
			heap.Push(q, candidate{file: d.File, reason: d.Reason, class: classSameModule})
		case d.DependencyOf != "" && m.inScope[d.DependencyOf]:
			heap.Push(q, candidate{file: d.File, reason: d.Reason, class: classDependency})
		default:
			// Unrelated module without a direct edge: excluded.
			m.log.Debug("candidate excluded", "file", d.File, "reason", "no adjacency or dependency edge")
		}
	}

	budget := m.perIterationCap
	if remaining := m.totalCap - m.admittedTotal; remaining < budget {
		budget = remaining
	}

	var admitted []state.ScopeAddition
	for q.Len() > 0 && len(admitted) < budget {
		c := heap.Pop(q).(candidate)
		m.track(c.file)
		m.admittedTotal++
		admitted = append(admitted, state.ScopeAddition{File: c.file, Reason: c.reason})
		m.log.Info("scope addition admitted", "file", c.file, "reason", c.reason, "total", m.admittedTotal)
	}
	if q.Len() > 0 {
		m.log.Debug("candidates discarded over cap", "discarded", q.Len())
	}
	return admitted
}
