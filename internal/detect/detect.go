// Package detect evaluates termination signals after each iteration's
// evaluate phase. Signals are expressed as an ordered rule table; the first
// matching rule wins, which fixes the tie-break when several signals could
// fire on the same iteration: clean-eval > all-deferred > plateau >
// no-change > custom rules > max-iterations.
package detect

import (
	"fmt"
	"log/slog"

	"converge/internal/logging"
	"converge/internal/policy"
	"converge/internal/state"
)

// Signal IDs.
const (
	SignalCleanEval     = "CLEAN_EVAL"
	SignalAllDeferred   = "ALL_DEFERRED"
	SignalPlateau       = "PLATEAU"
	SignalNoChange      = "NO_CHANGE"
	SignalMaxIterations = "MAX_ITERATIONS"
)

// Stats is the per-iteration input to the detector, assembled by the
// controller after the evaluate merge. Fix-phase figures refer to the
// previous iteration, because the check runs before this iteration's fix.
type Stats struct {
	Iteration        int   // current iteration, 1-based
	ReportedFindings int   // raw deduplicated findings from this evaluate
	NewFindings      int   // findings not previously tracked as deferred
	History          []int // new-finding counts per iteration, including current
	Outstanding      int   // merged unresolved set size after drop logic
	AllDeferred      bool  // every outstanding finding is tracked as deferred
	PrevFixes        int   // fixes applied in the previous iteration
	PrevFilesChanged int   // files the previous iteration's fix phase touched
	PrevIterations   int   // completed iterations before this one
	MaxIterations    int
}

// Signal is a fired termination signal.
type Signal struct {
	ID          string
	Status      state.Status // Converged, or MaxIterations for the non-convergent terminal
	Explanation string
}

// Rule is one signal check. Evaluate returns nil when the rule does not fire.
type Rule struct {
	ID       string
	Name     string
	Evaluate func(s Stats) *Signal
}

// DefaultRules returns the built-in signal table in priority order.
func DefaultRules(p policy.Policy) []Rule {
	return []Rule{
		{
			ID: SignalCleanEval, Name: "clean-eval",
			Evaluate: func(s Stats) *Signal {
				if s.ReportedFindings != 0 {
					return nil
				}
				return &Signal{
					ID:          SignalCleanEval,
					Status:      state.StatusConverged,
					Explanation: fmt.Sprintf("evaluate reported zero findings at iteration %d", s.Iteration),
				}
			},
		},
		{
			ID: SignalAllDeferred, Name: "all-deferred",
			Evaluate: func(s Stats) *Signal {
				if !s.AllDeferred || s.PrevIterations == 0 || s.PrevFixes != 0 {
					return nil
				}
				return &Signal{
					ID:          SignalAllDeferred,
					Status:      state.StatusConverged,
					Explanation: fmt.Sprintf("all %d outstanding findings deferred and no fixes applied last iteration", s.Outstanding),
				}
			},
		},
		{
			ID: SignalPlateau, Name: "plateau",
			Evaluate: func(s Stats) *Signal {
				n := len(s.History)
				if n < 2 {
					return nil
				}
				last, prev := s.History[n-1], s.History[n-2]
				if last >= p.ConvergenceThreshold || prev >= p.ConvergenceThreshold {
					return nil
				}
				return &Signal{
					ID:     SignalPlateau,
					Status: state.StatusConverged,
					Explanation: fmt.Sprintf("new findings %d and %d over the last two iterations, both below threshold %d",
						prev, last, p.ConvergenceThreshold),
				}
			},
		},
		{
			ID: SignalNoChange, Name: "no-change",
			Evaluate: func(s Stats) *Signal {
				if s.PrevIterations == 0 || s.PrevFilesChanged != 0 {
					return nil
				}
				return &Signal{
					ID:          SignalNoChange,
					Status:      state.StatusConverged,
					Explanation: fmt.Sprintf("fix phase of iteration %d changed no files", s.Iteration-1),
				}
			},
		},
	}
}

// Detector runs the rule table with the minimum-iteration gate and any
// custom policy rules.
type Detector struct {
	rules         []Rule
	custom        []policy.CompiledRule
	minIterations int
	maxIterations int
	threshold     int
}

// New builds a detector from the policy, compiling custom rules up front.
func New(p policy.Policy) (*Detector, error) {
	custom, err := p.CompileRules()
	if err != nil {
		return nil, err
	}
	return &Detector{
		rules:         DefaultRules(p),
		custom:        custom,
		minIterations: p.MinIterations,
		maxIterations: p.MaxIterations,
		threshold:     p.ConvergenceThreshold,
	}, nil
}

// Check evaluates the signal table. A nil result means keep iterating.
// Convergent signals are gated by the minimum-iteration policy; the
// max-iterations terminal is not, since it is a budget, not a judgment.
func (d *Detector) Check(s Stats) *Signal {
	log := logging.New("detect")

	if s.Iteration > d.minIterations {
		for _, rule := range d.rules {
			if sig := rule.Evaluate(s); sig != nil {
				log.Info("convergence signal", "rule", rule.ID, "explanation", sig.Explanation)
				return sig
			}
		}
		if sig := d.checkCustom(s, log); sig != nil {
			return sig
		}
	} else {
		log.Debug("convergence gated by minimum-iteration policy",
			"iteration", s.Iteration, "min_iterations", d.minIterations)
	}

	if s.Iteration >= d.maxIterations {
		sig := &Signal{
			ID:          SignalMaxIterations,
			Status:      state.StatusMaxIterations,
			Explanation: fmt.Sprintf("iteration budget exhausted (%d of %d)", s.Iteration, d.maxIterations),
		}
		log.Info("convergence signal", "rule", SignalMaxIterations, "explanation", sig.Explanation)
		return sig
	}
	return nil
}

func (d *Detector) checkCustom(s Stats, log *slog.Logger) *Signal {
	if len(d.custom) == 0 {
		return nil
	}
	env := map[string]any{
		"stats": map[string]any{
			"iteration":          s.Iteration,
			"reported_findings":  s.ReportedFindings,
			"new_findings":       s.NewFindings,
			"outstanding":        s.Outstanding,
			"all_deferred":       s.AllDeferred,
			"prev_fixes":         s.PrevFixes,
			"prev_files_changed": s.PrevFilesChanged,
		},
		"config": map[string]any{
			"convergence_threshold": d.threshold,
			"max_iterations":        d.maxIterations,
			"min_iterations":        d.minIterations,
		},
	}
	for _, rule := range d.custom {
		ok, err := rule.Eval(env)
		if err != nil {
			log.Warn("custom rule evaluation failed", "rule", rule.ID, "error", err)
			continue
		}
		if ok {
			sig := &Signal{
				ID:          rule.ID,
				Status:      state.StatusConverged,
				Explanation: fmt.Sprintf("custom rule %s (%s) fired", rule.ID, rule.Name),
			}
			log.Info("convergence signal", "rule", rule.ID, "explanation", sig.Explanation)
			return sig
		}
	}
	return nil
}
