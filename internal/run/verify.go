package run

import (
	"context"
	"fmt"

	"converge/internal/capability"
	"converge/internal/detect"
	"converge/internal/finding"
	"converge/internal/state"
)

// cleanRoomFixLimit is the most issues a clean-room round may surface and
// still be fixed inline. Anything above it means the convergence signal was
// wrong and the run fails for operator attention.
const cleanRoomFixLimit = 3

// finish handles a fired termination signal: it records the terminal
// iteration, runs clean-room verification for convergent signals, and
// produces the run's outcome.
func (c *Controller) finish(ctx context.Context, st *state.RunState, tracker *finding.DeferredTracker, ev *evalArtifact, sig *detect.Signal) (*Outcome, error) {
	st.Signal = sig.ID
	rec := &state.IterationRecord{
		Iteration:        st.CurrentIteration,
		NewFindings:      ev.NewCount,
		ReportedFindings: len(ev.Reported),
		Deferred:         tracker.Count(),
		Dropped:          len(ev.Dropped),
		ValidationResult: "skipped",
		Status:           "complete",
		Signal:           sig.ID,
		CompletedAt:      nowRFC3339(),
	}
	if err := c.store.SaveIteration(st.ScopeSlug, st.RunID, rec); err != nil {
		return nil, err
	}

	if sig.Status == state.StatusMaxIterations {
		st.Status = state.StatusMaxIterations
		if err := c.store.SaveState(st); err != nil {
			return nil, err
		}
		c.log.Info("run ended at iteration budget", "iterations", st.CurrentIteration,
			"outstanding", len(ev.Outstanding))
		return c.outcome(st, ExitMaxIterations, tracker.Count(), nil), nil
	}

	rounds, residualExtra, failed, err := c.cleanRoom(ctx, st)
	if err != nil {
		return nil, err
	}
	if failed {
		st.Status = state.StatusFailed
		if err := c.store.SaveState(st); err != nil {
			return nil, err
		}
		return c.outcome(st, ExitFailed, tracker.Count()+residualExtra, rounds), nil
	}

	st.Status = state.StatusConverged
	if err := c.store.SaveState(st); err != nil {
		return nil, err
	}
	residual := tracker.Count() + residualExtra
	exit := ExitConvergedClean
	if residual > 0 {
		exit = ExitConvergedResidual
	}
	c.log.Info("run converged", "signal", sig.ID, "iterations", st.CurrentIteration,
		"residual", residual)
	return c.outcome(st, exit, residual, rounds), nil
}

// cleanRoom runs verification after a convergence signal: a fresh full-scope
// evaluation with no iteration context. Zero issues confirms convergence. A
// handful get fixed inline and re-verified once; more than the inline limit
// fails the run. Issues surviving the second round count as residual.
func (c *Controller) cleanRoom(ctx context.Context, st *state.RunState) (rounds []state.CleanRoomResult, residual int, failed bool, err error) {
	issues, err := c.cleanRoomEvaluate(ctx, st)
	if err != nil {
		return nil, 0, false, fmt.Errorf("clean-room round 1: %w", err)
	}
	n := len(issues)
	c.log.Info("clean-room round", "round", 1, "issues", n)

	switch {
	case n == 0:
		rounds = append(rounds, state.CleanRoomResult{Round: 1, IssuesFound: 0, Outcome: "pass"})
	case n > cleanRoomFixLimit:
		rounds = append(rounds, state.CleanRoomResult{Round: 1, IssuesFound: n, Outcome: "failed"})
		c.saveCleanRoom(st, rounds)
		return rounds, n, true, nil
	default:
		rounds = append(rounds, state.CleanRoomResult{Round: 1, IssuesFound: n, Outcome: "fixed_inline"})
		if err := c.cleanRoomFix(ctx, st, issues); err != nil {
			c.saveCleanRoom(st, rounds)
			return rounds, n, true, fmt.Errorf("clean-room inline fix: %w", err)
		}
		second, err := c.cleanRoomEvaluate(ctx, st)
		if err != nil {
			c.saveCleanRoom(st, rounds)
			return rounds, 0, false, fmt.Errorf("clean-room round 2: %w", err)
		}
		m := len(second)
		c.log.Info("clean-room round", "round", 2, "issues", m)
		if m == 0 {
			rounds = append(rounds, state.CleanRoomResult{Round: 2, IssuesFound: 0, Outcome: "pass"})
		} else {
			// No third round; what the second round still finds ships as
			// residual findings.
			rounds = append(rounds, state.CleanRoomResult{Round: 2, IssuesFound: m, Outcome: "residual"})
			residual = m
		}
	}
	c.saveCleanRoom(st, rounds)
	return rounds, residual, false, nil
}

// cleanRoomEvaluate issues a single full-scope evaluation flagged clean-room
// so the backend evaluates without any accumulated run context.
func (c *Controller) cleanRoomEvaluate(ctx context.Context, st *state.RunState) ([]finding.Finding, error) {
	req := capability.EvaluateRequest{
		ScopeSlug: st.ScopeSlug,
		RunID:     st.RunID,
		Iteration: st.CurrentIteration,
		Chunk:     0,
		Chunks:    1,
		Files:     st.ScopeFiles,
		CleanRoom: true,
	}
	res, err := c.evaluateChunk(ctx, req)
	if err != nil {
		return nil, err
	}
	return finding.Dedup(res.Findings), nil
}

// cleanRoomFix applies inline fixes for a small clean-room issue set and
// validates them before re-verification.
func (c *Controller) cleanRoomFix(ctx context.Context, st *state.RunState, issues []finding.Finding) error {
	finding.SortForFix(issues)
	req := capability.FixRequest{
		ScopeSlug: st.ScopeSlug,
		RunID:     st.RunID,
		Iteration: st.CurrentIteration,
		Findings:  issues,
		Policy: capability.FixPolicy{
			SeverityOrder: finding.SeverityOrder(),
		},
	}
	var res *capability.FixResult
	err := capability.WithDeadline(ctx, "fix", c.pol.CapabilityTimeout.Std(), func(ctx context.Context) error {
		r, err := c.suite.Fix(ctx, req)
		res = r
		return err
	})
	if err != nil {
		return err
	}
	if len(res.FilesChanged) == 0 {
		return nil
	}

	vreq := capability.ValidateRequest{
		ScopeSlug:    st.ScopeSlug,
		RunID:        st.RunID,
		Iteration:    st.CurrentIteration,
		ChangedFiles: res.FilesChanged,
	}
	var vres *capability.ValidateResult
	err = capability.WithDeadline(ctx, "validate", c.pol.CapabilityTimeout.Std(), func(ctx context.Context) error {
		r, err := c.suite.Validate(ctx, vreq)
		vres = r
		return err
	})
	if err != nil {
		return err
	}
	if !vres.Passed {
		if c.git != nil {
			if rerr := c.git.RestoreFiles(ctx, res.FilesChanged); rerr != nil {
				return rerr
			}
		}
		return fmt.Errorf("inline fixes failed validation: %v", vres.Errors)
	}
	if c.git != nil {
		if _, err := c.git.StageAndCommit(ctx, res.FilesChanged, st.ScopeSlug, st.CurrentIteration); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) saveCleanRoom(st *state.RunState, rounds []state.CleanRoomResult) {
	if err := c.store.SaveArtifact(st.ScopeSlug, st.RunID, st.CurrentIteration, artifactCleanRoom, rounds); err != nil {
		c.log.Warn("failed to persist clean-room results", "error", err)
	}
}
