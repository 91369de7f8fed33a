// Package run drives the iteration loop: evaluate, check for convergence,
// fix, validate, commit, update state. Every phase boundary is persisted so
// a crashed or stopped run resumes exactly where it left off.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"converge/internal/capability"
	"converge/internal/detect"
	"converge/internal/finding"
	"converge/internal/gitops"
	"converge/internal/logging"
	"converge/internal/policy"
	"converge/internal/scope"
	"converge/internal/state"
)

// Options configures a Controller.
type Options struct {
	Store  *state.Store
	Suite  capability.Suite
	Git    *gitops.Git // nil disables commits, restores and the clean-tree check
	Policy policy.Policy

	// Stop is polled between phases; returning true halts the run
	// cooperatively with status stopped. May be nil.
	Stop func() bool
}

// Controller owns one run at a time and executes its iterations.
type Controller struct {
	store    *state.Store
	suite    capability.Suite
	git      *gitops.Git
	pol      policy.Policy
	detector *detect.Detector
	stop     func() bool
	log      *slog.Logger
}

// New validates the options and builds a controller.
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("run: store is required")
	}
	if opts.Suite == nil {
		return nil, errors.New("run: capability suite is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	det, err := detect.New(opts.Policy)
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	return &Controller{
		store:    opts.Store,
		suite:    opts.Suite,
		git:      opts.Git,
		pol:      opts.Policy,
		detector: det,
		stop:     opts.Stop,
		log:      logging.New("run"),
	}, nil
}

// NewRunID returns a sortable unique run identifier.
func NewRunID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// Start begins a fresh run over the resolved scope and drives it to a
// terminal status.
func (c *Controller) Start(ctx context.Context, bundle *scope.Bundle) (*Outcome, error) {
	if len(bundle.Files) == 0 {
		return nil, fmt.Errorf("scope %s resolved to no files", bundle.Slug)
	}
	if c.git != nil {
		if err := c.git.EnsureClean(ctx, c.store.Base()); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC().Format(time.RFC3339)
	st := &state.RunState{
		ScopeSlug:            bundle.Slug,
		RunID:                NewRunID(),
		MaxIterations:        c.pol.MaxIterations,
		ConvergenceThreshold: c.pol.ConvergenceThreshold,
		DeferredDropAfter:    c.pol.DeferredDropAfter,
		MinIterations:        c.pol.MinIterations,
		CurrentIteration:     1,
		Phase:                state.PhaseEvaluate,
		Status:               state.StatusRunning,
		ScopeFiles:           bundle.Files,
		StartedAt:            now,
		UpdatedAt:            now,
	}
	if err := c.store.InitRun(st); err != nil {
		return nil, fmt.Errorf("init run: %w", err)
	}
	c.log.Info("run started", "scope", st.ScopeSlug, "run_id", st.RunID,
		"files", len(st.ScopeFiles), "max_iterations", st.MaxIterations)
	tracker := finding.NewDeferredTracker(st.DeferredDropAfter)
	return c.loop(ctx, st, tracker)
}

// Resume continues a persisted run from its recorded phase. An empty runID
// selects the scope's most recent run. Stopped runs resume; other terminal
// statuses are final.
func (c *Controller) Resume(ctx context.Context, slug, runID string) (*Outcome, error) {
	if runID == "" {
		latest, err := c.store.LatestRunID(slug)
		if err != nil {
			return nil, err
		}
		runID = latest
	}
	st, err := c.store.LoadState(slug, runID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("no run state for %s/%s", slug, runID)
	}
	if st.Status == state.StatusStopped {
		st.Status = state.StatusRunning
	} else if st.Terminal() {
		return nil, fmt.Errorf("run %s already finished with status %s", runID, st.Status)
	}
	tracker := finding.NewDeferredTracker(st.DeferredDropAfter)
	snap, err := c.store.LoadDeferred(slug, runID)
	if err != nil {
		return nil, err
	}
	tracker.Load(snap)
	c.log.Info("run resumed", "scope", slug, "run_id", runID,
		"iteration", st.CurrentIteration, "phase", st.Phase)
	return c.loop(ctx, st, tracker)
}

// ResumeOrRecover resumes a run, and when the persisted state is unreadable
// discards the corrupt run and starts a fresh one over the same scope.
// resolve supplies the scope bundle and is only called on recovery.
func (c *Controller) ResumeOrRecover(ctx context.Context, slug, runID string, resolve func() (*scope.Bundle, error)) (*Outcome, error) {
	out, err := c.Resume(ctx, slug, runID)
	var corrupt *state.CorruptError
	if err == nil || !errors.As(err, &corrupt) {
		return out, err
	}
	discardID := runID
	if discardID == "" {
		latest, lerr := c.store.LatestRunID(slug)
		if lerr != nil {
			return nil, lerr
		}
		discardID = latest
	}
	c.log.Warn("discarding corrupt run state", "scope", slug, "run_id", discardID, "error", err)
	if derr := c.store.Discard(slug, discardID); derr != nil {
		return nil, fmt.Errorf("discard corrupt run: %w", derr)
	}
	bundle, err := resolve()
	if err != nil {
		return nil, err
	}
	return c.Start(ctx, bundle)
}

func (c *Controller) loop(ctx context.Context, st *state.RunState, tracker *finding.DeferredTracker) (*Outcome, error) {
	for {
		out, err := c.iterate(ctx, st, tracker)
		if err != nil {
			return c.fail(st, err)
		}
		if out != nil {
			return out, nil
		}
	}
}

// iterate runs one iteration's phases. A non-nil outcome ends the run.
func (c *Controller) iterate(ctx context.Context, st *state.RunState, tracker *finding.DeferredTracker) (*Outcome, error) {
	iter := st.CurrentIteration
	c.log.Info("iteration", "n", iter, "phase", st.Phase, "scope_files", len(st.ScopeFiles))

	// Each fresh iteration must start from a committed tree. A resume past
	// the evaluate phase legitimately carries uncommitted fixes and skips
	// the check.
	if c.git != nil && st.Phase == state.PhaseEvaluate {
		if err := c.git.EnsureClean(ctx, c.store.Base()); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", iter, err)
		}
	}

	ev, err := c.evaluatePhase(ctx, st, tracker)
	if err != nil {
		return nil, err
	}
	if out, err := c.checkStop(st); out != nil || err != nil {
		return out, err
	}

	sig, err := c.convergePhase(st, ev)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		return c.finish(ctx, st, tracker, ev, sig)
	}
	if out, err := c.checkStop(st); out != nil || err != nil {
		return out, err
	}

	fx, err := c.fixPhase(ctx, st, ev)
	if err != nil {
		return nil, err
	}
	if out, err := c.checkStop(st); out != nil || err != nil {
		return out, err
	}

	vr, err := c.validatePhase(ctx, st, fx)
	if err != nil {
		return nil, err
	}

	hash, err := c.commitPhase(ctx, st, vr)
	if err != nil {
		return nil, err
	}

	if err := c.updatePhase(st, tracker, ev, fx, vr, hash); err != nil {
		return nil, err
	}
	if out, err := c.checkStop(st); out != nil || err != nil {
		return out, err
	}
	return nil, nil
}

// checkStop polls the cooperative stop hook between phases.
func (c *Controller) checkStop(st *state.RunState) (*Outcome, error) {
	if c.stop == nil || !c.stop() {
		return nil, nil
	}
	st.Status = state.StatusStopped
	if err := c.store.SaveState(st); err != nil {
		return nil, err
	}
	c.log.Info("run stopped", "iteration", st.CurrentIteration, "phase", st.Phase)
	return c.outcome(st, ExitStopped, 0, nil), nil
}

// fail records a failed terminal status, preserving the causing error.
func (c *Controller) fail(st *state.RunState, cause error) (*Outcome, error) {
	st.Status = state.StatusFailed
	if err := c.store.SaveState(st); err != nil {
		c.log.Error("failed to persist failure status", "error", err)
	}
	c.log.Error("run failed", "iteration", st.CurrentIteration, "phase", st.Phase, "error", cause)
	return c.outcome(st, ExitFailed, 0, nil), cause
}

func (c *Controller) outcome(st *state.RunState, exitStatus string, residual int, cleanRoom []state.CleanRoomResult) *Outcome {
	out := &Outcome{
		ScopeSlug:  st.ScopeSlug,
		RunID:      st.RunID,
		Status:     st.Status,
		ExitStatus: exitStatus,
		Signal:     st.Signal,
		Iterations: st.CurrentIteration,
		Residual:   residual,
		CleanRoom:  cleanRoom,
	}
	if _, err := c.store.SaveReport(st.ScopeSlug, st.RunID, out); err != nil {
		c.log.Warn("failed to persist run report", "error", err)
	}
	return out
}
