package run

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"converge/internal/capability"
	"converge/internal/detect"
	"converge/internal/evolve"
	"converge/internal/finding"
	"converge/internal/scope"
	"converge/internal/state"
)

// Per-iteration artifact names. Each phase writes its artifact before the
// state record advances, so a crash between the two resolves by reusing the
// artifact instead of re-running the phase.
const (
	artifactEvaluate  = "evaluate.json"
	artifactFix       = "fix.json"
	artifactValidate  = "validate.json"
	artifactCommit    = "commit.json"
	artifactCleanRoom = "cleanroom.json"
)

var phaseOrder = map[state.Phase]int{
	state.PhaseEvaluate:      0,
	state.PhaseConvergeCheck: 1,
	state.PhaseFix:           2,
	state.PhaseValidate:      3,
	state.PhaseCommit:        4,
	state.PhaseStateUpdate:   5,
}

type evalArtifact struct {
	Reported    []finding.Finding      `json:"reported"`
	Outstanding []finding.Finding      `json:"outstanding"`
	Dropped     []finding.Deferred     `json:"dropped,omitempty"`
	NewCount    int                    `json:"new_count"`
	AllDeferred bool                   `json:"all_deferred"`
	Discovered  []capability.Discovery `json:"discovered,omitempty"`
	Tracker     []finding.Deferred     `json:"tracker"`
}

type fixArtifact struct {
	Attempted []finding.Finding    `json:"attempted"`
	Skipped   []finding.Finding    `json:"skipped,omitempty"`
	Result    capability.FixResult `json:"result"`
	Failed    bool                 `json:"failed,omitempty"`
}

type validateArtifact struct {
	Result   string   `json:"result"` // passed, reverted, skipped
	Errors   []string `json:"errors,omitempty"`
	Attempts int      `json:"attempts"`
	Changed  []string `json:"changed_files,omitempty"`
	FixedIDs []string `json:"fixed_ids,omitempty"`
}

type commitArtifact struct {
	Hash string `json:"commit_hash,omitempty"`
}

// advance persists the phase transition after a phase's artifact is written.
func (c *Controller) advance(st *state.RunState, next state.Phase) error {
	st.Phase = next
	if err := c.store.SaveState(st); err != nil {
		return fmt.Errorf("advance to %s: %w", next, err)
	}
	return nil
}

func (c *Controller) evaluatePhase(ctx context.Context, st *state.RunState, tracker *finding.DeferredTracker) (*evalArtifact, error) {
	iter := st.CurrentIteration
	var art evalArtifact
	ok, err := c.store.LoadArtifact(st.ScopeSlug, st.RunID, iter, artifactEvaluate, &art)
	if err != nil {
		return nil, err
	}
	if ok {
		// Completed before a restart. The tracker snapshot in the artifact
		// already reflects this iteration's merge.
		tracker.Load(art.Tracker)
		if phaseOrder[st.Phase] == 0 {
			if err := c.completeEvaluate(st, &art); err != nil {
				return nil, err
			}
		}
		return &art, nil
	}

	artifactDir, err := c.store.EnsureIterDir(st.ScopeSlug, st.RunID, iter)
	if err != nil {
		return nil, err
	}
	chunks := scope.Chunk(st.ScopeFiles, c.pol.ChunkThreshold, c.pol.ChunkSize)
	results := make([]*capability.EvaluateResult, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.pol.EvalParallel)
	for i, files := range chunks {
		g.Go(func() error {
			req := capability.EvaluateRequest{
				ScopeSlug:   st.ScopeSlug,
				RunID:       st.RunID,
				Iteration:   iter,
				Chunk:       i,
				Chunks:      len(chunks),
				Files:       files,
				ArtifactDir: artifactDir,
			}
			res, err := c.evaluateChunk(gctx, req)
			if err != nil {
				return fmt.Errorf("evaluate chunk %d/%d: %w", i+1, len(chunks), err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range results {
		art.Reported = append(art.Reported, res.Findings...)
		art.Discovered = append(art.Discovered, res.Discovered...)
	}
	art.Reported = finding.Dedup(art.Reported)
	for i := range art.Reported {
		art.Reported[i].EnsureID()
		if tracker.IsNew(art.Reported[i].ID) {
			art.NewCount++
		}
	}
	art.Outstanding, art.Dropped = tracker.Merge(art.Reported)
	art.AllDeferred = tracker.AllDeferred(art.Outstanding)
	art.Tracker = tracker.Snapshot()

	c.log.Info("evaluate complete", "iteration", iter, "chunks", len(chunks),
		"reported", len(art.Reported), "new", art.NewCount, "dropped", len(art.Dropped))

	if err := c.store.SaveArtifact(st.ScopeSlug, st.RunID, iter, artifactEvaluate, &art); err != nil {
		return nil, err
	}
	if err := c.completeEvaluate(st, &art); err != nil {
		return nil, err
	}
	return &art, nil
}

// completeEvaluate applies the evaluate phase's state effects exactly once.
func (c *Controller) completeEvaluate(st *state.RunState, art *evalArtifact) error {
	if err := c.store.SaveDeferred(st.ScopeSlug, st.RunID, art.Tracker); err != nil {
		return err
	}
	if err := c.store.SaveFindings(st.ScopeSlug, st.RunID, art.Outstanding); err != nil {
		return err
	}
	st.NewFindingHistory = append(st.NewFindingHistory, art.NewCount)
	return c.advance(st, state.PhaseConvergeCheck)
}

// evaluateChunk retries a failed chunk evaluation once before giving up.
func (c *Controller) evaluateChunk(ctx context.Context, req capability.EvaluateRequest) (*capability.EvaluateResult, error) {
	var res *capability.EvaluateResult
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := capability.WithDeadline(ctx, "evaluate", c.pol.CapabilityTimeout.Std(), func(ctx context.Context) error {
			r, err := c.suite.Evaluate(ctx, req)
			res = r
			return err
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.log.Warn("evaluate attempt failed", "chunk", req.Chunk, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// convergePhase assembles the detector input and checks the signal table.
func (c *Controller) convergePhase(st *state.RunState, ev *evalArtifact) (*detect.Signal, error) {
	if phaseOrder[st.Phase] > 1 {
		return nil, nil // checked before a restart and found no signal
	}
	prev, err := c.prevRecord(st)
	if err != nil {
		return nil, err
	}
	stats := detect.Stats{
		Iteration:        st.CurrentIteration,
		ReportedFindings: len(ev.Reported),
		NewFindings:      ev.NewCount,
		History:          st.NewFindingHistory,
		Outstanding:      len(ev.Outstanding),
		AllDeferred:      ev.AllDeferred,
		PrevIterations:   st.CurrentIteration - 1,
		MaxIterations:    st.MaxIterations,
	}
	if prev != nil {
		stats.PrevFixes = prev.Fixed
		stats.PrevFilesChanged = prev.FilesChanged
	}
	sig := c.detector.Check(stats)
	if sig != nil {
		return sig, nil
	}
	return nil, c.advance(st, state.PhaseFix)
}

func (c *Controller) prevRecord(st *state.RunState) (*state.IterationRecord, error) {
	if st.CurrentIteration <= 1 {
		return nil, nil
	}
	records, err := c.store.LoadIterations(st.ScopeSlug, st.RunID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Iteration == st.CurrentIteration-1 {
			return &records[i], nil
		}
	}
	return nil, nil
}

func (c *Controller) fixPhase(ctx context.Context, st *state.RunState, ev *evalArtifact) (*fixArtifact, error) {
	iter := st.CurrentIteration
	var art fixArtifact
	ok, err := c.store.LoadArtifact(st.ScopeSlug, st.RunID, iter, artifactFix, &art)
	if err != nil {
		return nil, err
	}
	if ok {
		if phaseOrder[st.Phase] <= 2 {
			if err := c.advance(st, state.PhaseValidate); err != nil {
				return nil, err
			}
		}
		return &art, nil
	}

	work := append([]finding.Finding(nil), ev.Outstanding...)
	finding.SortForFix(work)
	art.Attempted, art.Skipped = finding.SplitByEffort(work)

	if len(art.Attempted) > 0 {
		artifactDir, err := c.store.EnsureIterDir(st.ScopeSlug, st.RunID, iter)
		if err != nil {
			return nil, err
		}
		req := capability.FixRequest{
			ScopeSlug: st.ScopeSlug,
			RunID:     st.RunID,
			Iteration: iter,
			Findings:  art.Attempted,
			Policy: capability.FixPolicy{
				SkipLargeEffort: true,
				SeverityOrder:   finding.SeverityOrder(),
			},
			ArtifactDir: artifactDir,
		}
		var res *capability.FixResult
		err = capability.WithDeadline(ctx, "fix", c.pol.CapabilityTimeout.Std(), func(ctx context.Context) error {
			r, err := c.suite.Fix(ctx, req)
			res = r
			return err
		})
		if err != nil {
			// A failed fix pass defers its findings rather than killing the
			// run; the next iteration reports them again.
			c.log.Warn("fix pass failed, deferring findings", "iteration", iter, "error", err)
			art.Failed = true
		} else {
			art.Result = *res
		}
	}

	c.log.Info("fix complete", "iteration", iter, "attempted", len(art.Attempted),
		"skipped_large", len(art.Skipped), "fixed", len(art.Result.FixedIDs),
		"files_changed", len(art.Result.FilesChanged))

	if err := c.store.SaveArtifact(st.ScopeSlug, st.RunID, iter, artifactFix, &art); err != nil {
		return nil, err
	}
	if err := c.advance(st, state.PhaseValidate); err != nil {
		return nil, err
	}
	return &art, nil
}

func (c *Controller) validatePhase(ctx context.Context, st *state.RunState, fx *fixArtifact) (*validateArtifact, error) {
	iter := st.CurrentIteration
	var art validateArtifact
	ok, err := c.store.LoadArtifact(st.ScopeSlug, st.RunID, iter, artifactValidate, &art)
	if err != nil {
		return nil, err
	}
	if ok {
		if phaseOrder[st.Phase] <= 3 {
			if err := c.advance(st, state.PhaseCommit); err != nil {
				return nil, err
			}
		}
		return &art, nil
	}

	changed := append([]string(nil), fx.Result.FilesChanged...)
	fixedIDs := append([]string(nil), fx.Result.FixedIDs...)

	if len(changed) == 0 {
		art.Result = "skipped"
	} else {
		art.Result, art.Errors, art.Attempts, changed, fixedIDs =
			c.validateWithRetries(ctx, st, fx, changed, fixedIDs)
		if art.Result == "reverted" {
			if c.git != nil {
				if err := c.git.RestoreFiles(ctx, changed); err != nil {
					return nil, fmt.Errorf("restore after failed validation: %w", err)
				}
			}
			fixedIDs = nil
		}
	}
	art.Changed = changed
	art.FixedIDs = fixedIDs

	c.log.Info("validate complete", "iteration", iter, "result", art.Result, "attempts", art.Attempts)

	if err := c.store.SaveArtifact(st.ScopeSlug, st.RunID, iter, artifactValidate, &art); err != nil {
		return nil, err
	}
	if err := c.advance(st, state.PhaseCommit); err != nil {
		return nil, err
	}
	return &art, nil
}

// validateWithRetries validates the changed files, routing failures back
// through the fixer up to the retry budget. It returns the final result with
// the accumulated changed-file and fixed-ID sets.
func (c *Controller) validateWithRetries(ctx context.Context, st *state.RunState, fx *fixArtifact, changed, fixedIDs []string) (result string, errs []string, attempts int, outChanged, outFixed []string) {
	iter := st.CurrentIteration
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		req := capability.ValidateRequest{
			ScopeSlug:    st.ScopeSlug,
			RunID:        st.RunID,
			Iteration:    iter,
			ChangedFiles: changed,
		}
		var res *capability.ValidateResult
		err := capability.WithDeadline(ctx, "validate", c.pol.CapabilityTimeout.Std(), func(ctx context.Context) error {
			r, err := c.suite.Validate(ctx, req)
			res = r
			return err
		})
		switch {
		case err != nil:
			errs = []string{err.Error()}
		case res.Passed:
			return "passed", nil, attempts, changed, fixedIDs
		default:
			errs = res.Errors
		}

		if attempt >= c.pol.FixRetries {
			return "reverted", errs, attempts, changed, fixedIDs
		}

		c.log.Warn("validation failed, reattempting fix", "iteration", iter,
			"attempt", attempt+1, "errors", len(errs))
		fixReq := capability.FixRequest{
			ScopeSlug: st.ScopeSlug,
			RunID:     st.RunID,
			Iteration: iter,
			Attempt:   attempt + 1,
			Findings:  fx.Attempted,
			Errors:    errs,
		}
		var fres *capability.FixResult
		ferr := capability.WithDeadline(ctx, "fix", c.pol.CapabilityTimeout.Std(), func(ctx context.Context) error {
			r, err := c.suite.Fix(ctx, fixReq)
			fres = r
			return err
		})
		if ferr != nil {
			return "reverted", append(errs, ferr.Error()), attempts, changed, fixedIDs
		}
		changed = mergeStrings(changed, fres.FilesChanged)
		fixedIDs = mergeStrings(fixedIDs, fres.FixedIDs)
	}
}

func (c *Controller) commitPhase(ctx context.Context, st *state.RunState, vr *validateArtifact) (string, error) {
	iter := st.CurrentIteration
	var art commitArtifact
	ok, err := c.store.LoadArtifact(st.ScopeSlug, st.RunID, iter, artifactCommit, &art)
	if err != nil {
		return "", err
	}
	if ok {
		if phaseOrder[st.Phase] <= 4 {
			if err := c.advance(st, state.PhaseStateUpdate); err != nil {
				return "", err
			}
		}
		return art.Hash, nil
	}

	if vr.Result == "passed" && c.git != nil {
		hash, err := c.git.StageAndCommit(ctx, vr.Changed, st.ScopeSlug, iter)
		if err != nil {
			return "", fmt.Errorf("commit iteration %d: %w", iter, err)
		}
		art.Hash = hash
	}

	if err := c.store.SaveArtifact(st.ScopeSlug, st.RunID, iter, artifactCommit, &art); err != nil {
		return "", err
	}
	if err := c.advance(st, state.PhaseStateUpdate); err != nil {
		return "", err
	}
	return art.Hash, nil
}

func (c *Controller) updatePhase(st *state.RunState, tracker *finding.DeferredTracker, ev *evalArtifact, fx *fixArtifact, vr *validateArtifact, hash string) error {
	iter := st.CurrentIteration

	fixed := make(map[string]bool, len(vr.FixedIDs))
	for _, id := range vr.FixedIDs {
		fixed[id] = true
	}
	var unresolved []finding.Finding
	for _, f := range ev.Outstanding {
		if !fixed[f.ID] {
			unresolved = append(unresolved, f)
		}
	}
	tracker.Settle(unresolved)
	if err := c.store.SaveDeferred(st.ScopeSlug, st.RunID, tracker.Snapshot()); err != nil {
		return err
	}

	additions := c.admitDiscoveries(st, ev, fx)

	// A reverted iteration's changes were rolled back; it left no files
	// changed as far as the next iteration's signals are concerned.
	filesChanged := len(vr.Changed)
	if vr.Result == "reverted" {
		filesChanged = 0
	}

	rec := &state.IterationRecord{
		Iteration:        iter,
		NewFindings:      ev.NewCount,
		ReportedFindings: len(ev.Reported),
		Fixed:            len(vr.FixedIDs),
		FilesChanged:     filesChanged,
		Deferred:         tracker.Count(),
		Dropped:          len(ev.Dropped),
		ValidationResult: vr.Result,
		CommitHash:       hash,
		ScopeAdditions:   additions,
		Status:           "complete",
		CompletedAt:      nowRFC3339(),
	}
	if err := c.store.SaveIteration(st.ScopeSlug, st.RunID, rec); err != nil {
		return err
	}

	st.CurrentIteration = iter + 1
	return c.advance(st, state.PhaseEvaluate)
}

// admitDiscoveries runs the scope-evolution caps over the iteration's
// discovered files and applies the admitted ones to the run's scope.
func (c *Controller) admitDiscoveries(st *state.RunState, ev *evalArtifact, fx *fixArtifact) []state.ScopeAddition {
	discovered := append(append([]capability.Discovery(nil), ev.Discovered...), fx.Result.Discovered...)
	if len(discovered) == 0 {
		return nil
	}
	mgr := evolve.NewManager(c.pol.PerIterationCap, c.pol.TotalCap, st.ScopeAdditionsTotal, st.ScopeFiles)
	additions := mgr.Admit(discovered)
	for _, add := range additions {
		st.ScopeFiles = append(st.ScopeFiles, add.File)
		c.log.Info("scope addition admitted", "file", add.File, "reason", add.Reason)
	}
	st.ScopeAdditionsTotal = mgr.AdmittedTotal()
	return additions
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func mergeStrings(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[s] = true
	}
	for _, s := range extra {
		if !seen[s] {
			seen[s] = true
			base = append(base, s)
		}
	}
	return base
}
