package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"converge/internal/gitops"
	"converge/internal/logging"
	"converge/internal/policy"
	"converge/internal/run"
	"converge/internal/scope"
	"converge/internal/state"
)

// SessionState tracks the lifecycle of a serve-mode run session.
type SessionState string

const (
	StateRunning SessionState = "running"
	StateDone    SessionState = "done"
	StateError   SessionState = "error"
)

// StartRunInput mirrors the tool arguments for start_run.
type StartRunInput struct {
	Scope         string `json:"scope"`
	Resume        bool   `json:"resume,omitempty"`
	RunID         string `json:"run_id,omitempty"`
	PolicyPath    string `json:"policy_path,omitempty"`
	ScopeMapPath  string `json:"scope_map_path,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
	NoGit         bool   `json:"no_git,omitempty"`
	ProjectRoot   string `json:"-"`
}

// Session holds the state of a single run driven over MCP. The controller
// runs in its own goroutine; every capability call it makes blocks on the
// dispatcher until the agent pulls the action and submits a result.
type Session struct {
	ID        string
	ScopeSlug string
	RunID     string

	dispatcher *Dispatcher
	doneCh     chan struct{}
	cancel     context.CancelFunc

	mu      sync.Mutex
	state   SessionState
	outcome *run.Outcome
	err     error
}

// NewSession resolves the scope, builds a run controller backed by the
// dispatcher, spawns the controller goroutine, and returns immediately.
func NewSession(input StartRunInput) (*Session, error) {
	root := input.ProjectRoot
	if root == "" {
		root = "."
	}

	pol := policy.Default()
	if input.PolicyPath != "" {
		loaded, err := policy.LoadFromPath(input.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("load policy: %w", err)
		}
		pol = loaded
	}
	if input.MaxIterations > 0 {
		pol.MaxIterations = input.MaxIterations
	}

	var scopeMap *scope.Map
	mapPath := input.ScopeMapPath
	if mapPath == "" {
		mapPath = filepath.Join(root, ".converge", "scope-map.yaml")
	}
	if m, err := scope.LoadMapFromPath(mapPath); err == nil {
		scopeMap = m
	} else if input.ScopeMapPath != "" {
		return nil, err
	}

	desc, err := scope.ParseDescriptor(input.Scope)
	if err != nil {
		return nil, err
	}

	store := state.NewStore(filepath.Join(root, ".converge"))

	var git *gitops.Git
	if !input.NoGit {
		if _, statErr := os.Stat(filepath.Join(root, ".git")); statErr == nil {
			git = gitops.New(root)
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	disp := NewDispatcher(runCtx)

	ctrl, err := run.New(run.Options{
		Store:  store,
		Suite:  NewRemoteSuite(disp),
		Git:    git,
		Policy: pol,
	})
	if err != nil {
		runCancel()
		return nil, err
	}

	sess := &Session{
		ID:         fmt.Sprintf("s-%d", time.Now().UnixMilli()),
		ScopeSlug:  desc.Slug(),
		RunID:      input.RunID,
		dispatcher: disp,
		doneCh:     make(chan struct{}),
		cancel:     runCancel,
		state:      StateRunning,
	}

	if input.Resume {
		go sess.run(runCtx, func(ctx context.Context) (*run.Outcome, error) {
			return ctrl.ResumeOrRecover(ctx, desc.Slug(), input.RunID, func() (*scope.Bundle, error) {
				return scope.NewResolver(root, scopeMap).Resolve(desc)
			})
		})
		return sess, nil
	}

	bundle, err := scope.NewResolver(root, scopeMap).Resolve(desc)
	if err != nil {
		runCancel()
		return nil, err
	}
	go sess.run(runCtx, func(ctx context.Context) (*run.Outcome, error) {
		return ctrl.Start(ctx, bundle)
	})
	return sess, nil
}

func (s *Session) run(ctx context.Context, drive func(context.Context) (*run.Outcome, error)) {
	defer close(s.doneCh)
	defer s.cancel()

	log := logging.New("mcp-session")
	out, err := drive(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = out
	if out != nil {
		s.RunID = out.RunID
	}
	if err != nil {
		s.state = StateError
		s.err = err
		log.Error("run failed", "session", s.ID, "error", err)
		return
	}
	s.state = StateDone
	log.Info("run finished", "session", s.ID, "run_id", out.RunID, "exit_status", out.ExitStatus)
}

// NextAction blocks until the controller produces a capability request, or
// returns done=true once the run reaches a terminal status.
func (s *Session) NextAction(ctx context.Context) (act Action, done bool, err error) {
	select {
	case <-s.doneCh:
		return Action{}, true, nil
	default:
	}

	// The controller may finish between the check above and the wait below,
	// so the wait also watches doneCh.
	type next struct {
		act Action
		err error
	}
	ch := make(chan next, 1)
	go func() {
		a, nerr := s.dispatcher.NextAction(ctx)
		ch <- next{a, nerr}
	}()
	select {
	case <-s.doneCh:
		return Action{}, true, nil
	case n := <-ch:
		if n.err != nil {
			select {
			case <-s.doneCh:
				return Action{}, true, nil
			default:
			}
			return Action{}, false, n.err
		}
		return n.act, false, nil
	}
}

// SubmitResult routes the agent's result JSON to the waiting capability call.
func (s *Session) SubmitResult(ctx context.Context, dispatchID int64, data []byte) error {
	return s.dispatcher.Submit(ctx, dispatchID, data)
}

// Cancel terminates the controller goroutine and releases the dispatcher.
func (s *Session) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Done returns a channel that closes when the run completes.
func (s *Session) Done() <-chan struct{} { return s.doneCh }

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CurrentRunID returns the run ID, which is assigned by the controller once
// a fresh run starts.
func (s *Session) CurrentRunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.RunID
}

// Outcome returns the run outcome, or nil while still running.
func (s *Session) Outcome() *run.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err returns the run error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
