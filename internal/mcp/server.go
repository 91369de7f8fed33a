package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"converge/internal/logging"
	"converge/internal/run"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultNextActionTimeout bounds how long get_next_action blocks before
// reporting that nothing is ready.
var DefaultNextActionTimeout = 10 * time.Second

// Server wraps the MCP SDK server and manages run sessions. One session is
// active at a time; the connected agent supplies the evaluate, fix and
// validate capabilities by pulling actions and submitting results.
type Server struct {
	MCPServer   *sdkmcp.Server
	ProjectRoot string

	mu      sync.Mutex
	session *Session
}

// NewServer creates an MCP server exposing the run tools. It captures the
// current working directory as the project root so relative paths (scope
// maps, state dirs) resolve correctly.
func NewServer() *Server {
	cwd, _ := os.Getwd()
	s := &Server{ProjectRoot: cwd}
	s.MCPServer = sdkmcp.NewServer(
		&sdkmcp.Implementation{Name: "converge", Version: "dev"},
		nil,
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "start_run",
		Description: "Start (or resume) a convergence run over a scope. Spawns the controller goroutine and returns a session ID.",
	}, s.handleStartRun)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "get_next_action",
		Description: "Get the next capability request (evaluate, fix or validate). Blocks until the controller is ready. Returns done=true when the run has finished.",
	}, s.handleGetNextAction)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "submit_artifact",
		Description: "Submit the JSON result for a dispatched action. The controller consumes it and advances the run.",
	}, s.handleSubmitArtifact)

	sdkmcp.AddTool(s.MCPServer, &sdkmcp.Tool{
		Name:        "run_status",
		Description: "Get the session status. After the run finishes this includes the outcome with exit status and residual findings.",
	}, s.handleRunStatus)
}

// --- Tool input/output types ---

type startRunInput struct {
	Scope         string `json:"scope" jsonschema:"scope descriptor (feature:<name>, cross:<category>, or freeform text)"`
	Resume        bool   `json:"resume,omitempty" jsonschema:"resume a persisted run instead of starting fresh"`
	RunID         string `json:"run_id,omitempty" jsonschema:"run to resume (default: the scope's latest)"`
	PolicyPath    string `json:"policy_path,omitempty" jsonschema:"policy file overriding the stock knobs"`
	ScopeMapPath  string `json:"scope_map_path,omitempty" jsonschema:"scope map file (default .converge/scope-map.yaml)"`
	MaxIterations int    `json:"max_iterations,omitempty" jsonschema:"iteration budget override"`
	NoGit         bool   `json:"no_git,omitempty" jsonschema:"disable commits and reverts even inside a git work tree"`
	Force         bool   `json:"force,omitempty" jsonschema:"cancel any existing session and start fresh"`
}

type startRunOutput struct {
	SessionID string `json:"session_id"`
	ScopeSlug string `json:"scope_slug"`
	Status    string `json:"status"`
}

type getNextActionInput struct {
	SessionID string `json:"session_id" jsonschema:"session ID from start_run"`
	TimeoutMS int    `json:"timeout_ms,omitempty" jsonschema:"max wait in milliseconds (default 10000)"`
}

type getNextActionOutput struct {
	Done       bool            `json:"done"`
	Available  bool            `json:"available,omitempty"`
	DispatchID int64           `json:"dispatch_id,omitempty"`
	Capability string          `json:"capability,omitempty"`
	ScopeSlug  string          `json:"scope_slug,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Iteration  int             `json:"iteration,omitempty"`
	Request    any             `json:"request,omitempty"`
}

type submitArtifactInput struct {
	SessionID    string `json:"session_id" jsonschema:"session ID from start_run"`
	DispatchID   int64  `json:"dispatch_id" jsonschema:"dispatch ID from get_next_action"`
	ArtifactJSON string `json:"artifact_json" jsonschema:"JSON result for the dispatched capability"`
}

type submitArtifactOutput struct {
	OK string `json:"ok"`
}

type runStatusInput struct {
	SessionID string `json:"session_id" jsonschema:"session ID from start_run"`
	Wait      bool   `json:"wait,omitempty" jsonschema:"block until the run finishes"`
}

type runStatusOutput struct {
	Status  string       `json:"status"`
	RunID   string       `json:"run_id,omitempty"`
	Outcome *run.Outcome `json:"outcome,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// --- Tool handlers ---

func (s *Server) handleStartRun(ctx context.Context, _ *sdkmcp.CallToolRequest, input startRunInput) (*sdkmcp.CallToolResult, startRunOutput, error) {
	logger := logging.New("mcp-session")
	s.mu.Lock()
	if s.session != nil {
		select {
		case <-s.session.Done():
			logger.Info("replacing finished session", "old_id", s.session.ID)
			s.session.Cancel()
		default:
			if input.Force {
				logger.Warn("force-replacing active session", "old_id", s.session.ID)
				s.session.Cancel()
			} else {
				s.mu.Unlock()
				return nil, startRunOutput{}, fmt.Errorf("a run session is already active (id=%s)", s.session.ID)
			}
		}
	}
	s.session = nil
	s.mu.Unlock()

	sess, err := NewSession(StartRunInput{
		Scope:         input.Scope,
		Resume:        input.Resume,
		RunID:         input.RunID,
		PolicyPath:    input.PolicyPath,
		ScopeMapPath:  input.ScopeMapPath,
		MaxIterations: input.MaxIterations,
		NoGit:         input.NoGit,
		ProjectRoot:   s.ProjectRoot,
	})
	if err != nil {
		return nil, startRunOutput{}, fmt.Errorf("start_run: %w", err)
	}

	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	return nil, startRunOutput{
		SessionID: sess.ID,
		ScopeSlug: sess.ScopeSlug,
		Status:    string(StateRunning),
	}, nil
}

func (s *Server) handleGetNextAction(ctx context.Context, _ *sdkmcp.CallToolRequest, input getNextActionInput) (*sdkmcp.CallToolResult, getNextActionOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, getNextActionOutput{}, err
	}

	timeout := DefaultNextActionTimeout
	if input.TimeoutMS > 0 {
		timeout = time.Duration(input.TimeoutMS) * time.Millisecond
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	act, done, err := sess.NextAction(waitCtx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, getNextActionOutput{Done: false, Available: false}, nil
		}
		return nil, getNextActionOutput{}, fmt.Errorf("get_next_action: %w", err)
	}
	if done {
		return nil, getNextActionOutput{Done: true}, nil
	}

	return nil, getNextActionOutput{
		Available:  true,
		DispatchID: act.DispatchID,
		Capability: act.Capability,
		ScopeSlug:  act.ScopeSlug,
		RunID:      act.RunID,
		Iteration:  act.Iteration,
		Request:    act.Request,
	}, nil
}

func (s *Server) handleSubmitArtifact(ctx context.Context, _ *sdkmcp.CallToolRequest, input submitArtifactInput) (*sdkmcp.CallToolResult, submitArtifactOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, submitArtifactOutput{}, err
	}

	data := []byte(input.ArtifactJSON)
	if !json.Valid(data) {
		return nil, submitArtifactOutput{}, fmt.Errorf("artifact_json is not valid JSON")
	}
	if err := sess.SubmitResult(ctx, input.DispatchID, data); err != nil {
		return nil, submitArtifactOutput{}, fmt.Errorf("submit_artifact: %w", err)
	}
	return nil, submitArtifactOutput{OK: "artifact accepted"}, nil
}

func (s *Server) handleRunStatus(ctx context.Context, _ *sdkmcp.CallToolRequest, input runStatusInput) (*sdkmcp.CallToolResult, runStatusOutput, error) {
	sess, err := s.getSession(input.SessionID)
	if err != nil {
		return nil, runStatusOutput{}, err
	}

	if input.Wait {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return nil, runStatusOutput{}, ctx.Err()
		}
	}

	out := runStatusOutput{
		Status:  string(sess.State()),
		RunID:   sess.CurrentRunID(),
		Outcome: sess.Outcome(),
	}
	if sessErr := sess.Err(); sessErr != nil {
		out.Error = sessErr.Error()
	}
	return nil, out, nil
}

// SessionID returns the current session's ID, or empty string if none.
func (s *Server) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return s.session.ID
	}
	return ""
}

// Shutdown cancels any active session, releasing the controller goroutine.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.session.Cancel()
		s.session = nil
	}
}

func (s *Server) getSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("no active session (call start_run first)")
	}
	if s.session.ID != id {
		return nil, fmt.Errorf("session_id mismatch: have %s, got %s", s.session.ID, id)
	}
	return s.session, nil
}
