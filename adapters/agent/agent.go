// Package agent implements the capability suite over a file-signal exchange
// with an external agent process. The adapter writes the request and a
// signal.json into an exchange directory; the agent watches for the signal,
// does the work, and writes a response envelope echoing the dispatch id. A
// monotonic dispatch id makes stale responses from earlier requests
// detectable and rejectable.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"converge/internal/capability"
	"converge/internal/logging"
)

// Config configures the exchange.
type Config struct {
	Dir           string        // exchange directory, created if missing
	PollInterval  time.Duration // response poll cadence; default 500ms
	MaxStaleReads int           // consecutive stale dispatch ids before aborting; default 10
}

// Signal is the JSON file that tells the agent a request is waiting.
type Signal struct {
	Status       string `json:"status"` // waiting, processing, done, error
	DispatchID   int64  `json:"dispatch_id"`
	Capability   string `json:"capability"` // evaluate, fix, validate
	ScopeSlug    string `json:"scope_slug"`
	RunID        string `json:"run_id"`
	Iteration    int    `json:"iteration"`
	RequestPath  string `json:"request_path"`
	ResponsePath string `json:"response_path"`
	Timestamp    string `json:"timestamp"`
	Error        string `json:"error,omitempty"`
}

// envelope is the response wrapper the agent writes. The dispatch id must
// echo the signal's; the data field carries the capability result.
type envelope struct {
	DispatchID int64           `json:"dispatch_id"`
	Data       json.RawMessage `json:"data"`
}

// Suite drives all three capabilities over one exchange directory. Requests
// are serialized; the agent handles one at a time.
type Suite struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	dispatchID int64
}

// NewSuite creates the exchange directory and returns the suite.
func NewSuite(cfg Config) (*Suite, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("agent: exchange directory is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxStaleReads <= 0 {
		cfg.MaxStaleReads = 10
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("agent: create exchange dir: %w", err)
	}
	return &Suite{cfg: cfg, log: logging.New("agent")}, nil
}

// Evaluate dispatches an evaluate request to the agent.
func (s *Suite) Evaluate(ctx context.Context, req capability.EvaluateRequest) (*capability.EvaluateResult, error) {
	var res capability.EvaluateResult
	meta := Signal{Capability: "evaluate", ScopeSlug: req.ScopeSlug, RunID: req.RunID, Iteration: req.Iteration}
	if err := s.roundTrip(ctx, meta, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Fix dispatches a fix request to the agent.
func (s *Suite) Fix(ctx context.Context, req capability.FixRequest) (*capability.FixResult, error) {
	var res capability.FixResult
	meta := Signal{Capability: "fix", ScopeSlug: req.ScopeSlug, RunID: req.RunID, Iteration: req.Iteration}
	if err := s.roundTrip(ctx, meta, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Validate dispatches a validate request to the agent.
func (s *Suite) Validate(ctx context.Context, req capability.ValidateRequest) (*capability.ValidateResult, error) {
	var res capability.ValidateResult
	meta := Signal{Capability: "validate", ScopeSlug: req.ScopeSlug, RunID: req.RunID, Iteration: req.Iteration}
	if err := s.roundTrip(ctx, meta, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// roundTrip writes the request and signal, then polls for a response
// envelope with the matching dispatch id and decodes it into out.
func (s *Suite) roundTrip(ctx context.Context, sig Signal, req, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dispatchID++
	sig.DispatchID = s.dispatchID
	sig.Status = "waiting"
	sig.RequestPath = filepath.Join(s.cfg.Dir, "request.json")
	sig.ResponsePath = filepath.Join(s.cfg.Dir, "response.json")
	sig.Timestamp = time.Now().UTC().Format(time.RFC3339)
	signalPath := filepath.Join(s.cfg.Dir, "signal.json")

	log := s.log.With("capability", sig.Capability, "iteration", sig.Iteration, "dispatch_id", sig.DispatchID)

	// Drop any response left over from an earlier request.
	_ = os.Remove(sig.ResponsePath)

	if err := writeJSON(sig.RequestPath, req); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	if err := writeJSON(signalPath, &sig); err != nil {
		return fmt.Errorf("write signal: %w", err)
	}
	log.Info("request dispatched, waiting for agent", "response_path", sig.ResponsePath)

	stale := 0
	for {
		select {
		case <-ctx.Done():
			sig.Status = "error"
			sig.Error = ctx.Err().Error()
			_ = writeJSON(signalPath, &sig)
			return ctx.Err()
		case <-time.After(s.cfg.PollInterval):
		}

		// The agent may report failure through the signal file.
		if live, err := readSignal(signalPath); err == nil &&
			live.DispatchID == sig.DispatchID && live.Status == "error" {
			return fmt.Errorf("agent error: %s", live.Error)
		}

		data, err := os.ReadFile(sig.ResponsePath)
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Likely read mid-write; the next poll sees the full file.
			log.Debug("partial response read", "error", err)
			continue
		}
		if env.DispatchID != sig.DispatchID {
			stale++
			log.Debug("stale response rejected", "got", env.DispatchID, "stale_streak", stale)
			if stale >= s.cfg.MaxStaleReads {
				sig.Status = "error"
				sig.Error = fmt.Sprintf("%d consecutive responses with stale dispatch id", stale)
				_ = writeJSON(signalPath, &sig)
				return fmt.Errorf("agent: %s", sig.Error)
			}
			continue
		}
		if len(env.Data) == 0 {
			sig.Status = "error"
			sig.Error = "response envelope has no data"
			_ = writeJSON(signalPath, &sig)
			return fmt.Errorf("agent: response %d has no data", env.DispatchID)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("agent: decode %s response: %w", sig.Capability, err)
		}
		sig.Status = "done"
		_ = writeJSON(signalPath, &sig)
		log.Info("response accepted", "bytes", len(env.Data))
		return nil
	}
}

func readSignal(path string) (*Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return nil, err
	}
	return &sig, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var _ capability.Suite = (*Suite)(nil)
