package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"converge/internal/capability"
	"converge/internal/logging"
)

// Action is one capability request dispatched to the connected agent. The
// agent pulls it with get_next_action, performs the work, and submits the
// result JSON back with the same dispatch ID.
type Action struct {
	DispatchID int64           `json:"dispatch_id"`
	Capability string          `json:"capability"` // evaluate, fix, validate
	ScopeSlug  string          `json:"scope_slug"`
	RunID      string          `json:"run_id"`
	Iteration  int             `json:"iteration"`
	Request    json.RawMessage `json:"request"`
}

// Dispatcher bridges the run controller (which calls capabilities from its
// own goroutine) with an external agent pulling actions over MCP. Each
// capability call gets a unique dispatch ID and its own response channel, so
// results are routed to the correct caller.
type Dispatcher struct {
	ctx context.Context
	log *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan []byte
	closed  map[int64]struct{}

	actionCh chan Action
	abortCh  chan struct{}
	abortErr error
}

// NewDispatcher creates a dispatcher whose lifetime is bound to ctx.
func NewDispatcher(ctx context.Context) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		log:      logging.New("mcp-dispatch"),
		pending:  make(map[int64]chan []byte),
		closed:   make(map[int64]struct{}),
		actionCh: make(chan Action),
		abortCh:  make(chan struct{}),
	}
}

// Dispatch assigns a dispatch ID, hands the action to the agent side, and
// blocks until the matching Submit delivers the response bytes.
func (d *Dispatcher) Dispatch(ctx context.Context, act Action) ([]byte, error) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	responseCh := make(chan []byte, 1)
	d.pending[id] = responseCh
	d.mu.Unlock()

	act.DispatchID = id
	d.log.Debug("action registered",
		"dispatch_id", id, "capability", act.Capability, "iteration", act.Iteration)

	select {
	case d.actionCh <- act:
	case <-ctx.Done():
		d.removePending(id)
		return nil, ctx.Err()
	case <-d.ctx.Done():
		d.removePending(id)
		return nil, fmt.Errorf("dispatch cancelled: %w", d.ctx.Err())
	case <-d.abortCh:
		d.removePending(id)
		return nil, fmt.Errorf("dispatch aborted: %w", d.getAbortErr())
	}

	select {
	case data, ok := <-responseCh:
		if !ok {
			return nil, fmt.Errorf("dispatch aborted: %w", d.getAbortErr())
		}
		d.log.Debug("action completed", "dispatch_id", id, "bytes", len(data))
		return data, nil
	case <-ctx.Done():
		d.removePending(id)
		return nil, ctx.Err()
	case <-d.ctx.Done():
		d.removePending(id)
		return nil, fmt.Errorf("dispatch cancelled: %w", d.ctx.Err())
	case <-d.abortCh:
		d.removePending(id)
		return nil, fmt.Errorf("dispatch aborted: %w", d.getAbortErr())
	}
}

// NextAction blocks until the controller produces the next capability request.
func (d *Dispatcher) NextAction(ctx context.Context) (Action, error) {
	select {
	case <-ctx.Done():
		return Action{}, ctx.Err()
	case <-d.ctx.Done():
		return Action{}, fmt.Errorf("dispatcher shutdown: %w", d.ctx.Err())
	case act, ok := <-d.actionCh:
		if !ok {
			return Action{}, fmt.Errorf("dispatcher closed")
		}
		return act, nil
	}
}

// Submit routes the result bytes to the Dispatch call with the given ID.
func (d *Dispatcher) Submit(ctx context.Context, dispatchID int64, data []byte) error {
	d.mu.Lock()
	ch, ok := d.pending[dispatchID]
	if !ok {
		if _, wasClosed := d.closed[dispatchID]; wasClosed {
			d.mu.Unlock()
			return fmt.Errorf("dispatch_id %d already submitted", dispatchID)
		}
		d.mu.Unlock()
		return fmt.Errorf("unknown dispatch_id %d", dispatchID)
	}
	delete(d.pending, dispatchID)
	d.closed[dispatchID] = struct{}{}
	d.mu.Unlock()

	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", d.ctx.Err())
	}
}

// Abort broadcasts an error to every waiting Dispatch call.
func (d *Dispatcher) Abort(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.abortCh:
		return
	default:
	}

	d.abortErr = err
	close(d.abortCh)
	d.log.Warn("dispatcher abort", "error", err.Error())

	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}

func (d *Dispatcher) removePending(id int64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) getAbortErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abortErr != nil {
		return d.abortErr
	}
	return fmt.Errorf("aborted")
}

// RemoteSuite satisfies the capability contracts by round-tripping every
// request through the dispatcher to the connected agent.
type RemoteSuite struct {
	d *Dispatcher
}

var _ capability.Suite = (*RemoteSuite)(nil)

// NewRemoteSuite wraps a dispatcher as a capability suite.
func NewRemoteSuite(d *Dispatcher) *RemoteSuite {
	return &RemoteSuite{d: d}
}

func (s *RemoteSuite) Evaluate(ctx context.Context, req capability.EvaluateRequest) (*capability.EvaluateResult, error) {
	var res capability.EvaluateResult
	if err := s.call(ctx, "evaluate", req.ScopeSlug, req.RunID, req.Iteration, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *RemoteSuite) Fix(ctx context.Context, req capability.FixRequest) (*capability.FixResult, error) {
	var res capability.FixResult
	if err := s.call(ctx, "fix", req.ScopeSlug, req.RunID, req.Iteration, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *RemoteSuite) Validate(ctx context.Context, req capability.ValidateRequest) (*capability.ValidateResult, error) {
	var res capability.ValidateResult
	if err := s.call(ctx, "validate", req.ScopeSlug, req.RunID, req.Iteration, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *RemoteSuite) call(ctx context.Context, name, slug, runID string, iteration int, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", name, err)
	}
	data, err := s.d.Dispatch(ctx, Action{
		Capability: name,
		ScopeSlug:  slug,
		RunID:      runID,
		Iteration:  iteration,
		Request:    payload,
	})
	if err != nil {
		return fmt.Errorf("%s dispatch: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", name, err)
	}
	return nil
}
