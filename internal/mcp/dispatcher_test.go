package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"converge/internal/capability"
	"converge/internal/finding"
)

func TestDispatcher_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDispatcher(ctx)
	suite := NewRemoteSuite(d)

	go func() {
		act, err := d.NextAction(ctx)
		if err != nil {
			t.Errorf("NextAction: %v", err)
			return
		}
		if act.Capability != "evaluate" {
			t.Errorf("capability = %q, want evaluate", act.Capability)
		}
		var req capability.EvaluateRequest
		if err := json.Unmarshal(act.Request, &req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.Iteration != 3 || len(req.Files) != 2 {
			t.Errorf("request = %+v", req)
		}
		res, _ := json.Marshal(capability.EvaluateResult{
			Findings: []finding.Finding{{ID: "f-1", File: "internal/auth/login.go", Line: 10, Category: "error-handling"}},
		})
		if err := d.Submit(ctx, act.DispatchID, res); err != nil {
			t.Errorf("Submit: %v", err)
		}
	}()

	res, err := suite.Evaluate(ctx, capability.EvaluateRequest{
		ScopeSlug: "feature-auth",
		RunID:     "run-1",
		Iteration: 3,
		Files:     []string{"internal/auth/login.go", "internal/auth/token.go"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Findings) != 1 || res.Findings[0].ID != "f-1" {
		t.Fatalf("findings = %+v", res.Findings)
	}
}

func TestDispatcher_SubmitUnknownID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(ctx)
	err := d.Submit(ctx, 42, []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "unknown dispatch_id") {
		t.Fatalf("err = %v, want unknown dispatch_id", err)
	}
}

func TestDispatcher_DoubleSubmit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDispatcher(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, Action{Capability: "validate", Request: json.RawMessage(`{}`)})
		done <- err
	}()

	act, err := d.NextAction(ctx)
	if err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	if err := d.Submit(ctx, act.DispatchID, []byte(`{"passed":true}`)); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	err = d.Submit(ctx, act.DispatchID, []byte(`{"passed":true}`))
	if err == nil || !strings.Contains(err.Error(), "already submitted") {
		t.Fatalf("second Submit err = %v, want already submitted", err)
	}
}

func TestDispatcher_AbortUnblocksDispatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := NewDispatcher(ctx)
	done := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(ctx, Action{Capability: "fix", Request: json.RawMessage(`{}`)})
		done <- err
	}()

	if _, err := d.NextAction(ctx); err != nil {
		t.Fatalf("NextAction: %v", err)
	}
	d.Abort(errors.New("agent went away"))

	err := <-done
	if err == nil || !strings.Contains(err.Error(), "agent went away") {
		t.Fatalf("Dispatch err = %v, want abort cause", err)
	}
}
