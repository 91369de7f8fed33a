package mcp_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpserver "converge/internal/mcp"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestMain(m *testing.M) {
	mcpserver.DefaultNextActionTimeout = 1 * time.Second
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})))
	os.Exit(m.Run())
}

// seedProject lays out a minimal project tree with a scope map so
// feature:auth resolves to real files.
func seedProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range []string{"internal/auth/login.go", "internal/auth/token.go"} {
		p := filepath.Join(root, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("package auth\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	mapPath := filepath.Join(root, ".converge", "scope-map.yaml")
	if err := os.MkdirAll(filepath.Dir(mapPath), 0o755); err != nil {
		t.Fatal(err)
	}
	scopeMap := "features:\n  auth:\n    - internal/auth/**\n"
	if err := os.WriteFile(mapPath, []byte(scopeMap), 0o644); err != nil {
		t.Fatal(err)
	}
	return root
}

func newTestServer(t *testing.T) *mcpserver.Server {
	t.Helper()
	srv := mcpserver.NewServer()
	srv.ProjectRoot = seedProject(t)
	t.Cleanup(srv.Shutdown)
	return srv
}

func connectInMemory(t *testing.T, ctx context.Context, srv *mcpserver.Server) *sdkmcp.ClientSession {
	t.Helper()
	t1, t2 := sdkmcp.NewInMemoryTransports()
	serverSession, err := srv.MCPServer.Connect(ctx, t1, nil)
	if err != nil {
		t.Fatalf("server.Connect: %v", err)
	}
	t.Cleanup(func() { serverSession.Close() })

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client.Connect: %v", err)
	}
	return session
}

func callTool(t *testing.T, ctx context.Context, session *sdkmcp.ClientSession, name string, args map[string]any) map[string]any {
	t.Helper()
	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if res.IsError {
		for _, c := range res.Content {
			if tc, ok := c.(*sdkmcp.TextContent); ok {
				t.Fatalf("CallTool(%s) returned error: %s", name, tc.Text)
			}
		}
		t.Fatalf("CallTool(%s) returned error", name)
	}
	result := make(map[string]any)
	for _, c := range res.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			if err := json.Unmarshal([]byte(tc.Text), &result); err != nil {
				t.Fatalf("unmarshal tool result: %v (text: %s)", err, tc.Text)
			}
			return result
		}
	}
	t.Fatalf("no text content in tool result")
	return nil
}

func TestServer_ToolDiscovery(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	want := map[string]bool{
		"start_run":       false,
		"get_next_action": false,
		"submit_artifact": false,
		"run_status":      false,
	}
	for _, tool := range tools.Tools {
		if _, ok := want[tool.Name]; ok {
			want[tool.Name] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("tool %s not listed", name)
		}
	}
}

// answerFor fabricates the result an agent would submit for each capability.
func answerFor(capability string) string {
	switch capability {
	case "evaluate":
		return `{"findings":[]}`
	case "fix":
		return `{"files_changed":[],"fixed_ids":[]}`
	case "validate":
		return `{"passed":true}`
	}
	return `{}`
}

func TestServer_CleanRunEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	started := callTool(t, ctx, session, "start_run", map[string]any{
		"scope":  "feature:auth",
		"no_git": true,
	})
	sessionID, _ := started["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("start_run returned no session_id: %v", started)
	}
	if got := started["scope_slug"]; got != "feature-auth" {
		t.Fatalf("scope_slug = %v, want feature-auth", got)
	}

	evaluates := 0
	for i := 0; i < 50; i++ {
		next := callTool(t, ctx, session, "get_next_action", map[string]any{
			"session_id": sessionID,
			"timeout_ms": 2000,
		})
		if done, _ := next["done"].(bool); done {
			break
		}
		if avail, _ := next["available"].(bool); !avail {
			continue
		}
		capName, _ := next["capability"].(string)
		if capName == "evaluate" {
			evaluates++
		}
		dispatchID, _ := next["dispatch_id"].(float64)
		callTool(t, ctx, session, "submit_artifact", map[string]any{
			"session_id":    sessionID,
			"dispatch_id":   int64(dispatchID),
			"artifact_json": answerFor(capName),
		})
	}

	status := callTool(t, ctx, session, "run_status", map[string]any{
		"session_id": sessionID,
		"wait":       true,
	})
	if got := status["status"]; got != "done" {
		t.Fatalf("status = %v (error: %v)", got, status["error"])
	}
	outcome, _ := status["outcome"].(map[string]any)
	if outcome == nil {
		t.Fatalf("no outcome in status: %v", status)
	}
	if got := outcome["exit_status"]; got != "converged-clean" {
		t.Fatalf("exit_status = %v, want converged-clean", got)
	}
	// One scope evaluation plus the clean-room pass.
	if evaluates != 2 {
		t.Errorf("evaluate actions = %d, want 2", evaluates)
	}
}

func TestServer_RejectsSecondSession(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	first := callTool(t, ctx, session, "start_run", map[string]any{
		"scope":  "feature:auth",
		"no_git": true,
	})
	if first["session_id"] == "" {
		t.Fatal("first start_run failed")
	}

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name: "start_run",
		Arguments: map[string]any{
			"scope":  "feature:auth",
			"no_git": true,
		},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("second start_run should fail while a session is active")
	}
}

func TestServer_SessionIDMismatch(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	session := connectInMemory(t, ctx, srv)
	defer session.Close()

	callTool(t, ctx, session, "start_run", map[string]any{
		"scope":  "feature:auth",
		"no_git": true,
	})

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name: "run_status",
		Arguments: map[string]any{
			"session_id": "s-bogus",
		},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !res.IsError {
		t.Fatal("run_status with wrong session_id should fail")
	}
	if srv.SessionID() == "" {
		t.Error("SessionID should report the active session")
	}
}
