package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// WatchParent monitors for parent process death in a background goroutine.
// When the parent PID changes (the editor or harness that spawned the server
// disconnected), it calls cancelFn to trigger graceful shutdown. This
// prevents zombie server processes from accumulating.
//
// It must NOT read from stdin: the MCP SDK's StdioTransport owns stdin
// exclusively, and stealing bytes would corrupt the JSON-RPC stream.
func WatchParent(ctx context.Context, cancelFn context.CancelFunc) {
	ppid := os.Getppid()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
				if os.Getppid() != ppid {
					slog.Warn("parent process died, shutting down", "was_pid", ppid)
					cancelFn()
					return
				}
			}
		}
	}()
}
