package main

import (
	"context"

	"github.com/spf13/cobra"

	"converge/internal/logging"
	mcpserver "converge/internal/mcp"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server over stdio for agent integration",
	Long: `Starts an MCP server over stdin/stdout. A connected agent starts runs and
supplies the evaluate, fix and validate capabilities by pulling actions
with get_next_action and answering with submit_artifact.

The server monitors for parent process death and self-terminates when its
host disconnects, to prevent zombie processes.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	srv := mcpserver.NewServer()
	defer srv.Shutdown()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	mcpserver.WatchParent(ctx, cancel)

	logging.New("mcp").Info("starting converge MCP server over stdio (parent watchdog active)")
	return srv.MCPServer.Run(ctx, &sdkmcp.StdioTransport{})
}
