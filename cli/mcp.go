// ABOUTME: MCP server subcommand
// ABOUTME: Starts the MCP server on stdio for assistant integrations
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/handlers"
	"github.com/harperreed/schoolsync/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPCommand starts the MCP server on stdio
func MCPCommand(rt *app.Runtime, version string) error {
	logger := logging.For("mcp")
	logger.Info("starting MCP server")

	page := rt.NewPage()
	defer page.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := page.Restore(ctx); err != nil {
		logger.Warn("no admin session; write tools will be refused", "err", err)
	}

	server := handlers.NewServer(page, version)
	return server.Run(ctx, &mcp.StdioTransport{})
}
