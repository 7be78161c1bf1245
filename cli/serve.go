// ABOUTME: Web server and dashboard subcommands
// ABOUTME: Starts the read-only web UI or the terminal dashboard
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/tui"
	"github.com/harperreed/schoolsync/web"
)

// ServeCommand starts the web UI and metrics endpoint.
func ServeCommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", rt.Config.Server.ListenAddress, "Listen address")
	_ = fs.Parse(args)
	rt.Config.Server.ListenAddress = *addr

	server, err := web.NewServer(rt)
	if err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "Serving school content at http://localhost%s\n", *addr)
	return server.Start(ctx)
}

// TUICommand opens the terminal dashboard.
func TUICommand(rt *app.Runtime, args []string) error {
	fs := flag.NewFlagSet("tui", flag.ExitOnError)
	_ = fs.Parse(args)
	return tui.Run(rt)
}
