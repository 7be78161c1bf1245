// ABOUTME: Entry point for the schoolsync CLI
// ABOUTME: Routes to content, session, dashboard, web, MCP, and KV commands
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/charm"
	"github.com/harperreed/schoolsync/cli"
	"github.com/harperreed/schoolsync/config"
	"github.com/harperreed/schoolsync/logging"
)

const version = "0.2.0"

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	configPath := flag.String("config", "", "Config file (default: ~/.config/schoolsync/config.yaml)")
	baseURL := flag.String("base-url", "", "School backend base URL (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	// Parse global flags but don't fail on unknown (for subcommands)
	_ = flag.CommandLine.Parse(os.Args[1:])

	// Handle version flag
	if *showVersion {
		fmt.Printf("schoolsync version %s\n", version)
		os.Exit(0)
	}

	// Get remaining args after flags
	args := flag.Args()

	// If no command specified, show usage
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	// Route to top-level command
	command := args[0]
	commandArgs := args[1:]

	// KV commands manage storage on their own and need no backend.
	if command == "kv" {
		runKV(commandArgs)
		return
	}

	path := *configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *baseURL != "" {
		cfg.Backend.BaseURL = *baseURL
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logging.Configure(os.Stderr, cfg.LogLevel)

	run, ok := commands[command]
	if !ok && command != "mcp" {
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	rt, err := app.Open(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if command == "mcp" {
		err = cli.MCPCommand(rt, version)
	} else {
		err = run(rt, commandArgs)
	}
	closeErr := rt.Close()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if closeErr != nil {
		log.Printf("Warning: %v", closeErr)
	}
}

var commands = map[string]func(*app.Runtime, []string) error{
	"list":   cli.ListCommand,
	"show":   cli.ShowCommand,
	"create": cli.CreateCommand,
	"update": cli.UpdateCommand,
	"delete": cli.DeleteCommand,
	"toggle": cli.ToggleCommand,
	"admins": cli.AdminsCommand,
	"login":  cli.LoginCommand,
	"logout": cli.LogoutCommand,
	"whoami": cli.WhoamiCommand,
	"status": cli.StatusCommand,
	"watch":  cli.WatchCommand,
	"tui":    cli.TUICommand,
	"serve":  cli.ServeCommand,
}

func runKV(args []string) {
	if len(args) == 0 {
		fmt.Println("Error: kv requires a subcommand")
		printUsage()
		os.Exit(1)
	}

	kvCommand := args[0]
	kvArgs := args[1:]

	var err error
	switch kvCommand {
	case "link":
		err = charm.LinkCommand(kvArgs)
	case "unlink":
		err = charm.UnlinkCommand(kvArgs)
	case "status":
		err = charm.StatusCommand(kvArgs)
	case "sync":
		err = charm.SyncNowCommand(kvArgs)
	case "wipe":
		err = charm.WipeCommand(kvArgs)
	case "autosync":
		err = charm.SetAutoSyncCommand(kvArgs)
	default:
		fmt.Printf("Unknown kv command: %s\n\n", kvCommand)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func printUsage() {
	fmt.Printf(`schoolsync v%s - School content sync toolkit

USAGE:
  schoolsync [global flags] <command> [flags] [args]

GLOBAL FLAGS:
  --version              Show version and exit
  --config <path>        Config file (default: ~/.config/schoolsync/config.yaml)
  --base-url <url>       School backend base URL
  --log-level <level>    debug, info, warn, or error

COLLECTIONS:
  events, classes, announcements, facilities

CONTENT COMMANDS:
  schoolsync list [flags] <collection>   Fetch and print a collection
    --cached                  Print the cached copy without contacting the backend
    --live                    Only live classes (classes only)

  schoolsync show <collection> <id>      Print one item as JSON

  schoolsync create [flags] <collection> Create an item (admin)
    --set key=value           Field to send (repeatable)
    --json <object>           Full JSON object

  schoolsync update [flags] <collection> <id>  Update an item (admin)
    --set key=value           Field to change (repeatable)
    --json <object>           JSON object of fields to change
    Note: flags must come before the collection

  schoolsync delete <collection> <id>    Delete an item (admin)
  schoolsync toggle <collection> <id>    Flip a class live or an announcement active (admin)

SESSION COMMANDS:
  schoolsync login [flags] [username]    Sign in as an admin
    --username <name>         Admin username
    --password <password>     Admin password (prompted when empty)
  schoolsync logout                      Clear the saved session
  schoolsync whoami                      Show the saved session

ADMIN ACCOUNTS (super admin):
  schoolsync admins list                 List admin accounts
  schoolsync admins create [flags] <username>  Create an admin account
    --email <email>           Email of the new admin
    --password <password>     Password (prompted when empty)
  schoolsync admins delete <id>          Delete an admin account

MONITORING:
  schoolsync status                      Cache, fetch history, and recent mutations
    --limit <n>               Recent mutations to show (default: 5)
  schoolsync watch [flags] [collection...]  Stream change notifications
    --legacy                  Also print legacy named events
  schoolsync tui                         Terminal dashboard
  schoolsync serve [flags]               Web UI, JSON API, and /metrics
    --addr <addr>             Listen address (default: :9110)
  schoolsync mcp                         Start MCP server on stdio

KV COMMANDS:
  schoolsync kv link [--host <host>]     Share the cache through Charm Cloud
  schoolsync kv unlink                   Return to the local store
  schoolsync kv status                   Show the storage backend and keys
  schoolsync kv sync                     Sync with Charm Cloud now
  schoolsync kv autosync <on|off>        Toggle sync after every write
  schoolsync kv wipe                     Delete all cached content

EXAMPLES:
  # Sign in and post an announcement
  schoolsync login principal
  schoolsync create --set title="Closed Friday" --set message="Staff training" --set isActive=true announcements

  # Keep a live view of classes
  schoolsync watch classes

`, version)
}
