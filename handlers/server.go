// ABOUTME: MCP server assembly
// ABOUTME: Registers the content, admin, and session tools, collection resources, and prompts
package handlers

import (
	"github.com/harperreed/schoolsync/app"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewServer builds an MCP server whose tools act through page.
func NewServer(page *app.Page, version string) *mcp.Server {
	contentHandlers := NewContentHandlers(page)
	sessionHandlers := NewSessionHandlers(page)
	adminHandlers := NewAdminHandlers(page)
	resourceHandlers := NewResourceHandlers(page)
	promptHandlers := NewPromptHandlers(page)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "schoolsync",
		Version: version,
	}, nil)

	// Register tools
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_collection",
		Description: "List cached school content (events, classes, announcements, facilities); refreshes in the background",
	}, contentHandlers.ListCollection)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "refresh_collection",
		Description: "Fetch a collection from the school backend and return the fresh copy",
	}, contentHandlers.RefreshCollection)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_item",
		Description: "Create an item in a collection (requires an admin session)",
	}, contentHandlers.CreateItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_item",
		Description: "Update fields of an existing item (requires an admin session)",
	}, contentHandlers.UpdateItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_item",
		Description: "Delete an item from a collection (requires an admin session)",
	}, contentHandlers.DeleteItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "toggle_item",
		Description: "Flip a class between live and offline, or an announcement between active and inactive (requires an admin session)",
	}, contentHandlers.ToggleItem)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_admins",
		Description: "List admin accounts (requires a super admin session)",
	}, adminHandlers.ListAdmins)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_admin",
		Description: "Create an admin account (requires a super admin session)",
	}, adminHandlers.CreateAdmin)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_admin",
		Description: "Delete an admin account; super admins cannot be deleted (requires a super admin session)",
	}, adminHandlers.DeleteAdmin)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "session_status",
		Description: "Show the admin session state and whether content tools may write",
	}, sessionHandlers.SessionStatus)

	for _, r := range resourceHandlers.Resources() {
		server.AddResource(r, resourceHandlers.ReadResource)
	}

	for _, p := range promptHandlers.Prompts() {
		server.AddPrompt(p, promptHandlers.GetPrompt)
	}

	return server
}
