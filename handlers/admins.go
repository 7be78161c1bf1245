// ABOUTME: Admin account MCP tool handlers
// ABOUTME: Lets a super admin session list, create, and delete admin accounts
package handlers

import (
	"context"
	"fmt"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type AdminHandlers struct {
	page *app.Page
}

func NewAdminHandlers(page *app.Page) *AdminHandlers {
	return &AdminHandlers{page: page}
}

type ListAdminsInput struct{}

type AdminOutput struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at,omitempty"`
}

type ListAdminsOutput struct {
	Admins []AdminOutput `json:"admins"`
	Count  int           `json:"count"`
}

func (h *AdminHandlers) ListAdmins(ctx context.Context, request *mcp.CallToolRequest, input ListAdminsInput) (*mcp.CallToolResult, ListAdminsOutput, error) {
	admins, err := h.page.Guard.ListAdmins(ctx)
	if err != nil {
		return nil, ListAdminsOutput{}, fmt.Errorf("failed to list admins: %w", err)
	}
	out := ListAdminsOutput{Admins: make([]AdminOutput, 0, len(admins)), Count: len(admins)}
	for _, a := range admins {
		o := AdminOutput{ID: a.ID, Username: a.Username, Email: a.Email, Role: string(a.Role)}
		if !a.CreatedAt.IsZero() {
			o.CreatedAt = a.CreatedAt.Format("2006-01-02T15:04:05")
		}
		out.Admins = append(out.Admins, o)
	}
	return nil, out, nil
}

type CreateAdminInput struct {
	Username string `json:"username" jsonschema:"Username of the new admin (required)"`
	Email    string `json:"email" jsonschema:"Email of the new admin (required)"`
	Password string `json:"password" jsonschema:"Initial password (required)"`
}

func (h *AdminHandlers) CreateAdmin(ctx context.Context, request *mcp.CallToolRequest, input CreateAdminInput) (*mcp.CallToolResult, AdminOutput, error) {
	n := models.NewAdmin{Username: input.Username, Email: input.Email, Password: input.Password}
	id, err := h.page.Guard.CreateAdmin(ctx, n)
	if err != nil {
		return nil, AdminOutput{}, fmt.Errorf("failed to create admin: %w", err)
	}
	return nil, AdminOutput{ID: id, Username: n.Username, Email: n.Email, Role: string(models.RoleAdmin)}, nil
}

type DeleteAdminInput struct {
	ID int64 `json:"id" jsonschema:"Admin ID (required)"`
}

func (h *AdminHandlers) DeleteAdmin(ctx context.Context, request *mcp.CallToolRequest, input DeleteAdminInput) (*mcp.CallToolResult, DeleteItemOutput, error) {
	if input.ID <= 0 {
		return nil, DeleteItemOutput{}, fmt.Errorf("id is required")
	}
	if err := h.page.Guard.DeleteAdmin(ctx, input.ID); err != nil {
		return nil, DeleteItemOutput{}, fmt.Errorf("failed to delete admin: %w", err)
	}
	return nil, DeleteItemOutput{Success: true, Message: fmt.Sprintf("Deleted admin %d", input.ID)}, nil
}
