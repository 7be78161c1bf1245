// ABOUTME: Session MCP tool handler
// ABOUTME: Reports who is signed in and whether admin tools will be allowed
package handlers

import (
	"context"
	"time"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type SessionHandlers struct {
	page *app.Page
}

func NewSessionHandlers(page *app.Page) *SessionHandlers {
	return &SessionHandlers{page: page}
}

type SessionStatusInput struct {
	Validate bool `json:"validate,omitempty" jsonschema:"Check the session with the backend before answering"`
}

type SessionStatusOutput struct {
	State       string `json:"state"`
	Username    string `json:"username,omitempty"`
	Role        string `json:"role,omitempty"`
	CanMutate   bool   `json:"can_mutate"`
	CanAdmin    bool   `json:"can_manage_admins"`
	ValidatedAt string `json:"validated_at,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (h *SessionHandlers) SessionStatus(ctx context.Context, request *mcp.CallToolRequest, input SessionStatusInput) (*mcp.CallToolResult, SessionStatusOutput, error) {
	var out SessionStatusOutput
	if input.Validate {
		if err := h.page.Guard.Validate(ctx); err != nil {
			out.Error = err.Error()
		}
	}

	guard := h.page.Guard
	out.State = guard.State().String()
	out.CanMutate = guard.Can(session.ActionMutate)
	out.CanAdmin = guard.Can(session.ActionManageAdmins)
	if sess, ok := guard.Session(); ok {
		out.Username = sess.Username
		out.Role = string(sess.Role)
		if !sess.ValidatedAt.IsZero() {
			out.ValidatedAt = sess.ValidatedAt.Format(time.RFC3339)
		}
	}
	return nil, out, nil
}
