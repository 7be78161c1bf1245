// ABOUTME: Super admin management of other admin accounts
// ABOUTME: List, create, and delete admins, gated on the SUPER_ADMIN role
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/remote"
	"golang.org/x/oauth2"
)

// ErrAdminRejected wraps a refusal the backend explained, such as a duplicate
// username or an attempt to delete the super admin.
var ErrAdminRejected = errors.New("admin request rejected")

// ListAdmins returns every admin account.
func (g *Guard) ListAdmins(ctx context.Context) ([]models.AdminAccount, error) {
	raw, err := g.adminRequest(ctx, remote.Request{Method: http.MethodGet, Path: "/admin/list"})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Success bool                  `json:"success"`
		Message string                `json:"message"`
		Admins  []models.AdminAccount `json:"admins"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to read admin list: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrAdminRejected, orDefault(resp.Message, "listing admins failed"))
	}
	for i := range resp.Admins {
		resp.Admins[i].Role = models.NormalizeRole(string(resp.Admins[i].Role))
	}
	return resp.Admins, nil
}

// CreateAdmin adds an admin account and returns its id.
func (g *Guard) CreateAdmin(ctx context.Context, n models.NewAdmin) (int64, error) {
	if err := n.Validate(); err != nil {
		return 0, err
	}
	raw, err := g.adminRequest(ctx, remote.Request{Method: http.MethodPost, Path: "/admin/create", Body: n})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		AdminID int64  `json:"adminId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("failed to read create response: %w", err)
	}
	if !resp.Success {
		return 0, fmt.Errorf("%w: %s", ErrAdminRejected, orDefault(resp.Message, "creating admin failed"))
	}
	g.log.Info("admin created", "username", n.Username, "id", resp.AdminID)
	return resp.AdminID, nil
}

// DeleteAdmin removes an admin account. The backend refuses to delete a super admin.
func (g *Guard) DeleteAdmin(ctx context.Context, id int64) error {
	raw, err := g.adminRequest(ctx, remote.Request{Method: http.MethodDelete, Path: "/admin/" + strconv.FormatInt(id, 10)})
	if err != nil {
		return err
	}
	var resp struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &resp) == nil && resp.Success != nil && !*resp.Success {
		return fmt.Errorf("%w: %s", ErrAdminRejected, orDefault(resp.Message, "deleting admin failed"))
	}
	g.log.Info("admin deleted", "id", id)
	return nil
}

// adminRequest sends r with a super admin credential. A rejected credential
// clears the session the same way a rejected mutation does.
func (g *Guard) adminRequest(ctx context.Context, r remote.Request) (json.RawMessage, error) {
	tok, err := g.authorizeSuperAdmin(ctx)
	if err != nil {
		return nil, err
	}
	r.Token = tok
	raw, err := g.backend.Do(ctx, r)
	if err == nil {
		return raw, nil
	}
	if remote.IsUnauthorized(err) {
		g.Invalidate(fmt.Sprintf("%s %s rejected the credential", r.Method, r.Path))
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	var ne *remote.NetworkError
	if errors.As(err, &ne) && ne.Status == http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s", ErrAdminRejected, loginMessage(ne.Message))
	}
	return nil, err
}

func (g *Guard) authorizeSuperAdmin(ctx context.Context) (*oauth2.Token, error) {
	tok, err := g.Authorize(ctx)
	if err != nil {
		return nil, err
	}
	if !g.Can(ActionManageAdmins) {
		return nil, fmt.Errorf("%w: only a super admin can manage admins", ErrUnauthorized)
	}
	return tok, nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
