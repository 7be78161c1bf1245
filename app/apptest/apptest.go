// ABOUTME: Test helpers that stand up a fake school backend and a temp Runtime
// ABOUTME: Shared by the cli, web, tui, and MCP handler tests
package apptest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/config"
	"github.com/harperreed/schoolsync/models"
)

// School is an in-memory backend speaking the admin and content API.
type School struct {
	mu     sync.Mutex
	data   map[string][]map[string]any
	nextID int
	Reads  atomic.Int32
	Writes atomic.Int32
	// Password accepted by /admin/login for any username.
	Password string
	// SuperAdmin is the username that logs in with the SUPER_ADMIN role.
	SuperAdmin string
	admins     []map[string]any
}

// NewSchool seeds the backend with one item per collection.
func NewSchool() *School {
	return &School{
		Password:   "secret",
		SuperAdmin: "head",
		nextID:     100,
		admins: []map[string]any{
			{"id": 1, "username": "head", "email": "head@school.test", "role": "ROLE_SUPER_ADMIN"},
			{"id": 2, "username": "office", "email": "office@school.test", "role": "ROLE_ADMIN"},
		},
		data: map[string][]map[string]any{
			"events":        {{"id": 1, "title": "Sports Day", "eventDateTime": "2025-05-01T09:00:00", "description": "Track and field"}},
			"classes":       {{"id": 2, "subject": "Maths", "teacher": "Ms. Rao", "isLive": true}},
			"announcements": {{"id": 3, "title": "Closed Friday", "message": "Staff training", "isActive": true, "createdAt": "2025-04-01T08:00:00"}},
			"facilities":    {{"id": 4, "name": "Library", "description": "Open until six"}},
		},
	}
}

func (s *School) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	switch path {
	case "admin/login":
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != s.Password {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "Invalid credentials"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "opaque-" + body.Username, "role": "ROLE_" + s.roleOf(body.Username), "username": body.Username})
		return
	case "admin/validate":
		user, ok := s.user(r)
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "role": s.roleOf(user)})
		return
	case "classes/live":
		s.Reads.Add(1)
		var live []map[string]any
		for _, it := range s.data["classes"] {
			if it["isLive"] == true {
				live = append(live, it)
			}
		}
		writeList(w, live)
		return
	}

	name, rest, _ := strings.Cut(path, "/")
	if name == "admin" {
		s.serveAdmins(w, r, rest)
		return
	}
	if _, ok := s.data[name]; !ok {
		http.NotFound(w, r)
		return
	}

	if r.Method == http.MethodGet && rest == "" {
		s.Reads.Add(1)
		writeList(w, s.data[name])
		return
	}

	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.Writes.Add(1)

	switch {
	case r.Method == http.MethodPost && rest == "":
		var it map[string]any
		_ = json.NewDecoder(r.Body).Decode(&it)
		s.nextID++
		it["id"] = s.nextID
		s.data[name] = append(s.data[name], it)
		_ = json.NewEncoder(w).Encode(it)
	case r.Method == http.MethodPut && (strings.HasSuffix(rest, "/toggle-live") || strings.HasSuffix(rest, "/toggle-active")):
		idStr, action, _ := strings.Cut(rest, "/")
		id, _ := strconv.Atoi(idStr)
		field := "isLive"
		if action == "toggle-active" {
			field = "isActive"
		}
		for _, it := range s.data[name] {
			if idOf(it) == id {
				it[field] = it[field] != true
				_ = json.NewEncoder(w).Encode(it)
				return
			}
		}
		http.NotFound(w, r)
	case r.Method == http.MethodPut:
		id, _ := strconv.Atoi(rest)
		var patch map[string]any
		_ = json.NewDecoder(r.Body).Decode(&patch)
		for _, it := range s.data[name] {
			if idOf(it) == id {
				for k, v := range patch {
					it[k] = v
				}
				it["id"] = id
				_ = json.NewEncoder(w).Encode(it)
				return
			}
		}
		http.NotFound(w, r)
	case r.Method == http.MethodDelete:
		id, _ := strconv.Atoi(rest)
		kept := s.data[name][:0]
		for _, it := range s.data[name] {
			if idOf(it) != id {
				kept = append(kept, it)
			}
		}
		s.data[name] = kept
		_, _ = w.Write([]byte("Deleted"))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *School) user(r *http.Request) (string, bool) {
	return strings.CutPrefix(r.Header.Get("Authorization"), "Bearer opaque-")
}

func (s *School) roleOf(user string) string {
	if user == s.SuperAdmin {
		return "SUPER_ADMIN"
	}
	return "ADMIN"
}

func (s *School) serveAdmins(w http.ResponseWriter, r *http.Request, rest string) {
	user, ok := s.user(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if s.roleOf(user) != "SUPER_ADMIN" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch {
	case r.Method == http.MethodGet && rest == "list":
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "admins": s.admins})
	case r.Method == http.MethodPost && rest == "create":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		id := 0
		for _, a := range s.admins {
			id = max(id, idOf(a))
		}
		id++
		s.admins = append(s.admins, map[string]any{"id": id, "username": body["username"], "email": body["email"], "role": "ROLE_ADMIN"})
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Admin created successfully", "adminId": id, "username": body["username"]})
	case r.Method == http.MethodDelete:
		id, _ := strconv.Atoi(rest)
		kept := s.admins[:0]
		for _, a := range s.admins {
			if idOf(a) == id && a["role"] == "ROLE_SUPER_ADMIN" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "Cannot delete SUPER_ADMIN account"})
				return
			}
		}
		for _, a := range s.admins {
			if idOf(a) != id {
				kept = append(kept, a)
			}
		}
		s.admins = kept
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Admin deleted successfully"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// Admins counts the backend's admin accounts.
func (s *School) Admins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.admins)
}

// Len counts the backend's items of c.
func (s *School) Len(c models.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[string(c)])
}

func idOf(it map[string]any) int {
	switch v := it["id"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func writeList(w http.ResponseWriter, items []map[string]any) {
	if items == nil {
		items = []map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(items)
}

// NewRuntime opens a Runtime on temp storage pointed at a fresh School.
func NewRuntime(t *testing.T) (*app.Runtime, *School) {
	t.Helper()
	school := NewSchool()
	srv := httptest.NewServer(school)
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Backend.BaseURL = srv.URL
	cfg.Retry.Attempts = 1
	cfg.Storage.Backend = "local"
	cfg.Storage.Dir = filepath.Join(dir, "kv")
	cfg.Ledger.Path = filepath.Join(dir, "ledger.db")

	rt, err := app.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open runtime: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Errorf("failed to close runtime: %v", err)
		}
	})
	return rt, school
}
