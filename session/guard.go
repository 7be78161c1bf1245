// ABOUTME: Admin credential state machine and authorization for mutations
// ABOUTME: Persists the session, validates it against the backend, and detects expiry locally
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/harperreed/schoolsync/coalesce"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/models"
	"github.com/harperreed/schoolsync/remote"
	"golang.org/x/oauth2"
)

type State int

const (
	Anonymous State = iota
	Validating
	Authenticated
	Expired
	LoggedOut
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Validating:
		return "validating"
	case Authenticated:
		return "authenticated"
	case Expired:
		return "expired"
	case LoggedOut:
		return "logged-out"
	}
	return "unknown"
}

var (
	// ErrUnauthorized is returned whenever a mutation may not proceed.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned by Login for a rejected username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Action names an admin-only affordance.
type Action int

const (
	ActionMutate Action = iota
	ActionManageAdmins
)

// DefaultFreshness is how long a validation is trusted before Authorize re-checks.
const DefaultFreshness = 5 * time.Minute

// Storage persists the session. *cache.Store implements it.
type Storage interface {
	Load(key string) ([]byte, bool, error)
	Save(writer, key string, value []byte) error
	Remove(writer, key string) error
}

// Backend performs authenticated requests. *remote.Fetcher implements it.
type Backend interface {
	Do(ctx context.Context, r remote.Request) (json.RawMessage, error)
}

type Options struct {
	Tab       string
	Freshness time.Duration
	Logger    *log.Logger
}

// Guard owns the credential state for one page.
type Guard struct {
	store     Storage
	backend   Backend
	tab       string
	freshness time.Duration
	log       *log.Logger
	now       func() time.Time
	validates *coalesce.Group[models.Session]

	mu        sync.Mutex
	state     State
	session   *models.Session
	nextID    int
	listeners map[int]func(State)
}

func New(store Storage, backend Backend, opts Options) *Guard {
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("session")
	}
	return &Guard{
		store:     store,
		backend:   backend,
		tab:       opts.Tab,
		freshness: opts.Freshness,
		log:       opts.Logger,
		now:       time.Now,
		validates: coalesce.New[models.Session](30 * time.Second),
		listeners: make(map[int]func(State)),
	}
}

// State returns the current state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns a copy of the current credential.
func (g *Guard) Session() (models.Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return models.Session{}, false
	}
	return *g.session, true
}

// OnChange registers fn for state transitions.
func (g *Guard) OnChange(fn func(State)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.listeners, id)
		g.mu.Unlock()
	}
}

// Can gates admin-only affordances without touching the network.
func (g *Guard) Can(a Action) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Authenticated || g.session == nil {
		return false
	}
	switch a {
	case ActionMutate:
		return g.session.Role.IsAdmin()
	case ActionManageAdmins:
		return g.session.Role == models.RoleSuperAdmin
	}
	return false
}

// Restore loads a persisted credential and validates it with the backend.
func (g *Guard) Restore(ctx context.Context) error {
	sess, ok, err := g.load()
	if err != nil {
		return err
	}
	if !ok {
		g.transition(Anonymous, nil)
		return nil
	}
	g.transition(Validating, &sess)
	return g.Validate(ctx)
}

// Reload adopts a credential written by another page, or drops ours when
// another page cleared it.
func (g *Guard) Reload() {
	sess, ok, err := g.load()
	if err != nil {
		g.log.Warn("failed to reload session", "err", err)
		return
	}
	if !ok {
		if g.State() == Authenticated {
			g.transition(LoggedOut, nil)
			g.transition(Anonymous, nil)
		}
		return
	}
	if cur, had := g.Session(); had && cur.Token == sess.Token && g.State() == Authenticated {
		return
	}
	g.transition(Authenticated, &sess)
}

// Login exchanges credentials for a token and persists the session.
func (g *Guard) Login(ctx context.Context, username, password string) (models.Session, error) {
	raw, err := g.backend.Do(ctx, remote.Request{
		Method: http.MethodPost,
		Path:   "/admin/login",
		Body:   map[string]string{"username": username, "password": password},
	})
	if err != nil {
		var ne *remote.NetworkError
		if errors.As(err, &ne) && (ne.Status == http.StatusUnauthorized || ne.Status == http.StatusBadRequest) {
			return models.Session{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, loginMessage(ne.Message))
		}
		return models.Session{}, fmt.Errorf("login failed: %w", err)
	}

	var resp struct {
		Success  bool   `json:"success"`
		Token    string `json:"token"`
		Role     string `json:"role"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.Session{}, fmt.Errorf("login failed: unreadable response: %w", err)
	}
	if !resp.Success || resp.Token == "" {
		msg := resp.Message
		if msg == "" {
			msg = "login rejected"
		}
		return models.Session{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, msg)
	}

	sess := models.Session{
		Token:       resp.Token,
		Role:        models.NormalizeRole(resp.Role),
		Username:    resp.Username,
		Email:       resp.Email,
		ValidatedAt: g.now(),
	}
	if sess.Username == "" {
		sess.Username = username
	}
	if exp, ok := tokenExpiry(sess.Token); ok {
		sess.ExpiresAtKnownGood = exp
	}

	if err := g.persist(sess); err != nil {
		return models.Session{}, err
	}
	g.transition(Authenticated, &sess)
	g.log.Info("logged in", "user", sess.Username, "role", sess.Role)
	return sess, nil
}

// Logout clears the credential.
func (g *Guard) Logout() error {
	err := g.clear()
	g.transition(LoggedOut, nil)
	g.transition(Anonymous, nil)
	return err
}

// Invalidate drops the credential after the backend refused it.
func (g *Guard) Invalidate(reason string) {
	if _, ok := g.Session(); !ok {
		return
	}
	g.log.Warn("session invalidated", "reason", reason)
	if err := g.clear(); err != nil {
		g.log.Warn("failed to clear session", "err", err)
	}
	g.transition(Expired, nil)
	g.transition(Anonymous, nil)
}

// Validate asks the backend whether the credential is still good. Any failure
// clears the session.
func (g *Guard) Validate(ctx context.Context) error {
	sess, ok := g.Session()
	if !ok {
		return ErrUnauthorized
	}
	if g.expired(sess) {
		g.Invalidate("token expired")
		return fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	_, _, err := g.validates.Run(ctx, sess.Token, func(ctx context.Context) (models.Session, error) {
		return g.validate(ctx, sess)
	})
	return err
}

func (g *Guard) validate(ctx context.Context, sess models.Session) (models.Session, error) {
	raw, err := g.backend.Do(ctx, remote.Request{
		Method: http.MethodGet,
		Path:   "/admin/validate",
		Token:  bearer(sess),
	})
	if err != nil {
		g.Invalidate("validation failed: " + err.Error())
		return models.Session{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	var resp struct {
		Valid    any    `json:"valid"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || !truthy(resp.Valid) {
		g.Invalidate("backend reported token invalid")
		return models.Session{}, fmt.Errorf("%w: token rejected", ErrUnauthorized)
	}

	sess.ValidatedAt = g.now()
	if resp.Username != "" {
		sess.Username = resp.Username
	}
	if resp.Role != "" {
		sess.Role = models.NormalizeRole(resp.Role)
	}

	// A logout while validating wins.
	if cur, ok := g.Session(); !ok || cur.Token != sess.Token {
		return models.Session{}, ErrUnauthorized
	}
	if err := g.persist(sess); err != nil {
		return models.Session{}, err
	}
	g.transition(Authenticated, &sess)
	return sess, nil
}

// Authorize returns the bearer credential for a mutation, re-validating when
// the last check is older than the freshness threshold.
func (g *Guard) Authorize(ctx context.Context) (*oauth2.Token, error) {
	g.mu.Lock()
	state := g.state
	var sess models.Session
	if g.session != nil {
		sess = *g.session
	}
	g.mu.Unlock()

	if sess.Token == "" || (state != Authenticated && state != Validating) {
		return nil, fmt.Errorf("%w: not logged in", ErrUnauthorized)
	}
	if g.expired(sess) {
		g.Invalidate("token expired")
		return nil, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}
	if !sess.Role.IsAdmin() {
		return nil, fmt.Errorf("%w: role %q cannot modify content", ErrUnauthorized, sess.Role)
	}

	if state == Validating || g.now().Sub(sess.ValidatedAt) > g.freshness {
		g.transition(Validating, &sess)
		if err := g.Validate(ctx); err != nil {
			return nil, err
		}
		sess, _ = g.Session()
	}
	return bearer(sess), nil
}

func (g *Guard) expired(sess models.Session) bool {
	exp := sess.ExpiresAtKnownGood
	if exp.IsZero() {
		var ok bool
		if exp, ok = tokenExpiry(sess.Token); !ok {
			return false
		}
	}
	return !g.now().Before(exp)
}

func (g *Guard) transition(to State, sess *models.Session) {
	g.mu.Lock()
	changed := g.state != to
	g.state = to
	g.session = sess
	fns := make([]func(State), 0, len(g.listeners))
	for _, fn := range g.listeners {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	if !changed {
		return
	}
	g.log.Debug("session state", "state", to)
	for _, fn := range fns {
		fn(to)
	}
}

func (g *Guard) load() (models.Session, bool, error) {
	raw, ok, err := g.store.Load(models.SessionKey)
	if err != nil || !ok {
		return models.Session{}, false, err
	}
	var sess models.Session
	if err := json.Unmarshal(raw, &sess); err != nil || sess.Token == "" {
		g.log.Warn("discarding unreadable session")
		_ = g.clear()
		return models.Session{}, false, nil
	}
	return sess, true, nil
}

func (g *Guard) persist(sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := g.store.Save(g.tab, models.SessionKey, data); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (g *Guard) clear() error {
	return g.store.Remove(g.tab, models.SessionKey)
}

func bearer(sess models.Session) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: sess.Token,
		TokenType:   "Bearer",
		Expiry:      sess.ExpiresAtKnownGood,
	}
}

// tokenExpiry reads the exp claim without verifying the signature.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}

func loginMessage(body string) string {
	var resp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal([]byte(body), &resp) == nil && resp.Message != "" {
		return resp.Message
	}
	if body == "" {
		return "login rejected"
	}
	return body
}
