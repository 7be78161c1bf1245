// ABOUTME: Read-only web server for cached school content
// ABOUTME: HTML tables per collection, a JSON API, health, and Prometheus metrics
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/harperreed/schoolsync/app"
	"github.com/harperreed/schoolsync/cache"
	"github.com/harperreed/schoolsync/logging"
	"github.com/harperreed/schoolsync/models"
)

//go:embed templates/*
var templatesFS embed.FS

type Server struct {
	rt        *app.Runtime
	page      *app.Page
	templates *template.Template
	log       *log.Logger
	unwatch   []func()
}

// NewServer opens one page for the server's lifetime and watches every
// collection so polling and cross-page refreshes keep it current.
func NewServer(rt *app.Runtime) (*Server, error) {
	funcMap := template.FuncMap{
		"clock": func(t time.Time) string {
			if t.IsZero() {
				return "never"
			}
			return t.Format("Jan 2 15:04:05")
		},
	}

	tmpl, err := template.New("").Funcs(funcMap).ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		rt:        rt,
		page:      rt.NewPage(),
		templates: tmpl,
		log:       logging.For("web"),
	}
	for _, c := range models.AllCollections {
		_, stop := s.page.Sync.Watch(c)
		s.unwatch = append(s.unwatch, stop)
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.rt.Metrics.Handler())

	r.Get("/api/{collection}", s.handleAPI)

	r.Get("/", s.handleCollection)
	r.Get("/{collection}", s.handleCollection)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.rt.Config.Server
	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting web server", "addr", cfg.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	}
}

// Close detaches the server's page.
func (s *Server) Close() {
	for _, stop := range s.unwatch {
		stop()
	}
	s.page.Close()
}

type entryView struct {
	Key       models.Collection `json:"key"`
	Items     []models.Item     `json:"items"`
	FetchedAt *time.Time        `json:"fetchedAt,omitempty"`
	Origin    cache.Origin      `json:"origin,omitempty"`
}

// handleAPI serves the cached entry and revalidates it in the background.
// ?fresh=1 waits for the backend instead.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	c, err := models.ParseCollection(chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_collection")
		return
	}

	var e cache.Entry
	if r.URL.Query().Get("fresh") != "" {
		e, err = s.page.Sync.Refresh(r.Context(), c)
		if err != nil {
			s.log.Warn("refresh failed", "collection", c, "err", err)
			writeError(w, http.StatusBadGateway, "backend_unavailable")
			return
		}
	} else {
		e = s.page.Sync.GetOrRefresh(c)
	}

	view := entryView{Key: c, Items: e.Items, Origin: e.Origin}
	if view.Items == nil {
		view.Items = []models.Item{}
	}
	if !e.FetchedAt.IsZero() {
		view.FetchedAt = &e.FetchedAt
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	c := models.Events
	if name := chi.URLParam(r, "collection"); name != "" {
		parsed, err := models.ParseCollection(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		c = parsed
	}

	e, _ := s.page.Sync.Get(c)
	header, rows, err := models.Table(c, e.Items)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Title":       c.Title(),
		"Active":      c,
		"Collections": models.AllCollections,
		"Header":      header,
		"Rows":        rows,
		"Cached":      !e.Empty(),
		"Origin":      e.Origin,
		"FetchedAt":   e.FetchedAt,
	}

	s.renderTemplate(w, "layout.html", data)
}

func (s *Server) renderTemplate(w http.ResponseWriter, name string, data interface{}) {
	err := s.templates.ExecuteTemplate(w, name, data)
	if err != nil {
		s.log.Error("template error", "template", name, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
