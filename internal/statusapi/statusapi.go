// Package statusapi serves a read-only JSON view of a running engine, its
// links and the handle cache.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chaz8081/gattprofile/internal/gattc"
	"github.com/chaz8081/gattprofile/internal/handlecache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the part of *gattc.Engine the API reads.
type Engine interface {
	Snapshot(ctx context.Context) ([]gattc.SlotInfo, error)
	Stats() gattc.StatsSnapshot
}

// Cache is the part of *handlecache.Cache the API reads.
type Cache interface {
	Entries() []handlecache.Entry
}

// LinkStatus describes the radio link behind one connection slot.
type LinkStatus struct {
	Index      int    `json:"index"`
	Address    string `json:"address"`
	Connected  bool   `json:"connected"`
	Reconnects uint64 `json:"reconnects"`
}

// Links reports the configured links. It may be nil.
type Links func() []LinkStatus

// Connection is one entry of /connections.
type Connection struct {
	gattc.SlotInfo
	Link *LinkStatus `json:"link,omitempty"`
}

// Server holds what the handlers read.
type Server struct {
	profile string
	engine  Engine
	cache   Cache
	links   Links
	started time.Time
}

// NewServer creates a Server. cache and links may be nil.
func NewServer(profile string, engine Engine, cache Cache, links Links) *Server {
	return &Server{
		profile: profile,
		engine:  engine,
		cache:   cache,
		links:   links,
		started: time.Now(),
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))
	r.Use(logRequests)

	r.Get("/health", s.health)
	r.Route("/connections", func(r chi.Router) {
		r.Get("/", s.connections)
		r.Get("/{idx}", s.connection)
	})
	r.Get("/stats", s.stats)
	r.Get("/cache", s.cacheEntries)
	return r
}

// ListenAndServe serves the API on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[STATUS] listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("[STATUS] request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start),
		)
	})
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("[STATUS] encode response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]interface{}{
		"error": message,
		"code":  status,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"profile": s.profile,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) ([]Connection, bool) {
	infos, err := s.engine.Snapshot(r.Context())
	if err != nil {
		errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	byIdx := map[int]LinkStatus{}
	if s.links != nil {
		for _, l := range s.links() {
			byIdx[l.Index] = l
		}
	}
	out := make([]Connection, len(infos))
	for i, info := range infos {
		out[i] = Connection{SlotInfo: info}
		if l, ok := byIdx[info.Index]; ok {
			out[i].Link = &l
		}
	}
	return out, true
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) {
	conns, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	jsonResponse(w, http.StatusOK, conns)
}

func (s *Server) connection(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, "connection index must be an integer")
		return
	}
	conns, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	for _, c := range conns {
		if c.Index == idx {
			jsonResponse(w, http.StatusOK, c)
			return
		}
	}
	errorResponse(w, http.StatusNotFound, "no connection slot "+strconv.Itoa(idx))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) cacheEntries(w http.ResponseWriter, r *http.Request) {
	entries := []handlecache.Entry{}
	if s.cache != nil {
		entries = append(entries, s.cache.Entries()...)
	}
	jsonResponse(w, http.StatusOK, entries)
}
