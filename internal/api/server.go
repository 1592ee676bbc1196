// Package api exposes the Read Cache and the admin purge commands over
// HTTP. Handlers are thin: they read the cache or the durable stores and
// encode JSON, with no business logic of their own.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ncrsentry/sentry/internal/cache"
	"github.com/ncrsentry/sentry/internal/intrusion"
	"github.com/ncrsentry/sentry/internal/monitoring"
	"github.com/ncrsentry/sentry/internal/snapshotstore"
	"github.com/ncrsentry/sentry/internal/trackstore"
)

// ANSI escape codes for status-code coloring in the access log, carried
// over from the original implementation's terminal-friendly log lines.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// Server wires the Read Cache and durable stores to the HTTP read API and
// admin commands.
type Server struct {
	cache         *cache.Cache
	tracks        *trackstore.Store
	snapshots     *snapshotstore.Store
	p56History    *intrusion.History
	adminPassword string

	mux *http.ServeMux
}

// NewServer constructs a Server. adminPassword empty disables the admin
// surface entirely (every admin request is rejected as forbidden).
func NewServer(c *cache.Cache, tracks *trackstore.Store, snapshots *snapshotstore.Store, p56History *intrusion.History, adminPassword string) *Server {
	return &Server{
		cache:         c,
		tracks:        tracks,
		snapshots:     snapshots,
		p56History:    p56History,
		adminPassword: adminPassword,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration for every
// request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)

		portPrefix := ""
		if host := r.Host; host != "" {
			if _, p, err := net.SplitHostPort(host); err == nil {
				portPrefix = ":" + p
			}
		}
		monitoring.Logf(
			"[%s] %s %s%s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, portPrefix, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux builds (once) and returns the registered route set.
func (s *Server) ServeMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/api/v1/aircraft", s.cacheHandler(cache.KeyAircraftList))
	s.mux.HandleFunc("/api/v1/sfra", s.cacheHandler(cache.KeySFRA))
	s.mux.HandleFunc("/api/v1/frz", s.cacheHandler(cache.KeyFRZ))
	s.mux.HandleFunc("/api/v1/p56", s.cacheHandler(cache.KeyP56))
	s.mux.HandleFunc("/api/v1/status", s.cacheHandler(cache.KeySystemStatus))
	s.mux.HandleFunc("/api/v1/history/tracks", s.handleTrackHistory)
	s.mux.HandleFunc("/api/v1/history/incidents", s.handleIncidentHistory)
	s.mux.HandleFunc("/api/v1/admin/purge", s.handleAdminPurge)
	s.mux.HandleFunc("/api/v1/admin/purge-selective", s.handleAdminPurgeSelective)
	return s.mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		monitoring.Logf("api: failed to encode json error response: %v", err)
	}
}

// cacheHandler builds a GET handler that serves the named Read Cache key,
// surfacing the §7 "initializing" state instead of an error when nothing
// has been published yet.
func (s *Server) cacheHandler(key string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method != http.MethodGet {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}

		entry, ok := s.cache.Get(key)
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			if err := json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "initializing",
			}); err != nil {
				monitoring.Logf("api: failed to encode initializing response: %v", err)
			}
			return
		}

		if err := json.NewEncoder(w).Encode(entry.Payload); err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to encode response")
		}
	}
}

func (s *Server) handleTrackHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if id := r.URL.Query().Get("identity"); id != "" {
		points := s.tracks.Get(id, 0)
		if err := json.NewEncoder(w).Encode(map[string]interface{}{"identity": id, "points": points}); err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, "Failed to encode track history")
		}
		return
	}

	if err := json.NewEncoder(w).Encode(map[string]interface{}{"history": s.tracks.GetAll()}); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to encode track history")
	}
}

func (s *Server) handleIncidentHistory(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 100
	if ls := r.URL.Query().Get("limit"); ls != "" {
		if n, err := strconv.Atoi(ls); err == nil && n > 0 {
			limit = n
		}
	}

	incidents, err := s.snapshots.ListIncidents(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve incidents: %v", err))
		return
	}
	if err := json.NewEncoder(w).Encode(incidents); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to encode incidents")
	}
}

// authorized implements §7 error kind 7: a shared secret compared in
// constant time, and a disabled admin surface (empty configured password)
// is rejected the same way an invalid token would be, so a probing client
// cannot distinguish "wrong token" from "admin disabled".
func (s *Server) authorized(r *http.Request) bool {
	if s.adminPassword == "" {
		return false
	}
	token := r.Header.Get("X-Admin-Token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminPassword)) == 1
}

func (s *Server) handleAdminPurge(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorized(r) {
		s.writeJSONError(w, http.StatusForbidden, "Forbidden")
		return
	}

	s.p56History.Clear()
	if err := s.p56History.Save(); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to persist purge: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(map[string]interface{}{"events": []any{}, "current_inside": map[string]any{}}); err != nil {
		monitoring.Logf("api: failed to encode purge response: %v", err)
	}
}

// purgeSelectiveRequest is the JSON body for the selective purge command:
// a list of (cid, recorded_at) keys to remove.
type purgeSelectiveRequest struct {
	Keys []struct {
		CID        string    `json:"cid"`
		RecordedAt time.Time `json:"recorded_at"`
	} `json:"keys"`
}

func (s *Server) handleAdminPurgeSelective(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorized(r) {
		s.writeJSONError(w, http.StatusForbidden, "Forbidden")
		return
	}

	var req purgeSelectiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}

	keys := make([]intrusion.EventKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		keys = append(keys, intrusion.EventKey{ID: k.CID, RecordedAt: k.RecordedAt})
	}

	s.p56History.PurgeSelective(keys)
	if err := s.p56History.Save(); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to persist purge: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(map[string]interface{}{"purged": len(keys)}); err != nil {
		monitoring.Logf("api: failed to encode purge-selective response: %v", err)
	}
}

// Start launches the HTTP server and blocks until ctx is done or the
// server returns an error, mirroring the original implementation's
// bounded graceful-shutdown window.
func (s *Server) Start(ctx context.Context, listen string) error {
	server := &http.Server{
		Addr:    listen,
		Handler: LoggingMiddleware(s.ServeMux()),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		monitoring.Logf("api: shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			monitoring.Logf("api: HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				monitoring.Logf("api: HTTP server force close error: %v", err)
			}
		}
		return nil
	case err := <-errCh:
		return err
	}
}
