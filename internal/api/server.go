// Package api exposes the local control plane over HTTP. The server binds
// to loopback only and authenticates every request with the shared token
// from the settings store; all access, granted or denied, lands in the
// audit log.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"

	"localmind/internal/chat"
	"localmind/internal/config"
	"localmind/internal/download"
	"localmind/internal/learn"
	"localmind/internal/memory"
	"localmind/internal/scheduler"
	"localmind/internal/security"
	"localmind/internal/storage"
	"localmind/internal/updater"
	"localmind/internal/vector"
)

// TokenHeader carries the shared secret on every request.
const TokenHeader = "X-LocalMind-Token"

// Deps collects everything the handlers reach into. Checker and Stager may
// be nil when no release repository is configured.
type Deps struct {
	Settings  *config.Settings
	Config    *config.ConfigManager
	DB        *storage.Storage
	Index     *vector.TieredIndex
	Memories  *memory.Store
	Retrieval *memory.Router
	Downloads *download.Manager
	Chat      *chat.Orchestrator
	Flag      *learn.UIFlag
	Upkeep    *scheduler.Maintenance
	Checker   *updater.Checker
	Stager    *updater.Stager
	Audit     *security.AuditLogger
	Version   string
	Log       *slog.Logger
}

type Server struct {
	deps       Deps
	router     *chi.Mux
	http       *http.Server
	started    time.Time
	activeReqs int64
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		router:  chi.NewRouter(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the routed handler, middleware included. Tests serve it
// through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background. The bind address
// comes from settings and stays on loopback.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.deps.Settings.APIHost, strconv.Itoa(s.deps.Settings.APIPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control server bind: %w", err)
	}

	s.http = &http.Server{Handler: s.router}
	s.deps.Log.Info("Control server listening", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.deps.Log.Error("Control server failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/downloads", s.handleStartDownload)
		r.Get("/downloads", s.handleListDownloads)
		r.Get("/downloads/progress", s.handleDownloadProgress)
		r.Post("/downloads/control", s.handleDownloadControl)

		r.Post("/chat", s.handleChat)
		r.Post("/chat/stop", s.handleChatStop)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}/messages", s.handleSessionMessages)

		r.Post("/memories", s.handleStoreMemory)
		r.Get("/memories", s.handleListMemories)
		r.Post("/memories/search", s.handleSearchMemories)
		r.Get("/memories/{id}", s.handleGetMemory)
		r.Get("/memories/{id}/related", s.handleRelatedMemories)
		r.Post("/memories/delete", s.handleDeleteMemories)
		r.Post("/memories/optimize", s.handleOptimizeMemories)

		r.Get("/status", s.handleStatus)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/ui-activity", s.handleUIActivity)
		r.Post("/maintenance/run", s.handleMaintenanceRun)
		r.Get("/maintenance/last", s.handleMaintenanceLast)
		r.Get("/update", s.handleUpdateCheck)
		r.Post("/update/stage", s.handleUpdateStage)
		r.Get("/audit", s.handleAuditLogs)
	})
}

func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		// Localhost enforcement. The listener already binds loopback; this
		// guards against proxies and misconfigured binds.
		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.deps.Audit.Log(sourceIP, userAgent, action, 403, "External Access Denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get(TokenHeader)
		if token != s.deps.Config.GetAPIToken() {
			s.deps.Audit.Log(sourceIP, userAgent, action, 401, "Invalid Token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.deps.Audit.Log(sourceIP, userAgent, action, 200, "Authorized")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := int64(s.deps.Config.GetAPIMaxConcurrent())
		if max <= 0 {
			max = 1
		}

		current := atomic.AddInt64(&s.activeReqs, 1)
		defer atomic.AddInt64(&s.activeReqs, -1)

		if current > max {
			s.deps.Audit.Log("127.0.0.1", r.UserAgent(), "Overloaded "+r.URL.Path, 429, "Max Concurrent Reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ============= Response helpers =============

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
