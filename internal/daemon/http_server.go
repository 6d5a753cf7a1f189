package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"git.home.luguber.info/inful/docflow/internal/logfields"
	"git.home.luguber.info/inful/docflow/internal/version"
)

// HTTPServer manages the daemon's webhook and admin listeners. They bind
// separately so the webhook port can be exposed while admin stays private.
type HTTPServer struct {
	daemon        *Daemon
	webhookServer *http.Server
	adminServer   *http.Server
}

// NewHTTPServer creates the HTTP layer for the daemon.
func NewHTTPServer(d *Daemon) *HTTPServer {
	return &HTTPServer{daemon: d}
}

// Start binds both listeners and begins serving. Ports are pre-bound so a
// conflict fails startup instead of surfacing asynchronously.
func (s *HTTPServer) Start(ctx context.Context) error {
	cfg := s.daemon.Config()

	webhookLn, err := net.Listen("tcp", cfg.Server.WebhookAddr)
	if err != nil {
		return fmt.Errorf("bind webhook listener %s: %w", cfg.Server.WebhookAddr, err)
	}
	adminLn, err := net.Listen("tcp", cfg.Server.AdminAddr)
	if err != nil {
		_ = webhookLn.Close()
		return fmt.Errorf("bind admin listener %s: %w", cfg.Server.AdminAddr, err)
	}

	s.webhookServer = &http.Server{
		Handler:           s.webhookMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.adminServer = &http.Server{
		Handler:           s.adminMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.serve("webhook", s.webhookServer, webhookLn)
	go s.serve("admin", s.adminServer, adminLn)

	slog.Info("HTTP servers listening",
		slog.String("webhook", webhookLn.Addr().String()),
		slog.String("admin", adminLn.Addr().String()))
	return nil
}

func (s *HTTPServer) serve(name string, srv *http.Server, ln net.Listener) {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server error", slog.String("server", name), logfields.Error(err))
	}
}

// Stop shuts both servers down, bounded by ctx.
func (s *HTTPServer) Stop(ctx context.Context) {
	for name, srv := range map[string]*http.Server{
		"webhook": s.webhookServer,
		"admin":   s.adminServer,
	} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("HTTP server shutdown error", slog.String("server", name), logfields.Error(err))
		}
	}
}

func (s *HTTPServer) webhookMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hooks", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

func (s *HTTPServer) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("POST /api/dispatch", s.handleDispatch)
	if s.daemon.promRec != nil {
		mux.Handle("GET /metrics", s.daemon.promRec.Handler())
	}
	return mux
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.daemon.GetStatus(),
		"version": version.Version,
	})
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	q := s.daemon.Queue()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       s.daemon.GetStatus(),
		"version":      version.Version,
		"uptime":       time.Since(s.daemon.StartTime()).Round(time.Second).String(),
		"queue_length": q.Length(),
		"active_runs":  len(q.ActiveRuns()),
		"repositories": len(s.daemon.Repositories()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode JSON response", logfields.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
