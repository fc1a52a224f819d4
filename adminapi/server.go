// Package adminapi exposes the instance management surface over HTTP:
// start, stop, list, and inspect instances, plus the audit trail for a
// name. It is a thin translation layer over hub.Manager; all lifecycle
// rules live there.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/pglitehub/hub"
	"github.com/tomyedwab/pglitehub/hub/audit"
)

// Config holds the admin server's dependencies and settings.
type Config struct {
	Manager *hub.Manager
	// Audit may be nil; the log endpoint then returns 404.
	Audit *audit.Logger
	// InternalSecret authorizes trusted in-host callers directly as a
	// Bearer token.
	InternalSecret string
	// TokenSecret signs and verifies admin JWT access tokens.
	TokenSecret []byte
	Logger      *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "adminapi"),
	}
}

// Handler builds the route table. Exposed separately so tests can drive
// it with httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.withAuth(s.handleStatus))
	mux.HandleFunc("GET /api/instances", s.withAuth(s.handleList))
	mux.HandleFunc("POST /api/instances", s.withAuth(s.handleStart))
	mux.HandleFunc("GET /api/instances/{name}", s.withAuth(s.handleInfo))
	mux.HandleFunc("DELETE /api/instances/{name}", s.withAuth(s.handleStop))
	mux.HandleFunc("GET /api/instances/{name}/log", s.withAuth(s.handleLog))
	return mux
}

// Start runs the server on addr, blocking until Stop or failure.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	s.logger.Info("admin API listening", "addr", addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// withAuth requires a Bearer token that is either the internal secret or
// a valid signed access token.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			s.logger.Warn("unauthorized request", "trace", traceID, "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		valid := s.cfg.InternalSecret != "" && token == s.cfg.InternalSecret
		if !valid {
			valid = validateAccessToken(s.cfg.TokenSecret, token)
		}
		if !valid {
			s.logger.Warn("invalid token", "trace", traceID, "path", r.URL.Path)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Info("admin request", "trace", traceID, "method", r.Method, "path", r.URL.Path)
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"instances": len(s.cfg.Manager.ListInstances()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": s.cfg.Manager.ListInstances(),
	})
}

// startRequest is the POST /api/instances body.
type startRequest struct {
	Name        string `json:"name"`
	Port        int    `json:"port"`
	BindAddress string `json:"bindAddress,omitempty"`
	Storage     string `json:"storage,omitempty"`
	Username    string `json:"username,omitempty"`
	Database    string `json:"database,omitempty"`
	Debug       int    `json:"debug,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	_, err := s.cfg.Manager.StartInstance(req.Name, hub.InstanceConfig{
		Port:        req.Port,
		BindAddress: req.BindAddress,
		StorageSpec: req.Storage,
		Username:    req.Username,
		Database:    req.Database,
		Debug:       req.Debug,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	info, err := s.cfg.Manager.InstanceInfo(req.Name)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Manager.InstanceInfo(r.PathValue("name"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Manager.StopInstance(r.PathValue("name")); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}
	events, err := s.cfg.Audit.GetEventsByInstance(r.PathValue("name"), 100)
	if err != nil {
		http.Error(w, "failed to read audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeManagerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrAlreadyStarted):
		status = http.StatusConflict
	case errors.Is(err, hub.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, hub.ErrPortRequired), errors.Is(err, hub.ErrInvalidStorageSpec):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
