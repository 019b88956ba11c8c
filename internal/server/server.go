// Package server exposes the hub over WebSocket and a small HTTP API.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/paramhub/config"
	"github.com/grovetools/paramhub/internal/hub"
	"github.com/sirupsen/logrus"
)

// Transcriber converts uploaded audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename, contentType string, audio io.Reader) (string, error)
}

// RunningConfig holds the settings the hub is actually using. It is exposed via
// /api/config so clients can verify what is active after a reload.
type RunningConfig struct {
	Addr              string    `json:"addr"`
	DebounceWindow    string    `json:"debounce_window"`
	CADTimeout        string    `json:"cad_timeout"`
	LLMModel          string    `json:"llm_model"`
	LLMBaseURL        string    `json:"llm_base_url"`
	LLMTimeout        string    `json:"llm_timeout"`
	TranscribeEnabled bool      `json:"transcribe_enabled"`
	ConfigFile        string    `json:"config_file,omitempty"`
	StartedAt         time.Time `json:"started_at"`
}

// NewRunningConfig summarizes cfg.
func NewRunningConfig(cfg *config.Config, startedAt time.Time) *RunningConfig {
	return &RunningConfig{
		Addr:              cfg.Server.Addr,
		DebounceWindow:    cfg.Hub.Debounce().String(),
		CADTimeout:        cfg.Hub.RoundTripTimeout().String(),
		LLMModel:          cfg.LLM.Model,
		LLMBaseURL:        cfg.LLM.BaseURL,
		LLMTimeout:        cfg.LLM.RequestTimeout().String(),
		TranscribeEnabled: cfg.Transcribe.Enabled(),
		ConfigFile:        cfg.Path,
		StartedAt:         startedAt,
	}
}

// Server serves /ws and the HTTP API for one hub.
type Server struct {
	hub         *hub.Hub
	cfg         config.ServerConfig
	maxUpload   int64
	transcriber Transcriber
	upgrader    websocket.Upgrader
	logger      *logrus.Entry
	server      *http.Server

	mu            sync.RWMutex
	runningConfig *RunningConfig
}

// New creates a server for h.
func New(h *hub.Hub, cfg config.ServerConfig, logger *logrus.Entry) *Server {
	s := &Server{
		hub:       h,
		cfg:       cfg,
		maxUpload: config.DefaultSTTMaxBytes,
		logger:    logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetTranscriber enables POST /transcribe with uploads up to maxBytes.
func (s *Server) SetTranscriber(t Transcriber, maxBytes int64) {
	s.transcriber = t
	if maxBytes > 0 {
		s.maxUpload = maxBytes
	}
}

// SetRunningConfig replaces the configuration reported by /api/config.
func (s *Server) SetRunningConfig(cfg *RunningConfig) {
	s.mu.Lock()
	s.runningConfig = cfg
	s.mu.Unlock()
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/params", s.handleGetParams)
	mux.HandleFunc("/api/sessions", s.handleGetSessions)
	mux.HandleFunc("/api/status", s.handleGetStatus)
	mux.HandleFunc("/api/config", s.handleGetConfig)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/transcribe", s.handleTranscribe)

	return corsMiddleware(mux)
}

// ListenAndServe listens on the configured address and blocks until the
// server stops or fails.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", l.Addr().String()).Info("Hub listening")
	err := s.server.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server. WebSocket connections end when the hub
// stops and closes their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	s.logger.WithField("origin", origin).Warn("Rejected WebSocket origin")
	return false
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
