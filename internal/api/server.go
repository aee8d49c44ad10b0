// Package api exposes the analysis engine over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Kiroku/internal/analytics"
	"github.com/shizukutanaka/Kiroku/internal/auth"
	"github.com/shizukutanaka/Kiroku/internal/cache"
	apperrors "github.com/shizukutanaka/Kiroku/internal/errors"
	"github.com/shizukutanaka/Kiroku/internal/masking"
	"github.com/shizukutanaka/Kiroku/internal/monitoring"
	"github.com/shizukutanaka/Kiroku/internal/storage"
)

const (
	serviceName    = "Kiroku Log Intelligence"
	serviceVersion = "1.0.0"
)

// Config defines API server configuration
type Config struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	ListenAddr      string        `yaml:"listen_addr" json:"listen_addr" mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	AllowOrigins    []string      `yaml:"allow_origins" json:"allow_origins" mapstructure:"allow_origins"`
	RateLimit       int           `yaml:"rate_limit" json:"rate_limit" mapstructure:"rate_limit"`

	// AuthEnabled switches every route except /health and /auth/login
	// to bearer-token authentication.
	AuthEnabled bool `yaml:"auth_enabled" json:"auth_enabled" mapstructure:"auth_enabled"`

	// Users maps usernames to argon2id password hashes.
	Users map[string]string `yaml:"users" json:"users" mapstructure:"users"`
}

// Deps carries the components the handlers operate on. Store, Reports,
// Tokens and Metrics may be nil when the matching feature is disabled.
type Deps struct {
	Analyzer *analytics.Analyzer
	Masker   *masking.Masker
	Store    *storage.Store
	Reports  *cache.ReportCache
	Tokens   *auth.TokenManager
	Metrics  *monitoring.Metrics
}

// Server provides the REST API and WebSocket notifications
type Server struct {
	logger *zap.Logger
	config Config
	deps   Deps

	router  *mux.Router
	server  *http.Server
	limiter *clientLimiter

	upgrader  websocket.Upgrader
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	startedAt time.Time
}

// Response is the standard API response envelope
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// NewServer creates a new API server instance
func NewServer(logger *zap.Logger, config Config, deps Deps) (*Server, error) {
	if !config.Enabled {
		return nil, fmt.Errorf("API server is disabled")
	}
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("API server requires an analyzer")
	}
	if config.AuthEnabled && deps.Tokens == nil {
		return nil, fmt.Errorf("authentication is enabled but no token manager was provided")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = []string{"*"}
	}

	s := &Server{
		logger:    logger.Named("api"),
		config:    config,
		deps:      deps,
		clients:   make(map[*websocket.Conn]bool),
		startedAt: time.Now(),
	}
	if config.RateLimit > 0 {
		s.limiter = newClientLimiter(config.RateLimit)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWSOrigin,
	}

	s.setupRoutes()
	return s, nil
}

func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range s.config.AllowOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Start begins API server operations
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server",
		zap.String("listen_addr", s.config.ListenAddr),
		zap.Bool("auth_enabled", s.config.AuthEnabled),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown gracefully stops the API server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")

	s.clientsMu.Lock()
	for client := range s.clients {
		client.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.clientsMu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.recoveryMiddleware)
	api.Use(s.loggingMiddleware)
	if s.limiter != nil {
		api.Use(s.rateLimitMiddleware)
	}

	// Open endpoints
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodOptions)
	if s.config.AuthEnabled {
		api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost, http.MethodOptions)
	}

	// Everything below honors bearer auth when it is enabled
	protected := api.PathPrefix("/").Subrouter()
	protected.Use(s.authMiddleware)

	// System endpoints
	protected.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet, http.MethodOptions)

	// Entry endpoints
	protected.HandleFunc("/entries", s.handleIngestEntries).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/entries", s.handleQueryEntries).Methods(http.MethodGet)

	// Analysis endpoints
	protected.HandleFunc("/analyze", s.handleAnalyze).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/train", s.handleTrain).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/anomalies/detect", s.handleDetectAnomalies).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/patterns/recognize", s.handleRecognizePatterns).Methods(http.MethodPost, http.MethodOptions)
	protected.HandleFunc("/clusters/assign", s.handleAssignClusters).Methods(http.MethodPost, http.MethodOptions)

	// Run history endpoints
	protected.HandleFunc("/runs", s.handleListRuns).Methods(http.MethodGet, http.MethodOptions)
	protected.HandleFunc("/runs/{id}", s.handleGetRun).Methods(http.MethodGet, http.MethodOptions)

	// WebSocket endpoint
	protected.HandleFunc("/ws", s.handleWebSocket)
}

// sendJSON sends JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// sendError sends error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{
		Success: false,
		Error:   message,
		Time:    time.Now(),
	})
}

// statusFromError maps application errors to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
