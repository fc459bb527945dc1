package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tcmartin/crewrunner/pkg/config"
	"github.com/tcmartin/crewrunner/pkg/crew"
	"github.com/tcmartin/crewrunner/pkg/execution"
	"github.com/tcmartin/crewrunner/pkg/files"
	"github.com/tcmartin/crewrunner/pkg/hub"
	"github.com/tcmartin/crewrunner/pkg/logging"
	"github.com/tcmartin/crewrunner/pkg/middleware"
	"github.com/tcmartin/crewrunner/pkg/services"
)

// Dependencies are the components the HTTP layer drives
type Dependencies struct {
	Runner      *execution.Runner
	Hub         *hub.Hub
	Events      *EventMirror
	Credentials *services.CredentialService
	Files       *files.Service
	Agents      *crew.Catalog
	Steps       []execution.Step

	// Tokens is nil when operator auth is disabled
	Tokens *services.JWTService

	Logger logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	config  *config.Config
	deps    Dependencies
	router  *mux.Router
	handler http.Handler
	server  *http.Server

	upgrader     websocket.Upgrader
	pingInterval time.Duration
	loginLimiter *middleware.RateLimiter
	startedAt    time.Time
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Agents == nil {
		deps.Agents = crew.NewCatalog(nil)
	}
	if len(deps.Steps) == 0 {
		deps.Steps = execution.DefaultSteps()
	}

	s := &Server{
		config:       cfg,
		deps:         deps,
		router:       mux.NewRouter(),
		pingInterval: config.Duration(cfg.Hub.PingInterval, 30*time.Second),
		loginLimiter: middleware.NewRateLimiter(5, time.Minute),
		startedAt:    time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	s.handler = middleware.CORS(cfg.Server.AllowedOrigins)(s.router)
	return s
}

// Handler returns the root handler, CORS included
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := s.config.Server.Address()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.deps.Logger.Info("Starting HTTP server", logging.F("addr", addr), logging.F("tls", s.config.Server.TLS.Enabled))

	var err error
	if s.config.Server.TLS.Enabled {
		err = s.server.ListenAndServeTLS(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
	} else {
		err = s.server.ListenAndServe()
	}

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	authMiddleware := middleware.NewAuthMiddleware(nil)
	if s.deps.Tokens != nil {
		authMiddleware = middleware.NewAuthMiddleware(s.deps.Tokens)
	}

	s.router.Use(middleware.RequestLogger(s.deps.Logger))
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	// Crew routes
	crewRoutes := api.PathPrefix("/crew").Subrouter()
	crewRoutes.HandleFunc("/execute", s.handleExecute).Methods(http.MethodPost)
	crewRoutes.HandleFunc("/status/{id}", s.handleStatus).Methods(http.MethodGet)
	crewRoutes.HandleFunc("/executions", s.handleHistory).Methods(http.MethodGet)
	crewRoutes.HandleFunc("/executions/{id}", s.handleCancel).Methods(http.MethodDelete)
	crewRoutes.HandleFunc("/executions/{id}/events", s.handleEvents).Methods(http.MethodGet)

	// Websocket routes
	api.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/ws/info", s.handleWSInfo).Methods(http.MethodGet)

	// File routes
	fileRoutes := api.PathPrefix("/files").Subrouter()
	fileRoutes.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	fileRoutes.HandleFunc("", s.handleListFiles).Methods(http.MethodGet)
	fileRoutes.HandleFunc("/", s.handleListFiles).Methods(http.MethodGet)
	fileRoutes.HandleFunc("/{id}", s.handleGetFile).Methods(http.MethodGet)
	fileRoutes.HandleFunc("/{id}", s.handleDeleteFile).Methods(http.MethodDelete)
	fileRoutes.HandleFunc("/{id}/preview", s.handlePreviewFile).Methods(http.MethodGet)

	// Configuration routes
	configRoutes := api.PathPrefix("/config").Subrouter()
	configRoutes.HandleFunc("", s.handleFullConfig).Methods(http.MethodGet)
	configRoutes.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	configRoutes.HandleFunc("/agents/{name}", s.handleGetAgent).Methods(http.MethodGet)
	configRoutes.HandleFunc("/steps", s.handleSteps).Methods(http.MethodGet)
	configRoutes.HandleFunc("/model-options", s.handleModelOptions).Methods(http.MethodGet)
	configRoutes.HandleFunc("/agent-types", s.handleAgentTypes).Methods(http.MethodGet)

	// Token exchange
	api.HandleFunc("/auth/token", s.handleToken).Methods(http.MethodPost)

	// Operator routes
	admin := api.PathPrefix("").Subrouter()
	admin.Use(authMiddleware.Authenticate)
	admin.HandleFunc("/ws/broadcast", s.handleWSBroadcast).Methods(http.MethodPost)
	admin.HandleFunc("/ws/cleanup", s.handleWSCleanup).Methods(http.MethodPost)
	admin.HandleFunc("/config/agents/{name}", s.handleStoreAgent).Methods(http.MethodPost)

	keys := admin.PathPrefix("/auth/api-keys").Subrouter()
	keys.HandleFunc("", s.handleListKeys).Methods(http.MethodGet)
	keys.HandleFunc("", s.handleSetKey).Methods(http.MethodPost)
	keys.HandleFunc("/{provider}", s.handleGetKey).Methods(http.MethodGet)
	keys.HandleFunc("/{provider}", s.handleDeleteKey).Methods(http.MethodDelete)
	keys.HandleFunc("/{provider}/validate", s.handleValidateKey).Methods(http.MethodPost)
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.deps.Runner != nil {
		for _, summary := range s.deps.Runner.Registry().History() {
			if summary.Status.IsActive() {
				active++
			}
		}
	}
	connections := 0
	if s.deps.Hub != nil {
		connections = s.deps.Hub.ConnectionCount()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"message":           "CrewRunner Requirements API is running",
		"time":              time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":    int64(time.Since(s.startedAt).Seconds()),
		"active_executions": active,
		"connections":       connections,
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.Server.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
