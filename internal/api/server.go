package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
	"github.com/nerrad567/gray-logic-canrelay/internal/history"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-canrelay/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// RelayService is the relay bridge as seen by the API.
// Satisfied by *canrelay.Bridge.
type RelayService interface {
	States() []canrelay.NodeState
	SwitchNode(nodeID int, on bool) error
	Refresh(ctx context.Context) []canrelay.NodeState
	Detect(ctx context.Context) []canrelay.NodeState
	GetMetrics() canrelay.BridgeMetrics
}

// HistoryReader reads relay state history.
// Satisfied by *history.Repository.
type HistoryReader interface {
	GetHistory(ctx context.Context, nodeID int, limit int) ([]history.Entry, error)
}

// DBStatter exposes connection pool statistics. Satisfied by *database.DB.
type DBStatter interface {
	Stats() sql.DBStats
}

// ConnectionChecker reports broker connectivity. Satisfied by *mqtt.Client.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Relays   RelayService
	History  HistoryReader     // optional
	DB       DBStatter         // optional
	MQTT     ConnectionChecker // optional
	Hub      *Hub              // optional; created in Start when nil
	Version  string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	relays    RelayService
	history   HistoryReader
	db        DBStatter
	mqtt      ConnectionChecker
	version   string
	startTime time.Time
	tickets   *ticketStore
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Relays == nil {
		return nil, fmt.Errorf("relay service is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		relays:    deps.Relays,
		history:   deps.History,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		hub:       deps.Hub,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}
	s.hub.SetSnapshot(s.relays.States)

	go s.cleanTicketsLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds
// for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// Hub returns the WebSocket hub, or nil before Start.
func (s *Server) Hub() *Hub {
	return s.hub
}
