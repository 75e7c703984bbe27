package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aeolun/supportline/pkg/auth"
	"github.com/aeolun/supportline/pkg/database"
)

var log = zap.NewNop()

// SetLogger replaces the package logger. Call before NewServer.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	log = l
}

// Server represents the supportline server
type Server struct {
	store     database.Store
	registry  *Registry
	sessions  *SessionManager
	router    *Router
	verifier  *auth.Verifier
	publisher Publisher
	config    ServerConfig
	metrics   *Metrics
	upgrader  websocket.Upgrader
	engine    *gin.Engine

	// Serialises registry changes with the user_list they produce
	presenceMu sync.Mutex

	httpServer    *http.Server
	metricsServer *http.Server

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer wires the router, registry and sessions around store.
func NewServer(store database.Store, config ServerConfig) (*Server, error) {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}

	var verifier *auth.Verifier
	if config.JWTSecret != "" {
		v, err := auth.NewVerifier(config.JWTSecret, config.JWTAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("invalid auth config: %w", err)
		}
		verifier = v
	}

	metrics := NewMetrics()
	registry := NewRegistry()
	sessions := NewSessionManager(config.OutboundQueue)
	sessions.SetMetrics(metrics)

	router := NewRouter(store, registry, config.MaxMessageLength)
	router.SetMetrics(metrics)

	s := &Server{
		store:     store,
		registry:  registry,
		sessions:  sessions,
		router:    router,
		verifier:  verifier,
		publisher: noopPublisher{},
		config:    config,
		metrics:   metrics,
		upgrader:  newUpgrader(config.AllowedOrigins),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
	s.engine = s.routes()

	return s, nil
}

// SetPublisher attaches a message event publisher. The server closes it on Stop.
func (s *Server) SetPublisher(p Publisher) {
	if p == nil {
		p = noopPublisher{}
	}
	s.publisher = p
	s.router.SetPublisher(p)
}

// Handler returns the public HTTP handler (REST API and /ws).
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Router returns the message router.
func (s *Server) Router() *Router {
	return s.router
}

// Start binds the public and metrics listeners and returns once both are
// accepting.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("public HTTP server listening", zap.String("addr", listener.Addr().String()), zap.String("endpoints", "/api, /ws, /health"))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("public HTTP server error", zap.Error(err))
		}
	}()

	// Internal only. Never expose publicly.
	if s.config.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
		metricsListener, err := net.Listen("tcp", metricsAddr)
		if err != nil {
			s.httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
		}

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

		go func() {
			log.Info("metrics server listening (internal only)", zap.String("addr", metricsListener.Addr().String()))
			if err := s.metricsServer.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		stopErr = s.stop()
	})
	return stopErr
}

func (s *Server) stop() error {
	log.Info("graceful shutdown initiated")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.httpServer != nil {
		// Hijacked websocket connections are not tracked by Shutdown
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Warn("public HTTP server shutdown", zap.Error(err))
		}
		log.Info("public HTTP server closed")
	}
	if s.metricsServer != nil {
		s.metricsServer.Shutdown(ctx)
	}

	s.notifyClientsOfShutdown()

	log.Info("closing all client sessions")
	s.sessions.CloseAll()

	log.Info("waiting for background goroutines to finish")
	s.wg.Wait()

	if err := s.publisher.Close(); err != nil {
		log.Warn("error closing event publisher", zap.Error(err))
	}

	if err := s.store.Close(); err != nil {
		log.Error("error during store close", zap.Error(err))
		return err
	}

	log.Info("graceful shutdown complete")
	return nil
}

// notifyClientsOfShutdown sends a close frame to every open connection
func (s *Server) notifyClientsOfShutdown() {
	sessions := s.sessions.GetAllSessions()
	if len(sessions) == 0 {
		return
	}

	for _, sess := range sessions {
		if sess.Conn != nil {
			sess.Conn.WriteClose(websocket.CloseGoingAway, "server shutting down")
		}
	}
	log.Info("shutdown notification sent", zap.Int("sessions", len(sessions)))
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Info("metrics",
				zap.Int("connections", s.sessions.Count()),
				zap.Int("online", s.registry.OnlineCount()),
				zap.Int64("connected_since_last", connected),
				zap.Int64("disconnected_since_last", disconnected),
				zap.Int("goroutines", runtime.NumGoroutine()),
			)
		}
	}
}

// OpenStore opens the storage backend named in the config.
func OpenStore(ctx context.Context, cfg TOMLConfig) (database.Store, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case BackendMemory:
		return database.NewMemDB(), nil
	case BackendMongo:
		return database.OpenMongo(ctx, database.MongoConfig{
			URI:      cfg.Storage.MongoURI,
			Database: cfg.Storage.MongoDatabase,
		})
	case BackendSQLite, "":
		path, err := cfg.GetDatabasePath()
		if err != nil {
			return nil, err
		}
		return database.Open(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// SeedUsers creates or updates the given accounts.
func SeedUsers(ctx context.Context, store database.Store, users []database.User) error {
	for _, u := range users {
		if err := store.UpsertUser(ctx, u.Username, u.Role); err != nil {
			return fmt.Errorf("failed to seed user %q: %w", u.Username, err)
		}
		log.Debug("seeded user", zap.String("username", u.Username), zap.String("role", string(u.Role)))
	}
	return nil
}
