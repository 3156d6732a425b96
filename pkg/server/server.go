// Package server wires the relay, the account API and the stores into an
// HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/relay"
)

// Server represents the chatrelay server
type Server struct {
	config   Config
	logger   zerolog.Logger
	db       *database.DB
	messages database.MessageStore
	redis    *redis.Client
	tokens   *auth.Tokens
	relay    *relay.Relay

	promRegistry *prometheus.Registry
	metrics      *Metrics

	httpServer    *http.Server
	metricsServer *http.Server
	listener      net.Listener

	// canceled by Stop; parent of every connection context
	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	wg        sync.WaitGroup
}

// Config holds runtime server configuration
type Config struct {
	HTTPPort    int
	MetricsPort int // <= 0 disables the metrics listener
	ClientURL   string

	JWTSecret string
	TokenTTL  time.Duration

	MessageBackend string
	MongoURL       string
	MongoDatabase  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Relay relay.Config
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		HTTPPort:       3003,
		MetricsPort:    9090,
		TokenTTL:       auth.DefaultTokenTTL,
		MessageBackend: BackendSQLite,
		MongoDatabase:  "chatrelay",
		Relay:          relay.DefaultConfig(),
	}
}

// NewServer opens the stores and builds the relay. Users always live in the
// SQLite database at dbPath; messages go to the configured backend.
func NewServer(dbPath string, config Config, logger zerolog.Logger) (*Server, error) {
	if config.JWTSecret == "" {
		return nil, errors.New("jwt secret is required (auth.jwt_secret or JWT_SECRET)")
	}

	db, err := database.Open(dbPath, logger.With().Str("component", "sqlite").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Server{
		config:       config,
		logger:       logger,
		db:           db,
		promRegistry: prometheus.NewRegistry(),
		startTime:    time.Now(),
	}

	if err := s.openMessageStore(); err != nil {
		s.closeStores()
		return nil, err
	}

	revocations, err := s.openRevocations()
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.tokens, err = auth.NewTokens([]byte(config.JWTSecret), config.TokenTTL, revocations)
	if err != nil {
		s.closeStores()
		return nil, err
	}

	s.promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = NewMetrics(s.promRegistry)
	s.relay = relay.New(config.Relay, s.tokens, s.messages, relay.NewMetrics(s.promRegistry), logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

func (s *Server) openMessageStore() error {
	switch s.config.MessageBackend {
	case "", BackendSQLite:
		s.messages = s.db
	case BackendMongo:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := database.OpenMongo(ctx, s.config.MongoURL, s.config.MongoDatabase,
			s.logger.With().Str("component", "mongo").Logger())
		if err != nil {
			return fmt.Errorf("failed to open message store: %w", err)
		}
		s.messages = store
	default:
		return fmt.Errorf("unknown message backend %q", s.config.MessageBackend)
	}
	return nil
}

func (s *Server) openRevocations() (auth.Revocations, error) {
	if s.config.RedisAddr == "" {
		return auth.NewMemoryRevocations(), nil
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     s.config.RedisAddr,
		Password: s.config.RedisPassword,
		DB:       s.config.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach redis at %s: %w", s.config.RedisAddr, err)
	}
	return auth.NewRedisRevocations(s.redis), nil
}

// Relay returns the connection relay
func (s *Server) Relay() *relay.Relay { return s.relay }

// Handler returns the public HTTP handler: account API, history and /ws
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /register", s.metrics.instrument("register", s.handleRegister))
	mux.Handle("POST /login", s.metrics.instrument("login", s.handleLogin))
	mux.Handle("POST /logout", s.metrics.instrument("logout", s.handleLogout))
	mux.Handle("GET /profile", s.metrics.instrument("profile", s.handleProfile))
	mux.Handle("GET /messages/{userId}", s.metrics.instrument("messages", s.handleMessages))
	mux.HandleFunc("GET /health", s.HealthHandler)
	mux.HandleFunc("GET /ws", s.HandleWebSocket)
	return s.cors(mux)
}

// MetricsHandler returns the internal handler serving /metrics and /health
func (s *Server) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{Registry: s.promRegistry}))
	mux.HandleFunc("/health", s.HealthHandler)
	return mux
}

// Start starts the public and metrics listeners
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := s.listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.serve(s.httpServer, listener, "http")
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP server listening")
	s.logListenBacklog()

	s.wg.Add(1)
	go s.monitorListenOverflows()

	if s.config.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
		ml, err := s.listen(metricsAddr)
		if err != nil {
			_ = s.httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
		}
		s.metricsServer = &http.Server{
			Handler:           s.MetricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.serve(s.metricsServer, ml, "metrics")
		s.logger.Info().Str("addr", ml.Addr().String()).Msg("metrics server listening")
	}

	return nil
}

func (s *Server) serve(srv *http.Server, l net.Listener, name string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("listener", name).Msg("server error")
		}
	}()
}

// Addr returns the public listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: no new requests, every socket closed,
// then the stores.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	// hijacked sockets are not tracked by http.Server. Cancelling s.ctx
	// aborts handshakes still waiting on the verifier.
	s.cancel()
	if err := s.relay.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}

	s.wg.Wait()

	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) closeStores() error {
	var errs []error
	if s.messages != nil && s.messages != database.MessageStore(s.db) {
		if err := s.messages.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close message store: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close database: %w", err))
	}
	return errors.Join(errs...)
}
