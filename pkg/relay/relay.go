// Package relay runs live chat connections: identity binding, message routing
// and presence broadcast over a connection registry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Verifier resolves a session token to an identity
type Verifier interface {
	Verify(ctx context.Context, token string) (auth.Identity, error)
}

// Config holds the per-connection limits
type Config struct {
	SendQueueSize       int
	MaxMessageLength    int
	MaxFrameBytes       int64
	WriteTimeout        time.Duration
	PongWait            time.Duration
	HandshakeTimeout    time.Duration
	PersistTimeout      time.Duration
	RejectInvalidTokens bool
}

// DefaultConfig returns the default connection limits
func DefaultConfig() Config {
	return Config{
		SendQueueSize:       256,
		MaxMessageLength:    4096,
		MaxFrameBytes:       64 * 1024,
		WriteTimeout:        10 * time.Second,
		PongWait:            60 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		PersistTimeout:      5 * time.Second,
		RejectInvalidTokens: true,
	}
}

func (c Config) sanitize() Config {
	def := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = def.MaxFrameBytes
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}

// pingInterval must stay below PongWait
func (c Config) pingInterval() time.Duration {
	return c.PongWait * 9 / 10
}

// Relay owns the registry and runs each connection's lifecycle.
type Relay struct {
	cfg      Config
	verifier Verifier
	registry *Registry
	presence *Presence
	router   *Router
	metrics  *Metrics
	logger   zerolog.Logger

	nextID atomic.Uint64

	// mu orders wg.Add against the closing flag so Shutdown's Wait never
	// races a new handler
	mu      sync.Mutex
	closing atomic.Bool
	wg      sync.WaitGroup
}

// New creates a relay. metrics may be nil.
func New(cfg Config, verifier Verifier, store database.MessageStore, metrics *Metrics, logger zerolog.Logger) *Relay {
	cfg = cfg.sanitize()
	logger = logger.With().Str("component", "relay").Logger()

	registry := NewRegistry()
	presence := NewPresence(registry, metrics, logger)
	return &Relay{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		presence: presence,
		router:   NewRouter(registry, presence, store, metrics, logger, cfg.MaxMessageLength, cfg.PersistTimeout),
		metrics:  metrics,
		logger:   logger,
	}
}

// Registry returns the connection registry
func (r *Relay) Registry() *Registry { return r.registry }

// track admits a new connection handler unless Shutdown has started
func (r *Relay) track() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing.Load() {
		return false
	}
	r.wg.Add(1)
	return true
}

// Serve runs one connection until it ends: handshake, registration, presence
// broadcast, then the read loop. token may be empty. Serve blocks and always
// closes transport before returning. Cancelling ctx closes the connection.
func (r *Relay) Serve(ctx context.Context, transport Transport, token string) {
	c := newConn(r.nextID.Add(1), transport, r.cfg.SendQueueSize)
	log := r.logger.With().Uint64("conn_id", c.ID()).Str("remote_addr", c.RemoteAddr()).Logger()

	if !r.track() {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down", r.cfg.WriteTimeout)
		return
	}
	defer r.wg.Done()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Msg("connection handler panicked")
			c.Close()
			if r.registry.Unregister(c) {
				r.broadcastPresence()
			}
		}
	}()

	identity, err := r.handshake(ctx, c, token)
	if err != nil {
		log.Info().Err(err).Msg("handshake rejected")
		c.closeWithCode(websocket.ClosePolicyViolation, "invalid token", r.cfg.WriteTimeout)
		return
	}
	if identity != nil {
		log = log.With().Str("user_id", identity.UserID).Logger()
	}

	r.registry.Register(identity, c)
	defer func() {
		c.Close()
		// a stale eviction may already have unregistered c
		if r.registry.Unregister(c) {
			r.broadcastPresence()
		}
		r.metrics.RecordDisconnect()
		log.Info().Msg("connection closed")
	}()

	// Shutdown may have snapshotted the registry while the handshake ran
	if r.closing.Load() {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down", r.cfg.WriteTimeout)
		return
	}

	go r.writePump(c, log)
	go func() {
		select {
		case <-ctx.Done():
			c.closeWithCode(websocket.CloseGoingAway, "server shutting down", r.cfg.WriteTimeout)
		case <-c.Done():
		}
	}()
	log.Info().Stringer("state", c.State()).Msg("connection registered")
	r.broadcastPresence()

	r.readLoop(ctx, c, log)
}

// handshake binds c to the token's identity. A nil identity with a nil error
// means the connection was admitted anonymously.
func (r *Relay) handshake(ctx context.Context, c *Conn, token string) (*auth.Identity, error) {
	if token == "" {
		c.admitAnonymous()
		r.metrics.RecordHandshake("anonymous")
		return nil, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, r.cfg.HandshakeTimeout)
	defer cancel()

	id, err := r.verifier.Verify(verifyCtx, token)
	if err != nil {
		if r.cfg.RejectInvalidTokens {
			r.metrics.RecordHandshake("rejected")
			return nil, fmt.Errorf("verify token: %w", err)
		}
		r.logger.Debug().Err(err).Uint64("conn_id", c.ID()).Msg("token rejected, admitting anonymously")
		c.admitAnonymous()
		r.metrics.RecordHandshake("anonymous")
		return nil, nil
	}

	c.bind(id)
	r.metrics.RecordHandshake("bound")
	return &id, nil
}

func (r *Relay) readLoop(ctx context.Context, c *Conn, log zerolog.Logger) {
	t := c.transport
	t.SetReadLimit(r.cfg.MaxFrameBytes)
	_ = t.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	t.SetPongHandler(func(string) error {
		return t.SetReadDeadline(time.Now().Add(r.cfg.PongWait))
	})

	for {
		messageType, data, err := t.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("read error")
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if _, err := r.router.Route(ctx, c, data); err != nil {
			log.Debug().Err(err).Msg("dropped frame")
		}
	}
}

// writePump drains the send queue onto the socket and keeps it alive with pings.
func (r *Relay) writePump(c *Conn, log zerolog.Logger) {
	ticker := time.NewTicker(r.cfg.pingInterval())
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	t := c.transport
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = t.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := t.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = t.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout))
			if err := t.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (r *Relay) broadcastPresence() {
	r.presence.Broadcast()
}

// Shutdown closes every connection with a going-away frame and waits for
// their handlers to return or ctx to end.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.presence.Stop()
	r.closing.Store(true)
	r.mu.Unlock()

	conns := r.registry.Connections()
	for _, c := range conns {
		c.closeWithCode(websocket.CloseGoingAway, "server shutting down", r.cfg.WriteTimeout)
	}
	r.logger.Info().Int("connections", len(conns)).Msg("closing connections")

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("relay shutdown incomplete"), ctx.Err())
	}
}
