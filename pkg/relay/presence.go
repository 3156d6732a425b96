package relay

import (
	"sync"
	"sync/atomic"

	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/rs/zerolog"
)

// Presence pushes the full online snapshot to every connection.
type Presence struct {
	registry *Registry
	metrics  *Metrics
	logger   zerolog.Logger

	// serializes snapshot+enqueue so queues see snapshots in order
	mu      sync.Mutex
	stopped atomic.Bool
}

// NewPresence creates a presence broadcaster over registry
func NewPresence(registry *Registry, metrics *Metrics, logger zerolog.Logger) *Presence {
	return &Presence{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Broadcast sends the current snapshot to every registered connection.
// Connections found closed are removed and the snapshot is sent again until
// a round finishes without removals.
func (p *Presence) Broadcast() {
	for !p.stopped.Load() {
		stale := p.broadcastOnce()
		if !p.evict(stale) {
			return
		}
		p.logger.Debug().Int("evicted", len(stale)).Msg("rebroadcasting presence after stale sends")
	}
}

// Stop turns later broadcasts into no-ops. Evict still removes connections.
func (p *Presence) Stop() { p.stopped.Store(true) }

// Evict closes and unregisters conns, then rebroadcasts if any were registered
func (p *Presence) Evict(conns []*Conn) {
	if p.evict(conns) {
		p.Broadcast()
	}
}

func (p *Presence) broadcastOnce() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	online, conns := p.registry.view()
	p.metrics.RecordRegistry(len(conns), len(online))

	users := make([]protocol.OnlineUser, len(online))
	for i, id := range online {
		users[i] = protocol.OnlineUser{UserID: id.UserID, Username: id.Username}
	}
	payload, err := protocol.EncodePresence(users)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode presence")
		return nil
	}

	var stale []*Conn
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			p.metrics.RecordSendFailure(err)
			stale = append(stale, c)
		}
	}
	p.metrics.RecordPresence(len(conns) - len(stale))
	return stale
}

func (p *Presence) evict(conns []*Conn) bool {
	removed := false
	for _, c := range conns {
		c.Close()
		if p.registry.Unregister(c) {
			removed = true
		}
	}
	return removed
}
