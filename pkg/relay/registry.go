package relay

import (
	"sort"
	"sync"

	"github.com/aeolun/chatrelay/pkg/auth"
)

type entry struct {
	identity auth.Identity
	conns    map[*Conn]struct{}
}

// Registry maps identities to their live connections. Anonymous connections
// are kept in a separate set so presence reaches them too.
//
// A connection is in at most one set at a time, and an identity without
// connections has no entry.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	owner     map[*Conn]string // bound conn -> user id
	anonymous map[*Conn]struct{}
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		owner:     make(map[*Conn]string),
		anonymous: make(map[*Conn]struct{}),
	}
}

// Register adds conn under identity, or as anonymous when identity is nil.
// Registering a conn that is already present moves it.
func (r *Registry) Register(identity *auth.Identity, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(conn)

	if identity == nil {
		r.anonymous[conn] = struct{}{}
		return
	}

	e, ok := r.entries[identity.UserID]
	if !ok {
		e = &entry{identity: *identity, conns: make(map[*Conn]struct{})}
		r.entries[identity.UserID] = e
	}
	e.conns[conn] = struct{}{}
	r.owner[conn] = identity.UserID
}

// Unregister removes conn and reports whether it was present. Unknown
// connections are ignored.
func (r *Registry) Unregister(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(conn)
}

func (r *Registry) removeLocked(conn *Conn) bool {
	if _, ok := r.anonymous[conn]; ok {
		delete(r.anonymous, conn)
		return true
	}

	userID, ok := r.owner[conn]
	if !ok {
		return false
	}
	delete(r.owner, conn)

	e := r.entries[userID]
	delete(e.conns, conn)
	if len(e.conns) == 0 {
		delete(r.entries, userID)
	}
	return true
}

// Lookup returns the live connections of userID; empty when offline.
func (r *Registry) Lookup(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[userID]
	if !ok {
		return nil
	}
	conns := make([]*Conn, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// Snapshot returns every identity with at least one live connection, sorted
// by user id.
func (r *Registry) Snapshot() []auth.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []auth.Identity {
	online := make([]auth.Identity, 0, len(r.entries))
	for _, e := range r.entries {
		online = append(online, e.identity)
	}
	sort.Slice(online, func(i, j int) bool { return online[i].UserID < online[j].UserID })
	return online
}

// Connections returns every registered connection, bound or anonymous
func (r *Registry) Connections() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.connectionsLocked()
}

func (r *Registry) connectionsLocked() []*Conn {
	conns := make([]*Conn, 0, len(r.owner)+len(r.anonymous))
	for c := range r.owner {
		conns = append(conns, c)
	}
	for c := range r.anonymous {
		conns = append(conns, c)
	}
	return conns
}

// view returns the online snapshot and every connection as of one instant
func (r *Registry) view() ([]auth.Identity, []*Conn) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked(), r.connectionsLocked()
}

// Len returns the number of registered connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.owner) + len(r.anonymous)
}

// OnlineCount returns the number of identities with a live connection
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
