package relay

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed is returned when sending to a connection that has closed.
	ErrConnClosed = errors.New("connection closed")
	// ErrQueueFull is returned when a connection's outbound queue overflowed.
	// The connection is closed as a side effect.
	ErrQueueFull = errors.New("outbound queue full")
)

// Transport is the socket a Conn runs on. *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

// State is a connection lifecycle state
type State int32

const (
	StateConnecting State = iota
	StateAnonymous
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAnonymous:
		return "anonymous"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one live client socket with a bounded outbound queue. Frames are
// queued by Send and written by the connection's write pump.
type Conn struct {
	id        uint64
	transport Transport
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	// set once by the handshake, before the conn is registered
	identity *auth.Identity
}

func newConn(id uint64, transport Transport, queueSize int) *Conn {
	return &Conn{
		id:        id,
		transport: transport,
		send:      make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
}

// ID returns the connection's process-unique id
func (c *Conn) ID() uint64 { return c.id }

// State returns the current lifecycle state
func (c *Conn) State() State { return State(c.state.Load()) }

// Identity returns the bound identity, or nil for an anonymous connection
func (c *Conn) Identity() *auth.Identity { return c.identity }

// RemoteAddr returns the peer address as a string
func (c *Conn) RemoteAddr() string {
	if addr := c.transport.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Done is closed when the connection closes
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) bind(id auth.Identity) bool {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateBound)) {
		return false
	}
	c.identity = &id
	return true
}

func (c *Conn) admitAnonymous() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateAnonymous))
}

// Send queues a frame without blocking. A full queue closes the connection
// and returns ErrQueueFull.
func (c *Conn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.Close()
		return ErrQueueFull
	}
}

// Close closes the connection. Safe to call more than once and from any goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.transport.Close()
	})
}

// closeWithCode sends a close frame with the given code before closing.
func (c *Conn) closeWithCode(code int, reason string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	c.Close()
}
