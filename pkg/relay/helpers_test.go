package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport. Frames pushed to inbound are
// returned by ReadMessage; text frames written are delivered on written.
type fakeTransport struct {
	inbound chan []byte
	written chan []byte

	mu           sync.Mutex
	closed       chan struct{}
	closeOnce    sync.Once
	closeCode    int
	pings        int
	readDeadline time.Time
	pongHandler  func(string) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		written: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return net.ErrClosed
	default:
	}
	switch messageType {
	case websocket.TextMessage:
		f.written <- data
	case websocket.PingMessage:
		f.mu.Lock()
		f.pings++
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.mu.Lock()
		f.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		f.mu.Unlock()
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(int64)                {}
func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeTransport) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }

func (f *fakeTransport) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readDeadline = t
	return nil
}

func (f *fakeTransport) SetPongHandler(h func(string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongHandler = h
}

// pong delivers a pong control frame to the installed handler
func (f *fakeTransport) pong() error {
	f.mu.Lock()
	h := f.pongHandler
	f.mu.Unlock()
	if h == nil {
		return errors.New("no pong handler installed")
	}
	return h("")
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) deadline() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readDeadline
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// next returns the next written frame or fails after a timeout
func (f *fakeTransport) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data := <-f.written:
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

// nextMatching skips frames until accept returns true
func (f *fakeTransport) nextMatching(t *testing.T, accept func([]byte) bool) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-f.written:
			if accept(data) {
				return data
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching frame")
			return nil
		}
	}
}

type storeCall struct {
	sender, recipient, text string
}

// fakeStore records StoreMessage calls and assigns sequential ids
type fakeStore struct {
	mu    sync.Mutex
	calls []storeCall
	err   error
}

func (s *fakeStore) StoreMessage(_ context.Context, sender, recipient, text string) (*database.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.calls = append(s.calls, storeCall{sender, recipient, text})
	return &database.Message{
		ID:        strconv.Itoa(100 + len(s.calls)),
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		CreatedAt: time.Now(),
	}, nil
}

func (s *fakeStore) ListConversation(context.Context, string, string, int) ([]*database.Message, error) {
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// fakeVerifier maps tokens to identities
type fakeVerifier map[string]auth.Identity

func (v fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	id, ok := v[token]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

// blockingVerifier holds every Verify call until release is closed
type blockingVerifier struct {
	fakeVerifier
	entered chan struct{}
	release chan struct{}
}

func newBlockingVerifier(ids fakeVerifier) *blockingVerifier {
	return &blockingVerifier{
		fakeVerifier: ids,
		entered:      make(chan struct{}, 16),
		release:      make(chan struct{}),
	}
}

func (v *blockingVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	v.entered <- struct{}{}
	<-v.release
	return v.fakeVerifier.Verify(ctx, token)
}

var errStoreDown = errors.New("store unavailable")

// boundConn creates a registered-ready conn bound to id without a pump
func boundConn(id uint64, identity auth.Identity, queueSize int) *Conn {
	c := newConn(id, newFakeTransport(), queueSize)
	c.bind(identity)
	return c
}

func anonymousConn(id uint64, queueSize int) *Conn {
	c := newConn(id, newFakeTransport(), queueSize)
	c.admitAnonymous()
	return c
}

// queued drains and returns every frame waiting in c's queue
func queued(c *Conn) [][]byte {
	var frames [][]byte
	for {
		select {
		case f := <-c.send:
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func testLogger() zerolog.Logger { return zerolog.Nop() }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
