package relay

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnStateTransitions(t *testing.T) {
	c := newConn(1, newFakeTransport(), 4)
	assert.Equal(t, StateConnecting, c.State())
	assert.Nil(t, c.Identity())

	require.True(t, c.bind(alice))
	assert.Equal(t, StateBound, c.State())
	assert.Equal(t, &alice, c.Identity())

	assert.False(t, c.admitAnonymous(), "bound connection cannot become anonymous")
	assert.False(t, c.bind(bob), "binding happens once")
	assert.Equal(t, "1", c.Identity().UserID)

	c.Close()
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, "closed", c.State().String())
}

func TestConnSendQueueOverflow(t *testing.T) {
	transport := newFakeTransport()
	c := newConn(1, transport, 2)

	require.NoError(t, c.Send([]byte("a")))
	require.NoError(t, c.Send([]byte("b")))

	err := c.Send([]byte("c"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, StateClosed, c.State())
	assert.True(t, transport.isClosed())

	assert.ErrorIs(t, c.Send([]byte("d")), ErrConnClosed)
}

func TestConnCloseIdempotent(t *testing.T) {
	c := newConn(1, newFakeTransport(), 1)
	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestConnCloseWithCode(t *testing.T) {
	transport := newFakeTransport()
	c := newConn(1, transport, 1)
	c.closeWithCode(websocket.ClosePolicyViolation, "invalid token", 0)

	assert.Equal(t, websocket.ClosePolicyViolation, transport.code())
	assert.True(t, transport.isClosed())
}
