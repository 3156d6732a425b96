package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrAnonymousSender is returned for frames read from an unbound connection.
	ErrAnonymousSender = errors.New("sender is not authenticated")
	// ErrTextTooLong is returned when a message exceeds the configured length.
	ErrTextTooLong = errors.New("message text too long")
)

// Router persists inbound chat frames and delivers them to the recipient's
// live connections.
type Router struct {
	registry       *Registry
	presence       *Presence
	store          database.MessageStore
	metrics        *Metrics
	logger         zerolog.Logger
	maxTextLength  int
	persistTimeout time.Duration
}

// NewRouter creates a router. A maxTextLength of zero disables the length check.
func NewRouter(registry *Registry, presence *Presence, store database.MessageStore, metrics *Metrics, logger zerolog.Logger, maxTextLength int, persistTimeout time.Duration) *Router {
	return &Router{
		registry:       registry,
		presence:       presence,
		store:          store,
		metrics:        metrics,
		logger:         logger,
		maxTextLength:  maxTextLength,
		persistTimeout: persistTimeout,
	}
}

// Route handles one inbound frame from conn. Frames that cannot be delivered
// are dropped and the reason is returned; nothing is sent back to the sender.
// Returns the number of connections the message was queued on.
func (rt *Router) Route(ctx context.Context, conn *Conn, data []byte) (int, error) {
	rt.metrics.RecordFrameReceived()

	sender := conn.Identity()
	if sender == nil {
		rt.metrics.RecordFrameDropped(DropAnonymous)
		return 0, ErrAnonymousSender
	}

	frame, err := protocol.DecodeInbound(data)
	if err != nil {
		rt.metrics.RecordFrameDropped(dropReason(err))
		return 0, err
	}
	if rt.maxTextLength > 0 && utf8.RuneCountInString(frame.Text) > rt.maxTextLength {
		rt.metrics.RecordFrameDropped(DropTooLong)
		return 0, ErrTextTooLong
	}
	recipient := string(frame.Recipient)

	persistCtx := ctx
	if rt.persistTimeout > 0 {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(ctx, rt.persistTimeout)
		defer cancel()
	}
	start := time.Now()
	msg, err := rt.store.StoreMessage(persistCtx, sender.UserID, recipient, frame.Text)
	rt.metrics.RecordPersist(time.Since(start))
	if err != nil {
		rt.metrics.RecordFrameDropped(DropPersistFailed)
		rt.logger.Error().Err(err).
			Str("sender", sender.UserID).
			Str("recipient", recipient).
			Msg("failed to persist message")
		return 0, fmt.Errorf("persist message: %w", err)
	}

	payload, err := protocol.EncodeChat(protocol.ChatFrame{
		Text:      msg.Text,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		ID:        msg.ID,
	})
	if err != nil {
		return 0, fmt.Errorf("encode chat frame: %w", err)
	}

	targets := rt.registry.Lookup(recipient)
	var stale []*Conn
	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			rt.metrics.RecordSendFailure(err)
			stale = append(stale, c)
		}
	}
	delivered := len(targets) - len(stale)
	rt.metrics.RecordRouted(delivered)

	rt.logger.Debug().
		Str("message_id", msg.ID).
		Str("sender", sender.UserID).
		Str("recipient", recipient).
		Int("delivered", delivered).
		Msg("routed message")

	if len(stale) > 0 {
		rt.presence.Evict(stale)
	}
	return delivered, nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrMissingRecipient):
		return DropMissingRecipient
	case errors.Is(err, protocol.ErrMissingText):
		return DropMissingText
	default:
		return DropMalformed
	}
}
