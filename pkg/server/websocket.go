package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/aeolun/chatrelay/pkg/auth"
)

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts the configured client origin. Requests without an
// Origin header come from non-browser clients and are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.config.ClientURL == "" || s.config.ClientURL == "*" {
		return true
	}
	return strings.EqualFold(strings.TrimRight(origin, "/"), s.config.ClientURL)
}

// HandleWebSocket upgrades the request and hands the socket to the relay.
// The session token is read before the upgrade; a missing token admits the
// connection anonymously.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)

	ws, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response
		s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	// Stop cancels s.ctx to close sockets http.Server no longer tracks
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.relay.Serve(ctx, ws, token)
}
