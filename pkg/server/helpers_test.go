package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

const testSecret = "test-secret"

// startTestServer builds a server on a temp database and serves its public
// handler through httptest.
func startTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.JWTSecret = testSecret
	cfg.MetricsPort = 0
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(filepath.Join(t.TempDir(), "test.db"), cfg, zerolog.Nop())
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, ts
}

func postJSON(t *testing.T, url string, body any, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(data)))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == auth.CookieName {
			return c
		}
	}
	return nil
}

type account struct {
	ID       string
	Username string
	Cookie   *http.Cookie
}

// register creates an account over the API and returns its session cookie
func register(t *testing.T, ts *httptest.Server, username string) account {
	t.Helper()
	resp := postJSON(t, ts.URL+"/register", credentials{Username: username, Password: "hunter22"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody[accountResponse](t, resp)
	cookie := sessionCookie(resp)
	require.NotNil(t, cookie)
	return account{ID: body.UserID, Username: body.Username, Cookie: cookie}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dial opens a socket, optionally authenticated with cookie
func dial(t *testing.T, ts *httptest.Server, cookie *http.Cookie) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if cookie != nil {
		header.Set("Cookie", cookie.Name+"="+cookie.Value)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func readPresence(t *testing.T, conn *websocket.Conn) []protocol.OnlineUser {
	t.Helper()
	var f protocol.PresenceFrame
	require.NoError(t, json.Unmarshal(readFrame(t, conn), &f))
	require.NotNil(t, f.Online, "expected a presence frame")
	return f.Online
}

func userIDs(online []protocol.OnlineUser) []string {
	ids := make([]string, len(online))
	for i, u := range online {
		ids[i] = u.UserID
	}
	return ids
}
