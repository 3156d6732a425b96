package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/chatrelay/pkg/auth"
	"github.com/aeolun/chatrelay/pkg/database"
	"github.com/aeolun/chatrelay/pkg/protocol"
)

// MaxHistoryLimit caps the limit query parameter of the history endpoint
const MaxHistoryLimit = 500

// max accepted request body for the account endpoints
const maxBodyBytes = 16 * 1024

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type accountResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, messageResponse{Message: msg})
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentials, error) {
	var c credentials
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&c); err != nil {
		return credentials{}, err
	}
	c.Username = strings.TrimSpace(c.Username)
	return c, nil
}

// setSessionCookie issues a token for id and stores it in the session cookie
func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, id auth.Identity) error {
	token, expires, err := s.tokens.Issue(id)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// authenticate resolves the caller's identity from the request token
func (s *Server) authenticate(r *http.Request) (auth.Identity, error) {
	return s.tokens.Verify(r.Context(), auth.TokenFromRequest(r))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(w, r)
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeMessage(w, http.StatusBadRequest, "All fields are required")
		return
	}
	if err := auth.ValidateUsernameFormat(req.Username); err != nil {
		s.writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.ValidatePasswordFormat(req.Password); err != nil {
		s.writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to hash password")
		s.writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	user, err := s.db.CreateUser(r.Context(), req.Username, hash)
	if errors.Is(err, database.ErrUsernameTaken) {
		s.writeMessage(w, http.StatusConflict, "Username already exists")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("username", req.Username).Msg("failed to create user")
		s.writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if err := s.setSessionCookie(w, r, auth.Identity{UserID: user.ID, Username: user.Username}); err != nil {
		s.logger.Error().Err(err).Msg("failed to issue token")
		s.writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	s.metrics.RecordAccountCreated()
	s.logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("account created")
	s.writeJSON(w, http.StatusCreated, accountResponse{
		UserID:   user.ID,
		Username: user.Username,
		Message:  "User created successfully",
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCredentials(w, r)
	if err != nil {
		s.writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeMessage(w, http.StatusBadRequest, "All fields are required")
		return
	}

	user, err := s.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil && !errors.Is(err, database.ErrUserNotFound) {
		s.logger.Error().Err(err).Msg("failed to look up user")
		s.writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.metrics.RecordLoginFailure()
		s.writeMessage(w, http.StatusUnauthorized, "Incorrect Username or Password")
		return
	}

	if err := s.setSessionCookie(w, r, auth.Identity{UserID: user.ID, Username: user.Username}); err != nil {
		s.logger.Error().Err(err).Msg("failed to issue token")
		s.writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	s.writeJSON(w, http.StatusOK, accountResponse{
		UserID:   user.ID,
		Username: user.Username,
		Message:  "Logged in successful",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := auth.TokenFromRequest(r); token != "" {
		err := s.tokens.Revoke(r.Context(), token)
		if err != nil && !errors.Is(err, auth.ErrInvalidToken) {
			s.logger.Warn().Err(err).Msg("failed to revoke token")
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	s.metrics.RecordLogout()
	s.writeMessage(w, http.StatusOK, "Logged out")
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		s.writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	s.writeJSON(w, http.StatusOK, id)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := s.authenticate(r)
	if err != nil {
		s.writeMessage(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	other := r.PathValue("userId")
	limit := database.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeMessage(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxHistoryLimit)
	}

	messages, err := s.messages.ListConversation(r.Context(), id.UserID, other, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", id.UserID).Str("other", other).Msg("failed to list conversation")
		s.writeMessage(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	history := make([]protocol.HistoryMessage, 0, len(messages))
	for _, m := range messages {
		history = append(history, protocol.HistoryMessage{
			ID:        m.ID,
			Sender:    m.Sender,
			Recipient: m.Recipient,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, history)
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	registry := s.relay.Registry()
	health := map[string]any{
		"status":             "healthy",
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_connections": registry.Len(),
		"online_users":       registry.OnlineCount(),
		"message_backend":    s.config.MessageBackend,
	}

	status := http.StatusOK
	if err := s.db.Ping(r.Context()); err != nil {
		health["status"] = "degraded"
		health["database_accessible"] = false
		status = http.StatusServiceUnavailable
	} else {
		health["database_accessible"] = true
	}

	s.writeJSON(w, status, health)
}

// cors allows the configured browser client to call the API with credentials
func (s *Server) cors(next http.Handler) http.Handler {
	if s.config.ClientURL == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.config.ClientURL)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
