package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/koopa0/maidchat/internal/session"
)

type connectionKeyResponse struct {
	ConnectionKey string `json:"connectionKey"`
	ExpiresAt     string `json:"expiresAt"`
	ExpiresInMs   int64  `json:"expiresInMs"`
	SessionID     *int64 `json:"sessionId,omitempty"`
}

// handleConnectionKey issues a single-use key a browser exchanges for a
// WebSocket upgrade, since new WebSocket(url) can't set an Authorization
// header directly.
func (s *Server) handleConnectionKey(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.ResolveUser(r.Context(), bearerFromHeader(r))
	if err != nil {
		writeError(w, s.logger, http.StatusUnauthorized, "unauthorized")
		return
	}

	var sessionID *int64
	if raw := r.URL.Query().Get("sessionId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, s.logger, http.StatusBadRequest, "sessionId must be an integer")
			return
		}
		if _, err := s.sessions.Verify(r.Context(), userID, id); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				writeError(w, s.logger, http.StatusNotFound, "session not found")
				return
			}
			s.logger.Error("httpapi: verifying session ownership", "error", err)
			writeError(w, s.logger, http.StatusInternalServerError, "internal server error")
			return
		}
		sessionID = &id
	}

	issued, err := s.connKeys.Issue(userID, sessionID)
	if err != nil {
		s.logger.Error("httpapi: issuing connection key", "error", err)
		writeError(w, s.logger, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, s.logger, http.StatusCreated, connectionKeyResponse{
		ConnectionKey: issued.Key,
		ExpiresAt:     issued.ExpiresAt.Format(time.RFC3339),
		ExpiresInMs:   time.Until(issued.ExpiresAt).Milliseconds(),
		SessionID:     sessionID,
	})
}
