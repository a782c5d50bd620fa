package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/maidchat/internal/wsrt"
)

// handleWS upgrades the request and hands the resulting connection to a
// wsrt.Runtime. Identity arrives either via a connection key issued by
// handleConnectionKey, or via ?token= as a legacy bearer alias.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maidID := q.Get("maidId")
	if maidID == "" {
		writeError(w, s.logger, http.StatusBadRequest, "maidId is required")
		return
	}

	userID, sessionID, err := s.resolveWSIdentity(r)
	if err != nil {
		writeError(w, s.logger, http.StatusUnauthorized, err.Error())
		return
	}

	// A connection key already carries a verified, bound sessionId; the raw
	// query param only matters for the legacy ?token= path, which has none.
	if sessionID == nil {
		if raw := q.Get("sessionId"); raw != "" {
			id, perr := strconv.ParseInt(raw, 10, 64)
			if perr != nil {
				writeError(w, s.logger, http.StatusBadRequest, "sessionId must be an integer")
				return
			}
			sessionID = &id
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("httpapi: websocket upgrade failed", "error", err)
		return
	}

	rt, err := wsrt.NewRuntime(conn, s.registry, maidID, userID, sessionID, s.sessions, s.memories, s.logger)
	if err != nil {
		message := fmt.Sprintf("unknown maidId: %s", maidID)
		_ = conn.WriteMessage(websocket.TextMessage, wsrt.ErrorFrame(message))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(wsrt.ClosePolicyViolation, "unknown maid"), time.Now().Add(5*time.Second))
		_ = conn.Close()
		return
	}

	s.registerConn(rt)
	defer s.unregisterConn(rt)
	rt.Serve(r.Context())
}

// resolveWSIdentity resolves the caller's userId and optional bound
// sessionId either from a single-use connection key or, as a legacy
// fallback, directly from a bearer token passed as ?token=.
func (s *Server) resolveWSIdentity(r *http.Request) (userID string, sessionID *int64, err error) {
	q := r.URL.Query()

	if key := q.Get("connectionKey"); key != "" {
		entry, ok := s.connKeys.Consume(key)
		if !ok {
			return "", nil, fmt.Errorf("missing or expired connection key")
		}
		return entry.UserID, entry.SessionID, nil
	}

	if token := q.Get("token"); token != "" {
		userID, err := s.auth.ResolveUser(r.Context(), token)
		if err != nil {
			return "", nil, fmt.Errorf("unauthorized")
		}
		return userID, nil, nil
	}

	return "", nil, fmt.Errorf("missing connectionKey")
}
