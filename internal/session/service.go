// Package session provides the per-user session API: creating or resolving
// a session, appending messages, and listing recent history, all with
// ownership checks against userId.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/koopa0/maidchat/internal/store"
)

// ErrNotFound is returned when a caller-supplied sessionId does not exist or
// is not owned by the calling user.
var ErrNotFound = errors.New("session not found")

// Service is the per-user session API described in the component design:
// ensureSession, saveMessage, listRecent, all ownership-checked.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

// New constructs a Service backed by st.
func New(st *store.Store, logger *slog.Logger) *Service {
	return &Service{store: st, logger: logger}
}

// EnsureSession resolves sessionID if given and owned by userID, or creates
// a new session when sessionID is nil. The bool return reports whether a
// new session was created, so callers can emit session_created exactly
// once.
func (s *Service) EnsureSession(ctx context.Context, userID string, sessionID *int64) (*store.Session, bool, error) {
	if sessionID != nil {
		sess, err := s.store.FindSession(ctx, *sessionID, userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, false, ErrNotFound
			}
			return nil, false, fmt.Errorf("finding session: %w", err)
		}
		return sess, false, nil
	}

	sess, err := s.store.InsertSession(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("creating session: %w", err)
	}
	return sess, true, nil
}

// SaveMessage appends a message to sessionID. Callers are responsible for
// having already established ownership via EnsureSession.
func (s *Service) SaveMessage(ctx context.Context, sessionID int64, role, content string, metadata map[string]any) (*store.Message, error) {
	msg, err := s.store.AppendMessage(ctx, sessionID, role, content, metadata)
	if err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	return msg, nil
}

// ListRecent returns up to limit messages, either scoped to sessionID
// (sameSession=true) or spanning every session owned by userID
// (sameSession=false), most recent first.
func (s *Service) ListRecent(ctx context.Context, userID string, sessionID int64, limit int, sameSession bool) ([]*store.Message, error) {
	if sameSession {
		msgs, err := s.store.ListMessagesBySession(ctx, sessionID, limit)
		if err != nil {
			return nil, fmt.Errorf("listing session messages: %w", err)
		}
		return msgs, nil
	}

	msgs, err := s.store.ListMessagesAcrossUserSessions(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing user messages: %w", err)
	}
	return msgs, nil
}

// Verify checks that sessionID exists and is owned by userID, without
// creating anything — the read-only counterpart to EnsureSession, used by
// the connection-key exchange to validate an optional sessionId up front.
func (s *Service) Verify(ctx context.Context, userID string, sessionID int64) (*store.Session, error) {
	sess, err := s.store.FindSession(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding session: %w", err)
	}
	return sess, nil
}
