// Package store implements the transactional persistence contract over
// sessions, messages and memories, including the cosine-distance vector
// search used for memory retrieval.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgvectorpgx "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when a lookup by id/owner finds no matching row.
var ErrNotFound = errors.New("not found")

// Session is an application-level view of a sessions row.
type Session struct {
	ID        int64
	UserID    string
	Title     string
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message roles, matching the messages.role check constraint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is an application-level view of a messages row.
type Message struct {
	ID          int64
	SessionID   int64
	Role        string
	Content     string
	Metadata    map[string]any
	ExtractedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Memory is an application-level view of a memories row.
type Memory struct {
	ID             int64
	UserID         string
	Content        string
	Embedding      []float32
	Metadata       map[string]any
	LastAccessedAt time.Time
	DecayScore     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MemoryMatch pairs a Memory with its cosine distance to a query vector.
type MemoryMatch struct {
	Memory
	Distance float64
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so Store methods
// work unmodified whether or not they run inside WithTransaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the transactional persistence layer for sessions, messages and
// memories. The zero value is not usable; construct with New.
type Store struct {
	q      querier
	pool   *pgxpool.Pool // nil when this Store is scoped to an open transaction
	logger *slog.Logger
}

// New constructs a Store backed by a connection pool. Register pgvector's
// composite type on every new connection before use — see NewPool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{q: pool, pool: pool, logger: logger}
}

// NewPool opens a pgx connection pool with pgvector types registered on
// every connection, as pgvector-go requires.
func NewPool(ctx context.Context, connURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgvectorpgx.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database pool: %w", err)
	}
	return pool, nil
}

// WithTransaction runs fn against a Store scoped to a single transaction;
// fn sees an atomic snapshot, commits on nil return, rolls back otherwise.
// Calling WithTransaction on an already-transactional Store just runs fn
// against the same transaction (no nested transactions are needed by any
// caller in this codebase).
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Store) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txStore := &Store{q: tx, pool: nil, logger: s.logger}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// InsertSession creates a new session owned by userID.
func (s *Store) InsertSession(ctx context.Context, userID string) (*Session, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO sessions (user_id) VALUES ($1)
		RETURNING id, user_id, COALESCE(title, ''), metadata, created_at, updated_at`,
		userID)
	return scanSession(row)
}

// FindSession returns the session if it exists and is owned by userID, or
// ErrNotFound.
func (s *Store) FindSession(ctx context.Context, sessionID int64, userID string) (*Session, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(title, ''), metadata, created_at, updated_at
		FROM sessions WHERE id = $1 AND user_id = $2`,
		sessionID, userID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

func scanSession(row pgx.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.Metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// AppendMessage inserts a message into sessionID and bumps the session's
// updated_at.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, role, content string, metadata map[string]any) (*Message, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	row := s.q.QueryRow(ctx, `
		INSERT INTO messages (session_id, role, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, session_id, role, content, metadata, extracted_at, created_at, updated_at`,
		sessionID, role, content, metadata)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, err
	}
	if _, err := s.q.Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, sessionID); err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}
	return msg, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.ExtractedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return &m, nil
}

func scanMessages(rows pgx.Rows) ([]*Message, error) {
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

// ListMessagesBySession returns up to limit messages of sessionID, ordered
// desc by (created_at, id) — most recent first.
func (s *Store) ListMessagesBySession(ctx context.Context, sessionID int64, limit int) ([]*Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, session_id, role, content, metadata, extracted_at, created_at, updated_at
		FROM messages WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return scanMessages(rows)
}

// ListMessagesAcrossUserSessions returns up to limit messages spanning every
// session owned by userID, ordered desc by (created_at, id).
func (s *Store) ListMessagesAcrossUserSessions(ctx context.Context, userID string, limit int) ([]*Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.extracted_at, m.created_at, m.updated_at
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return scanMessages(rows)
}

// ListPendingMessages returns every message across userID's sessions with
// extracted_at IS NULL, ordered asc by created_at (extraction reads oldest
// first).
func (s *Store) ListPendingMessages(ctx context.Context, userID string) ([]*Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT m.id, m.session_id, m.role, m.content, m.metadata, m.extracted_at, m.created_at, m.updated_at
		FROM messages m
		JOIN sessions s ON s.id = m.session_id
		WHERE s.user_id = $1 AND m.extracted_at IS NULL
		ORDER BY m.created_at ASC, m.id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying pending messages: %w", err)
	}
	return scanMessages(rows)
}

// MarkMessagesExtracted sets extracted_at for the given message ids. A
// message whose extracted_at is already non-null is left untouched, per the
// "never reset" invariant.
func (s *Store) MarkMessagesExtracted(ctx context.Context, ids []int64, ts time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `
		UPDATE messages SET extracted_at = $2
		WHERE id = ANY($1) AND extracted_at IS NULL`, ids, ts)
	if err != nil {
		return fmt.Errorf("marking messages extracted: %w", err)
	}
	return nil
}

// FindNearbyMemories returns memories owned by userID within cosine
// distance dMax of embedding, ascending by distance, capped at topK.
func (s *Store) FindNearbyMemories(ctx context.Context, userID string, embedding []float32, dMax float64, topK int) ([]*MemoryMatch, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, content, embedding, metadata, last_accessed_at, decay_score, created_at, updated_at,
		       (embedding <=> $2) AS distance
		FROM memories
		WHERE user_id = $1 AND embedding IS NOT NULL AND (embedding <=> $2) <= $3
		ORDER BY distance ASC
		LIMIT $4`, userID, pgvector.NewVector(embedding), dMax, topK)
	if err != nil {
		return nil, fmt.Errorf("querying nearby memories: %w", err)
	}
	defer rows.Close()

	var out []*MemoryMatch
	for rows.Next() {
		mm, err := scanMemoryMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nearby memories: %w", err)
	}
	return out, nil
}

func scanMemoryMatch(row pgx.Row) (*MemoryMatch, error) {
	var mm MemoryMatch
	var vec pgvector.Vector
	if err := row.Scan(&mm.ID, &mm.UserID, &mm.Content, &vec, &mm.Metadata,
		&mm.LastAccessedAt, &mm.DecayScore, &mm.CreatedAt, &mm.UpdatedAt, &mm.Distance); err != nil {
		return nil, fmt.Errorf("scanning memory match: %w", err)
	}
	mm.Embedding = vec.Slice()
	return &mm, nil
}

// ListRecentMemories returns up to limit memories owned by userID, ordered
// desc by (updated_at, id).
func (s *Store) ListRecentMemories(ctx context.Context, userID string, limit int) ([]*Memory, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, user_id, content, embedding, metadata, last_accessed_at, decay_score, created_at, updated_at
		FROM memories WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recent memories: %w", err)
	}
	return out, nil
}

func scanMemory(row pgx.Row) (*Memory, error) {
	var m Memory
	var vec pgvector.Vector
	if err := row.Scan(&m.ID, &m.UserID, &m.Content, &vec, &m.Metadata,
		&m.LastAccessedAt, &m.DecayScore, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning memory: %w", err)
	}
	m.Embedding = vec.Slice()
	return &m, nil
}

// InsertMemory creates a new memory for userID.
func (s *Store) InsertMemory(ctx context.Context, userID, content string, embedding []float32) (*Memory, error) {
	row := s.q.QueryRow(ctx, `
		INSERT INTO memories (user_id, content, embedding)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, content, embedding, metadata, last_accessed_at, decay_score, created_at, updated_at`,
		userID, content, pgvector.NewVector(embedding))
	return scanMemory(row)
}

// UpdateMemory replaces content/embedding for an existing memory.
func (s *Store) UpdateMemory(ctx context.Context, id int64, content string, embedding []float32, updatedAt time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE memories SET content = $2, embedding = $3, updated_at = $4
		WHERE id = $1`, id, content, pgvector.NewVector(embedding), updatedAt)
	if err != nil {
		return fmt.Errorf("updating memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMemory permanently removes a memory row.
func (s *Store) DeleteMemory(ctx context.Context, id int64) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting memory: %w", err)
	}
	return nil
}

// UpdateAccess bumps last_accessed_at and resets decay_score to 1.0 for the
// given memory ids — called on every read-hit so decay measures staleness
// since last relevance, not since creation.
func (s *Store) UpdateAccess(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `
		UPDATE memories SET last_accessed_at = now(), decay_score = 1.0
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("updating memory access: %w", err)
	}
	return nil
}

// UpdateDecayScores recomputes decay_score for every memory belonging to
// userID as an exponential decay of time since last_accessed_at, halving
// every halfLife. A fresh read-hit resets decay_score to 1.0 via UpdateAccess
// above; this is the complementary downward pull for memories nobody has
// touched in a while.
func (s *Store) UpdateDecayScores(ctx context.Context, userID string, halfLife time.Duration) error {
	if halfLife <= 0 {
		return fmt.Errorf("updating decay scores: non-positive half-life %s", halfLife)
	}
	_, err := s.q.Exec(ctx, `
		UPDATE memories
		SET decay_score = power(0.5, extract(epoch from (now() - last_accessed_at)) / $2)
		WHERE user_id = $1`, userID, halfLife.Seconds())
	if err != nil {
		return fmt.Errorf("updating decay scores: %w", err)
	}
	return nil
}

// EvictIfNeeded deletes the least-valuable memories for userID once the
// user's row count exceeds maxPerUser. Ranking the surviving set by
// decay_score descending (then recency descending) and keeping only the
// first maxPerUser rows means everything past the cap — the most-decayed,
// longest-untouched memories — is what gets deleted. A maxPerUser of 0 or
// less disables eviction.
func (s *Store) EvictIfNeeded(ctx context.Context, userID string, maxPerUser int) (int, error) {
	if maxPerUser <= 0 {
		return 0, nil
	}
	tag, err := s.q.Exec(ctx, `
		DELETE FROM memories
		WHERE id IN (
			SELECT id FROM memories
			WHERE user_id = $1
			ORDER BY decay_score DESC, last_accessed_at DESC
			OFFSET $2
		)`, userID, maxPerUser)
	if err != nil {
		return 0, fmt.Errorf("evicting memories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("ping called on transaction-scoped store")
	}
	return s.pool.Ping(ctx)
}
