// Package wsrt implements the per-connection WebSocket state machine: a
// single-consumer ordered work queue for welcome/input turns, with abort
// and bye bypassing the queue to take effect immediately, and bookkeeping
// for the session_created/stream_start/stream_done/error message ordering
// invariants.
package wsrt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/koopa0/maidchat/internal/llm"
	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/memory"
	"github.com/koopa0/maidchat/internal/session"
	"github.com/koopa0/maidchat/internal/store"
)

// Close codes used by the runtime, per the external-interfaces contract.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseGoingAway       = 1001
	queueDepth           = 32
	writeDeadline        = 5 * time.Second
)

// Conn is the subset of *websocket.Conn the runtime needs. Defined as an
// interface so tests can drive the state machine against an in-memory fake
// instead of a real socket.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// MaidHandler builds prompts and drives a turn. onAbort/onBye have no
// handler-level method: the runtime itself is the cancel/close primitive
// the spec describes them as delegating to, so there's nothing left for a
// handler to do once the runtime has acted.
type MaidHandler interface {
	OnWelcome(ctx context.Context, sock Socket)
	OnInput(ctx context.Context, sock Socket, content string)
}

// Socket is the runtime-owned surface a MaidHandler uses to resolve/persist
// session state and emit protocol frames, without reaching into the
// runtime's internal locking.
type Socket interface {
	UserID() string
	MaidID() string
	SessionID() *int64

	EnsureSession(ctx context.Context, sessionID *int64) (*store.Session, error)
	SaveMessage(ctx context.Context, sessionID int64, role, content string) (*store.Message, error)
	ListRecent(ctx context.Context, sessionID int64, limit int, sameSession bool) ([]*store.Message, error)
	RelatedMemories(ctx context.Context, queryText string, opts memory.RelatedMemoriesOptions) ([]*store.MemoryMatch, error)
	RecentMemories(ctx context.Context, limit int) ([]*store.Memory, error)
	SignalExtraction(ctx context.Context)

	SendStreamStart()
	SendDelta(delta string)
	SendStreamDone(sessionID int64)
	SendError(message string)
	IsClosing() bool
	SetActiveStream(stream *llm.Stream)
	ClearActiveStream()

	// CloseViolation closes the socket with code 1008, for handler-detected
	// protocol violations that aren't caught by the runtime itself — e.g. a
	// client-provided sessionId that doesn't exist or isn't owned by the
	// caller. Callers are expected to have already sent an error frame via
	// SendError before calling this.
	CloseViolation(reason string)
}

type queuedTurn struct {
	kind    string // TypeWelcome or TypeInput
	content string
}

// Runtime is the per-connection state machine described by the runtime
// component. One Runtime is constructed per accepted WebSocket connection
// and its Serve method owns that connection's lifetime.
type Runtime struct {
	maidID string
	userID string
	conn   Conn
	maid   MaidHandler

	sessionService *session.Service
	memoryService  *memory.Service
	logger         log.Logger

	queue chan queuedTurn

	mu                    sync.Mutex
	sessionID             *int64
	sessionCreatedEmitted bool
	closing               bool
	activeStream          *llm.Stream
}

// NewRuntime resolves maidID against registry and constructs a Runtime, or
// returns an error if the maid is unknown. Resolution happens eagerly here
// (the Unrouted state) rather than inside Serve, so the caller can emit the
// error frame and close 1008 before ever entering the read loop.
func NewRuntime(conn Conn, registry *Registry, maidID, userID string, sessionID *int64, sessionService *session.Service, memoryService *memory.Service, logger log.Logger) (*Runtime, error) {
	maid, ok := registry.Resolve(maidID)
	if !ok {
		return nil, fmt.Errorf("wsrt: unknown maid %q", maidID)
	}

	return &Runtime{
		maidID:         maidID,
		userID:         userID,
		conn:           conn,
		maid:           maid,
		sessionService: sessionService,
		memoryService:  memoryService,
		logger:         logger.With("maidId", maidID, "userId", userID),
		queue:          make(chan queuedTurn, queueDepth),
		sessionID:      sessionID,
	}, nil
}

// Serve runs the read loop and the single-consumer turn worker until the
// connection closes. It blocks until the socket reaches the Closed state.
func (r *Runtime) Serve(ctx context.Context) {
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		r.runWorker(ctx)
	}()
	defer func() {
		close(r.queue)
		<-workerDone
	}()

	for {
		messageType, data, err := r.conn.ReadMessage()
		if err != nil {
			r.handleTransportClose()
			return
		}
		if messageType != 1 { // gorilla's websocket.TextMessage; binary frames are ignored
			continue
		}

		msg, perr := ParseClientMessage(data)
		if perr != nil {
			r.sendError(perr.Error())
			continue
		}

		switch msg.Type {
		case TypeAbort:
			r.handleAbort()
		case TypeBye:
			r.handleBye()
			return
		default:
			r.enqueue(queuedTurn{kind: msg.Type, content: msg.Content})
		}
	}
}

func (r *Runtime) enqueue(t queuedTurn) {
	select {
	case r.queue <- t:
	default:
		r.logger.Warn("wsrt: work queue full, dropping turn", "kind", t.kind)
	}
}

func (r *Runtime) runWorker(ctx context.Context) {
	for t := range r.queue {
		if r.IsClosing() {
			continue
		}
		switch t.kind {
		case TypeWelcome:
			r.maid.OnWelcome(ctx, r)
		case TypeInput:
			r.maid.OnInput(ctx, r, t.content)
		}
	}
}

// handleAbort implements the abort column of the state table for both idle
// (no-op: nothing active, nothing queued) and busy (cancel the active
// stream, drop queued-but-not-started work) sockets with the same code
// path.
func (r *Runtime) handleAbort() {
	r.abortActiveStream()
	r.drainQueue()
}

func (r *Runtime) handleBye() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.abortActiveStream()
	r.drainQueue()
	r.closeConn(CloseNormal, "bye")
}

// handleTransportClose treats an unexpected read error the same as an
// implicit abort+bye, minus sending a close frame back over a connection
// that is already gone.
func (r *Runtime) handleTransportClose() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.abortActiveStream()
	r.drainQueue()
}

func (r *Runtime) abortActiveStream() {
	r.mu.Lock()
	stream := r.activeStream
	r.mu.Unlock()
	if stream != nil {
		stream.Abort()
	}
}

func (r *Runtime) drainQueue() {
	for {
		select {
		case <-r.queue:
		default:
			return
		}
	}
}

func (r *Runtime) closeConn(code int, reason string) {
	deadline := time.Now().Add(writeDeadline)
	_ = r.conn.WriteControl(8, closeFrame(code, reason), deadline) // websocket.CloseMessage
	_ = r.conn.Close()
}

// closeFrame mirrors gorilla/websocket's FormatCloseMessage without
// importing the package into this file's test-facing surface.
func closeFrame(code int, text string) []byte {
	buf := make([]byte, 2+len(text))
	buf[0] = byte(code >> 8)
	buf[1] = byte(code)
	copy(buf[2:], text)
	return buf
}

// --- Socket implementation -------------------------------------------------

func (r *Runtime) UserID() string { return r.userID }

func (r *Runtime) MaidID() string { return r.maidID }

func (r *Runtime) SessionID() *int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// EnsureSession resolves or creates the session, emitting session_created
// exactly once, strictly before the stream_start of the turn that created
// it — the caller must call this before SendStreamStart.
func (r *Runtime) EnsureSession(ctx context.Context, sessionID *int64) (*store.Session, error) {
	sess, created, err := r.sessionService.EnsureSession(ctx, r.userID, sessionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessionID = &sess.ID
	alreadyEmitted := r.sessionCreatedEmitted
	if created {
		r.sessionCreatedEmitted = true
	}
	r.mu.Unlock()

	if created && !alreadyEmitted {
		r.send(SessionCreated(sess.ID))
	}
	return sess, nil
}

func (r *Runtime) SaveMessage(ctx context.Context, sessionID int64, role, content string) (*store.Message, error) {
	return r.sessionService.SaveMessage(ctx, sessionID, role, content, nil)
}

func (r *Runtime) ListRecent(ctx context.Context, sessionID int64, limit int, sameSession bool) ([]*store.Message, error) {
	return r.sessionService.ListRecent(ctx, r.userID, sessionID, limit, sameSession)
}

func (r *Runtime) RelatedMemories(ctx context.Context, queryText string, opts memory.RelatedMemoriesOptions) ([]*store.MemoryMatch, error) {
	return r.memoryService.RelatedMemories(ctx, r.userID, queryText, opts)
}

func (r *Runtime) RecentMemories(ctx context.Context, limit int) ([]*store.Memory, error) {
	return r.memoryService.RecentMemories(ctx, r.userID, limit)
}

// SignalExtraction is fire-and-forget: failures are logged, never surfaced
// to the socket, matching the turn pipeline's step 6.
func (r *Runtime) SignalExtraction(ctx context.Context) {
	if err := r.memoryService.SignalExtraction(ctx, r.userID); err != nil {
		r.logger.Warn("wsrt: signal extraction failed", "error", err)
	}
}

func (r *Runtime) SendStreamStart() { r.send(StreamStart()) }

func (r *Runtime) SendDelta(delta string) { r.send(StreamTextDelta(delta)) }

func (r *Runtime) SendStreamDone(sessionID int64) { r.send(StreamDone(sessionID)) }

// SendError suppresses outbound error frames while closing, per the
// runtime's invariant that cleanup still runs but the client hears nothing
// more.
func (r *Runtime) SendError(message string) {
	if r.IsClosing() {
		return
	}
	r.send(ErrorFrame(message))
}

func (r *Runtime) sendError(message string) { r.SendError(message) }

func (r *Runtime) IsClosing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

func (r *Runtime) SetActiveStream(stream *llm.Stream) {
	r.mu.Lock()
	r.activeStream = stream
	r.mu.Unlock()
}

func (r *Runtime) ClearActiveStream() {
	r.mu.Lock()
	r.activeStream = nil
	r.mu.Unlock()
}

func (r *Runtime) CloseViolation(reason string) {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.abortActiveStream()
	r.drainQueue()
	r.closeConn(ClosePolicyViolation, reason)
}

// Shutdown closes the socket with code 1001 (going away), for process
// shutdown: the server is closing every open connection, not rejecting one
// client in particular. Safe to call concurrently with Serve's read loop;
// the resulting read error drives Serve to return through the normal
// handleTransportClose path.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	r.abortActiveStream()
	r.drainQueue()
	r.closeConn(CloseGoingAway, "server shutting down")
}

// send writes a frame to the socket, swallowing and logging any failure —
// a slow or disconnected peer must never throw into the turn pipeline.
func (r *Runtime) send(data []byte) {
	if err := r.conn.WriteMessage(1, data); err != nil { // websocket.TextMessage
		r.logger.Debug("wsrt: send failed, peer likely gone", "error", err)
	}
}
