package wsrt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/maidchat/internal/llm"
	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/memory"
	"github.com/koopa0/maidchat/internal/session"
	"github.com/koopa0/maidchat/internal/store"
	"github.com/koopa0/maidchat/internal/testutil"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return store.New(db.Pool, log.NewNop())
}

func newTestServices(t *testing.T) (*session.Service, *memory.Service) {
	t.Helper()
	st := newTestStore(t)
	sessionService := session.New(st, log.NewNop())
	memoryService := memory.NewService(st, llm.NewFake(""), nil, log.NewNop())
	return sessionService, memoryService
}

// fakeMaid is a controllable MaidHandler: each test wires the closures it
// needs.
type fakeMaid struct {
	onWelcome func(ctx context.Context, sock Socket)
	onInput   func(ctx context.Context, sock Socket, content string)
}

func (m *fakeMaid) OnWelcome(ctx context.Context, sock Socket) { m.onWelcome(ctx, sock) }
func (m *fakeMaid) OnInput(ctx context.Context, sock Socket, content string) {
	m.onInput(ctx, sock, content)
}

func frameType(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type
}

func frameTypes(t *testing.T, frames [][]byte) []string {
	t.Helper()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = frameType(t, f)
	}
	return out
}

func awaitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return in time")
	}
}

// respondingMaid drives a full stream turn against sock the way the shared
// response pipeline does: ensure session, stream_start, forward deltas,
// then stream_done only if the stream actually completed rather than
// aborted or errored.
func respondingMaid(gw llm.Gateway, turnStarted chan<- struct{}) *fakeMaid {
	respond := func(ctx context.Context, sock Socket) {
		sess, err := sock.EnsureSession(ctx, sock.SessionID())
		if err != nil {
			sock.SendError(err.Error())
			return
		}

		stream := gw.StreamResponse(ctx, "prompt", "")
		sock.SetActiveStream(stream)
		defer sock.ClearActiveStream()

		sock.SendStreamStart()
		if turnStarted != nil {
			close(turnStarted)
		}
		for delta := range stream.Deltas() {
			sock.SendDelta(delta)
		}

		state, waitErr := stream.Wait()
		switch state {
		case llm.StreamCompleted:
			if waitErr != nil {
				sock.SendError(waitErr.Error())
				return
			}
			sock.SendStreamDone(sess.ID)
		case llm.StreamAborted:
			// no stream_done, no persistence: the runtime already handled
			// the cancellation side of this.
		case llm.StreamError:
			sock.SendError("stream error")
		}
	}

	return &fakeMaid{
		onWelcome: func(ctx context.Context, sock Socket) { respond(ctx, sock) },
		onInput:   func(ctx context.Context, sock Socket, content string) { respond(ctx, sock) },
	}
}

func TestServe_Welcome_EmitsSessionCreatedBeforeStreamStartThenStreamDone(t *testing.T) {
	sessionService, memoryService := newTestServices(t)
	maid := respondingMaid(llm.NewFake("hello there"), nil)

	registry := NewRegistry()
	registry.Register("chat", maid)

	conn := newFakeConn()
	rt, err := NewRuntime(conn, registry, "chat", "user-1", nil, sessionService, memoryService, log.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Serve(context.Background())
	}()

	conn.push([]byte(`{"type":"welcome"}`))
	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) >= 4
	}, 3*time.Second, 10*time.Millisecond)

	conn.push([]byte(`{"type":"bye"}`))
	awaitClosed(t, done)

	types := frameTypes(t, conn.sentFrames())
	require.Equal(t, []string{"session_created", "stream_start", "stream_text_delta", "stream_done"}, types)
}

func TestServe_InputOnExistingSession_DoesNotRepeatSessionCreated(t *testing.T) {
	sessionService, memoryService := newTestServices(t)
	sess, _, err := sessionService.EnsureSession(context.Background(), "user-1", nil)
	require.NoError(t, err)

	maid := respondingMaid(llm.NewFake("ack"), nil)
	registry := NewRegistry()
	registry.Register("chat", maid)

	conn := newFakeConn()
	rt, err := NewRuntime(conn, registry, "chat", "user-1", &sess.ID, sessionService, memoryService, log.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Serve(context.Background())
	}()

	conn.push([]byte(`{"type":"input","content":"hi"}`))
	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) >= 3
	}, 3*time.Second, 10*time.Millisecond)

	conn.push([]byte(`{"type":"bye"}`))
	awaitClosed(t, done)

	types := frameTypes(t, conn.sentFrames())
	require.Equal(t, []string{"stream_start", "stream_text_delta", "stream_done"}, types)
}

func TestServe_Bye_ClosesWithNormalCodeAndReturns(t *testing.T) {
	sessionService, memoryService := newTestServices(t)
	maid := &fakeMaid{
		onWelcome: func(ctx context.Context, sock Socket) {},
		onInput:   func(ctx context.Context, sock Socket, content string) {},
	}
	registry := NewRegistry()
	registry.Register("chat", maid)

	conn := newFakeConn()
	rt, err := NewRuntime(conn, registry, "chat", "user-1", nil, sessionService, memoryService, log.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Serve(context.Background())
	}()

	conn.push([]byte(`{"type":"bye"}`))
	awaitClosed(t, done)

	require.Equal(t, CloseNormal, conn.closeCode())
	require.True(t, conn.isClosed())
}

func TestServe_AbortDuringBusyTurn_SuppressesStreamDone(t *testing.T) {
	sessionService, memoryService := newTestServices(t)

	// A gateway whose stream never produces a delta on its own: the only
	// way it settles is via ctx cancellation from Abort(), which is exactly
	// the transition this test needs to force deterministically.
	turnStarted := make(chan struct{})
	maid := respondingMaid(blockingGateway{}, turnStarted)

	registry := NewRegistry()
	registry.Register("chat", maid)

	conn := newFakeConn()
	rt, err := NewRuntime(conn, registry, "chat", "user-1", nil, sessionService, memoryService, log.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Serve(context.Background())
	}()

	conn.push([]byte(`{"type":"input","content":"long request"}`))
	select {
	case <-turnStarted:
	case <-time.After(3 * time.Second):
		t.Fatal("turn never reached stream_start")
	}

	conn.push([]byte(`{"type":"abort"}`))

	require.Eventually(t, func() bool {
		return len(conn.sentFrames()) >= 2 // session_created + stream_start, never stream_done
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // give a wrongly-persistent stream_done a chance to land

	types := frameTypes(t, conn.sentFrames())
	require.NotContains(t, types, "stream_done")
	require.Contains(t, types, "stream_start")

	conn.push([]byte(`{"type":"bye"}`))
	awaitClosed(t, done)
}

func TestServe_TransportClose_AbortsActiveStreamWithoutCloseFrame(t *testing.T) {
	sessionService, memoryService := newTestServices(t)

	turnStarted := make(chan struct{})
	maid := respondingMaid(blockingGateway{}, turnStarted)

	registry := NewRegistry()
	registry.Register("chat", maid)

	conn := newFakeConn()
	rt, err := NewRuntime(conn, registry, "chat", "user-1", nil, sessionService, memoryService, log.NewNop())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rt.Serve(context.Background())
	}()

	conn.push([]byte(`{"type":"input","content":"long request"}`))
	select {
	case <-turnStarted:
	case <-time.After(3 * time.Second):
		t.Fatal("turn never reached stream_start")
	}

	close(conn.in) // simulate the peer disappearing mid-read

	awaitClosed(t, done)
	require.False(t, conn.isClosed(), "handleTransportClose must not attempt a close frame on a dead connection")
	require.Equal(t, 0, conn.closeCode())
}

// blockingGateway's stream never delivers a delta and never completes on
// its own; it only ever settles via context cancellation, i.e. Abort(),
// relying on llm.Fake's own unbuffered delta channel for the blocking.
type blockingGateway struct{}

func (blockingGateway) StreamResponse(ctx context.Context, prompt, instructions string) *llm.Stream {
	return llm.NewFake("").StreamResponse(ctx, prompt, instructions)
}

func (blockingGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func (blockingGateway) GenerateStructured(ctx context.Context, prompt string) (string, error) {
	return "", nil
}
