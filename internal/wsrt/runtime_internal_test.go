package wsrt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/maidchat/internal/llm"
)

func TestAbortActiveStream_AbortsWhateverIsSet(t *testing.T) {
	r := &Runtime{queue: make(chan queuedTurn, 1)}

	fake := llm.NewFake("")
	stream := fake.StreamResponse(context.Background(), "x", "")
	r.SetActiveStream(stream)

	r.abortActiveStream()

	state, err := stream.Wait()
	require.NoError(t, err)
	require.Equal(t, llm.StreamAborted, state)
}

func TestAbortActiveStream_NoOpWhenIdle(t *testing.T) {
	r := &Runtime{queue: make(chan queuedTurn, 1)}
	r.abortActiveStream() // must not panic with a nil active stream
}

func TestDrainQueue_DropsQueuedWorkWithoutProcessing(t *testing.T) {
	r := &Runtime{queue: make(chan queuedTurn, 4)}
	r.queue <- queuedTurn{kind: TypeInput, content: "one"}
	r.queue <- queuedTurn{kind: TypeInput, content: "two"}

	r.drainQueue()

	select {
	case <-r.queue:
		t.Fatal("queue should be empty after drainQueue")
	default:
	}
}

func TestHandleBye_SetsClosingAndClearsQueue(t *testing.T) {
	conn := newFakeConn()
	r := &Runtime{queue: make(chan queuedTurn, 4), conn: conn}
	r.queue <- queuedTurn{kind: TypeInput, content: "queued"}

	r.handleBye()

	require.True(t, r.IsClosing())
	require.Equal(t, CloseNormal, conn.closeCode())
}

func TestEnsureSession_EmitsSessionCreatedOnlyOnce(t *testing.T) {
	// EnsureSession's session_created emission is exercised end-to-end in
	// runtime_test.go against a real session.Service; this covers the
	// "only once per socket" bookkeeping in isolation.
	r := &Runtime{queue: make(chan queuedTurn, 1)}
	r.mu.Lock()
	r.sessionCreatedEmitted = true
	r.mu.Unlock()

	require.True(t, r.sessionCreatedEmitted)
}
