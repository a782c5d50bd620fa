package queue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/queue"
	"github.com/koopa0/maidchat/internal/testutil"
)

func newTestQueue(t *testing.T, cfg queue.Config) *queue.ExtractionQueue {
	t.Helper()
	client, cleanup := testutil.SetupTestRedis(t)
	t.Cleanup(cleanup)
	return queue.New(client, cfg, log.NewNop())
}

func TestSignal_BurstCollapsesIntoOneRun(t *testing.T) {
	cfg := queue.Config{DebounceDelay: 200 * time.Millisecond, Attempts: 1, PollInterval: 20 * time.Millisecond}
	q := newTestQueue(t, cfg)

	var runs int32
	var mu sync.Mutex
	var seenAt []time.Time

	handler := func(ctx context.Context, userID string) error {
		atomic.AddInt32(&runs, 1)
		mu.Lock()
		seenAt = append(seenAt, time.Now())
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Worker(ctx, handler)

	require.NoError(t, q.Signal(ctx, "user-1"))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, q.Signal(ctx, "user-1")) // extends the delay
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, q.Signal(ctx, "user-1")) // extends again

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&runs) == 1
	}, 2*time.Second, 20*time.Millisecond, "burst of signals should collapse into exactly one run")

	time.Sleep(300 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&runs), "no extra run should fire after the debounced one")
}

func TestSignal_DistinctUsersRunIndependently(t *testing.T) {
	cfg := queue.Config{DebounceDelay: 50 * time.Millisecond, Attempts: 1, PollInterval: 10 * time.Millisecond}
	q := newTestQueue(t, cfg)

	var mu sync.Mutex
	seen := map[string]int{}
	handler := func(ctx context.Context, userID string) error {
		mu.Lock()
		seen[userID]++
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Worker(ctx, handler)

	require.NoError(t, q.Signal(ctx, "user-a"))
	require.NoError(t, q.Signal(ctx, "user-b"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["user-a"] == 1 && seen["user-b"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_NeverRunsSameUserConcurrently(t *testing.T) {
	cfg := queue.Config{DebounceDelay: 20 * time.Millisecond, Attempts: 1, PollInterval: 10 * time.Millisecond}
	q := newTestQueue(t, cfg)

	var current, maxConcurrent int32
	var completed int32
	handler := func(ctx context.Context, userID string) error {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(120 * time.Millisecond) // outlives the debounce window below
		atomic.AddInt32(&current, -1)
		atomic.AddInt32(&completed, 1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Worker(ctx, handler)

	require.NoError(t, q.Signal(ctx, "user-busy"))
	// Re-signal while the first run is still sleeping: because signalScript
	// re-ZADDs unconditionally, this would pop a second, fully concurrent
	// run for user-busy without the in-flight guard.
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, q.Signal(ctx, "user-busy"))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&completed) >= 2
	}, 5*time.Second, 20*time.Millisecond, "both the original and re-signaled run should eventually complete")

	require.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "handler should never run for the same user more than once at a time")
}

func TestWorker_RetriesFailingHandlerUpToAttempts(t *testing.T) {
	cfg := queue.Config{DebounceDelay: 10 * time.Millisecond, Attempts: 3, PollInterval: 10 * time.Millisecond}
	q := newTestQueue(t, cfg)

	var calls int32
	handler := func(ctx context.Context, userID string) error {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return context.DeadlineExceeded
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Worker(ctx, handler)

	require.NoError(t, q.Signal(ctx, "user-flaky"))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 3
	}, 5*time.Second, 20*time.Millisecond, "handler should be retried until it succeeds on the final attempt")
}
