// Package queue implements the debounced, deduplicated extraction job queue
// backing memory.Service.SignalExtraction. A burst of signals for the same
// user collapses into a single scheduled run after the last signal; a
// background worker drains ready jobs and retries failures with exponential
// backoff.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/maidchat/internal/log"
)

const (
	jobsKey        = "queue:memory:jobs"
	dedupKeyPrefix = "queue:memory:dedup:"
	failedListKey  = "queue:memory:failed"
	maxFailedTail  = 100
	popBatchSize   = 50
)

// signalScript schedules (or re-schedules) a user's extraction job. ZADD
// overwrites the member's score unconditionally, which is what gives us
// "extend the delay on every signal" debouncing without a separate
// duplicate-id error path: there is no backend call that can ever be
// rejected as a duplicate, the sorted set simply holds one entry per user.
var signalScript = redis.NewScript(`
local jobsKey = KEYS[1]
local dedupKey = KEYS[2]
local userID = ARGV[1]
local runAt = ARGV[2]
local ttlMs = ARGV[3]

redis.call('ZADD', jobsKey, runAt, userID)
redis.call('SET', dedupKey, '1', 'PX', ttlMs)
return 1
`)

// popReadyScript atomically lists and removes every job due at or before
// now, so two workers polling concurrently never pop the same user twice.
var popReadyScript = redis.NewScript(`
local jobsKey = KEYS[1]
local now = ARGV[1]
local limit = tonumber(ARGV[2])

local ready = redis.call('ZRANGEBYSCORE', jobsKey, '-inf', now, 'LIMIT', 0, limit)
for _, member in ipairs(ready) do
    redis.call('ZREM', jobsKey, member)
end
return ready
`)

// Handler runs the extraction pipeline for a user. Returning a non-nil error
// marks the attempt failed and triggers a retry per Config.Attempts.
type Handler func(ctx context.Context, userID string) error

// Config controls debounce delay and retry behavior.
type Config struct {
	DebounceDelay time.Duration
	Attempts      int
	PollInterval  time.Duration
}

// DefaultConfig matches the defaults bound in internal/config: a 3s debounce
// window, 3 retry attempts, polled twice a second.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 3 * time.Second,
		Attempts:      3,
		PollInterval:  500 * time.Millisecond,
	}
}

// ExtractionQueue is a Redis-backed, debounced, single-consumer-per-user job
// queue. It satisfies memory.Queue.
type ExtractionQueue struct {
	client *redis.Client
	cfg    Config
	logger log.Logger

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}
}

func New(client *redis.Client, cfg Config, logger log.Logger) *ExtractionQueue {
	return &ExtractionQueue{client: client, cfg: cfg, logger: logger, inFlight: make(map[string]struct{})}
}

// Signal schedules an extraction run for userID after Config.DebounceDelay.
// Calling it again before the job fires extends the delay rather than
// enqueueing a second job.
func (q *ExtractionQueue) Signal(ctx context.Context, userID string) error {
	runAt := time.Now().Add(q.cfg.DebounceDelay).UnixMilli()
	ttlMs := q.cfg.DebounceDelay.Milliseconds()

	err := signalScript.Run(ctx, q.client, []string{jobsKey, dedupKeyPrefix + userID}, userID, runAt, ttlMs).Err()
	if err != nil {
		return fmt.Errorf("queue: signal %s: %w", userID, err)
	}
	return nil
}

// Worker polls for ready jobs until ctx is cancelled, invoking handler for
// each with retry-with-backoff on failure. Intended to run in its own
// goroutine for the lifetime of the process.
func (q *ExtractionQueue) Worker(ctx context.Context, handler Handler) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.poll(ctx, handler)
		}
	}
}

func (q *ExtractionQueue) poll(ctx context.Context, handler Handler) {
	now := time.Now().UnixMilli()
	ready, err := popReadyScript.Run(ctx, q.client, []string{jobsKey}, now, popBatchSize).StringSlice()
	if err != nil {
		q.logger.Error("queue: poll failed", "error", err)
		return
	}

	for _, userID := range ready {
		if !q.startRun(userID) {
			// A prior run for this user is still in flight (its signal
			// outlived the debounce window). Re-schedule rather than run
			// concurrently: this keeps concurrency fixed at 1 per user.
			if err := q.Signal(ctx, userID); err != nil {
				q.logger.Warn("queue: failed to reschedule job already in flight", "userId", userID, "error", err)
			}
			continue
		}
		go q.runWithRetry(ctx, handler, userID)
	}
}

// startRun claims userID for exclusive execution, returning false if a run
// for that user is already in flight.
func (q *ExtractionQueue) startRun(userID string) bool {
	q.inFlightMu.Lock()
	defer q.inFlightMu.Unlock()
	if _, running := q.inFlight[userID]; running {
		return false
	}
	q.inFlight[userID] = struct{}{}
	return true
}

func (q *ExtractionQueue) finishRun(userID string) {
	q.inFlightMu.Lock()
	delete(q.inFlight, userID)
	q.inFlightMu.Unlock()
}

func (q *ExtractionQueue) runWithRetry(ctx context.Context, handler Handler, userID string) {
	defer q.finishRun(userID)

	attempts := q.cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = handler(ctx, userID)
		if lastErr == nil {
			return
		}

		q.logger.Warn("queue: extraction attempt failed",
			"userId", userID, "attempt", attempt, "error", lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	q.logger.Error("queue: extraction exhausted retries", "userId", userID, "error", lastErr)
	q.recordFailure(ctx, userID, lastErr)
}

// recordFailure keeps a bounded tail of failed jobs for diagnostics; it
// never blocks job processing on its own failure.
func (q *ExtractionQueue) recordFailure(ctx context.Context, userID string, cause error) {
	entry := fmt.Sprintf("%d|%s|%v", time.Now().Unix(), userID, cause)

	pipe := q.client.Pipeline()
	pipe.LPush(ctx, failedListKey, entry)
	pipe.LTrim(ctx, failedListKey, 0, maxFailedTail-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("queue: failed to record failure tail", "error", err)
	}
}
