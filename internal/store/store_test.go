package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/store"
	"github.com/koopa0/maidchat/internal/testutil"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, _ := newTestStoreWithPool(t)
	return s
}

func newTestStoreWithPool(t *testing.T) (*store.Store, *pgxpool.Pool) {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return store.New(db.Pool, log.NewNop()), db.Pool
}

func embedding(seed float32) []float32 {
	v := make([]float32, 1024)
	v[0] = seed
	return v
}

func TestInsertAndFindSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.InsertSession(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", sess.UserID)

	found, err := s.FindSession(ctx, sess.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, sess.ID, found.ID)

	_, err = s.FindSession(ctx, sess.ID, "user-2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendAndListMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.InsertSession(ctx, "user-1")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, sess.ID, store.RoleUser, "hello", nil)
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, sess.ID, store.RoleAssistant, "hi there", nil)
	require.NoError(t, err)

	msgs, err := s.ListMessagesBySession(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, store.RoleAssistant, msgs[0].Role) // desc order: newest first
}

func TestPendingMessagesAndMarkExtracted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.InsertSession(ctx, "user-1")
	require.NoError(t, err)

	m1, err := s.AppendMessage(ctx, sess.ID, store.RoleUser, "fact one", nil)
	require.NoError(t, err)

	pending, err := s.ListPendingMessages(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkMessagesExtracted(ctx, []int64{m1.ID}, time.Now()))

	pending, err = s.ListPendingMessages(ctx, "user-1")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMarkMessagesExtractedNeverResets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sess, err := s.InsertSession(ctx, "user-1")
	require.NoError(t, err)
	m1, err := s.AppendMessage(ctx, sess.ID, store.RoleUser, "fact", nil)
	require.NoError(t, err)

	first := time.Now().Add(-time.Hour)
	require.NoError(t, s.MarkMessagesExtracted(ctx, []int64{m1.ID}, first))
	require.NoError(t, s.MarkMessagesExtracted(ctx, []int64{m1.ID}, time.Now()))

	msgs, err := s.ListMessagesBySession(ctx, sess.ID, 10)
	require.NoError(t, err)
	require.WithinDuration(t, first, *msgs[0].ExtractedAt, time.Second)
}

func TestMemoryLifecycleAndNearbySearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m1, err := s.InsertMemory(ctx, "user-1", "likes tea", embedding(1.0))
	require.NoError(t, err)
	_, err = s.InsertMemory(ctx, "user-1", "likes coffee", embedding(0.1))
	require.NoError(t, err)
	_, err = s.InsertMemory(ctx, "user-2", "unrelated", embedding(1.0))
	require.NoError(t, err)

	matches, err := s.FindNearbyMemories(ctx, "user-1", embedding(1.0), 0.3, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, m1.ID, matches[0].ID)

	require.NoError(t, s.UpdateMemory(ctx, m1.ID, "loves tea", embedding(1.0), time.Now()))
	recent, err := s.ListRecentMemories(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Equal(t, "loves tea", recent[0].Content)

	require.NoError(t, s.DeleteMemory(ctx, m1.ID))
	recent, err = s.ListRecentMemories(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
}

func TestUpdateDecayScores_DecaysByTimeSinceLastAccess(t *testing.T) {
	ctx := context.Background()
	s, pool := newTestStoreWithPool(t)

	fresh, err := s.InsertMemory(ctx, "user-1", "fresh", embedding(1.0))
	require.NoError(t, err)
	stale, err := s.InsertMemory(ctx, "user-1", "stale", embedding(0.5))
	require.NoError(t, err)

	// Backdate stale's last_accessed_at by exactly one half-life.
	_, err = pool.Exec(ctx, `UPDATE memories SET last_accessed_at = now() - interval '1 hour' WHERE id = $1`, stale.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateDecayScores(ctx, "user-1", time.Hour))

	recent, err := s.ListRecentMemories(ctx, "user-1", 10)
	require.NoError(t, err)

	byID := map[int64]*store.Memory{}
	for _, m := range recent {
		byID[m.ID] = m
	}
	require.InDelta(t, 1.0, byID[fresh.ID].DecayScore, 0.02, "a just-touched memory should barely decay")
	require.InDelta(t, 0.5, byID[stale.ID].DecayScore, 0.02, "one half-life of inactivity should halve decay_score")
}

func TestEvictIfNeeded_RemovesLeastValuableOverCap(t *testing.T) {
	ctx := context.Background()
	s, pool := newTestStoreWithPool(t)

	keep, err := s.InsertMemory(ctx, "user-1", "keep me", embedding(1.0))
	require.NoError(t, err)
	evict, err := s.InsertMemory(ctx, "user-1", "evict me", embedding(0.5))
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `UPDATE memories SET decay_score = 0.1 WHERE id = $1`, evict.ID)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `UPDATE memories SET decay_score = 0.9 WHERE id = $1`, keep.ID)
	require.NoError(t, err)

	evicted, err := s.EvictIfNeeded(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	recent, err := s.ListRecentMemories(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, keep.ID, recent[0].ID)
}

func TestEvictIfNeeded_NoopWhenUnderCap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertMemory(ctx, "user-1", "only one", embedding(1.0))
	require.NoError(t, err)

	evicted, err := s.EvictIfNeeded(ctx, "user-1", 500)
	require.NoError(t, err)
	require.Equal(t, 0, evicted)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sentinel := context.Canceled
	err := s.WithTransaction(ctx, func(ctx context.Context, tx *store.Store) error {
		if _, err := tx.InsertSession(ctx, "user-1"); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	// The insert must not have survived the rollback.
	recent, err := s.ListMessagesAcrossUserSessions(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Empty(t, recent)
}
