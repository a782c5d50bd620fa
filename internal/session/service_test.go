package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/session"
	"github.com/koopa0/maidchat/internal/store"
	"github.com/koopa0/maidchat/internal/testutil"
)

func newTestService(t *testing.T) *session.Service {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)
	return session.New(store.New(db.Pool, log.NewNop()), log.NewNop())
}

func TestEnsureSession_CreatesWhenNil(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	sess, created, err := svc.EnsureSession(ctx, "user-1", nil)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "user-1", sess.UserID)
}

func TestEnsureSession_ResolvesExisting(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	sess, _, err := svc.EnsureSession(ctx, "user-1", nil)
	require.NoError(t, err)

	resolved, created, err := svc.EnsureSession(ctx, "user-1", &sess.ID)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, sess.ID, resolved.ID)
}

func TestEnsureSession_RejectsWrongOwner(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	sess, _, err := svc.EnsureSession(ctx, "user-1", nil)
	require.NoError(t, err)

	_, _, err = svc.EnsureSession(ctx, "user-2", &sess.ID)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestListRecent_SameSessionVsAcrossSessions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	sessA, _, err := svc.EnsureSession(ctx, "user-1", nil)
	require.NoError(t, err)
	sessB, _, err := svc.EnsureSession(ctx, "user-1", nil)
	require.NoError(t, err)

	_, err = svc.SaveMessage(ctx, sessA.ID, store.RoleUser, "in A", nil)
	require.NoError(t, err)
	_, err = svc.SaveMessage(ctx, sessB.ID, store.RoleUser, "in B", nil)
	require.NoError(t, err)

	onlyA, err := svc.ListRecent(ctx, "user-1", sessA.ID, 10, true)
	require.NoError(t, err)
	require.Len(t, onlyA, 1)
	require.Equal(t, "in A", onlyA[0].Content)

	both, err := svc.ListRecent(ctx, "user-1", sessA.ID, 10, false)
	require.NoError(t, err)
	require.Len(t, both, 2)
}
