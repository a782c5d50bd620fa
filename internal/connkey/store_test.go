package connkey

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueThenConsume_ReturnsBoundEntry(t *testing.T) {
	s := New(time.Minute)
	sessionID := int64(42)

	issued, err := s.Issue("user-1", &sessionID)
	require.NoError(t, err)
	require.Len(t, issued.Key, 32)

	entry, ok := s.Consume(issued.Key)
	require.True(t, ok)
	require.Equal(t, "user-1", entry.UserID)
	require.Equal(t, &sessionID, entry.SessionID)
}

func TestConsume_IsSingleUse(t *testing.T) {
	s := New(time.Minute)
	issued, err := s.Issue("user-1", nil)
	require.NoError(t, err)

	_, ok := s.Consume(issued.Key)
	require.True(t, ok)

	_, ok = s.Consume(issued.Key)
	require.False(t, ok, "second consume of the same key must fail")
}

func TestConsume_UnknownKeyFails(t *testing.T) {
	s := New(time.Minute)
	_, ok := s.Consume("does-not-exist")
	require.False(t, ok)
}

func TestConsume_ExpiredKeyFails(t *testing.T) {
	s := New(time.Millisecond)
	issued, err := s.Issue("user-1", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, ok := s.Consume(issued.Key)
	require.False(t, ok)
}

func TestIssue_TwoKeysAreDistinct(t *testing.T) {
	s := New(time.Minute)
	a, err := s.Issue("user-1", nil)
	require.NoError(t, err)
	b, err := s.Issue("user-1", nil)
	require.NoError(t, err)
	require.NotEqual(t, a.Key, b.Key)
}

func TestSweep_RemovesOnlyExpiredEntries(t *testing.T) {
	s := New(time.Minute)
	_, err := s.Issue("user-live", nil)
	require.NoError(t, err)

	expired, err := s.Issue("user-expired", nil)
	require.NoError(t, err)
	s.mu.Lock()
	e := s.entries[expired.Key]
	e.ExpiresAt = time.Now().Add(-time.Second)
	s.entries[expired.Key] = e
	s.mu.Unlock()

	removed := s.Sweep()
	require.Equal(t, 1, removed)

	_, ok := s.Consume(expired.Key)
	require.False(t, ok)
}
