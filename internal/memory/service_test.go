package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/maidchat/internal/llm"
	"github.com/koopa0/maidchat/internal/log"
	"github.com/koopa0/maidchat/internal/memory"
)

type fakeQueue struct {
	signaled []string
	err      error
}

func (q *fakeQueue) Signal(ctx context.Context, userID string) error {
	if q.err != nil {
		return q.err
	}
	q.signaled = append(q.signaled, userID)
	return nil
}

func TestService_RelatedMemories_ScopesToOwnerAndOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	fake := llm.NewFake("")
	svc := memory.NewService(st, fake, nil, log.NewNop())

	near := make([]float32, llm.EmbeddingDimension)
	near[0] = 1.0
	far := make([]float32, llm.EmbeddingDimension)
	far[0] = -1.0

	_, err := st.InsertMemory(ctx, "user-1", "close match", near)
	require.NoError(t, err)
	_, err = st.InsertMemory(ctx, "user-1", "far match", far)
	require.NoError(t, err)
	_, err = st.InsertMemory(ctx, "user-2", "other user's memory", near)
	require.NoError(t, err)

	fake.SetVector("query", near)
	matches, err := svc.RelatedMemories(ctx, "user-1", "query", memory.RelatedMemoriesOptions{Limit: 5, Threshold: 0})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "close match", matches[0].Content)
	for _, m := range matches {
		require.Equal(t, "user-1", m.UserID)
	}
}

func TestService_SignalExtraction_DelegatesToQueue(t *testing.T) {
	fake := llm.NewFake("")
	q := &fakeQueue{}
	svc := memory.NewService(nil, fake, q, log.NewNop())

	require.NoError(t, svc.SignalExtraction(context.Background(), "user-1"))
	require.Equal(t, []string{"user-1"}, q.signaled)
}

func TestService_SignalExtraction_WithoutQueueErrors(t *testing.T) {
	fake := llm.NewFake("")
	svc := memory.NewService(nil, fake, nil, log.NewNop())

	err := svc.SignalExtraction(context.Background(), "user-1")
	require.Error(t, err)
}
