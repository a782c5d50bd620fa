package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/koopa0/maidchat/internal/llm"
	"github.com/koopa0/maidchat/internal/store"
)

// Queue is the narrow view of the extraction queue that Service needs.
// internal/queue's implementation satisfies this; Service never imports
// internal/queue directly, since the queue's worker depends on this
// package to run the pipeline.
type Queue interface {
	Signal(ctx context.Context, userID string) error
}

// RelatedMemoriesOptions controls relatedMemories' retrieval window.
type RelatedMemoriesOptions struct {
	Limit     int
	Threshold float64
}

// Service is the per-user memory API: querying nearby/recent memories and
// signaling that new extraction work is available.
type Service struct {
	store  *store.Store
	gw     llm.Gateway
	queue  Queue
	logger *slog.Logger
}

// NewService constructs a Service. queue may be nil if the caller only
// needs read access (e.g. an offline tool); SignalExtraction then errors.
func NewService(st *store.Store, gw llm.Gateway, queue Queue, logger *slog.Logger) *Service {
	return &Service{store: st, gw: gw, queue: queue, logger: logger}
}

// RelatedMemories embeds queryText and returns the nearest memories owned
// by userID within cosine distance 1-threshold, ascending by distance.
// Matches are touched via UpdateAccess so decay tracking reflects the hit.
func (s *Service) RelatedMemories(ctx context.Context, userID, queryText string, opts RelatedMemoriesOptions) ([]*store.MemoryMatch, error) {
	vectors, err := s.gw.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	dMax := 1 - opts.Threshold
	matches, err := s.store.FindNearbyMemories(ctx, userID, vectors[0], dMax, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("finding nearby memories: %w", err)
	}

	if len(matches) > 0 {
		ids := make([]int64, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		if err := s.store.UpdateAccess(ctx, ids); err != nil {
			s.logger.Warn("updating memory access failed", "error", err, "userId", userID)
		}
	}
	return matches, nil
}

// RecentMemories returns up to limit memories owned by userID, most
// recently updated first.
func (s *Service) RecentMemories(ctx context.Context, userID string, limit int) ([]*store.Memory, error) {
	memories, err := s.store.ListRecentMemories(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent memories: %w", err)
	}
	return memories, nil
}

// SignalExtraction enqueues a debounced extraction job for userID. Callers
// treat failures as fire-and-forget: log and move on, per the turn
// pipeline's "signalExtraction (fire-and-forget, failures logged)" rule.
func (s *Service) SignalExtraction(ctx context.Context, userID string) error {
	if s.queue == nil {
		return fmt.Errorf("signaling extraction: no queue configured")
	}
	if err := s.queue.Signal(ctx, userID); err != nil {
		return fmt.Errorf("signaling extraction: %w", err)
	}
	return nil
}
