// Package availability manages worker status blocks: palette drops, range
// edits and deletion. Drops are idempotent, keyed deterministically by the
// block's identity, so a retried call never duplicates a record.
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatchd/core/logger"
	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
)

// keyNamespace scopes the idempotency keys of status-block drops.
var keyNamespace = uuid.MustParse("1f9c3a64-55c2-4c1e-9a47-5b14d02e7f31")

// IdempotencyKey derives a stable key from the drop's identity. The same
// (worker, start, end) always yields the same key.
func IdempotencyKey(workerID string, start, end time.Time) string {
	payload := fmt.Sprintf("%s|%d|%d", workerID, start.UnixNano(), end.UnixNano())
	return uuid.NewSHA1(keyNamespace, []byte(payload)).String()
}

// Service is the status-block side of the dispatch board.
type Service struct {
	blocks store.StatusBlockStore
	log    logger.Logger
}

// NewService creates a Service.
func NewService(blocks store.StatusBlockStore, log logger.Logger) *Service {
	return &Service{blocks: blocks, log: log}
}

// Place upserts the block dropped from the status palette. Reprocessing an
// identical drop updates the same record in place.
func (s *Service) Place(ctx context.Context, workerID string, kind model.StatusKind, start, end time.Time) (*model.StatusBlock, error) {
	key := IdempotencyKey(workerID, start, end)
	block, err := s.blocks.Upsert(ctx, key, store.BlockFields{
		WorkerID: workerID,
		Kind:     kind,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugw("status block placed", map[string]any{
		"worker": workerID,
		"kind":   kind.String(),
		"id":     block.ID,
	})
	return block, nil
}

// Resize moves an existing block's range, keeping its id.
func (s *Service) Resize(ctx context.Context, id string, start, end time.Time) (*model.StatusBlock, error) {
	return s.blocks.UpdateRange(ctx, id, start, end)
}

// Remove deletes the block. The aggregator drops the corresponding event on
// its next update cycle via the store feed.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.blocks.Delete(ctx, id); err != nil {
		return err
	}
	s.log.Infof("status block %s removed", id)
	return nil
}
