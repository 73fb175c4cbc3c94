package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
	"github.com/fieldops/dispatchd/internal/eventbus"
)

// StatusBlockStore persists worker availability blocks in Postgres. Blocks
// are keyed by their idempotency key, which doubles as the record id.
type StatusBlockStore struct {
	db     *sql.DB
	origin string
	bus    *eventbus.TypedBus[store.ChangeEvent]
}

// NewStatusBlockStore wraps the database handle.
func NewStatusBlockStore(db *sql.DB, origin string) *StatusBlockStore {
	return &StatusBlockStore{db: db, origin: origin, bus: eventbus.NewTyped[store.ChangeEvent]()}
}

// Upsert creates or replaces the block stored under the idempotency key.
// Reprocessing an identical drop never creates a duplicate.
func (s *StatusBlockStore) Upsert(ctx context.Context, key string, fields store.BlockFields) (*model.StatusBlock, error) {
	block := model.StatusBlock{ID: key, WorkerID: fields.WorkerID, Kind: fields.Kind, Start: fields.Start, End: fields.End}
	if err := block.Validate(); err != nil {
		return nil, err
	}
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO status_blocks (id, worker_id, kind, start_at, end_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
			SET worker_id = EXCLUDED.worker_id,
			    kind = EXCLUDED.kind,
			    start_at = EXCLUDED.start_at,
			    end_at = EXCLUDED.end_at,
			    updated_at = NOW()
		RETURNING (xmax = 0)
	`, key, block.WorkerID, block.Kind, block.Start, block.End).Scan(&inserted)
	if err != nil {
		return nil, &store.PersistenceError{Op: "upsert block " + key, Retryable: true, Err: err}
	}

	kind := store.ChangeUpdated
	if inserted {
		kind = store.ChangeCreated
	}
	s.bus.Publish(store.ChangeEvent{
		Collection: store.CollectionStatusBlocks,
		Kind:       kind,
		Origin:     s.origin,
		Block:      &block,
		Workers:    []string{block.WorkerID},
	})
	return &block, nil
}

// UpdateRange moves an existing block by id.
func (s *StatusBlockStore) UpdateRange(ctx context.Context, id string, start, end time.Time) (*model.StatusBlock, error) {
	if !start.Before(end) {
		return nil, model.ValidationError{Field: "start/end", Reason: "start must precede end"}
	}
	block, err := scanBlock(s.db.QueryRowContext(ctx, `
		UPDATE status_blocks SET start_at = $1, end_at = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING id, worker_id, kind, start_at, end_at
	`, start, end, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.PersistenceError{Op: "update block " + id, Err: store.ErrNotFound}
		}
		return nil, &store.PersistenceError{Op: "update block " + id, Retryable: true, Err: err}
	}

	s.bus.Publish(store.ChangeEvent{
		Collection: store.CollectionStatusBlocks,
		Kind:       store.ChangeUpdated,
		Origin:     s.origin,
		Block:      block,
		Workers:    []string{block.WorkerID},
	})
	return block, nil
}

// Delete removes the block.
func (s *StatusBlockStore) Delete(ctx context.Context, id string) error {
	block, err := scanBlock(s.db.QueryRowContext(ctx, `
		DELETE FROM status_blocks WHERE id = $1
		RETURNING id, worker_id, kind, start_at, end_at
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &store.PersistenceError{Op: "delete block " + id, Err: store.ErrNotFound}
		}
		return &store.PersistenceError{Op: "delete block " + id, Retryable: true, Err: err}
	}

	s.bus.Publish(store.ChangeEvent{
		Collection: store.CollectionStatusBlocks,
		Kind:       store.ChangeDeleted,
		Origin:     s.origin,
		Block:      block,
		Workers:    []string{block.WorkerID},
	})
	return nil
}

// Get returns the block by id.
func (s *StatusBlockStore) Get(ctx context.Context, id string) (*model.StatusBlock, error) {
	block, err := scanBlock(s.db.QueryRowContext(ctx,
		`SELECT id, worker_id, kind, start_at, end_at FROM status_blocks WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return block, err
}

// List returns all blocks sorted by id.
func (s *StatusBlockStore) List(ctx context.Context) ([]model.StatusBlock, error) {
	return s.list(ctx, `SELECT id, worker_id, kind, start_at, end_at FROM status_blocks ORDER BY id`)
}

// ListByWorker returns the worker's blocks sorted by start time.
func (s *StatusBlockStore) ListByWorker(ctx context.Context, workerID string) ([]model.StatusBlock, error) {
	return s.list(ctx,
		`SELECT id, worker_id, kind, start_at, end_at FROM status_blocks WHERE worker_id = $1 ORDER BY start_at`, workerID)
}

func (s *StatusBlockStore) list(ctx context.Context, query string, args ...interface{}) ([]model.StatusBlock, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.PersistenceError{Op: "list blocks", Retryable: true, Err: err}
	}
	defer rows.Close()

	var blocks []model.StatusBlock
	for rows.Next() {
		block, err := scanBlock(rows)
		if err != nil {
			return nil, &store.PersistenceError{Op: "list blocks", Err: err}
		}
		blocks = append(blocks, *block)
	}
	return blocks, rows.Err()
}

func scanBlock(row rowScanner) (*model.StatusBlock, error) {
	var block model.StatusBlock
	if err := row.Scan(&block.ID, &block.WorkerID, &block.Kind, &block.Start, &block.End); err != nil {
		return nil, err
	}
	return &block, nil
}

// Subscribe opens a feed over the whole collection.
func (s *StatusBlockStore) Subscribe() (<-chan store.ChangeEvent, func()) {
	ch := s.bus.Subscribe()
	return ch, func() { s.bus.Unsubscribe(ch) }
}

// Apply replays a change produced by another session.
func (s *StatusBlockStore) Apply(ev store.ChangeEvent) {
	if ev.Block == nil {
		return
	}
	s.bus.Publish(ev)
}

// Close shuts the feed down.
func (s *StatusBlockStore) Close() { s.bus.Close() }
