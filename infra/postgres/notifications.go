package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
)

// NotificationStore persists notification records in Postgres. Broadcast read
// state is tracked per worker in a side table.
type NotificationStore struct {
	db *sql.DB
}

// NewNotificationStore wraps the database handle.
func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

// Write stores the notification, assigning an id when missing.
func (s *NotificationStore) Write(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, target_id, job_id, kind, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.TargetID, n.JobID, n.Kind, n.Message, n.Read, n.CreatedAt)
	if err != nil {
		return &store.PersistenceError{Op: "write notification " + n.ID, Retryable: true, Err: err}
	}
	return nil
}

// MarkRead flags the notification as read for the given worker. Broadcasts
// keep per-worker read state; targeted notifications flip a single flag.
func (s *NotificationStore) MarkRead(ctx context.Context, id, workerID string) error {
	var target string
	err := s.db.QueryRowContext(ctx,
		`SELECT target_id FROM notifications WHERE id = $1`, id).Scan(&target)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return &store.PersistenceError{Op: "mark read " + id, Retryable: true, Err: err}
	}
	if target == model.BroadcastTarget {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO notification_reads (notification_id, worker_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, id, workerID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	}
	if err != nil {
		return &store.PersistenceError{Op: "mark read " + id, Retryable: true, Err: err}
	}
	return nil
}

// MarkAllRead flags every notification visible to the worker as read.
func (s *NotificationStore) MarkAllRead(ctx context.Context, workerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.PersistenceError{Op: "mark all read", Retryable: true, Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE target_id = $1`, workerID); err != nil {
		return &store.PersistenceError{Op: "mark all read", Retryable: true, Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notification_reads (notification_id, worker_id)
		SELECT id, $1 FROM notifications WHERE target_id = $2
		ON CONFLICT DO NOTHING
	`, workerID, model.BroadcastTarget); err != nil {
		return &store.PersistenceError{Op: "mark all read", Retryable: true, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &store.PersistenceError{Op: "mark all read", Retryable: true, Err: err}
	}
	return nil
}

// ListFor returns the worker's notifications, newest first. Broadcasts are
// included with the worker's own read state folded in.
func (s *NotificationStore) ListFor(ctx context.Context, workerID string) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.target_id, n.job_id, n.kind, n.message, n.read, n.created_at,
		       COALESCE(ARRAY_AGG(r.worker_id) FILTER (WHERE r.worker_id IS NOT NULL), '{}')
		FROM notifications n
		LEFT JOIN notification_reads r ON r.notification_id = n.id
		WHERE n.target_id = $1 OR n.target_id = $2
		GROUP BY n.id
		ORDER BY n.created_at DESC
	`, workerID, model.BroadcastTarget)
	if err != nil {
		return nil, &store.PersistenceError{Op: "list notifications", Retryable: true, Err: err}
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var n model.Notification
		var readers []string
		if err := rows.Scan(&n.ID, &n.TargetID, &n.JobID, &n.Kind, &n.Message, &n.Read, &n.CreatedAt, pq.Array(&readers)); err != nil {
			return nil, &store.PersistenceError{Op: "list notifications", Err: err}
		}
		if n.Broadcast() && len(readers) > 0 {
			n.ReadBy = make(map[string]bool, len(readers))
			for _, id := range readers {
				n.ReadBy[id] = true
			}
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
