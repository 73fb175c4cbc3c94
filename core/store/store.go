package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldops/dispatchd/core/model"
)

// Collection identifies a persisted record set.
type Collection string

const (
	CollectionJobs         Collection = "jobs"
	CollectionStatusBlocks Collection = "status_blocks"
)

// ChangeKind classifies a change notification.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeUpdated
	ChangeDeleted
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is delivered on a store's live feed after a successful write.
// Delivery is per-feed ordered; no cross-collection ordering is guaranteed.
type ChangeEvent struct {
	Collection Collection         `json:"collection"`
	Kind       ChangeKind         `json:"kind"`
	Origin     string             `json:"origin,omitempty"`
	Job        *model.Job         `json:"job,omitempty"`
	Block      *model.StatusBlock `json:"block,omitempty"`

	// Workers lists every worker whose timeline the change affects. For a
	// reassignment this includes workers removed from the job.
	Workers []string `json:"workers"`
}

// EntityID returns the id of the record the event refers to.
func (e ChangeEvent) EntityID() string {
	switch {
	case e.Job != nil:
		return e.Job.ID
	case e.Block != nil:
		return e.Block.ID
	default:
		return ""
	}
}

// PersistenceError wraps a failed store write. Retryable errors may be
// re-attempted by the dispatcher; the optimistic view has already been rolled
// back when one surfaces.
type PersistenceError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// JobFields is a partial update. Nil fields are left untouched.
type JobFields struct {
	Name            *string
	Description     *string
	Location        *string
	Start           *time.Time
	End             *time.Time
	Status          *model.JobStatus
	Priority        *int
	AssignedWorkers *[]string
}

// JobStore persists jobs and feeds change notifications to subscribers.
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Update(ctx context.Context, id string, fields JobFields) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context) ([]model.Job, error)
	ListByWorker(ctx context.Context, workerID string) ([]model.Job, error)
	// Subscribe opens a live feed over the whole collection. The returned
	// cancel function tears the feed down.
	Subscribe() (<-chan ChangeEvent, func())
}

// BlockFields describes a status block for an idempotent upsert.
type BlockFields struct {
	WorkerID string
	Kind     model.StatusKind
	Start    time.Time
	End      time.Time
}

// StatusBlockStore persists worker availability blocks.
type StatusBlockStore interface {
	// Upsert creates or replaces the block stored under the idempotency key.
	// Reprocessing an identical drop never creates a duplicate.
	Upsert(ctx context.Context, key string, fields BlockFields) (*model.StatusBlock, error)
	// UpdateRange moves an existing block by id.
	UpdateRange(ctx context.Context, id string, start, end time.Time) (*model.StatusBlock, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.StatusBlock, error)
	List(ctx context.Context) ([]model.StatusBlock, error)
	ListByWorker(ctx context.Context, workerID string) ([]model.StatusBlock, error)
	Subscribe() (<-chan ChangeEvent, func())
}

// NotificationStore persists notification records and their read state.
type NotificationStore interface {
	Write(ctx context.Context, n *model.Notification) error
	MarkRead(ctx context.Context, id, workerID string) error
	MarkAllRead(ctx context.Context, workerID string) error
	ListFor(ctx context.Context, workerID string) ([]model.Notification, error)
}

// WorkerRoster is the read-only worker directory. Ownership is external.
type WorkerRoster interface {
	ListWorkers(ctx context.Context) ([]model.Worker, error)
}
