// Package reschedule implements the interactive drag/resize edit protocol:
// conflict gate, optimistic view update, a single persistence write, and an
// exact rollback when anything fails. Coordination between sessions stays
// advisory; the check is re-evaluated on every attempt.
package reschedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fieldops/dispatchd/core/conflict"
	"github.com/fieldops/dispatchd/core/logger"
	"github.com/fieldops/dispatchd/core/metrics"
	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/schedule"
	"github.com/fieldops/dispatchd/core/store"
)

// State tracks a transaction through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateDragging
	StateCommitting
	StateDone
	StateRolledBack
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateDragging:
		return "Dragging"
	case StateCommitting:
		return "Committing"
	case StateDone:
		return "Done"
	case StateRolledBack:
		return "RolledBack"
	default:
		return "unknown"
	}
}

// Granularity is the time resolution of the view the drop happened in.
type Granularity int

const (
	GranularityDay Granularity = iota
	GranularityWeek
	// GranularityMonth is coarser than time-of-day: a drop there moves dates
	// only and keeps the original clock times.
	GranularityMonth
)

// coarse reports whether the view cannot express a time-of-day.
func (g Granularity) coarse() bool { return g == GranularityMonth }

// ErrEditInProgress is returned when the entity is already being edited in
// this session. Edits of different entities never interfere.
var ErrEditInProgress = errors.New("entity edit already in flight")

// Coordinator creates and tracks drag/resize transactions. In-flight edits
// are keyed by entity id, not by a shared flag, so concurrent edits on
// different entities proceed independently.
type Coordinator struct {
	checker *conflict.Checker
	agg     *schedule.Aggregator
	jobs    store.JobStore
	blocks  store.StatusBlockStore
	log     logger.Logger
	sink    metrics.Sink

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewCoordinator creates a Coordinator. sink may be nil.
func NewCoordinator(checker *conflict.Checker, agg *schedule.Aggregator, jobs store.JobStore, blocks store.StatusBlockStore, log logger.Logger, sink metrics.Sink) (*Coordinator, error) {
	if checker == nil || agg == nil || jobs == nil || blocks == nil {
		return nil, fmt.Errorf("reschedule: nil parameter provided to NewCoordinator")
	}
	return &Coordinator{
		checker:  checker,
		agg:      agg,
		jobs:     jobs,
		blocks:   blocks,
		log:      log,
		sink:     sink,
		inflight: map[string]struct{}{},
	}, nil
}

// Transaction is one interactive edit of a job assignment or status block.
type Transaction struct {
	c        *Coordinator
	state    State
	eventID  string
	entityID string
	source   model.SourceKind

	job   *model.Job
	block *model.StatusBlock

	// prev is the pre-drag shape, restored verbatim on any rollback.
	prev  schedule.Placement
	began time.Time
}

// BeginJobDrag starts an edit of a job's window. workerID selects the
// timeline row the drag happens on; the write applies to the job itself.
func (c *Coordinator) BeginJobDrag(ctx context.Context, jobID, workerID string) (*Transaction, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	if err := c.acquire(jobID); err != nil {
		return nil, err
	}
	return &Transaction{
		c:        c,
		state:    StateDragging,
		eventID:  schedule.JobEventID(jobID, workerID),
		entityID: jobID,
		source:   model.SourceJob,
		job:      job,
		prev:     schedule.Placement{Start: job.Start, End: job.End},
		began:    time.Now(),
	}, nil
}

// BeginBlockDrag starts an edit of a status block's range.
func (c *Coordinator) BeginBlockDrag(ctx context.Context, blockID string) (*Transaction, error) {
	block, err := c.blocks.Get(ctx, blockID)
	if err != nil {
		return nil, fmt.Errorf("load status block %s: %w", blockID, err)
	}
	if err := c.acquire(blockID); err != nil {
		return nil, err
	}
	return &Transaction{
		c:        c,
		state:    StateDragging,
		eventID:  schedule.BlockEventID(blockID),
		entityID: blockID,
		source:   model.SourceStatusBlock,
		block:    block,
		prev:     schedule.Placement{Start: block.Start, End: block.End},
		began:    time.Now(),
	}, nil
}

func (c *Coordinator) acquire(entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[entityID]; busy {
		return ErrEditInProgress
	}
	c.inflight[entityID] = struct{}{}
	return nil
}

func (c *Coordinator) release(entityID string) {
	c.mu.Lock()
	delete(c.inflight, entityID)
	c.mu.Unlock()
}

// State returns the transaction's current state.
func (tx *Transaction) State() State { return tx.state }

// Target returns the window a drop would commit, applying the view's
// granularity: coarse views shift whole days and keep the original clock
// times, finer views take the dropped instants verbatim.
func (tx *Transaction) Target(start, end time.Time, view Granularity) (time.Time, time.Time) {
	if !view.coarse() {
		return start, end
	}
	newStart := tx.prev.Start.AddDate(0, 0, daysBetween(tx.prev.Start, start))
	newEnd := tx.prev.End.AddDate(0, 0, daysBetween(tx.prev.End, end))
	return newStart, newEnd
}

// Drop finishes the drag at the given window. On a conflict or write failure
// the view returns exactly to its pre-drag shape and the error is returned;
// on success the store feed's convergence supersedes the optimistic value.
func (tx *Transaction) Drop(ctx context.Context, start, end time.Time, view Granularity) error {
	if tx.state != StateDragging {
		return fmt.Errorf("drop in state %s", tx.state)
	}
	newStart, newEnd := tx.Target(start, end, view)
	if !newStart.Before(newEnd) {
		tx.rollback(0)
		return model.ValidationError{Field: "start/end", Reason: "start must precede end"}
	}

	if tx.source == model.SourceJob {
		conflicts, err := tx.c.checker.Check(ctx, conflict.Candidate{
			WorkerIDs:    tx.job.AssignedWorkers,
			Start:        newStart,
			End:          newEnd,
			ExcludeJobID: tx.job.ID,
		})
		if err != nil {
			tx.rollback(0)
			return err
		}
		if len(conflicts) > 0 {
			tx.c.agg.RestoreEvent(tx.eventID, tx.prev)
			tx.rollback(len(conflicts))
			return &conflict.ConflictError{Conflicts: conflicts}
		}
	}

	// Optimistic: the timeline moves before the write completes.
	prev, moved := tx.c.agg.MoveEvent(tx.eventID, newStart, newEnd)
	if moved {
		tx.prev = prev
	}
	tx.state = StateCommitting

	var err error
	switch tx.source {
	case model.SourceJob:
		_, err = tx.c.jobs.Update(ctx, tx.entityID, store.JobFields{Start: &newStart, End: &newEnd})
	case model.SourceStatusBlock:
		_, err = tx.c.blocks.UpdateRange(ctx, tx.entityID, newStart, newEnd)
	}
	if err != nil {
		if moved {
			tx.c.agg.RestoreEvent(tx.eventID, tx.prev)
		}
		tx.rollback(0)
		var perr *store.PersistenceError
		if errors.As(err, &perr) {
			return err
		}
		return &store.PersistenceError{Op: "reschedule " + tx.entityID, Retryable: true, Err: err}
	}

	tx.state = StateDone
	tx.c.release(tx.entityID)
	tx.record(metrics.OutcomeCommitted, 0)
	return nil
}

// Cancel abandons the drag and restores the pre-drag shape.
func (tx *Transaction) Cancel() {
	if tx.state != StateDragging {
		return
	}
	tx.c.agg.RestoreEvent(tx.eventID, tx.prev)
	tx.rollback(0)
}

func (tx *Transaction) rollback(conflicts int) {
	tx.state = StateRolledBack
	tx.c.release(tx.entityID)
	if conflicts > 0 {
		tx.record(metrics.OutcomeConflict, conflicts)
	} else {
		tx.record(metrics.OutcomeRolledBack, 0)
	}
}

func (tx *Transaction) record(outcome metrics.RescheduleOutcome, conflicts int) {
	if tx.c.sink == nil {
		return
	}
	ev := metrics.RescheduleEvent{
		EntityID:  tx.entityID,
		Source:    tx.source.String(),
		Outcome:   outcome,
		Conflicts: conflicts,
		Latency:   time.Since(tx.began),
		Time:      time.Now(),
	}
	if err := tx.c.sink.RecordReschedule([]metrics.RescheduleEvent{ev}); err != nil && tx.c.log != nil {
		tx.c.log.Errorf("reschedule metrics: %v", err)
	}
}

// daysBetween returns the whole-day difference between the dates of a and b,
// ignoring their time-of-day.
func daysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad) / (24 * time.Hour))
}
