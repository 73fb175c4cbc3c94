// Package board is the dispatcher-facing entry point for job creation and
// worker assignment. It runs the advisory conflict gate before every commit
// and triggers notification fanout after it.
package board

import (
	"context"
	"fmt"

	"github.com/fieldops/dispatchd/core/conflict"
	"github.com/fieldops/dispatchd/core/logger"
	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/notify"
	"github.com/fieldops/dispatchd/core/store"
)

// Board coordinates job writes with the conflict gate and the fanout.
type Board struct {
	jobs    store.JobStore
	checker *conflict.Checker
	fanout  *notify.Fanout
	log     logger.Logger
}

// New creates a Board.
func New(jobs store.JobStore, checker *conflict.Checker, fanout *notify.Fanout, log logger.Logger) (*Board, error) {
	if jobs == nil || checker == nil || fanout == nil {
		return nil, fmt.Errorf("board: nil parameter provided to New")
	}
	return &Board{jobs: jobs, checker: checker, fanout: fanout, log: log}, nil
}

// CreateJob validates and persists the job, then fans out notifications. The
// fanout is best-effort: its failures never undo the job write.
func (b *Board) CreateJob(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if len(job.AssignedWorkers) > 0 {
		conflicts, err := b.checker.Check(ctx, conflict.Candidate{
			WorkerIDs: job.AssignedWorkers,
			Start:     job.Start,
			End:       job.End,
		})
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			return &conflict.ConflictError{Conflicts: conflicts}
		}
	}
	if err := b.jobs.Create(ctx, job); err != nil {
		return err
	}
	b.log.Infof("job %s created with %d workers", job.ID, len(job.AssignedWorkers))
	b.fanout.JobCreated(ctx, *job)
	return nil
}

// AssignWorkers adds workers to the job. Only workers not already assigned
// are gated and notified; the assignment set stays duplicate-free.
func (b *Board) AssignWorkers(ctx context.Context, jobID string, workerIDs []string) (*model.Job, error) {
	job, err := b.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var added []string
	for _, id := range workerIDs {
		if !job.HasWorker(id) {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return job, nil
	}

	conflicts, err := b.checker.Check(ctx, conflict.Candidate{
		WorkerIDs:    added,
		Start:        job.Start,
		End:          job.End,
		ExcludeJobID: job.ID,
	})
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return nil, &conflict.ConflictError{Conflicts: conflicts}
	}

	workers := append(append([]string(nil), job.AssignedWorkers...), added...)
	updated, err := b.jobs.Update(ctx, jobID, store.JobFields{AssignedWorkers: &workers})
	if err != nil {
		return nil, err
	}
	b.fanout.JobAssigned(ctx, *updated, added)
	return updated, nil
}
