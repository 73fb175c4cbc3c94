// Package conflict implements the advisory double-booking check run before
// any assignment or reschedule commit. The check is unlocked: a concurrent
// session can still race past it, so callers re-evaluate on every attempt.
package conflict

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fieldops/dispatchd/core/model"
)

// JobSource is the read side of the job store the checker scans.
type JobSource interface {
	ListByWorker(ctx context.Context, workerID string) ([]model.Job, error)
}

// Policy configures interval semantics. MinGap is the required buffer between
// consecutive jobs of one worker; zero keeps plain half-open semantics where
// touching endpoints are allowed.
type Policy struct {
	MinGap time.Duration
}

// Candidate is a proposed placement of one or more workers into a window.
type Candidate struct {
	WorkerIDs []string
	Start     time.Time
	End       time.Time
	// ExcludeJobID skips the job being edited in place.
	ExcludeJobID string
}

// Conflict pairs a worker with a job that overlaps the candidate window.
type Conflict struct {
	WorkerID string    `json:"worker_id"`
	Job      model.Job `json:"job"`
}

// Checker scans job assignments for overlaps. It holds no state of its own.
type Checker struct {
	jobs   JobSource
	policy Policy
}

// New creates a Checker over the given job source.
func New(jobs JobSource, policy Policy) *Checker {
	return &Checker{jobs: jobs, policy: policy}
}

// Check returns every (worker, job) pair whose interval intersects the
// candidate. All candidate workers are evaluated; the scan never stops at the
// first hit. An empty result means the placement is permitted.
func (c *Checker) Check(ctx context.Context, cand Candidate) ([]Conflict, error) {
	if !cand.Start.Before(cand.End) {
		return nil, model.ValidationError{Field: "start/end", Reason: "start must precede end"}
	}
	start := cand.Start.Add(-c.policy.MinGap)
	end := cand.End.Add(c.policy.MinGap)

	var conflicts []Conflict
	for _, workerID := range cand.WorkerIDs {
		jobs, err := c.jobs.ListByWorker(ctx, workerID)
		if err != nil {
			return nil, fmt.Errorf("conflict scan for %s: %w", workerID, err)
		}
		for _, job := range jobs {
			if job.ID == cand.ExcludeJobID {
				continue
			}
			if job.Status == model.JobCancelled {
				continue
			}
			if model.Overlaps(start, end, job.Start, job.End) {
				conflicts = append(conflicts, Conflict{WorkerID: workerID, Job: job})
			}
		}
	}
	return conflicts, nil
}

// ConflictError carries the full conflict list for a rejected placement.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "conflict: overlapping assignment"
	}
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s/%s", c.WorkerID, c.Job.ID))
	}
	return fmt.Sprintf("conflict: %d overlapping assignment(s): %s", len(e.Conflicts), strings.Join(parts, ", "))
}
