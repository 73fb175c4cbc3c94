package model

import (
	"fmt"
	"time"
)

// JobStatus tracks a job through its lifecycle.
type JobStatus int

const (
	JobCreated JobStatus = iota
	JobConfirmed
	JobCancelled
	JobStarted
	JobComplete
	JobValidate
	JobScheduled
)

// String returns a human-readable representation of the job status.
func (s JobStatus) String() string {
	switch s {
	case JobCreated:
		return "Created"
	case JobConfirmed:
		return "Confirmed"
	case JobCancelled:
		return "Cancelled"
	case JobStarted:
		return "Started"
	case JobComplete:
		return "Complete"
	case JobValidate:
		return "Validate"
	case JobScheduled:
		return "Scheduled"
	default:
		return "unknown"
	}
}

// Job is a unit of field work with a time window and a set of assigned workers.
// The ID is a business-visible sequential code assigned by the store.
type Job struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CustomerID  string    `json:"customer_id"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Status      JobStatus `json:"status"`
	Priority    int       `json:"priority"`

	// AssignedWorkers holds worker IDs. Order is not significant; a worker
	// appears at most once.
	AssignedWorkers []string `json:"assigned_workers,omitempty"`
	Tasks           []string `json:"tasks,omitempty"`
	Equipment       []string `json:"equipment,omitempty"`
}

// Validate checks that the job carries the fields required before any commit.
func (j Job) Validate() error {
	if j.Name == "" {
		return ValidationError{Field: "name", Reason: "required"}
	}
	if j.CustomerID == "" {
		return ValidationError{Field: "customer_id", Reason: "required"}
	}
	if j.Start.IsZero() || j.End.IsZero() {
		return ValidationError{Field: "start/end", Reason: "required"}
	}
	if !j.Start.Before(j.End) {
		return ValidationError{Field: "start/end", Reason: "start must precede end"}
	}
	return nil
}

// HasWorker reports whether the worker is assigned to the job.
func (j Job) HasWorker(workerID string) bool {
	for _, id := range j.AssignedWorkers {
		if id == workerID {
			return true
		}
	}
	return false
}

// Duration returns the length of the job's time window.
func (j Job) Duration() time.Duration { return j.End.Sub(j.Start) }

// ValidationError reports a missing or malformed field detected before a
// commit is attempted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Overlaps reports whether the half-open intervals [aStart,aEnd) and
// [bStart,bEnd) intersect. Touching endpoints do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
