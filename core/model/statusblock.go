package model

import "time"

// StatusKind classifies a worker-declared availability interval.
type StatusKind int

const (
	StatusAvailable StatusKind = iota
	StatusUnavailable
	StatusOnLeave
	StatusSickLeave
	StatusOvertime
)

// String returns a human-readable representation of the status kind.
func (k StatusKind) String() string {
	switch k {
	case StatusAvailable:
		return "Available"
	case StatusUnavailable:
		return "Unavailable"
	case StatusOnLeave:
		return "OnLeave"
	case StatusSickLeave:
		return "SickLeave"
	case StatusOvertime:
		return "Overtime"
	default:
		return "unknown"
	}
}

// StatusBlock is a worker-declared availability interval, independent of any
// job assignment.
type StatusBlock struct {
	ID       string     `json:"id"`
	WorkerID string     `json:"worker_id"`
	Kind     StatusKind `json:"kind"`
	Start    time.Time  `json:"start"`
	End      time.Time  `json:"end"`
}

// Validate checks the block's required fields and interval ordering.
func (b StatusBlock) Validate() error {
	if b.WorkerID == "" {
		return ValidationError{Field: "worker_id", Reason: "required"}
	}
	if b.Start.IsZero() || b.End.IsZero() {
		return ValidationError{Field: "start/end", Reason: "required"}
	}
	if !b.Start.Before(b.End) {
		return ValidationError{Field: "start/end", Reason: "start must precede end"}
	}
	return nil
}
