package model

import "time"

// SourceKind identifies the record a ScheduleEvent was derived from.
type SourceKind int

const (
	SourceJob SourceKind = iota
	SourceStatusBlock
)

// String returns a human-readable representation of the source kind.
func (k SourceKind) String() string {
	switch k {
	case SourceJob:
		return "job"
	case SourceStatusBlock:
		return "status_block"
	default:
		return "unknown"
	}
}

// ScheduleEvent is an ephemeral view item unifying jobs and status blocks on
// the dispatch timeline. Events are never persisted and never patched in
// place; the aggregator rebuilds a worker's full set on every change.
type ScheduleEvent struct {
	ID       string     `json:"id"`
	WorkerID string     `json:"worker_id"`
	Start    time.Time  `json:"start"`
	End      time.Time  `json:"end"`
	Subject  string     `json:"subject"`
	Color    string     `json:"color"`
	Source   SourceKind `json:"source"`
}
