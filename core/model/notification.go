package model

import "time"

// BroadcastTarget is the target id of a notification visible to every worker.
const BroadcastTarget = "all"

// NotificationKind classifies why a notification was written.
type NotificationKind int

const (
	NotifyJobCreated NotificationKind = iota
	NotifyJobAssigned
)

// String returns a human-readable representation of the notification kind.
func (k NotificationKind) String() string {
	switch k {
	case NotifyJobCreated:
		return "job_created"
	case NotifyJobAssigned:
		return "job_assigned"
	default:
		return "unknown"
	}
}

// Notification is a record produced by scheduling events. A targeted
// notification tracks a single Read flag; a broadcast tracks read state per
// worker in ReadBy.
type Notification struct {
	ID        string           `json:"id"`
	TargetID  string           `json:"target_id"`
	JobID     string           `json:"job_id,omitempty"`
	Kind      NotificationKind `json:"kind"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"created_at"`

	Read   bool            `json:"read"`
	ReadBy map[string]bool `json:"read_by,omitempty"`
}

// Broadcast reports whether the notification is visible to all workers.
func (n Notification) Broadcast() bool { return n.TargetID == BroadcastTarget }

// ReadFor reports whether the notification has been read by the given worker.
func (n Notification) ReadFor(workerID string) bool {
	if n.Broadcast() {
		return n.ReadBy[workerID]
	}
	return n.Read
}
