// Package metrics defines the sink contracts scheduling components record
// into. Implementations live under infra/metrics.
package metrics

import (
	"time"
)

// RescheduleOutcome classifies how a drag/resize transaction ended.
type RescheduleOutcome string

const (
	OutcomeCommitted  RescheduleOutcome = "committed"
	OutcomeConflict   RescheduleOutcome = "conflict"
	OutcomeRolledBack RescheduleOutcome = "rolled_back"
)

// RescheduleEvent is a per-transaction record.
type RescheduleEvent struct {
	EntityID  string
	Source    string // "job" or "status_block"
	Outcome   RescheduleOutcome
	Conflicts int
	Latency   time.Duration
	Time      time.Time
}

// Sink records reschedule outcomes for observability purposes.
type Sink interface {
	RecordReschedule(events []RescheduleEvent) error
}

// NotificationEvent captures one fanout write attempt.
type NotificationEvent struct {
	Kind      string
	Broadcast bool
	Failed    bool
	Time      time.Time
}

// NotificationRecorder records notification fanout writes.
type NotificationRecorder interface {
	RecordNotification(ev NotificationEvent) error
}

// SubscriptionEvent captures a live-feed drop or recovery.
type SubscriptionEvent struct {
	Collection string
	Attempt    int
	Recovered  bool
	Time       time.Time
}

// SubscriptionRecorder records subscription loss and recovery.
type SubscriptionRecorder interface {
	RecordSubscription(ev SubscriptionEvent) error
}

// AggregateSizeRecorder records the number of events currently held by the
// schedule aggregator.
type AggregateSizeRecorder interface {
	RecordAggregateSize(events int) error
}

// NopSink discards every record. It stands in when no backend is configured
// or a backend is unreachable.
type NopSink struct{}

func (NopSink) RecordReschedule([]RescheduleEvent) error { return nil }

// Config defines settings for metrics sinks.
type Config struct {
	PrometheusEnabled bool   `json:"prometheus_enabled"`
	PrometheusPort    string `json:"prometheus_port"`

	InfluxEnabled bool   `json:"influx_enabled"`
	InfluxURL     string `json:"influx_url"`
	InfluxToken   string `json:"influx_token"`
	InfluxOrg     string `json:"influx_org"`
	InfluxBucket  string `json:"influx_bucket"`
}
