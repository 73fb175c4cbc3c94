package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	coremetrics "github.com/fieldops/dispatchd/core/metrics"
)

func TestPromSinkRecordsReschedule(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	err = sink.RecordReschedule([]coremetrics.RescheduleEvent{
		{EntityID: "JOB-0001", Source: "job", Outcome: coremetrics.OutcomeCommitted, Latency: 50 * time.Millisecond, Time: time.Now()},
		{EntityID: "JOB-0002", Source: "job", Outcome: coremetrics.OutcomeConflict, Conflicts: 2, Time: time.Now()},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := testutil.ToFloat64(sink.reschedules.WithLabelValues("job", "committed")); got != 1 {
		t.Errorf("committed counter = %v", got)
	}
	if got := testutil.ToFloat64(sink.conflicts); got != 2 {
		t.Errorf("conflicts counter = %v", got)
	}
}

func TestPromSinkRecordsNotificationAndSubscription(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	if err := sink.RecordNotification(coremetrics.NotificationEvent{Kind: "job_created", Broadcast: true}); err != nil {
		t.Fatalf("notification: %v", err)
	}
	if err := sink.RecordSubscription(coremetrics.SubscriptionEvent{Collection: "jobs", Attempt: 1, Recovered: true}); err != nil {
		t.Fatalf("subscription: %v", err)
	}
	if err := sink.RecordAggregateSize(7); err != nil {
		t.Fatalf("size: %v", err)
	}
	if got := testutil.ToFloat64(sink.aggregateSize); got != 7 {
		t.Errorf("aggregate size gauge = %v", got)
	}
}

func TestPromSinkDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg); err != nil {
		t.Fatalf("second registration must reuse collectors: %v", err)
	}
}

func TestMultiSinkForwards(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom, err := NewPromSinkWithRegistry(coremetrics.Config{}, reg)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	multi := NewMultiSink(coremetrics.NopSink{}, prom)
	ev := coremetrics.RescheduleEvent{EntityID: "x", Source: "status_block", Outcome: coremetrics.OutcomeRolledBack, Time: time.Now()}
	if err := multi.RecordReschedule([]coremetrics.RescheduleEvent{ev}); err != nil {
		t.Fatalf("multi: %v", err)
	}
	if got := testutil.ToFloat64(prom.reschedules.WithLabelValues("status_block", "rolled_back")); got != 1 {
		t.Errorf("forwarded counter = %v", got)
	}
}
