// Package notify writes notification records for scheduling events: one
// broadcast visible to every worker plus one targeted record per assigned
// worker. Fan-out writes are best-effort and independent of each other and of
// the job write that triggered them.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops/dispatchd/core/logger"
	"github.com/fieldops/dispatchd/core/metrics"
	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
)

// Fanout writes notifications triggered by job creation and assignment.
type Fanout struct {
	store store.NotificationStore
	log   logger.Logger
	sink  metrics.Sink
	now   func() time.Time
}

// New creates a Fanout. sink may be nil.
func New(s store.NotificationStore, log logger.Logger, sink metrics.Sink) *Fanout {
	return &Fanout{store: s, log: log, sink: sink, now: time.Now}
}

// JobCreated writes one broadcast plus one targeted notification per assigned
// worker. A failed write is logged and counted; it never blocks the job
// creation the dispatcher is performing, so the returned count only reports
// how many records were actually written.
func (f *Fanout) JobCreated(ctx context.Context, job model.Job) int {
	msg := fmt.Sprintf("New job %s: %s", job.ID, job.Name)
	written := 0
	if f.write(ctx, model.Notification{
		ID:       uuid.NewString(),
		TargetID: model.BroadcastTarget,
		JobID:    job.ID,
		Kind:     model.NotifyJobCreated,
		Message:  msg,
		ReadBy:   map[string]bool{},
	}) {
		written++
	}
	written += f.targeted(ctx, job, job.AssignedWorkers, model.NotifyJobCreated,
		fmt.Sprintf("You were assigned to job %s: %s", job.ID, job.Name))
	return written
}

// JobAssigned notifies only the newly assigned workers.
func (f *Fanout) JobAssigned(ctx context.Context, job model.Job, newWorkers []string) int {
	return f.targeted(ctx, job, newWorkers, model.NotifyJobAssigned,
		fmt.Sprintf("You were assigned to job %s: %s", job.ID, job.Name))
}

func (f *Fanout) targeted(ctx context.Context, job model.Job, workers []string, kind model.NotificationKind, msg string) int {
	written := 0
	for _, workerID := range workers {
		if f.write(ctx, model.Notification{
			ID:       uuid.NewString(),
			TargetID: workerID,
			JobID:    job.ID,
			Kind:     kind,
			Message:  msg,
		}) {
			written++
		}
	}
	return written
}

func (f *Fanout) write(ctx context.Context, n model.Notification) bool {
	n.CreatedAt = f.now()
	err := f.store.Write(ctx, &n)
	if err != nil {
		f.log.Errorf("notification write for %s failed: %v", n.TargetID, err)
	}
	f.record(n, err != nil)
	return err == nil
}

func (f *Fanout) record(n model.Notification, failed bool) {
	rec, ok := f.sink.(metrics.NotificationRecorder)
	if !ok {
		return
	}
	ev := metrics.NotificationEvent{
		Kind:      n.Kind.String(),
		Broadcast: n.Broadcast(),
		Failed:    failed,
		Time:      n.CreatedAt,
	}
	if err := rec.RecordNotification(ev); err != nil {
		f.log.Errorf("notification metrics: %v", err)
	}
}
