package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
	"github.com/fieldops/dispatchd/infra/logger"
)

func TestJobCreatedFanoutCounts(t *testing.T) {
	s := store.NewMemoryNotificationStore()
	f := New(s, logger.NopLogger{}, nil)
	job := model.Job{ID: "JOB-0001", Name: "install", AssignedWorkers: []string{"w1", "w2"}}

	if got := f.JobCreated(context.Background(), job); got != 3 {
		t.Fatalf("expected 1 broadcast + 2 targeted = 3 writes, got %d", got)
	}

	forW1, _ := s.ListFor(context.Background(), "w1")
	broadcasts, targeted := 0, 0
	for _, n := range forW1 {
		if n.Broadcast() {
			broadcasts++
		} else {
			targeted++
		}
	}
	if broadcasts != 1 || targeted != 1 {
		t.Fatalf("w1 should see 1 broadcast and 1 targeted, got %d/%d", broadcasts, targeted)
	}
	forW3, _ := s.ListFor(context.Background(), "w3")
	if len(forW3) != 1 || !forW3[0].Broadcast() {
		t.Fatalf("unassigned workers see only the broadcast, got %+v", forW3)
	}
}

func TestJobAssignedNotifiesOnlyNewWorkers(t *testing.T) {
	s := store.NewMemoryNotificationStore()
	f := New(s, logger.NopLogger{}, nil)
	job := model.Job{ID: "JOB-0002", Name: "repair", AssignedWorkers: []string{"w1", "w2"}}

	if got := f.JobAssigned(context.Background(), job, []string{"w2"}); got != 1 {
		t.Fatalf("expected 1 write, got %d", got)
	}
	forW1, _ := s.ListFor(context.Background(), "w1")
	if len(forW1) != 0 {
		t.Fatalf("w1 was not newly assigned, got %+v", forW1)
	}
}

// failingNotificationStore fails every write.
type failingNotificationStore struct{}

func (failingNotificationStore) Write(context.Context, *model.Notification) error {
	return errors.New("quota exceeded")
}
func (failingNotificationStore) MarkRead(context.Context, string, string) error  { return nil }
func (failingNotificationStore) MarkAllRead(context.Context, string) error       { return nil }
func (failingNotificationStore) ListFor(context.Context, string) ([]model.Notification, error) {
	return nil, nil
}

func TestFanoutFailureDoesNotPropagate(t *testing.T) {
	f := New(failingNotificationStore{}, logger.NopLogger{}, nil)
	job := model.Job{ID: "JOB-0003", Name: "n", AssignedWorkers: []string{"w1"}}
	// Failures are logged, never returned: the call itself must not error.
	if got := f.JobCreated(context.Background(), job); got != 0 {
		t.Fatalf("no write should have succeeded, got %d", got)
	}
}

func TestBroadcastCarriesPerWorkerReadState(t *testing.T) {
	s := store.NewMemoryNotificationStore()
	f := New(s, logger.NopLogger{}, nil)
	f.now = func() time.Time { return time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC) }
	f.JobCreated(context.Background(), model.Job{ID: "JOB-0004", Name: "n"})

	ns, _ := s.ListFor(context.Background(), "anyone")
	if len(ns) != 1 {
		t.Fatalf("expected the broadcast, got %d", len(ns))
	}
	if ns[0].ReadBy == nil {
		t.Fatal("broadcast must track read state per worker")
	}
}
