package store

import (
	"context"
	"testing"
	"time"

	"github.com/fieldops/dispatchd/core/model"
)

func day(h, m int) time.Time {
	return time.Date(2026, time.October, 1, h, m, 0, 0, time.UTC)
}

func TestMemoryJobStoreSequentialCodes(t *testing.T) {
	s := NewMemoryJobStore("s1")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		j := &model.Job{Name: "install", CustomerID: "c1", Start: day(9, 0), End: day(12, 0)}
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
		if j.ID == "" {
			t.Fatal("expected assigned id")
		}
	}
	jobs, _ := s.List(ctx)
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs got %d", len(jobs))
	}
	if jobs[0].ID != "JOB-0001" || jobs[2].ID != "JOB-0003" {
		t.Fatalf("unexpected codes: %s %s", jobs[0].ID, jobs[2].ID)
	}
}

func TestMemoryJobStoreUpdatePublishesUnionOfWorkers(t *testing.T) {
	s := NewMemoryJobStore("s1")
	ctx := context.Background()
	j := &model.Job{Name: "n", CustomerID: "c", Start: day(9, 0), End: day(12, 0), AssignedWorkers: []string{"w1"}}
	if err := s.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	feed, cancel := s.Subscribe()
	defer cancel()

	workers := []string{"w2"}
	if _, err := s.Update(ctx, j.ID, JobFields{AssignedWorkers: &workers}); err != nil {
		t.Fatalf("update: %v", err)
	}
	select {
	case ev := <-feed:
		if len(ev.Workers) != 2 {
			t.Fatalf("expected removed and added workers in event, got %v", ev.Workers)
		}
	case <-time.After(time.Second):
		t.Fatal("no change event delivered")
	}
}

func TestMemoryJobStoreUpdateMissing(t *testing.T) {
	s := NewMemoryJobStore("s1")
	if _, err := s.Update(context.Background(), "JOB-9999", JobFields{}); err == nil {
		t.Fatal("expected error for missing job")
	}
}

func TestMemoryStatusBlockStoreUpsertIdempotent(t *testing.T) {
	s := NewMemoryStatusBlockStore("s1")
	ctx := context.Background()
	fields := BlockFields{WorkerID: "w7", Kind: model.StatusUnavailable, Start: day(8, 0), End: day(12, 0)}
	b1, err := s.Upsert(ctx, "key-1", fields)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b2, err := s.Upsert(ctx, "key-1", fields)
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if b1.ID != b2.ID {
		t.Fatalf("ids differ: %s vs %s", b1.ID, b2.ID)
	}
	blocks, _ := s.List(ctx)
	if len(blocks) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(blocks))
	}
}

func TestMemoryStatusBlockStoreDeletePublishes(t *testing.T) {
	s := NewMemoryStatusBlockStore("s1")
	ctx := context.Background()
	b, err := s.Upsert(ctx, "key-1", BlockFields{WorkerID: "w1", Start: day(8, 0), End: day(10, 0)})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	feed, cancel := s.Subscribe()
	defer cancel()
	if err := s.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case ev := <-feed:
		if ev.Kind != ChangeDeleted || ev.Block.ID != b.ID {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no delete event delivered")
	}
	if _, err := s.Get(ctx, b.ID); err == nil {
		t.Fatal("block should be gone")
	}
}

func TestMemoryNotificationStoreBroadcastReadIsolation(t *testing.T) {
	s := NewMemoryNotificationStore()
	ctx := context.Background()
	n := &model.Notification{ID: "n1", TargetID: model.BroadcastTarget, Message: "new job", CreatedAt: time.Now()}
	if err := s.Write(ctx, n); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.MarkRead(ctx, "n1", "wA"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	forA, _ := s.ListFor(ctx, "wA")
	forB, _ := s.ListFor(ctx, "wB")
	if !forA[0].ReadFor("wA") {
		t.Fatal("wA should see the record as read")
	}
	if forB[0].ReadFor("wB") {
		t.Fatal("wB must not inherit wA's read state")
	}
}

func TestMemoryNotificationStoreMarkAllRead(t *testing.T) {
	s := NewMemoryNotificationStore()
	ctx := context.Background()
	now := time.Now()
	_ = s.Write(ctx, &model.Notification{ID: "n1", TargetID: model.BroadcastTarget, CreatedAt: now})
	_ = s.Write(ctx, &model.Notification{ID: "n2", TargetID: "wA", CreatedAt: now.Add(time.Second)})
	_ = s.Write(ctx, &model.Notification{ID: "n3", TargetID: "wB", CreatedAt: now.Add(2 * time.Second)})

	if err := s.MarkAllRead(ctx, "wA"); err != nil {
		t.Fatalf("mark all: %v", err)
	}
	forA, _ := s.ListFor(ctx, "wA")
	for _, n := range forA {
		if !n.ReadFor("wA") {
			t.Errorf("record %s should be read for wA", n.ID)
		}
	}
	forB, _ := s.ListFor(ctx, "wB")
	for _, n := range forB {
		if n.ReadFor("wB") {
			t.Errorf("record %s must stay unread for wB", n.ID)
		}
	}
}

func TestMemoryJobStoreApplyDoesNotRestampOrigin(t *testing.T) {
	s := NewMemoryJobStore("local")
	feed, cancel := s.Subscribe()
	defer cancel()
	remote := model.Job{ID: "JOB-0042", Name: "n", CustomerID: "c", Start: day(9, 0), End: day(10, 0)}
	s.Apply(ChangeEvent{Collection: CollectionJobs, Kind: ChangeCreated, Origin: "remote", Job: &remote, Workers: nil})
	select {
	case ev := <-feed:
		if ev.Origin != "remote" {
			t.Fatalf("origin rewritten to %q", ev.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	if _, err := s.Get(context.Background(), "JOB-0042"); err != nil {
		t.Fatalf("applied job missing: %v", err)
	}
}
