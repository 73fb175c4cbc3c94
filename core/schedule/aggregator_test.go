package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
	"github.com/fieldops/dispatchd/infra/logger"
)

func at(h int) time.Time {
	return time.Date(2026, time.October, 1, h, 0, 0, 0, time.UTC)
}

func newAggregator(t *testing.T) (*Aggregator, *store.MemoryJobStore, *store.MemoryStatusBlockStore) {
	t.Helper()
	jobs := store.NewMemoryJobStore("test")
	blocks := store.NewMemoryStatusBlockStore("test")
	agg := New(jobs, blocks, nil, logger.NopLogger{}, nil, Config{ResubscribeBase: time.Millisecond, ResubscribeMax: 3})
	return agg, jobs, blocks
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAggregatorInitialLoad(t *testing.T) {
	agg, jobs, blocks := newAggregator(t)
	ctx := context.Background()
	_ = jobs.Create(ctx, &model.Job{Name: "install", CustomerID: "c", Start: at(9), End: at(12), AssignedWorkers: []string{"w1", "w2"}})
	_, _ = blocks.Upsert(ctx, "b1", store.BlockFields{WorkerID: "w1", Kind: model.StatusOnLeave, Start: at(13), End: at(15)})

	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()

	evs := agg.Events()
	if len(evs) != 3 {
		t.Fatalf("expected 3 events (2 job, 1 block), got %d", len(evs))
	}
	if len(agg.EventsFor("w1")) != 2 {
		t.Fatalf("w1 should have 2 events")
	}
}

func TestAggregatorRebuildsOnChange(t *testing.T) {
	agg, jobs, _ := newAggregator(t)
	ctx := context.Background()
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()

	j := &model.Job{Name: "repair", CustomerID: "c", Start: at(9), End: at(11), AssignedWorkers: []string{"w1"}}
	if err := jobs.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, func() bool { return len(agg.EventsFor("w1")) == 1 })

	// Reassigning to w2 must rebuild both timelines: w1 loses the event.
	workers := []string{"w2"}
	if _, err := jobs.Update(ctx, j.ID, store.JobFields{AssignedWorkers: &workers}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitFor(t, func() bool {
		return len(agg.EventsFor("w1")) == 0 && len(agg.EventsFor("w2")) == 1
	})
}

func TestAggregatorDeleteDropsEvent(t *testing.T) {
	agg, _, blocks := newAggregator(t)
	ctx := context.Background()
	b, _ := blocks.Upsert(ctx, "key-1", store.BlockFields{WorkerID: "w1", Kind: model.StatusSickLeave, Start: at(8), End: at(12)})
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()
	if len(agg.EventsFor("w1")) != 1 {
		t.Fatal("block event missing after load")
	}
	if err := blocks.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, func() bool { return len(agg.EventsFor("w1")) == 0 })
}

func TestAggregatorWholesaleRebuildDiscardsOverrides(t *testing.T) {
	agg, jobs, _ := newAggregator(t)
	ctx := context.Background()
	j := &model.Job{Name: "n", CustomerID: "c", Start: at(9), End: at(11), AssignedWorkers: []string{"w1"}}
	_ = jobs.Create(ctx, j)
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()

	id := JobEventID(j.ID, "w1")
	prev, ok := agg.MoveEvent(id, at(14), at(16))
	if !ok {
		t.Fatal("move failed")
	}
	if !prev.Start.Equal(at(9)) || !prev.End.Equal(at(11)) {
		t.Fatalf("captured placement wrong: %+v", prev)
	}
	if evs := agg.EventsFor("w1"); !evs[0].Start.Equal(at(14)) {
		t.Fatal("optimistic move not visible")
	}

	// Convergence from the store supersedes the optimistic value.
	if err := agg.RebuildWorker(ctx, "w1"); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if evs := agg.EventsFor("w1"); !evs[0].Start.Equal(at(9)) {
		t.Fatal("rebuild should restore the persisted placement")
	}
}

func TestAggregatorRestoreEvent(t *testing.T) {
	agg, jobs, _ := newAggregator(t)
	ctx := context.Background()
	j := &model.Job{Name: "n", CustomerID: "c", Start: at(9), End: at(11), AssignedWorkers: []string{"w1"}}
	_ = jobs.Create(ctx, j)
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()

	id := JobEventID(j.ID, "w1")
	prev, _ := agg.MoveEvent(id, at(14), at(16))
	agg.RestoreEvent(id, prev)
	evs := agg.EventsFor("w1")
	if !evs[0].Start.Equal(at(9)) || !evs[0].End.Equal(at(11)) {
		t.Fatalf("restore did not return the event to its pre-drag shape: %+v", evs[0])
	}
}

func TestAggregatorSearchFilterKeepsSubscriptions(t *testing.T) {
	agg, jobs, _ := newAggregator(t)
	ctx := context.Background()
	_ = jobs.Create(ctx, &model.Job{Name: "a", CustomerID: "c", Start: at(9), End: at(10), AssignedWorkers: []string{"alice"}})
	_ = jobs.Create(ctx, &model.Job{Name: "b", CustomerID: "c", Start: at(9), End: at(10), AssignedWorkers: []string{"bob"}})
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()

	agg.SetSearch("ali")
	evs := agg.Events()
	if len(evs) != 1 || evs[0].WorkerID != "alice" {
		t.Fatalf("filter should narrow to alice, got %v", evs)
	}

	// A change arriving for a filtered-out worker is still applied.
	_ = jobs.Create(ctx, &model.Job{Name: "c", CustomerID: "c", Start: at(11), End: at(12), AssignedWorkers: []string{"bob"}})
	waitFor(t, func() bool { return len(agg.EventsFor("bob")) == 2 })

	agg.SetSearch("")
	if len(agg.Events()) != 3 {
		t.Fatal("clearing the filter should reveal all events")
	}
}

func TestAggregatorFeedLossMarksStaleAndSurfacesError(t *testing.T) {
	agg, jobs, _ := newAggregator(t)
	ctx := context.Background()
	_ = jobs.Create(ctx, &model.Job{Name: "n", CustomerID: "c", Start: at(9), End: at(10), AssignedWorkers: []string{"w1"}})
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer agg.Stop()

	// Closing the store kills the feed for good: retries exhaust.
	jobs.Close()
	select {
	case err := <-agg.Errors():
		var serr *SubscriptionError
		if !errors.As(err, &serr) {
			t.Fatalf("expected SubscriptionError, got %v", err)
		}
		if serr.Collection != store.CollectionJobs {
			t.Fatalf("wrong collection: %s", serr.Collection)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription error surfaced")
	}
	if !agg.Stale("w1") {
		t.Fatal("worker view should be marked stale while the feed is down")
	}
}

func TestColorTableDeterministic(t *testing.T) {
	table := NewColorTable(map[string]string{"w1": "#123456"}, nil)
	if table.ColorFor("w1") != "#123456" {
		t.Fatal("override table must win")
	}
	c1 := table.ColorFor("w2")
	c2 := NewColorTable(nil, nil).ColorFor("w2")
	if c1 != c2 {
		t.Fatalf("hash color must be stable across instances: %s vs %s", c1, c2)
	}
	found := false
	for _, p := range defaultPalette {
		if p == c1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("color %s not from the palette", c1)
	}
}

func TestStopClosesErrorsChannel(t *testing.T) {
	agg, _, _ := newAggregator(t)
	if err := agg.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	agg.Stop()
	agg.Stop() // repeated Stop must be safe

	select {
	case _, ok := <-agg.Errors():
		if ok {
			t.Fatal("unexpected error after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("errors channel not closed after Stop")
	}
}
