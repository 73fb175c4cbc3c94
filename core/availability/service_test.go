package availability

import (
	"context"
	"testing"
	"time"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
	"github.com/fieldops/dispatchd/infra/logger"
)

func mon(h int) time.Time {
	return time.Date(2026, time.October, 5, h, 0, 0, 0, time.UTC)
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("w7", mon(8), mon(12))
	k2 := IdempotencyKey("w7", mon(8), mon(12))
	if k1 != k2 {
		t.Fatalf("keys differ: %s vs %s", k1, k2)
	}
	if k1 == IdempotencyKey("w8", mon(8), mon(12)) {
		t.Fatal("different worker must yield a different key")
	}
	if k1 == IdempotencyKey("w7", mon(8), mon(13)) {
		t.Fatal("different range must yield a different key")
	}
}

func TestPlaceTwiceCreatesOneRecord(t *testing.T) {
	blocks := store.NewMemoryStatusBlockStore("test")
	svc := NewService(blocks, logger.NopLogger{})
	ctx := context.Background()

	b1, err := svc.Place(ctx, "w7", model.StatusUnavailable, mon(8), mon(12))
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	b2, err := svc.Place(ctx, "w7", model.StatusUnavailable, mon(8), mon(12))
	if err != nil {
		t.Fatalf("place again: %v", err)
	}
	if b1.ID != b2.ID {
		t.Fatalf("repeated drop must hit the same record: %s vs %s", b1.ID, b2.ID)
	}
	all, _ := blocks.List(ctx)
	if len(all) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(all))
	}
}

func TestResizeKeepsID(t *testing.T) {
	blocks := store.NewMemoryStatusBlockStore("test")
	svc := NewService(blocks, logger.NopLogger{})
	ctx := context.Background()

	b, _ := svc.Place(ctx, "w1", model.StatusOvertime, mon(17), mon(19))
	moved, err := svc.Resize(ctx, b.ID, mon(18), mon(20))
	if err != nil {
		t.Fatalf("resize: %v", err)
	}
	if moved.ID != b.ID {
		t.Fatal("resize must keep the record id")
	}
	all, _ := blocks.List(ctx)
	if len(all) != 1 {
		t.Fatalf("resize must not create a record, got %d", len(all))
	}
}

func TestRemoveDeletesRecord(t *testing.T) {
	blocks := store.NewMemoryStatusBlockStore("test")
	svc := NewService(blocks, logger.NopLogger{})
	ctx := context.Background()

	b, _ := svc.Place(ctx, "w1", model.StatusOnLeave, mon(8), mon(12))
	if err := svc.Remove(ctx, b.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := blocks.Get(ctx, b.ID); err == nil {
		t.Fatal("record should be gone")
	}
}
