// Package schedule maintains the live, multi-worker dispatch timeline. The
// aggregator consumes the job and status-block change feeds and rebuilds the
// affected worker's events wholesale on every change; it never patches an
// event in place, so out-of-order notifications cannot leave stale partial
// state behind.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldops/dispatchd/core/logger"
	"github.com/fieldops/dispatchd/core/metrics"
	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
)

// JobFeed is the read+subscribe side of the job store.
type JobFeed interface {
	List(ctx context.Context) ([]model.Job, error)
	ListByWorker(ctx context.Context, workerID string) ([]model.Job, error)
	Subscribe() (<-chan store.ChangeEvent, func())
}

// BlockFeed is the read+subscribe side of the status-block store.
type BlockFeed interface {
	List(ctx context.Context) ([]model.StatusBlock, error)
	ListByWorker(ctx context.Context, workerID string) ([]model.StatusBlock, error)
	Subscribe() (<-chan store.ChangeEvent, func())
}

// SubscriptionError reports a live feed that could not be re-established.
// Until it recovers, the affected workers' views are marked stale.
type SubscriptionError struct {
	Collection store.Collection
	Attempts   int
	Err        error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription: %s feed down after %d attempts: %v", e.Collection, e.Attempts, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Config tunes feed recovery.
type Config struct {
	// ResubscribeBase is the first retry delay; each attempt doubles it.
	ResubscribeBase time.Duration
	// ResubscribeMax bounds the retry count before the error surfaces.
	ResubscribeMax int
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.ResubscribeBase <= 0 {
		c.ResubscribeBase = 100 * time.Millisecond
	}
	if c.ResubscribeMax <= 0 {
		c.ResubscribeMax = 5
	}
}

// Placement is an event's time window, captured before an optimistic move so
// it can be restored exactly on rollback.
type Placement struct {
	Start time.Time
	End   time.Time
}

// Aggregator unifies jobs and status blocks into one coherent timeline.
type Aggregator struct {
	jobs   JobFeed
	blocks BlockFeed
	colors *ColorTable
	log    logger.Logger
	sink   metrics.Sink
	cfg    Config

	mu     sync.RWMutex
	events map[string][]model.ScheduleEvent // by worker
	stale  map[string]bool
	search string

	errs     chan error
	done     chan struct{}
	stopOnce sync.Once

	cancelMu sync.Mutex
	cancels  []func()
	wg       sync.WaitGroup
}

// New creates an Aggregator. sink may be nil.
func New(jobs JobFeed, blocks BlockFeed, colors *ColorTable, log logger.Logger, sink metrics.Sink, cfg Config) *Aggregator {
	cfg.SetDefaults()
	if colors == nil {
		colors = NewColorTable(nil, nil)
	}
	return &Aggregator{
		jobs:   jobs,
		blocks: blocks,
		colors: colors,
		log:    log,
		sink:   sink,
		cfg:    cfg,
		events: map[string][]model.ScheduleEvent{},
		stale:  map[string]bool{},
		errs:   make(chan error, 4),
		done:   make(chan struct{}),
	}
}

// Start performs the initial load and opens one subscription per collection.
// Both feeds are filtered client-side, keeping the open-subscription count
// constant regardless of roster size.
func (a *Aggregator) Start(ctx context.Context) error {
	if err := a.reloadAll(ctx); err != nil {
		return err
	}
	a.consume(ctx, store.CollectionJobs, a.jobs.Subscribe)
	a.consume(ctx, store.CollectionStatusBlocks, a.blocks.Subscribe)
	return nil
}

// Stop tears down the subscriptions, waits for the consumers to exit and
// closes the error channel so range loops over Errors terminate.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.cancelMu.Lock()
		for _, cancel := range a.cancels {
			cancel()
		}
		a.cancels = nil
		a.cancelMu.Unlock()
		a.wg.Wait()
		close(a.errs)
	})
}

// Errors delivers exhausted-resubscription failures. The channel is buffered;
// unread errors are dropped rather than blocking the consumer loop. Stop
// closes it.
func (a *Aggregator) Errors() <-chan error { return a.errs }

func (a *Aggregator) consume(ctx context.Context, coll store.Collection, subscribe func() (<-chan store.ChangeEvent, func())) {
	ch, cancel := subscribe()
	a.cancelMu.Lock()
	a.cancels = append(a.cancels, cancel)
	a.cancelMu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					select {
					case <-a.done:
						return
					default:
					}
					next, reestablished := a.resubscribe(ctx, coll, subscribe)
					if !reestablished {
						return
					}
					ch = next
					continue
				}
				a.apply(ctx, ev)
			case <-a.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// resubscribe retries the feed with exponential backoff. While down, every
// worker's view is marked stale rather than silently serving old data.
func (a *Aggregator) resubscribe(ctx context.Context, coll store.Collection, subscribe func() (<-chan store.ChangeEvent, func())) (<-chan store.ChangeEvent, bool) {
	a.markAllStale()
	delay := a.cfg.ResubscribeBase
	for attempt := 1; attempt <= a.cfg.ResubscribeMax; attempt++ {
		select {
		case <-ctx.Done():
			return nil, false
		case <-a.done:
			return nil, false
		case <-time.After(delay):
		}
		delay *= 2
		a.log.Warnf("%s feed dropped, resubscribing (attempt %d/%d)", coll, attempt, a.cfg.ResubscribeMax)
		a.recordSubscription(coll, attempt, false)

		ch, cancel := subscribe()
		select {
		case ev, ok := <-ch:
			if !ok {
				cancel()
				continue
			}
			// Feed is healthy again: reload, then process the event we
			// already consumed.
			a.reestablish(ctx, coll, cancel)
			a.apply(ctx, ev)
			a.recordSubscription(coll, attempt, true)
			return ch, true
		default:
			a.reestablish(ctx, coll, cancel)
			a.recordSubscription(coll, attempt, true)
			return ch, true
		}
	}
	err := &SubscriptionError{Collection: coll, Attempts: a.cfg.ResubscribeMax, Err: fmt.Errorf("feed closed")}
	a.log.Errorf("%v", err)
	select {
	case a.errs <- err:
	default:
	}
	return nil, false
}

func (a *Aggregator) reestablish(ctx context.Context, coll store.Collection, cancel func()) {
	a.cancelMu.Lock()
	a.cancels = append(a.cancels, cancel)
	a.cancelMu.Unlock()
	if err := a.reloadAll(ctx); err != nil {
		a.log.Errorf("reload after %s resubscribe: %v", coll, err)
		return
	}
	a.clearStale()
	a.log.Infof("%s feed re-established", coll)
}

// apply rebuilds every worker affected by the change event.
func (a *Aggregator) apply(ctx context.Context, ev store.ChangeEvent) {
	workers := ev.Workers
	if len(workers) == 0 && ev.Job != nil {
		workers = ev.Job.AssignedWorkers
	}
	for _, workerID := range workers {
		if err := a.RebuildWorker(ctx, workerID); err != nil {
			a.log.Errorf("rebuild %s: %v", workerID, err)
			a.markStale(workerID)
		}
	}
	a.recordSize()
}

// RebuildWorker replaces the worker's full event set from the stores. Prior
// events for the worker, including any optimistic overrides, are discarded.
func (a *Aggregator) RebuildWorker(ctx context.Context, workerID string) error {
	jobs, err := a.jobs.ListByWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	blocks, err := a.blocks.ListByWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("list status blocks: %w", err)
	}

	evs := make([]model.ScheduleEvent, 0, len(jobs)+len(blocks))
	color := a.colors.ColorFor(workerID)
	for _, job := range jobs {
		evs = append(evs, model.ScheduleEvent{
			ID:       JobEventID(job.ID, workerID),
			WorkerID: workerID,
			Start:    job.Start,
			End:      job.End,
			Subject:  job.Name,
			Color:    color,
			Source:   model.SourceJob,
		})
	}
	for _, block := range blocks {
		evs = append(evs, model.ScheduleEvent{
			ID:       BlockEventID(block.ID),
			WorkerID: workerID,
			Start:    block.Start,
			End:      block.End,
			Subject:  block.Kind.String(),
			Color:    colorForBlock(block.Kind),
			Source:   model.SourceStatusBlock,
		})
	}

	a.mu.Lock()
	if len(evs) == 0 {
		delete(a.events, workerID)
	} else {
		a.events[workerID] = evs
	}
	delete(a.stale, workerID)
	a.mu.Unlock()
	return nil
}

func (a *Aggregator) reloadAll(ctx context.Context) error {
	jobs, err := a.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("initial job load: %w", err)
	}
	blocks, err := a.blocks.List(ctx)
	if err != nil {
		return fmt.Errorf("initial status block load: %w", err)
	}
	workers := map[string]bool{}
	for _, j := range jobs {
		for _, w := range j.AssignedWorkers {
			workers[w] = true
		}
	}
	for _, b := range blocks {
		workers[b.WorkerID] = true
	}
	// Drop workers that no longer own any record.
	a.mu.Lock()
	for w := range a.events {
		if !workers[w] {
			delete(a.events, w)
		}
	}
	a.mu.Unlock()
	for w := range workers {
		if err := a.RebuildWorker(ctx, w); err != nil {
			return err
		}
	}
	a.recordSize()
	return nil
}

// SetSearch narrows the visible snapshot to workers whose id contains the
// query. Subscriptions stay up; only the externally visible slice changes.
func (a *Aggregator) SetSearch(query string) {
	a.mu.Lock()
	a.search = strings.ToLower(query)
	a.mu.Unlock()
}

// Events returns the visible timeline, sorted by start time then id.
func (a *Aggregator) Events() []model.ScheduleEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var res []model.ScheduleEvent
	for workerID, evs := range a.events {
		if a.search != "" && !strings.Contains(strings.ToLower(workerID), a.search) {
			continue
		}
		res = append(res, evs...)
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].Start.Equal(res[j].Start) {
			return res[i].Start.Before(res[j].Start)
		}
		return res[i].ID < res[j].ID
	})
	return res
}

// EventsFor returns the worker's events regardless of the search filter.
func (a *Aggregator) EventsFor(workerID string) []model.ScheduleEvent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]model.ScheduleEvent(nil), a.events[workerID]...)
}

// MoveEvent applies an optimistic placement to the event and returns the
// previous placement for rollback. The override lives only in the view; the
// next rebuild from the stores supersedes it.
func (a *Aggregator) MoveEvent(eventID string, start, end time.Time) (Placement, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for workerID, evs := range a.events {
		for i := range evs {
			if evs[i].ID == eventID {
				prev := Placement{Start: evs[i].Start, End: evs[i].End}
				evs[i].Start, evs[i].End = start, end
				a.events[workerID] = evs
				return prev, true
			}
		}
	}
	return Placement{}, false
}

// RestoreEvent reverts an optimistic move to its captured placement.
func (a *Aggregator) RestoreEvent(eventID string, prev Placement) {
	a.MoveEvent(eventID, prev.Start, prev.End)
}

// Stale reports whether the worker's view may be outdated due to a dropped
// feed or a failed rebuild.
func (a *Aggregator) Stale(workerID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stale[workerID]
}

func (a *Aggregator) markStale(workerID string) {
	a.mu.Lock()
	a.stale[workerID] = true
	a.mu.Unlock()
}

func (a *Aggregator) markAllStale() {
	a.mu.Lock()
	for w := range a.events {
		a.stale[w] = true
	}
	a.mu.Unlock()
}

func (a *Aggregator) clearStale() {
	a.mu.Lock()
	a.stale = map[string]bool{}
	a.mu.Unlock()
}

func (a *Aggregator) recordSize() {
	rec, ok := a.sink.(metrics.AggregateSizeRecorder)
	if !ok {
		return
	}
	a.mu.RLock()
	n := 0
	for _, evs := range a.events {
		n += len(evs)
	}
	a.mu.RUnlock()
	if err := rec.RecordAggregateSize(n); err != nil {
		a.log.Errorf("aggregate size metric: %v", err)
	}
}

func (a *Aggregator) recordSubscription(coll store.Collection, attempt int, recovered bool) {
	rec, ok := a.sink.(metrics.SubscriptionRecorder)
	if !ok {
		return
	}
	ev := metrics.SubscriptionEvent{Collection: string(coll), Attempt: attempt, Recovered: recovered, Time: time.Now()}
	if err := rec.RecordSubscription(ev); err != nil {
		a.log.Errorf("subscription metric: %v", err)
	}
}

// JobEventID derives the deterministic view id of a job assignment.
func JobEventID(jobID, workerID string) string { return "job:" + jobID + ":" + workerID }

// BlockEventID derives the deterministic view id of a status block.
func BlockEventID(blockID string) string { return "block:" + blockID }
