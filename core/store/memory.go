package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/internal/eventbus"
)

// MemoryJobStore is an in-memory JobStore. It backs tests and single-node
// deployments and is the reference for store semantics.
type MemoryJobStore struct {
	mu     sync.RWMutex
	jobs   map[string]model.Job
	seq    int
	origin string
	bus    *eventbus.TypedBus[ChangeEvent]
}

// NewMemoryJobStore creates an empty store. Events published on the feed are
// stamped with the given origin session id.
func NewMemoryJobStore(origin string) *MemoryJobStore {
	return &MemoryJobStore{
		jobs:   map[string]model.Job{},
		origin: origin,
		bus:    eventbus.NewTyped[ChangeEvent](),
	}
}

// Create stores the job and assigns its business-visible sequential code.
func (s *MemoryJobStore) Create(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if job.ID == "" {
		s.seq++
		job.ID = fmt.Sprintf("JOB-%04d", s.seq)
	}
	stored := cloneJob(*job)
	s.jobs[job.ID] = stored
	s.mu.Unlock()

	s.publish(ChangeEvent{
		Collection: CollectionJobs,
		Kind:       ChangeCreated,
		Origin:     s.origin,
		Job:        &stored,
		Workers:    append([]string(nil), stored.AssignedWorkers...),
	})
	return nil
}

// Update applies the partial fields to the stored job. The change event lists
// both the previous and the new assigned workers so removed workers see their
// timelines rebuilt too.
func (s *MemoryJobStore) Update(ctx context.Context, id string, fields JobFields) (*model.Job, error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, &PersistenceError{Op: "update job " + id, Err: ErrNotFound}
	}
	prevWorkers := job.AssignedWorkers
	applyJobFields(&job, fields)
	if !job.Start.Before(job.End) {
		s.mu.Unlock()
		return nil, model.ValidationError{Field: "start/end", Reason: "start must precede end"}
	}
	s.jobs[id] = job
	s.mu.Unlock()

	updated := cloneJob(job)
	s.publish(ChangeEvent{
		Collection: CollectionJobs,
		Kind:       ChangeUpdated,
		Origin:     s.origin,
		Job:        &updated,
		Workers:    unionWorkers(prevWorkers, updated.AssignedWorkers),
	})
	return &updated, nil
}

// Get returns a copy of the job.
func (s *MemoryJobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneJob(job)
	return &c, nil
}

// List returns all jobs sorted by id.
func (s *MemoryJobStore) List(ctx context.Context) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		res = append(res, cloneJob(j))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// ListByWorker returns jobs the worker is assigned to, sorted by start time.
func (s *MemoryJobStore) ListByWorker(ctx context.Context, workerID string) ([]model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Job
	for _, j := range s.jobs {
		if j.HasWorker(workerID) {
			res = append(res, cloneJob(j))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Start.Before(res[j].Start) })
	return res, nil
}

// Subscribe opens a feed over the whole collection.
func (s *MemoryJobStore) Subscribe() (<-chan ChangeEvent, func()) {
	ch := s.bus.Subscribe()
	return ch, func() { s.bus.Unsubscribe(ch) }
}

// Apply replays a change produced by another session. The event keeps its
// remote origin so the feed bridge does not echo it back.
func (s *MemoryJobStore) Apply(ev ChangeEvent) {
	if ev.Job == nil {
		return
	}
	s.mu.Lock()
	switch ev.Kind {
	case ChangeDeleted:
		delete(s.jobs, ev.Job.ID)
	default:
		s.jobs[ev.Job.ID] = cloneJob(*ev.Job)
	}
	s.mu.Unlock()
	s.publish(ev)
}

func (s *MemoryJobStore) publish(ev ChangeEvent) { s.bus.Publish(ev) }

// Close shuts the feed down.
func (s *MemoryJobStore) Close() { s.bus.Close() }

func applyJobFields(job *model.Job, f JobFields) {
	if f.Name != nil {
		job.Name = *f.Name
	}
	if f.Description != nil {
		job.Description = *f.Description
	}
	if f.Location != nil {
		job.Location = *f.Location
	}
	if f.Start != nil {
		job.Start = *f.Start
	}
	if f.End != nil {
		job.End = *f.End
	}
	if f.Status != nil {
		job.Status = *f.Status
	}
	if f.Priority != nil {
		job.Priority = *f.Priority
	}
	if f.AssignedWorkers != nil {
		job.AssignedWorkers = append([]string(nil), (*f.AssignedWorkers)...)
	}
}

func cloneJob(j model.Job) model.Job {
	j.AssignedWorkers = append([]string(nil), j.AssignedWorkers...)
	j.Tasks = append([]string(nil), j.Tasks...)
	j.Equipment = append([]string(nil), j.Equipment...)
	return j
}

func unionWorkers(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var res []string
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			res = append(res, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			res = append(res, id)
		}
	}
	sort.Strings(res)
	return res
}

// MemoryStatusBlockStore is an in-memory StatusBlockStore. Blocks are keyed
// by their idempotency key, which doubles as the record id.
type MemoryStatusBlockStore struct {
	mu     sync.RWMutex
	blocks map[string]model.StatusBlock
	origin string
	bus    *eventbus.TypedBus[ChangeEvent]
}

// NewMemoryStatusBlockStore creates an empty store.
func NewMemoryStatusBlockStore(origin string) *MemoryStatusBlockStore {
	return &MemoryStatusBlockStore{
		blocks: map[string]model.StatusBlock{},
		origin: origin,
		bus:    eventbus.NewTyped[ChangeEvent](),
	}
}

// Upsert stores the block under the idempotency key. A repeated identical
// drop overwrites the same record in place.
func (s *MemoryStatusBlockStore) Upsert(ctx context.Context, key string, fields BlockFields) (*model.StatusBlock, error) {
	block := model.StatusBlock{
		ID:       key,
		WorkerID: fields.WorkerID,
		Kind:     fields.Kind,
		Start:    fields.Start,
		End:      fields.End,
	}
	if err := block.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	_, existed := s.blocks[key]
	s.blocks[key] = block
	s.mu.Unlock()

	kind := ChangeCreated
	if existed {
		kind = ChangeUpdated
	}
	s.publish(ChangeEvent{
		Collection: CollectionStatusBlocks,
		Kind:       kind,
		Origin:     s.origin,
		Block:      &block,
		Workers:    []string{block.WorkerID},
	})
	return &block, nil
}

// UpdateRange moves an existing block, keeping its id.
func (s *MemoryStatusBlockStore) UpdateRange(ctx context.Context, id string, start, end time.Time) (*model.StatusBlock, error) {
	if !start.Before(end) {
		return nil, model.ValidationError{Field: "start/end", Reason: "start must precede end"}
	}
	s.mu.Lock()
	block, ok := s.blocks[id]
	if !ok {
		s.mu.Unlock()
		return nil, &PersistenceError{Op: "update status block " + id, Err: ErrNotFound}
	}
	block.Start, block.End = start, end
	s.blocks[id] = block
	s.mu.Unlock()

	s.publish(ChangeEvent{
		Collection: CollectionStatusBlocks,
		Kind:       ChangeUpdated,
		Origin:     s.origin,
		Block:      &block,
		Workers:    []string{block.WorkerID},
	})
	return &block, nil
}

// Delete removes the block.
func (s *MemoryStatusBlockStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	block, ok := s.blocks[id]
	if !ok {
		s.mu.Unlock()
		return &PersistenceError{Op: "delete status block " + id, Err: ErrNotFound}
	}
	delete(s.blocks, id)
	s.mu.Unlock()

	s.publish(ChangeEvent{
		Collection: CollectionStatusBlocks,
		Kind:       ChangeDeleted,
		Origin:     s.origin,
		Block:      &block,
		Workers:    []string{block.WorkerID},
	})
	return nil
}

// Get returns the block by id.
func (s *MemoryStatusBlockStore) Get(ctx context.Context, id string) (*model.StatusBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &block, nil
}

// List returns all blocks sorted by id.
func (s *MemoryStatusBlockStore) List(ctx context.Context) ([]model.StatusBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]model.StatusBlock, 0, len(s.blocks))
	for _, b := range s.blocks {
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

// ListByWorker returns the worker's blocks sorted by start time.
func (s *MemoryStatusBlockStore) ListByWorker(ctx context.Context, workerID string) ([]model.StatusBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.StatusBlock
	for _, b := range s.blocks {
		if b.WorkerID == workerID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Start.Before(res[j].Start) })
	return res, nil
}

// Subscribe opens a feed over the whole collection.
func (s *MemoryStatusBlockStore) Subscribe() (<-chan ChangeEvent, func()) {
	ch := s.bus.Subscribe()
	return ch, func() { s.bus.Unsubscribe(ch) }
}

// Apply replays a change produced by another session.
func (s *MemoryStatusBlockStore) Apply(ev ChangeEvent) {
	if ev.Block == nil {
		return
	}
	s.mu.Lock()
	switch ev.Kind {
	case ChangeDeleted:
		delete(s.blocks, ev.Block.ID)
	default:
		s.blocks[ev.Block.ID] = *ev.Block
	}
	s.mu.Unlock()
	s.publish(ev)
}

func (s *MemoryStatusBlockStore) publish(ev ChangeEvent) { s.bus.Publish(ev) }

// Close shuts the feed down.
func (s *MemoryStatusBlockStore) Close() { s.bus.Close() }

// MemoryNotificationStore is an in-memory NotificationStore.
type MemoryNotificationStore struct {
	mu      sync.RWMutex
	records map[string]model.Notification
}

// NewMemoryNotificationStore creates an empty store.
func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{records: map[string]model.Notification{}}
}

// Write stores the notification record.
func (s *MemoryNotificationStore) Write(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		return model.ValidationError{Field: "id", Reason: "required"}
	}
	s.mu.Lock()
	s.records[n.ID] = cloneNotification(*n)
	s.mu.Unlock()
	return nil
}

// MarkRead marks a single notification read for the worker. Broadcast records
// track read state per worker; marking for one worker never affects another.
func (s *MemoryNotificationStore) MarkRead(ctx context.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if n.Broadcast() {
		if n.ReadBy == nil {
			n.ReadBy = map[string]bool{}
		}
		n.ReadBy[workerID] = true
	} else {
		n.Read = true
	}
	s.records[id] = n
	return nil
}

// MarkAllRead marks every notification visible to the worker as read.
func (s *MemoryNotificationStore) MarkAllRead(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.records {
		switch {
		case n.Broadcast():
			if n.ReadBy == nil {
				n.ReadBy = map[string]bool{}
			}
			n.ReadBy[workerID] = true
		case n.TargetID == workerID:
			n.Read = true
		default:
			continue
		}
		s.records[id] = n
	}
	return nil
}

// ListFor returns broadcast records plus the worker's targeted records,
// newest first.
func (s *MemoryNotificationStore) ListFor(ctx context.Context, workerID string) ([]model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []model.Notification
	for _, n := range s.records {
		if n.Broadcast() || n.TargetID == workerID {
			res = append(res, cloneNotification(n))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func cloneNotification(n model.Notification) model.Notification {
	if n.ReadBy != nil {
		cp := make(map[string]bool, len(n.ReadBy))
		for k, v := range n.ReadBy {
			cp[k] = v
		}
		n.ReadBy = cp
	}
	return n
}

// StaticRoster serves a fixed worker list, typically loaded from config.
type StaticRoster struct {
	workers []model.Worker
}

// NewStaticRoster creates a roster from the given workers.
func NewStaticRoster(workers []model.Worker) *StaticRoster {
	return &StaticRoster{workers: append([]model.Worker(nil), workers...)}
}

// ListWorkers returns the roster.
func (r *StaticRoster) ListWorkers(ctx context.Context) ([]model.Worker, error) {
	return append([]model.Worker(nil), r.workers...), nil
}
