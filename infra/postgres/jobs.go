package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fieldops/dispatchd/core/model"
	"github.com/fieldops/dispatchd/core/store"
	"github.com/fieldops/dispatchd/internal/eventbus"
)

// JobStore persists jobs in Postgres. Change events are published on a
// process-local feed after each successful write, mirroring the in-memory
// store's semantics.
type JobStore struct {
	db     *sql.DB
	origin string
	bus    *eventbus.TypedBus[store.ChangeEvent]
}

// NewJobStore wraps the database handle. Events published on the feed are
// stamped with the given origin session id.
func NewJobStore(db *sql.DB, origin string) *JobStore {
	return &JobStore{db: db, origin: origin, bus: eventbus.NewTyped[store.ChangeEvent]()}
}

const jobColumns = `id, name, description, customer_id, location, start_at, end_at, status, priority, assigned_workers, tasks, equipment`

// Create stores the job and assigns its business-visible sequential code.
func (s *JobStore) Create(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.ID == "" {
		if err := s.db.QueryRowContext(ctx,
			`SELECT 'JOB-' || LPAD(nextval('job_code_seq')::text, 4, '0')`).Scan(&job.ID); err != nil {
			return &store.PersistenceError{Op: "allocate job code", Retryable: true, Err: err}
		}
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.Description,
		job.CustomerID,
		job.Location,
		job.Start,
		job.End,
		job.Status,
		job.Priority,
		pq.Array(nonNil(job.AssignedWorkers)),
		pq.Array(nonNil(job.Tasks)),
		pq.Array(nonNil(job.Equipment)),
	)
	if err != nil {
		return &store.PersistenceError{Op: "create job " + job.ID, Retryable: true, Err: err}
	}

	stored := *job
	s.bus.Publish(store.ChangeEvent{
		Collection: store.CollectionJobs,
		Kind:       store.ChangeCreated,
		Origin:     s.origin,
		Job:        &stored,
		Workers:    append([]string(nil), stored.AssignedWorkers...),
	})
	return nil
}

// Update applies the partial fields to the stored job. The change event lists
// both the previous and the new assigned workers.
func (s *JobStore) Update(ctx context.Context, id string, fields store.JobFields) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &store.PersistenceError{Op: "update job " + id, Retryable: true, Err: err}
	}
	defer tx.Rollback()

	var (
		prevWorkers      []string
		curStart, curEnd time.Time
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT start_at, end_at, assigned_workers FROM jobs WHERE id = $1 FOR UPDATE`, id).
		Scan(&curStart, &curEnd, pq.Array(&prevWorkers)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.PersistenceError{Op: "update job " + id, Err: store.ErrNotFound}
		}
		return nil, &store.PersistenceError{Op: "update job " + id, Retryable: true, Err: err}
	}
	// The merged window must be validated here: a WHERE guard in the UPDATE
	// would only see the pre-update values.
	if newStart, newEnd := mergeWindow(curStart, curEnd, fields); !newStart.Before(newEnd) {
		return nil, model.ValidationError{Field: "start/end", Reason: "start must precede end"}
	}

	set := "updated_at = NOW()"
	args := []interface{}{}
	argIndex := 1
	add := func(col string, v interface{}) {
		set += fmt.Sprintf(", %s = $%d", col, argIndex)
		args = append(args, v)
		argIndex++
	}
	if fields.Name != nil {
		add("name", *fields.Name)
	}
	if fields.Description != nil {
		add("description", *fields.Description)
	}
	if fields.Location != nil {
		add("location", *fields.Location)
	}
	if fields.Start != nil {
		add("start_at", *fields.Start)
	}
	if fields.End != nil {
		add("end_at", *fields.End)
	}
	if fields.Status != nil {
		add("status", *fields.Status)
	}
	if fields.Priority != nil {
		add("priority", *fields.Priority)
	}
	if fields.AssignedWorkers != nil {
		add("assigned_workers", pq.Array(nonNil(*fields.AssignedWorkers)))
	}

	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d RETURNING `+jobColumns, set, argIndex)
	args = append(args, id)
	job, err := scanJob(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, &store.PersistenceError{Op: "update job " + id, Retryable: true, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &store.PersistenceError{Op: "update job " + id, Retryable: true, Err: err}
	}

	s.bus.Publish(store.ChangeEvent{
		Collection: store.CollectionJobs,
		Kind:       store.ChangeUpdated,
		Origin:     s.origin,
		Job:        job,
		Workers:    unionWorkers(prevWorkers, job.AssignedWorkers),
	})
	return job, nil
}

// Get returns the job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return job, err
}

// List returns all jobs sorted by id.
func (s *JobStore) List(ctx context.Context) ([]model.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id`)
}

// ListByWorker returns jobs the worker is assigned to, sorted by start time.
func (s *JobStore) ListByWorker(ctx context.Context, workerID string) ([]model.Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE $1 = ANY(assigned_workers) ORDER BY start_at`, workerID)
}

func (s *JobStore) list(ctx context.Context, query string, args ...interface{}) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &store.PersistenceError{Op: "list jobs", Retryable: true, Err: err}
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, &store.PersistenceError{Op: "list jobs", Err: err}
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Description,
		&job.CustomerID,
		&job.Location,
		&job.Start,
		&job.End,
		&job.Status,
		&job.Priority,
		pq.Array(&job.AssignedWorkers),
		pq.Array(&job.Tasks),
		pq.Array(&job.Equipment),
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Subscribe opens a feed over the whole collection.
func (s *JobStore) Subscribe() (<-chan store.ChangeEvent, func()) {
	ch := s.bus.Subscribe()
	return ch, func() { s.bus.Unsubscribe(ch) }
}

// Apply replays a change produced by another session. Postgres deployments
// share the database, so only the local feed is refreshed.
func (s *JobStore) Apply(ev store.ChangeEvent) {
	if ev.Job == nil {
		return
	}
	s.bus.Publish(ev)
}

// Close shuts the feed down.
func (s *JobStore) Close() { s.bus.Close() }

// mergeWindow folds a partial update into the stored time window.
func mergeWindow(curStart, curEnd time.Time, f store.JobFields) (time.Time, time.Time) {
	start, end := curStart, curEnd
	if f.Start != nil {
		start = *f.Start
	}
	if f.End != nil {
		end = *f.End
	}
	return start, end
}

// nonNil keeps array columns out of NULL: a nil slice would encode as SQL
// NULL rather than an empty array.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
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
	return res
}
