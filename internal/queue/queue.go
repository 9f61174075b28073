// Package queue is a typed, leasable work queue stored next to the data it
// describes, so enqueueing can share the transaction of the write that
// triggered it.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"zkdocdb/server/internal/dberr"
	"zkdocdb/server/internal/storage"
)

// Queue is one named queue over the shared task table.
type Queue[P any] struct {
	name   string
	serial bool
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*queueOptions)

type queueOptions struct {
	serial bool
}

// Serial makes Acquire skip databases that already have a task in Processing,
// so tasks of one database are handled strictly one at a time.
func Serial() Option {
	return func(o *queueOptions) { o.serial = true }
}

func New[P any](name string, opts ...Option) *Queue[P] {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[P]{name: name, serial: o.serial, now: time.Now}
}

func (qu *Queue[P]) Name() string { return qu.name }

const taskColumns = `id, queue, database_name, sequence_number, status, data, error, acquired_at, created_at`

// Enqueue inserts payload as a Queued task. sequence may be nil; when set it
// must be unique per database within this queue.
func (qu *Queue[P]) Enqueue(ctx context.Context, q storage.Querier, database string, payload P, sequence *int64) (Task[P], error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Task[P]{}, fmt.Errorf("encode %s task: %w", qu.name, err)
	}
	var seq any
	if sequence != nil {
		seq = *sequence
	}
	now := qu.now()
	result, err := q.ExecContext(ctx, `
		INSERT INTO queue_tasks (queue, database_name, sequence_number, status, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, qu.name, database, seq, string(StatusQueued), string(data), now.UnixNano())
	if err != nil {
		return Task[P]{}, storage.Wrap(err, "enqueue %s task", qu.name)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Task[P]{}, storage.Wrap(err, "enqueue %s task", qu.name)
	}
	return Task[P]{
		ID:             id,
		Queue:          qu.name,
		Database:       database,
		SequenceNumber: sequence,
		Status:         StatusQueued,
		Data:           payload,
		CreatedAt:      now,
	}, nil
}

// Acquire leases the oldest eligible Queued task, ordered by sequence number
// when present and insertion order otherwise. The claim is a single
// conditional update; ok is false when nothing is eligible. An empty database
// matches every database.
func (qu *Queue[P]) Acquire(ctx context.Context, q storage.Querier, database string) (Task[P], bool, error) {
	serialClause := ""
	if qu.serial {
		serialClause = `AND NOT EXISTS (
				SELECT 1 FROM queue_tasks p
				WHERE p.queue = t.queue AND p.database_name = t.database_name AND p.status = 'Processing'
			)`
	}
	row := q.QueryRowContext(ctx, `
		UPDATE queue_tasks SET status = 'Processing', acquired_at = ?
		WHERE id = (
			SELECT t.id FROM queue_tasks t
			WHERE t.queue = ? AND t.status = 'Queued' AND (? = '' OR t.database_name = ?)
			`+serialClause+`
			ORDER BY t.sequence_number IS NULL, t.sequence_number ASC, t.id ASC
			LIMIT 1
		) AND status = 'Queued'
		RETURNING `+taskColumns, qu.now().UnixNano(), qu.name, database, database)
	task, err := qu.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task[P]{}, false, nil
	}
	if err != nil {
		return Task[P]{}, false, err
	}
	return task, true, nil
}

// MarkSuccess completes a leased task.
func (qu *Queue[P]) MarkSuccess(ctx context.Context, q storage.Querier, id int64) error {
	return qu.finish(ctx, q, id, StatusSuccess, "")
}

// MarkFailed records an unrecoverable error on a leased task.
func (qu *Queue[P]) MarkFailed(ctx context.Context, q storage.Querier, id int64, reason string) error {
	return qu.finish(ctx, q, id, StatusFailed, reason)
}

func (qu *Queue[P]) finish(ctx context.Context, q storage.Querier, id int64, status Status, reason string) error {
	result, err := q.ExecContext(ctx, `
		UPDATE queue_tasks SET status = ?, error = ?
		WHERE id = ? AND queue = ? AND status = 'Processing'
	`, string(status), reason, id, qu.name)
	if err != nil {
		return storage.Wrap(err, "mark %s task %d %s", qu.name, id, status)
	}
	modified, err := result.RowsAffected()
	if err != nil {
		return storage.Wrap(err, "mark %s task %d %s", qu.name, id, status)
	}
	if modified != 1 {
		return dberr.Conflict("%s task %d is not leased", qu.name, id)
	}
	return nil
}

// RequeueExpired returns tasks leased longer than leaseTimeout to Queued and
// reports how many were released.
func (qu *Queue[P]) RequeueExpired(ctx context.Context, q storage.Querier, leaseTimeout time.Duration) (int64, error) {
	cutoff := qu.now().Add(-leaseTimeout).UnixNano()
	result, err := q.ExecContext(ctx, `
		UPDATE queue_tasks SET status = 'Queued', acquired_at = NULL
		WHERE queue = ? AND status = 'Processing' AND acquired_at < ?
	`, qu.name, cutoff)
	if err != nil {
		return 0, storage.Wrap(err, "requeue expired %s tasks", qu.name)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, storage.Wrap(err, "requeue expired %s tasks", qu.name)
	}
	return n, nil
}

func (qu *Queue[P]) Get(ctx context.Context, q storage.Querier, id int64) (Task[P], error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id = ? AND queue = ?`, id, qu.name)
	task, err := qu.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task[P]{}, dberr.NotFound("%s task %d", qu.name, id)
	}
	return task, err
}

// List returns the tasks of database, optionally filtered by status, in lease order.
func (qu *Queue[P]) List(ctx context.Context, q storage.Querier, database string, status Status) ([]Task[P], error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM queue_tasks
		WHERE queue = ? AND database_name = ? AND (? = '' OR status = ?)
		ORDER BY sequence_number IS NULL, sequence_number ASC, id ASC
	`, qu.name, database, string(status), string(status))
	if err != nil {
		return nil, storage.Wrap(err, "list %s tasks", qu.name)
	}
	defer rows.Close()
	tasks := make([]Task[P], 0)
	for rows.Next() {
		task, err := qu.scan(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Wrap(err, "iterate %s tasks", qu.name)
	}
	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (qu *Queue[P]) scan(row scanner) (Task[P], error) {
	var task Task[P]
	var seq, acquired sql.NullInt64
	var status, data string
	var created int64
	err := row.Scan(&task.ID, &task.Queue, &task.Database, &seq, &status, &data, &task.Error, &acquired, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Task[P]{}, err
	}
	if err != nil {
		return Task[P]{}, storage.Wrap(err, "scan %s task", qu.name)
	}
	if seq.Valid {
		n := seq.Int64
		task.SequenceNumber = &n
	}
	if acquired.Valid {
		at := time.Unix(0, acquired.Int64)
		task.AcquiredAt = &at
	}
	task.Status = parseStatus(status)
	task.CreatedAt = time.Unix(0, created)
	if err := json.Unmarshal([]byte(data), &task.Data); err != nil {
		return Task[P]{}, dberr.Invariant("%s task %d has unreadable payload: %v", qu.name, task.ID, err)
	}
	return task, nil
}
