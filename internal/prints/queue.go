// Package prints is the print job queue. Jobs are stored before they are
// handed to the printer driver, so a failed or interrupted print can be
// retried from the stored payload and printed jobs double as reprint history.
package prints

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/queue"
)

const (
	StatusPending  = "pending"
	StatusPrinting = "printing"
	StatusPrinted  = "printed"
	StatusFailed   = "failed"
)

var Vocabulary = queue.Vocabulary{
	Pending:   StatusPending,
	InFlight:  StatusPrinting,
	Succeeded: StatusPrinted,
	Failed:    StatusFailed,
}

type JobType string

const (
	Receipt       JobType = "receipt"
	KitchenTicket JobType = "kitchen_ticket"
	Report        JobType = "report"
)

func (t JobType) Valid() bool {
	switch t {
	case Receipt, KitchenTicket, Report:
		return true
	}
	return false
}

// Extra holds the print specific columns. The printed_at timestamp is the
// record's CompletedAt.
type Extra struct {
	JobType     JobType
	PrinterName string
	PrinterID   string
}

type Job = queue.Record[Extra]

type NewJob struct {
	JobType     JobType
	PrinterName string // empty routes to the default printer
	Payload     json.RawMessage
}

var schema = queue.Schema[Extra]{
	Table:           "print_jobs",
	Vocabulary:      Vocabulary,
	CompletedColumn: "printed_at",
	Columns: []queue.Column{
		{Name: "job_type"},
		{Name: "printer_name", Nullable: true},
		{Name: "printer_id", Nullable: true},
	},
	Values: func(e *Extra) []any {
		return []any{string(e.JobType), queue.NullIfEmpty(e.PrinterName), queue.NullIfEmpty(e.PrinterID)}
	},
	Scan: func(e *Extra) []any {
		return []any{(*string)(&e.JobType), &e.PrinterName, &e.PrinterID}
	},
}

type Queue struct {
	q *queue.Queue[Extra]
}

func NewQueue(db *sql.DB, clk clock.Clock) (*Queue, error) {
	q, err := queue.New(db, schema, clk)
	if err != nil {
		return nil, err
	}
	return &Queue{q: q}, nil
}

func (q *Queue) Enqueue(ctx context.Context, j NewJob) (*Job, error) {
	if !j.JobType.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", common.ErrInvalidArgument, j.JobType)
	}
	return q.q.Enqueue(ctx, j.Payload, Extra{JobType: j.JobType, PrinterName: j.PrinterName})
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.q.Get(ctx, id)
}

// List returns jobs oldest first; status "" lists every job.
func (q *Queue) List(ctx context.Context, status string) ([]*Job, error) {
	if status == "" {
		return q.q.List(ctx, nil)
	}
	s, err := Vocabulary.Parse(status)
	if err != nil {
		return nil, err
	}
	return q.q.List(ctx, &s)
}

// History returns printed jobs of one type, most recently printed first.
// limit <= 0 returns all of them.
func (q *Queue) History(ctx context.Context, jobType JobType, limit int) ([]*Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", common.ErrInvalidArgument, jobType)
	}
	printed := queue.Succeeded
	return q.q.Select(ctx, queue.Criteria{
		State:                &printed,
		Column:               "job_type",
		Value:                string(jobType),
		NewestCompletedFirst: true,
		Limit:                limit,
	})
}

func (q *Queue) MarkPrinting(ctx context.Context, id string) error {
	return q.q.MarkInFlight(ctx, id)
}

// MarkPrinted stamps printed_at and stores the printer that took the job.
func (q *Queue) MarkPrinted(ctx context.Context, id, printerID string) error {
	var sets []queue.Set
	if printerID != "" {
		sets = append(sets, queue.Set{Column: "printer_id", Value: printerID})
	}
	return q.q.MarkSucceeded(ctx, id, sets...)
}

func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.q.MarkFailed(ctx, id, reason)
}

func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.q.Retry(ctx, id)
}

func (q *Queue) FailPrinting(ctx context.Context, reason string) (int, error) {
	return q.q.FailInFlight(ctx, reason)
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	return q.q.Stats(ctx)
}

func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.q.Delete(ctx, id)
}

func StatusName(j *Job) string {
	return Vocabulary.Name(j.State)
}
