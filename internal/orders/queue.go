// Package orders is the order submission queue: durable local storage of
// finalized orders, an immediate online submission attempt and a
// reconciler that resubmits pending orders with their original idempotency
// key once the upstream is reachable again.
package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/queue"
)

// Status names stored in orders.status.
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusSynced  = "synced"
	StatusFailed  = "failed"
)

var Vocabulary = queue.Vocabulary{
	Pending:   StatusPending,
	InFlight:  StatusSyncing,
	Succeeded: StatusSynced,
	Failed:    StatusFailed,
}

// Extra holds the order specific columns.
type Extra struct {
	IdempotencyKey string
	LocalID        string
	ServerID       string
}

type Order = queue.Record[Extra]

// NewOrder is what the UI hands over when an order is finalized.
type NewOrder struct {
	LocalID        string
	IdempotencyKey string
	Payload        json.RawMessage
}

var schema = queue.Schema[Extra]{
	Table:           "orders",
	Vocabulary:      Vocabulary,
	CompletedColumn: "synced_at",
	Columns: []queue.Column{
		{Name: "idempotency_key"},
		{Name: "local_id"},
		{Name: "server_id", Nullable: true},
	},
	Values: func(e *Extra) []any {
		return []any{e.IdempotencyKey, e.LocalID, queue.NullIfEmpty(e.ServerID)}
	},
	Scan: func(e *Extra) []any {
		return []any{&e.IdempotencyKey, &e.LocalID, &e.ServerID}
	},
}

// Queue is the orders table.
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

// Enqueue stores o as pending. A second order with the same idempotency key
// fails with common.ErrDuplicateKey whatever the first one's status is.
func (q *Queue) Enqueue(ctx context.Context, o NewOrder) (*Order, error) {
	if strings.TrimSpace(o.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", common.ErrInvalidArgument)
	}
	if strings.TrimSpace(o.LocalID) == "" {
		return nil, fmt.Errorf("%w: local id is required", common.ErrInvalidArgument)
	}
	return q.q.Enqueue(ctx, o.Payload, Extra{IdempotencyKey: o.IdempotencyKey, LocalID: o.LocalID})
}

// FindByIdempotencyKey returns the order stored under key or
// common.ErrNotFound. Callers use it to coalesce a duplicate enqueue.
func (q *Queue) FindByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	recs, err := q.q.Select(ctx, queue.Criteria{Column: "idempotency_key", Value: key, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: order with idempotency key %q", common.ErrNotFound, key)
	}
	return recs[0], nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Order, error) {
	return q.q.Get(ctx, id)
}

// List returns orders oldest first; status "" lists every order.
func (q *Queue) List(ctx context.Context, status string) ([]*Order, error) {
	filter, err := q.filter(status)
	if err != nil {
		return nil, err
	}
	return q.q.List(ctx, filter)
}

func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	return q.q.MarkInFlight(ctx, id)
}

// MarkSynced records the upstream acknowledgement.
func (q *Queue) MarkSynced(ctx context.Context, id, serverID string) error {
	if serverID == "" {
		return fmt.Errorf("%w: server id is required", common.ErrInvalidArgument)
	}
	return q.q.MarkSucceeded(ctx, id, queue.Set{Column: "server_id", Value: serverID})
}

func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.q.MarkFailed(ctx, id, reason)
}

func (q *Queue) RecordAttempt(ctx context.Context, id, reason string) (int, error) {
	return q.q.RecordAttempt(ctx, id, reason)
}

func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.q.Retry(ctx, id)
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	return q.q.Stats(ctx)
}

func (q *Queue) Delete(ctx context.Context, id string) error {
	return q.q.Delete(ctx, id)
}

// StatusName renders an order's state with the order vocabulary.
func StatusName(o *Order) string {
	return Vocabulary.Name(o.State)
}

func (q *Queue) filter(status string) (*queue.State, error) {
	if status == "" {
		return nil, nil
	}
	s, err := Vocabulary.Parse(status)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
