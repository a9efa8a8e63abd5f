// Package queue is the durable work queue shared by the order and print
// queues. A Queue is one SQLite table with an explicit status state machine;
// every transition is a single conditional UPDATE, so a row is never seen
// half-written and a crash leaves it in its last committed state.
//
// The engine enforces transition legality only. How many failed attempts a
// job may accumulate before it is marked Failed is decided by the caller.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/dbx"
)

// Record is one queued job. E carries the queue specific columns.
type Record[E any] struct {
	ID            string
	Payload       json.RawMessage
	State         State
	RetryCount    int
	Attempts      int
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
	Extra         E
}

// Stats counts rows per status name. Total is the sum of PerStatus and every
// status of the vocabulary is present, zero or not.
type Stats struct {
	Total     int
	PerStatus map[string]int
}

// Set assigns an extra column on success, e.g. server_id.
type Set struct {
	Column string
	Value  any
}

// Criteria narrows Select. Zero value selects every row oldest first.
type Criteria struct {
	State *State
	// Column/Value add an equality match on an extra column.
	Column string
	Value  string
	// NewestCompletedFirst orders by the completion column descending
	// instead of by creation time.
	NewestCompletedFirst bool
	Limit                int
}

type Queue[E any] struct {
	db     *sql.DB
	schema Schema[E]
	clock  clock.Clock

	selectCols string
}

// New validates schema and returns a Queue over db.
func New[E any](db *sql.DB, schema Schema[E], clk clock.Clock) (*Queue[E], error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real()
	}

	cols := []string{
		"id", "payload", "status", "retry_count", "attempts",
		"COALESCE(error_message, '')", "created_at", "updated_at",
		"last_attempt_at", schema.CompletedColumn,
	}
	for _, c := range schema.Columns {
		if c.Nullable {
			cols = append(cols, "COALESCE("+c.Name+", '')")
		} else {
			cols = append(cols, c.Name)
		}
	}

	return &Queue[E]{
		db:         db,
		schema:     schema,
		clock:      clk,
		selectCols: strings.Join(cols, ", "),
	}, nil
}

// Vocabulary returns the status names of this queue.
func (q *Queue[E]) Vocabulary() Vocabulary { return q.schema.Vocabulary }

// Enqueue inserts a Pending row. A uniqueness violation in the extra columns
// yields common.ErrDuplicateKey; payload must be valid JSON.
func (q *Queue[E]) Enqueue(ctx context.Context, payload json.RawMessage, extra E) (*Record[E], error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", common.ErrInvalidArgument)
	}

	now := fromMillis(toMillis(q.clock.Now()))
	rec := &Record[E]{
		ID:        uuid.NewString(),
		Payload:   append(json.RawMessage(nil), payload...),
		State:     Pending,
		CreatedAt: now,
		UpdatedAt: now,
		Extra:     extra,
	}

	cols := []string{"id", "payload", "status", "retry_count", "attempts", "created_at", "updated_at"}
	args := []any{rec.ID, string(rec.Payload), q.name(Pending), 0, 0, toMillis(now), toMillis(now)}
	for _, c := range q.schema.Columns {
		cols = append(cols, c.Name)
	}
	args = append(args, q.schema.Values(&rec.Extra)...)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		q.schema.Table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s: %v", common.ErrDuplicateKey, q.schema.Table, err)
		}
		return nil, storageErr("enqueue", err)
	}
	return rec, nil
}

// Get returns one row or common.ErrNotFound.
func (q *Queue[E]) Get(ctx context.Context, id string) (*Record[E], error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", q.selectCols, q.schema.Table)
	rec, err := q.scan(q.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, q.notFound(id)
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return rec, nil
}

// List returns rows oldest first, optionally restricted to one state.
func (q *Queue[E]) List(ctx context.Context, filter *State) ([]*Record[E], error) {
	return q.Select(ctx, Criteria{State: filter})
}

// Select returns rows matching c.
func (q *Queue[E]) Select(ctx context.Context, c Criteria) ([]*Record[E], error) {
	var (
		where []string
		args  []any
	)
	if c.State != nil {
		where = append(where, "status = ?")
		args = append(args, q.name(*c.State))
	}
	if c.Column != "" {
		if !q.schema.hasColumn(c.Column) {
			return nil, fmt.Errorf("%w: unknown column %q", common.ErrInvalidArgument, c.Column)
		}
		where = append(where, c.Column+" = ?")
		args = append(args, c.Value)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", q.selectCols, q.schema.Table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if c.NewestCompletedFirst {
		fmt.Fprintf(&b, " ORDER BY %s DESC, rowid DESC", q.schema.CompletedColumn)
	} else {
		b.WriteString(" ORDER BY created_at ASC, rowid ASC")
	}
	if c.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, c.Limit)
	}

	rows, err := q.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	out := make([]*Record[E], 0)
	for rows.Next() {
		rec, err := q.scan(rows)
		if err != nil {
			return nil, storageErr("list", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return out, nil
}

// MarkInFlight moves a Pending row to InFlight.
func (q *Queue[E]) MarkInFlight(ctx context.Context, id string) error {
	_, err := q.transition(ctx, id, []State{Pending}, InFlight, nil)
	return err
}

// MarkSucceeded moves a Pending or InFlight row to Succeeded, stamps the
// completion column, applies sets and clears error_message. Marking an
// already succeeded row is a no-op; a Failed row must be retried first.
func (q *Queue[E]) MarkSucceeded(ctx context.Context, id string, sets ...Set) error {
	now := toMillis(q.clock.Now())
	assign := []assignment{
		{q.schema.CompletedColumn + " = ?", now},
		{"error_message = NULL", nil},
	}
	for _, s := range sets {
		if !q.schema.hasColumn(s.Column) {
			return fmt.Errorf("%w: unknown column %q", common.ErrInvalidArgument, s.Column)
		}
		assign = append(assign, assignment{s.Column + " = ?", s.Value})
	}

	current, err := q.transition(ctx, id, []State{Pending, InFlight}, Succeeded, assign)
	if errors.Is(err, common.ErrInvalidTransition) && current == Succeeded {
		return nil
	}
	return err
}

// MarkFailed moves a Pending or InFlight row to Failed, increments
// retry_count and stores reason.
func (q *Queue[E]) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := q.transition(ctx, id, []State{Pending, InFlight}, Failed, []assignment{
		{"retry_count = retry_count + 1", nil},
		{"error_message = ?", reason},
	})
	return err
}

// RecordAttempt notes a failed attempt on a Pending row without changing its
// state and returns the new attempt count.
func (q *Queue[E]) RecordAttempt(ctx context.Context, id, reason string) (int, error) {
	now := toMillis(q.clock.Now())
	var attempts int
	err := dbx.WithTx(ctx, q.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := fmt.Sprintf(`UPDATE %s
			SET attempts = attempts + 1, last_attempt_at = ?, error_message = ?, updated_at = ?
			WHERE id = ? AND status = ?`, q.schema.Table)
		res, err := tx.ExecContext(ctx, query, now, reason, now, id, q.name(Pending))
		if err != nil {
			return storageErr("record attempt", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			_, err := q.resolve(ctx, tx, id, "record an attempt")
			return err
		}
		row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT attempts FROM %s WHERE id = ?", q.schema.Table), id)
		if err := row.Scan(&attempts); err != nil {
			return storageErr("record attempt", err)
		}
		return nil
	})
	return attempts, err
}

// Retry moves a Failed row back to Pending. retry_count and error_message
// are kept; the attempt counter starts over.
func (q *Queue[E]) Retry(ctx context.Context, id string) error {
	_, err := q.transition(ctx, id, []State{Failed}, Pending, []assignment{
		{"attempts = 0", nil},
		{"last_attempt_at = NULL", nil},
	})
	return err
}

// FailInFlight marks every InFlight row Failed with reason. It is run at
// startup: a row still InFlight then was interrupted by a crash.
func (q *Queue[E]) FailInFlight(ctx context.Context, reason string) (int, error) {
	query := fmt.Sprintf(`UPDATE %s
		SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
		WHERE status = ?`, q.schema.Table)
	res, err := q.db.ExecContext(ctx, query, q.name(Failed), reason, toMillis(q.clock.Now()), q.name(InFlight))
	if err != nil {
		return 0, storageErr("fail in-flight", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("fail in-flight", err)
	}
	return int(n), nil
}

// Stats counts rows per status in a single statement.
func (q *Queue[E]) Stats(ctx context.Context) (Stats, error) {
	st := Stats{PerStatus: make(map[string]int, len(states))}
	for _, name := range q.schema.Vocabulary.Names() {
		st.PerStatus[name] = 0
	}

	rows, err := q.db.QueryContext(ctx,
		fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status", q.schema.Table))
	if err != nil {
		return Stats{}, storageErr("stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return Stats{}, storageErr("stats", err)
		}
		st.PerStatus[name] += n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return st, nil
}

// Delete removes a row permanently.
func (q *Queue[E]) Delete(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", q.schema.Table), id)
	if err != nil {
		return storageErr("delete", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.notFound(id)
	}
	return nil
}

type assignment struct {
	expr string
	arg  any // nil when expr has no placeholder
}

// transition runs one conditional UPDATE from any of from to to. When no row
// changes, it reports the row's current state together with ErrNotFound or
// ErrInvalidTransition.
func (q *Queue[E]) transition(ctx context.Context, id string, from []State, to State, assign []assignment) (State, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{q.name(to), toMillis(q.clock.Now())}
	for _, a := range assign {
		sets = append(sets, a.expr)
		if strings.Contains(a.expr, "?") {
			args = append(args, a.arg)
		}
	}
	args = append(args, id)
	for _, s := range from {
		args = append(args, q.name(s))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND status IN (%s)",
		q.schema.Table, strings.Join(sets, ", "), placeholders(len(from)))

	current := to
	err := dbx.WithTx(ctx, q.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return storageErr("transition", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		current, err = q.resolve(ctx, tx, id, "become "+q.name(to))
		return err
	})
	return current, err
}

// resolve explains why a conditional update on id matched no row.
func (q *Queue[E]) resolve(ctx context.Context, tx dbx.DBTX, id, action string) (State, error) {
	var name string
	err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT status FROM %s WHERE id = ?", q.schema.Table), id).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, q.notFound(id)
	}
	if err != nil {
		return 0, storageErr("transition", err)
	}
	current, err := q.schema.Vocabulary.Parse(name)
	if err != nil {
		return 0, storageErr("transition", err)
	}
	return current, fmt.Errorf("%w: %s %s is %s, cannot %s",
		common.ErrInvalidTransition, q.schema.Table, id, name, action)
}

type scanner interface {
	Scan(dest ...any) error
}

func (q *Queue[E]) scan(s scanner) (*Record[E], error) {
	var (
		rec         Record[E]
		payload     string
		status      string
		created     int64
		updated     int64
		lastAttempt sql.NullInt64
		completed   sql.NullInt64
	)
	dest := []any{
		&rec.ID, &payload, &status, &rec.RetryCount, &rec.Attempts,
		&rec.ErrorMessage, &created, &updated, &lastAttempt, &completed,
	}
	dest = append(dest, q.schema.Scan(&rec.Extra)...)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	state, err := q.schema.Vocabulary.Parse(status)
	if err != nil {
		return nil, err
	}
	rec.State = state
	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	rec.LastAttemptAt = nullTime(lastAttempt)
	rec.CompletedAt = nullTime(completed)
	return &rec, nil
}

func (q *Queue[E]) name(s State) string { return q.schema.Vocabulary.Name(s) }

func (q *Queue[E]) notFound(id string) error {
	return fmt.Errorf("%w: %s %s", common.ErrNotFound, q.schema.Table, id)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrStorageUnavailable, op, err)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
