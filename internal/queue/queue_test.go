package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
)

type jobExtra struct {
	Ref  string
	Note string
}

var testVocabulary = Vocabulary{Pending: "queued", InFlight: "running", Succeeded: "done", Failed: "broken"}

func testSchema() Schema[jobExtra] {
	return Schema[jobExtra]{
		Table:           "jobs",
		Vocabulary:      testVocabulary,
		CompletedColumn: "done_at",
		Columns:         []Column{{Name: "ref"}, {Name: "note", Nullable: true}},
		Values: func(e *jobExtra) []any {
			return []any{e.Ref, NullIfEmpty(e.Note)}
		},
		Scan: func(e *jobExtra) []any {
			return []any{&e.Ref, &e.Note}
		},
	}
}

const jobsDDL = `CREATE TABLE jobs (
	id TEXT PRIMARY KEY,
	ref TEXT NOT NULL UNIQUE,
	note TEXT,
	payload TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_attempt_at INTEGER,
	done_at INTEGER
)`

func newTestQueue(t *testing.T) (*Queue[jobExtra], *clock.FakeClock, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Exec(jobsDDL)
	require.NoError(t, err)

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	q, err := New(db, testSchema(), clk)
	require.NoError(t, err)
	return q, clk, db
}

func enqueue(t *testing.T, q *Queue[jobExtra], ref string) *Record[jobExtra] {
	t.Helper()
	rec, err := q.Enqueue(context.Background(), json.RawMessage(`{"ref":"`+ref+`"}`), jobExtra{Ref: ref})
	require.NoError(t, err)
	return rec
}

func statePtr(s State) *State { return &s }

func TestNew_RejectsBadSchema(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	tests := []struct {
		name   string
		mutate func(s *Schema[jobExtra])
	}{
		{"table injection", func(s *Schema[jobExtra]) { s.Table = "jobs; DROP TABLE x" }},
		{"bad column", func(s *Schema[jobExtra]) { s.Columns = []Column{{Name: "Ref-1"}} }},
		{"duplicate status", func(s *Schema[jobExtra]) { s.Vocabulary.Failed = "done" }},
		{"empty status", func(s *Schema[jobExtra]) { s.Vocabulary.InFlight = "" }},
		{"no scan", func(s *Schema[jobExtra]) { s.Scan = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSchema()
			tt.mutate(&s)
			_, err := New(db, s, nil)
			require.ErrorIs(t, err, common.ErrInvalidArgument)
		})
	}
}

func TestEnqueue_RoundTrip(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"items":[{"sku":"burger","qty":2}],"total":17.5,"note":null}`)
	rec, err := q.Enqueue(ctx, payload, jobExtra{Ref: "r1", Note: "table 4"})
	require.NoError(t, err)
	assert.Equal(t, Pending, rec.State)
	assert.Equal(t, clk.Now(), rec.CreatedAt)

	got, err := q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assert.Equal(t, jobExtra{Ref: "r1", Note: "table 4"}, got.Extra)
	assert.Equal(t, rec.CreatedAt, got.CreatedAt)
	assert.Zero(t, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.LastAttemptAt)

	var want, have any
	require.NoError(t, json.Unmarshal(payload, &want))
	require.NoError(t, json.Unmarshal(got.Payload, &have))
	assert.Equal(t, want, have)
}

func TestEnqueue_Errors(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, json.RawMessage(`{broken`), jobExtra{Ref: "x"})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	enqueue(t, q, "dup")
	_, err = q.Enqueue(ctx, json.RawMessage(`{}`), jobExtra{Ref: "dup"})
	require.ErrorIs(t, err, common.ErrDuplicateKey)

	all, err := q.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1, "duplicate must not create a second row")
}

func TestEnqueue_StorageFailure(t *testing.T) {
	q, _, db := newTestQueue(t)
	require.NoError(t, db.Close())

	_, err := q.Enqueue(context.Background(), json.RawMessage(`{}`), jobExtra{Ref: "x"})
	require.ErrorIs(t, err, common.ErrStorageUnavailable)
}

func TestList_OrderAndFilter(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "a")
	clk.Advance(time.Second)
	b := enqueue(t, q, "b")
	// same millisecond: rowid breaks the tie
	c := enqueue(t, q, "c")

	require.NoError(t, q.MarkFailed(ctx, b.ID, "paper out"))

	all, err := q.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	pending, err := q.List(ctx, statePtr(Pending))
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, c.ID, pending[1].ID)

	failed, err := q.List(ctx, statePtr(Failed))
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "paper out", failed[0].ErrorMessage)

	empty, err := q.List(ctx, statePtr(InFlight))
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestSelect(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "a")
	b := enqueue(t, q, "b")
	require.NoError(t, q.MarkSucceeded(ctx, a.ID))
	clk.Advance(time.Minute)
	require.NoError(t, q.MarkSucceeded(ctx, b.ID))

	got, err := q.Select(ctx, Criteria{Column: "ref", Value: "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)

	newest, err := q.Select(ctx, Criteria{State: statePtr(Succeeded), NewestCompletedFirst: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, b.ID, newest[0].ID)

	_, err = q.Select(ctx, Criteria{Column: "status; --", Value: "x"})
	require.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestMarkSucceeded(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()

	t.Run("from pending with metadata", func(t *testing.T) {
		rec := enqueue(t, q, "s1")
		_, err := q.RecordAttempt(ctx, rec.ID, "timeout")
		require.NoError(t, err)

		clk.Advance(time.Minute)
		require.NoError(t, q.MarkSucceeded(ctx, rec.ID, Set{Column: "note", Value: "server-123"}))

		got, err := q.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, Succeeded, got.State)
		assert.Equal(t, "server-123", got.Extra.Note)
		assert.Empty(t, got.ErrorMessage, "success clears the error")
		require.NotNil(t, got.CompletedAt)
		assert.Equal(t, clk.Now(), *got.CompletedAt)
	})

	t.Run("from in-flight", func(t *testing.T) {
		rec := enqueue(t, q, "s2")
		require.NoError(t, q.MarkInFlight(ctx, rec.ID))
		require.NoError(t, q.MarkSucceeded(ctx, rec.ID))
	})

	t.Run("already succeeded is a no-op", func(t *testing.T) {
		rec := enqueue(t, q, "s3")
		require.NoError(t, q.MarkSucceeded(ctx, rec.ID))
		first, err := q.Get(ctx, rec.ID)
		require.NoError(t, err)

		clk.Advance(time.Hour)
		require.NoError(t, q.MarkSucceeded(ctx, rec.ID))
		second, err := q.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, first.CompletedAt, second.CompletedAt)
	})

	t.Run("failed needs retry", func(t *testing.T) {
		rec := enqueue(t, q, "s4")
		require.NoError(t, q.MarkFailed(ctx, rec.ID, "boom"))
		require.ErrorIs(t, q.MarkSucceeded(ctx, rec.ID), common.ErrInvalidTransition)
	})

	t.Run("missing", func(t *testing.T) {
		require.ErrorIs(t, q.MarkSucceeded(ctx, "nope"), common.ErrNotFound)
	})

	t.Run("unknown column", func(t *testing.T) {
		rec := enqueue(t, q, "s5")
		err := q.MarkSucceeded(ctx, rec.ID, Set{Column: "retry_count", Value: 0})
		require.ErrorIs(t, err, common.ErrInvalidArgument)
	})
}

func TestMarkFailed(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueue(t, q, "f1")
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	require.NoError(t, q.MarkFailed(ctx, rec.ID, "driver offline"))

	got, err := q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Failed, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "driver offline", got.ErrorMessage)

	require.ErrorIs(t, q.MarkFailed(ctx, rec.ID, "again"), common.ErrInvalidTransition)

	done := enqueue(t, q, "f2")
	require.NoError(t, q.MarkSucceeded(ctx, done.ID))
	require.ErrorIs(t, q.MarkFailed(ctx, done.ID, "late"), common.ErrInvalidTransition)

	require.ErrorIs(t, q.MarkFailed(ctx, "nope", "x"), common.ErrNotFound)
}

func TestMarkInFlight_OnlyFromPending(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueue(t, q, "i1")
	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	require.ErrorIs(t, q.MarkInFlight(ctx, rec.ID), common.ErrInvalidTransition)
	require.ErrorIs(t, q.MarkInFlight(ctx, "nope"), common.ErrNotFound)
}

func TestRetry(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueue(t, q, "r1")
	_, err := q.RecordAttempt(ctx, rec.ID, "offline")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, rec.ID, "gave up"))
	require.NoError(t, q.Retry(ctx, rec.ID))

	got, err := q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, got.State)
	assert.Equal(t, 1, got.RetryCount, "retry count is preserved")
	assert.Equal(t, "gave up", got.ErrorMessage, "error message is preserved")
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.LastAttemptAt)

	require.NoError(t, q.MarkFailed(ctx, rec.ID, "gave up twice"))
	got, err = q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)

	pending := enqueue(t, q, "r2")
	require.ErrorIs(t, q.Retry(ctx, pending.ID), common.ErrInvalidTransition)
	require.ErrorIs(t, q.Retry(ctx, "nope"), common.ErrNotFound)
}

func TestRecordAttempt(t *testing.T) {
	q, clk, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueue(t, q, "a1")
	n, err := q.RecordAttempt(ctx, rec.ID, "503 from upstream")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(time.Minute)
	n, err = q.RecordAttempt(ctx, rec.ID, "connection refused")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, got.State, "attempts never change state")
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, "connection refused", got.ErrorMessage)
	require.NotNil(t, got.LastAttemptAt)
	assert.Equal(t, clk.Now(), *got.LastAttemptAt)

	require.NoError(t, q.MarkInFlight(ctx, rec.ID))
	_, err = q.RecordAttempt(ctx, rec.ID, "x")
	require.ErrorIs(t, err, common.ErrInvalidTransition)

	_, err = q.RecordAttempt(ctx, "nope", "x")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestFailInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	a := enqueue(t, q, "a")
	b := enqueue(t, q, "b")
	c := enqueue(t, q, "c")
	require.NoError(t, q.MarkInFlight(ctx, a.ID))
	require.NoError(t, q.MarkInFlight(ctx, b.ID))

	n, err := q.FailInFlight(ctx, "interrupted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		got, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, Failed, got.State)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "interrupted", got.ErrorMessage)
	}
	got, err := q.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, Pending, got.State)

	n, err = q.FailInFlight(ctx, "interrupted")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStats(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 0, PerStatus: map[string]int{"queued": 0, "running": 0, "done": 0, "broken": 0}}, st)

	a := enqueue(t, q, "a")
	b := enqueue(t, q, "b")
	enqueue(t, q, "c")
	require.NoError(t, q.MarkSucceeded(ctx, a.ID))
	require.NoError(t, q.MarkFailed(ctx, b.ID, "x"))

	st, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, map[string]int{"queued": 1, "running": 0, "done": 1, "broken": 1}, st.PerStatus)
}

func TestStats_TotalMatchesUnderConcurrency(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			rec, err := q.Enqueue(ctx, json.RawMessage(`{}`), jobExtra{Ref: fmt.Sprintf("c%d", i)})
			if err != nil {
				continue
			}
			switch i % 3 {
			case 0:
				_ = q.MarkSucceeded(ctx, rec.ID)
			case 1:
				_ = q.MarkFailed(ctx, rec.ID, "x")
			}
		}
		close(stop)
	}()

	for {
		st, err := q.Stats(ctx)
		require.NoError(t, err)
		sum := 0
		for _, n := range st.PerStatus {
			sum += n
		}
		require.Equal(t, st.Total, sum)

		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
	}
}

func TestDelete(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	rec := enqueue(t, q, "d1")
	require.NoError(t, q.Delete(ctx, rec.ID))
	_, err := q.Get(ctx, rec.ID)
	require.ErrorIs(t, err, common.ErrNotFound)
	require.ErrorIs(t, q.Delete(ctx, rec.ID), common.ErrNotFound)

	// the key is free again once the row is gone
	enqueue(t, q, "d1")
}

func TestVocabulary(t *testing.T) {
	v := testVocabulary
	assert.Equal(t, []string{"queued", "running", "done", "broken"}, v.Names())

	s, err := v.Parse("done")
	require.NoError(t, err)
	assert.Equal(t, Succeeded, s)

	_, err = v.Parse("lost")
	require.ErrorIs(t, err, common.ErrInvalidArgument)
	assert.Empty(t, v.Name(State(42)))
}
