package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
	"github.com/dmitrijs2005/poskeeper/internal/store"
)

// fakeSubmitter answers from a script; once the script is exhausted it
// returns def. Every call is recorded.
type fakeSubmitter struct {
	mu     sync.Mutex
	script []fakeReply
	def    fakeReply
	calls  []string // idempotency keys in call order

	// when block is set, each call signals entered and waits on block
	block   chan struct{}
	entered chan struct{}
}

type fakeReply struct {
	serverID string
	err      error
}

func (f *fakeSubmitter) SubmitOrder(ctx context.Context, payload json.RawMessage, key string) (string, error) {
	if f.block != nil {
		f.entered <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	r := f.def
	if len(f.script) > 0 {
		r = f.script[0]
		f.script = f.script[1:]
	}
	return r.serverID, r.err
}

func (f *fakeSubmitter) setDefault(r fakeReply) {
	f.mu.Lock()
	f.def = r
	f.mu.Unlock()
}

func (f *fakeSubmitter) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var offline = fakeReply{err: fmt.Errorf("%w: dial tcp: connection refused", common.ErrRemoteUnavailable)}

func newQueue(t *testing.T) (*Queue, *clock.FakeClock) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.Fake(time.Date(2026, 5, 10, 18, 30, 0, 0, time.UTC))
	q, err := NewQueue(s.DB(), clk)
	require.NoError(t, err)
	return q, clk
}

func newOrder(key string) NewOrder {
	return NewOrder{
		LocalID:        "local-" + key,
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"table":7,"items":[{"sku":"pho","qty":1}]}`),
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, NewOrder{LocalID: "l1", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = q.Enqueue(ctx, NewOrder{IdempotencyKey: "k", Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestQueue_IdempotencyKeyUniqueAcrossStatuses(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	o, err := q.Enqueue(ctx, newOrder("K1"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, newOrder("K1"))
	require.ErrorIs(t, err, common.ErrDuplicateKey)

	require.NoError(t, q.MarkSynced(ctx, o.ID, "srv-1"))
	_, err = q.Enqueue(ctx, newOrder("K1"))
	require.ErrorIs(t, err, common.ErrDuplicateKey, "synced rows still own their key")

	pending, err := q.List(ctx, StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	found, err := q.FindByIdempotencyKey(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, o.ID, found.ID)
	assert.Equal(t, "srv-1", found.Extra.ServerID)

	_, err = q.FindByIdempotencyKey(ctx, "K2")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestQueue_ListByStatusName(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, newOrder("a"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, newOrder("b"))
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, a.ID, "rejected: unknown sku"))

	failed, err := q.List(ctx, StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, StatusFailed, StatusName(failed[0]))

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = q.List(ctx, "archived")
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	require.ErrorIs(t, q.MarkSynced(ctx, a.ID, ""), common.ErrInvalidArgument)
}

func TestQueue_StatsVocabulary(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	o, err := q.Enqueue(ctx, newOrder("s"))
	require.NoError(t, err)
	require.NoError(t, q.MarkSyncing(ctx, o.ID))

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, map[string]int{StatusPending: 0, StatusSyncing: 1, StatusSynced: 0, StatusFailed: 0}, st.PerStatus)
}

func TestService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("online success keeps history", func(t *testing.T) {
		q, _ := newQueue(t)
		sub := &fakeSubmitter{def: fakeReply{serverID: "server-9"}}
		svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})

		res, err := svc.Submit(ctx, newOrder("K1"))
		require.NoError(t, err)
		assert.True(t, res.Synced)
		assert.NoError(t, res.SyncErr)
		require.NotNil(t, res.Order)
		assert.Equal(t, StatusSynced, StatusName(res.Order))
		assert.Equal(t, "server-9", res.Order.Extra.ServerID)
		assert.NotNil(t, res.Order.CompletedAt)
	})

	t.Run("online success without history deletes", func(t *testing.T) {
		q, _ := newQueue(t)
		sub := &fakeSubmitter{def: fakeReply{serverID: "server-9"}}
		svc := NewService(q, sub, logging.Nop(), ServiceOptions{})

		res, err := svc.Submit(ctx, newOrder("K1"))
		require.NoError(t, err)
		assert.True(t, res.Synced)
		assert.Nil(t, res.Order)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, st.Total)
	})

	t.Run("offline leaves pending", func(t *testing.T) {
		q, _ := newQueue(t)
		svc := NewService(q, &fakeSubmitter{def: offline}, logging.Nop(), ServiceOptions{KeepSynced: true})

		res, err := svc.Submit(ctx, newOrder("K1"))
		require.NoError(t, err)
		assert.False(t, res.Synced)
		require.ErrorIs(t, res.SyncErr, common.ErrSyncFailure)
		require.ErrorIs(t, res.SyncErr, common.ErrRemoteUnavailable)
		assert.Equal(t, StatusPending, StatusName(res.Order))
		assert.Equal(t, 1, res.Order.Attempts)
		assert.Contains(t, res.Order.ErrorMessage, "connection refused")
		assert.Zero(t, res.Order.RetryCount)
	})

	t.Run("rejected fails the row", func(t *testing.T) {
		q, _ := newQueue(t)
		rejected := fakeReply{err: fmt.Errorf("%w: 422 invalid table", common.ErrRemoteRejected)}
		svc := NewService(q, &fakeSubmitter{def: rejected}, logging.Nop(), ServiceOptions{KeepSynced: true})

		res, err := svc.Submit(ctx, newOrder("K1"))
		require.NoError(t, err)
		require.ErrorIs(t, res.SyncErr, common.ErrSyncFailure)
		assert.Equal(t, StatusFailed, StatusName(res.Order))
		assert.Equal(t, 1, res.Order.RetryCount)
		assert.Contains(t, res.Order.ErrorMessage, "invalid table")
	})

	t.Run("duplicate key is coalesced", func(t *testing.T) {
		q, _ := newQueue(t)
		sub := &fakeSubmitter{def: offline}
		svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})

		first, err := svc.Submit(ctx, newOrder("K1"))
		require.NoError(t, err)
		second, err := svc.Submit(ctx, newOrder("K1"))
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Order.ID, second.Order.ID)
		assert.Len(t, sub.keys(), 1, "coalesced submit makes no upstream call")

		pending, err := q.List(ctx, StatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

// Enqueue while offline, reconnect, reconcile with the same key.
func TestReconcile_OfflineThenRestored(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	sub := &fakeSubmitter{def: offline}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})
	rec := NewReconciler(svc, ReconcilerOptions{KeepSynced: true})

	res, err := svc.Submit(ctx, newOrder("K1"))
	require.NoError(t, err)
	id := res.Order.ID

	pending, err := q.List(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	sub.setDefault(fakeReply{serverID: "server-123"})
	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Attempted: 1, Synced: 1}, rep)

	assert.Equal(t, []string{"K1", "K1"}, sub.keys(), "resubmission reuses the key")

	pending, err = q.List(ctx, StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	synced, err := q.List(ctx, StatusSynced)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, id, synced[0].ID)
	assert.Equal(t, "server-123", synced[0].Extra.ServerID)
}

func TestReconcile_StopsWhenUpstreamGoesAway(t *testing.T) {
	ctx := context.Background()
	q, clk := newQueue(t)
	sub := &fakeSubmitter{def: offline}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})

	for _, k := range []string{"A", "B", "C", "D"} {
		_, err := svc.Submit(ctx, newOrder(k))
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	rejected := fakeReply{err: fmt.Errorf("%w: 400", common.ErrRemoteRejected)}
	sub.mu.Lock()
	sub.calls = nil
	sub.script = []fakeReply{{serverID: "s-A"}, rejected, offline}
	sub.mu.Unlock()

	rep, err := NewReconciler(svc, ReconcilerOptions{KeepSynced: true}).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Attempted: 3, Synced: 1, Failed: 1, Deferred: 1}, rep)
	assert.Equal(t, []string{"A", "B", "C"}, sub.keys(), "oldest first, D never tried")

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PerStatus[StatusSynced])
	assert.Equal(t, 1, st.PerStatus[StatusFailed])
	assert.Equal(t, 2, st.PerStatus[StatusPending])
}

func TestReconcile_MaxAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	sub := &fakeSubmitter{def: offline}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})
	rec := NewReconciler(svc, ReconcilerOptions{MaxAttempts: 3, KeepSynced: true})

	res, err := svc.Submit(ctx, newOrder("K1"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Order.Attempts)

	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)

	rep, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	o, err := q.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, StatusName(o))
	assert.Equal(t, 1, o.RetryCount)
	assert.Contains(t, o.ErrorMessage, "gave up after 3 attempts")

	// staff retries by hand; the attempt budget starts over
	require.NoError(t, q.Retry(ctx, o.ID))
	sub.setDefault(fakeReply{serverID: "srv"})
	rep, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
}

func TestReconcile_UnlimitedAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	svc := NewService(q, &fakeSubmitter{def: offline}, logging.Nop(), ServiceOptions{KeepSynced: true})
	rec := NewReconciler(svc, ReconcilerOptions{})

	res, err := svc.Submit(ctx, newOrder("K1"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := rec.Reconcile(ctx)
		require.NoError(t, err)
	}

	o, err := q.Get(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, StatusName(o))
	assert.Equal(t, 11, o.Attempts)
}

func TestReconcile_PassesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	sub := &fakeSubmitter{def: offline}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})
	_, err := svc.Submit(ctx, newOrder("K1"))
	require.NoError(t, err)

	sub.block = make(chan struct{})
	sub.entered = make(chan struct{}, 1)
	sub.setDefault(fakeReply{serverID: "srv"})
	rec := NewReconciler(svc, ReconcilerOptions{KeepSynced: true})

	done := make(chan Report)
	go func() {
		rep, _ := rec.Reconcile(ctx)
		done <- rep
	}()

	// the first pass is now inside SubmitOrder and holds the lock
	<-sub.entered

	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)

	close(sub.block)
	first := <-done
	assert.Equal(t, 1, first.Synced)
	assert.Equal(t, []string{"K1", "K1"}, sub.keys())
}

func TestReconcile_Canceled(t *testing.T) {
	q, _ := newQueue(t)
	svc := NewService(q, &fakeSubmitter{def: offline}, logging.Nop(), ServiceOptions{})
	_, err := svc.Submit(context.Background(), newOrder("K1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewReconciler(svc, ReconcilerOptions{}).Reconcile(ctx)
	require.True(t, errors.Is(err, context.Canceled) || errors.Is(err, common.ErrStorageUnavailable))
}

func TestRun_TriggeredByRestoredSignal(t *testing.T) {
	q, _ := newQueue(t)
	sub := &fakeSubmitter{def: offline}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})
	_, err := svc.Submit(context.Background(), newOrder("K1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	restored := make(chan struct{}, 1)
	stopped := make(chan struct{})
	rec := NewReconciler(svc, ReconcilerOptions{KeepSynced: true})
	go func() {
		rec.Run(ctx, time.Hour, restored)
		close(stopped)
	}()

	// startup pass runs while still offline
	require.Eventually(t, func() bool { return len(sub.keys()) == 2 }, 2*time.Second, 5*time.Millisecond)

	sub.setDefault(fakeReply{serverID: "srv-1"})
	restored <- struct{}{}

	require.Eventually(t, func() bool {
		synced, err := q.List(context.Background(), StatusSynced)
		return err == nil && len(synced) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
}

func TestSubmit_ReconcileSkipsKeyInFlight(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	sub := &fakeSubmitter{
		def:     fakeReply{serverID: "srv-1"},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})
	rec := NewReconciler(svc, ReconcilerOptions{KeepSynced: true})

	type submitted struct {
		res *SubmitResult
		err error
	}
	done := make(chan submitted, 1)
	go func() {
		res, err := svc.Submit(ctx, newOrder("K1"))
		done <- submitted{res, err}
	}()

	// Submit's immediate attempt is inside SubmitOrder; K1 is still pending
	<-sub.entered

	rep, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Attempted)

	close(sub.block)
	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.Synced)
	assert.NoError(t, got.res.SyncErr)
	assert.Equal(t, []string{"K1"}, sub.keys())

	rep, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Attempted)
	assert.Equal(t, []string{"K1"}, sub.keys())
}

func TestSubmit_WaitsForReconcileAttempt(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	sub := &fakeSubmitter{
		def:     fakeReply{serverID: "srv-2"},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})
	rec := NewReconciler(svc, ReconcilerOptions{KeepSynced: true})

	// stored, but the immediate attempt has not started yet
	order, err := q.Enqueue(ctx, newOrder("K2"))
	require.NoError(t, err)

	passDone := make(chan Report, 1)
	go func() {
		rep, _ := rec.Reconcile(ctx)
		passDone <- rep
	}()
	<-sub.entered

	type submitted struct {
		res *SubmitResult
		err error
	}
	done := make(chan submitted, 1)
	go func() {
		res, err := svc.submitStored(ctx, order)
		done <- submitted{res, err}
	}()

	select {
	case <-done:
		t.Fatal("submit returned while another attempt held the key")
	case <-time.After(50 * time.Millisecond):
	}

	close(sub.block)
	assert.Equal(t, 1, (<-passDone).Synced)

	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.Synced)
	assert.NoError(t, got.res.SyncErr)
	require.NotNil(t, got.res.Order)
	assert.Equal(t, "srv-2", got.res.Order.Extra.ServerID)
	assert.Equal(t, []string{"K2"}, sub.keys())
}

func TestReconcile_SkipsRowSettledAfterListing(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	sub := &fakeSubmitter{def: fakeReply{serverID: "srv-3"}}
	svc := NewService(q, sub, logging.Nop(), ServiceOptions{KeepSynced: true})

	order, err := q.Enqueue(ctx, newOrder("K3"))
	require.NoError(t, err)
	require.NoError(t, q.MarkSynced(ctx, order.ID, "srv-3"))

	// order is the stale pending copy a pass listed before the sync
	out, err := svc.attempt(ctx, order, true)
	require.NoError(t, err)
	assert.True(t, out.settled)
	assert.True(t, out.synced)
	assert.Empty(t, sub.keys())
}
