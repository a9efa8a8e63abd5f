package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
	"github.com/dmitrijs2005/poskeeper/internal/queue"
)

// Submitter is the upstream order service. It returns
// common.ErrRemoteUnavailable when the attempt may be repeated later and
// common.ErrRemoteRejected when the order will never be accepted.
// Resubmitting with a known key returns the original server id.
type Submitter interface {
	SubmitOrder(ctx context.Context, payload json.RawMessage, idempotencyKey string) (serverID string, err error)
}

// SubmitResult describes one finalize-and-submit call. Order is nil when the
// synced order was deleted under KeepSynced=false.
type SubmitResult struct {
	Order     *Order
	Synced    bool
	Duplicate bool  // the key was already queued; nothing new was stored
	SyncErr   error // wraps common.ErrSyncFailure when the attempt failed
}

type ServiceOptions struct {
	// KeepSynced keeps acknowledged orders as local history; otherwise
	// they are deleted right after the upstream accepts them.
	KeepSynced bool
}

type Service struct {
	queue     *Queue
	submitter Submitter
	log       logging.Logger
	opts      ServiceOptions

	// inflight holds the idempotency keys with an upstream call running;
	// the channel is closed when that call has been recorded.
	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewService(q *Queue, s Submitter, log logging.Logger, opts ServiceOptions) *Service {
	return &Service{
		queue:     q,
		submitter: s,
		log:       log.With("module", "orders"),
		opts:      opts,
		inflight:  make(map[string]chan struct{}),
	}
}

func (s *Service) Queue() *Queue { return s.queue }

// Submit stores the order durably and then makes one immediate attempt.
// The returned error covers storage only; an upstream failure leaves the
// order pending (or failed, when rejected) and is reported in SyncErr.
func (s *Service) Submit(ctx context.Context, o NewOrder) (*SubmitResult, error) {
	order, err := s.queue.Enqueue(ctx, o)
	if errors.Is(err, common.ErrDuplicateKey) {
		existing, ferr := s.queue.FindByIdempotencyKey(ctx, o.IdempotencyKey)
		if ferr != nil {
			return nil, err
		}
		s.log.Info(ctx, "order already queued", "id", existing.ID, "status", StatusName(existing))
		return &SubmitResult{
			Order:     existing,
			Synced:    existing.State == queue.Succeeded,
			Duplicate: true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.submitStored(ctx, order)
}

// submitStored makes the immediate attempt for a stored order. When another
// attempt for the same key is already running it waits for that one and
// reports the row as it left it.
func (s *Service) submitStored(ctx context.Context, order *Order) (*SubmitResult, error) {
	out, err := s.attempt(ctx, order, s.opts.KeepSynced)
	if err != nil {
		return nil, err
	}
	if out.busy != nil {
		select {
		case <-out.busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res := &SubmitResult{Synced: out.synced, SyncErr: out.syncErr}
	if out.busy == nil && !out.settled && out.synced && !s.opts.KeepSynced {
		return res, nil
	}
	res.Order, err = s.queue.Get(ctx, order.ID)
	switch {
	case errors.Is(err, common.ErrNotFound) && !s.opts.KeepSynced:
		// accepted and removed by the attempt that held the key
		res.Synced = true
		return res, nil
	case err != nil:
		return nil, err
	}
	if out.busy != nil || out.settled {
		res.Synced = res.Synced || res.Order.State == queue.Succeeded
	}
	return res, nil
}

type outcome struct {
	busy        <-chan struct{} // another attempt holds the key; closed when it is done
	settled     bool            // the row was no longer pending; nothing was sent
	synced      bool
	unavailable bool
	attempts    int
	syncErr     error
}

// claim marks key as in flight. If it already is, release is nil and busy
// is closed once the running attempt has finished.
func (s *Service) claim(key string) (release func(), busy <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.inflight[key]; ok {
		return nil, ch
	}
	ch := make(chan struct{})
	s.inflight[key] = ch
	return func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
		close(ch)
	}, nil
}

// attempt submits one stored pending order and records the result in the
// row. At most one attempt per idempotency key runs at a time. The error
// return is reserved for storage failures.
func (s *Service) attempt(ctx context.Context, o *Order, keepSynced bool) (outcome, error) {
	release, busy := s.claim(o.Extra.IdempotencyKey)
	if release == nil {
		return outcome{busy: busy}, nil
	}
	defer release()

	// the caller's copy may be stale: another attempt can have finished
	// between listing and claiming
	cur, err := s.queue.Get(ctx, o.ID)
	switch {
	case errors.Is(err, common.ErrNotFound):
		return outcome{settled: true}, nil
	case err != nil:
		return outcome{}, err
	case cur.State != queue.Pending:
		return outcome{settled: true, synced: cur.State == queue.Succeeded}, nil
	}

	serverID, err := s.submitter.SubmitOrder(ctx, cur.Payload, cur.Extra.IdempotencyKey)
	switch {
	case err == nil:
		if keepSynced {
			err = s.queue.MarkSynced(ctx, o.ID, serverID)
		} else {
			err = s.queue.Delete(ctx, o.ID)
		}
		if errors.Is(err, common.ErrInvalidTransition) || errors.Is(err, common.ErrNotFound) {
			// moved by staff while the call was running; the upstream
			// holds the order either way
			s.log.Warn(ctx, "order changed during submit", "id", o.ID, "server_id", serverID, "error", err)
			return outcome{settled: true, synced: true}, nil
		}
		if err != nil {
			s.log.Error(ctx, "order accepted upstream but not recorded", "id", o.ID, "server_id", serverID, "error", err)
			return outcome{}, err
		}
		s.log.Info(ctx, "order synced", "id", o.ID, "server_id", serverID)
		return outcome{synced: true}, nil

	case errors.Is(err, common.ErrRemoteRejected):
		reason := err.Error()
		if merr := s.queue.MarkFailed(ctx, o.ID, reason); merr != nil {
			return outcome{}, merr
		}
		s.log.Warn(ctx, "order rejected upstream", "id", o.ID, "error", reason)
		return outcome{syncErr: fmt.Errorf("%w: %w", common.ErrSyncFailure, err)}, nil

	default:
		// unreachable upstream and unclassified errors are both retryable
		n, merr := s.queue.RecordAttempt(ctx, o.ID, err.Error())
		if merr != nil {
			return outcome{}, merr
		}
		s.log.Warn(ctx, "order left pending", "id", o.ID, "attempts", n, "error", err)
		return outcome{
			unavailable: true,
			attempts:    n,
			syncErr:     fmt.Errorf("%w: %w", common.ErrSyncFailure, err),
		}, nil
	}
}
