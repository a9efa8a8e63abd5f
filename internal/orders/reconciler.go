package orders

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Report summarises one reconciliation pass.
type Report struct {
	Skipped   bool // another pass was already running
	Attempted int
	Synced    int
	Failed    int // rejected upstream or out of attempts
	Deferred  int // left pending because the upstream went away mid-pass
}

type ReconcilerOptions struct {
	// MaxAttempts marks an order failed once it has collected this many
	// failed attempts. Zero keeps retrying forever.
	MaxAttempts int
	KeepSynced  bool
}

// Reconciler resubmits pending orders with their original idempotency key.
// Passes never overlap and handle orders one at a time, oldest first.
// Keys held by an immediate Submit attempt are skipped, so the same key is
// never in flight twice.
type Reconciler struct {
	svc  *Service
	opts ReconcilerOptions
	mu   sync.Mutex
}

func NewReconciler(svc *Service, opts ReconcilerOptions) *Reconciler {
	return &Reconciler{svc: svc, opts: opts}
}

// Reconcile runs one pass. If a pass is already running it returns
// immediately with Report.Skipped set.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	if !r.mu.TryLock() {
		return Report{Skipped: true}, nil
	}
	defer r.mu.Unlock()

	list, err := r.svc.queue.List(ctx, StatusPending)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for i, o := range list {
		if err := ctx.Err(); err != nil {
			rep.Deferred += len(list) - i
			return rep, err
		}

		out, err := r.svc.attempt(ctx, o, r.opts.KeepSynced)
		if err != nil {
			return rep, err
		}
		if out.busy != nil || out.settled {
			// a concurrent Submit owns this key, or it already settled
			continue
		}
		rep.Attempted++

		switch {
		case out.synced:
			rep.Synced++
		case !out.unavailable:
			rep.Failed++
		default:
			if r.opts.MaxAttempts > 0 && out.attempts >= r.opts.MaxAttempts {
				reason := fmt.Sprintf("gave up after %d attempts: %v", out.attempts, out.syncErr)
				if err := r.svc.queue.MarkFailed(ctx, o.ID, reason); err != nil {
					return rep, err
				}
				rep.Failed++
			}
			// upstream unreachable: the rest waits for the next trigger
			rep.Deferred += len(list) - i - 1
			return rep, nil
		}
	}
	return rep, nil
}

// Run reconciles once at start, then on every interval tick and every value
// received on restored, until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, restored <-chan struct{}) {
	log := r.svc.log.With("component", "reconciler")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pass := func(trigger string) {
		rep, err := r.Reconcile(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error(ctx, "reconcile pass failed", "trigger", trigger, "error", err)
			}
			return
		}
		if rep.Attempted > 0 {
			log.Info(ctx, "reconcile pass done", "trigger", trigger,
				"attempted", rep.Attempted, "synced", rep.Synced, "failed", rep.Failed, "deferred", rep.Deferred)
		}
	}

	pass("startup")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass("timer")
		case <-restored:
			pass("connectivity")
		}
	}
}
