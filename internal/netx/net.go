// Package netx tracks whether the upstream service is reachable.
package netx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
)

// Pinger probes the upstream service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor pings the upstream on an interval and signals every
// offline-to-online transition on Restored. It starts offline.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	clock    clock.Clock
	log      logging.Logger

	mu      sync.RWMutex
	online  bool
	changed time.Time

	restored chan struct{}
}

func NewMonitor(p Pinger, interval time.Duration, clk clock.Clock, log logging.Logger) *Monitor {
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		clock:    clk,
		log:      log.With("module", "netx"),
		restored: make(chan struct{}, 1),
	}
}

// Online reports the result of the last probe.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Since is when the current state began; zero before the first change.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changed
}

// Restored delivers one value per offline-to-online transition. Signals
// that are not consumed in time coalesce into one.
func (m *Monitor) Restored() <-chan struct{} { return m.restored }

// Check probes once and returns the new state. Only an unreachable service
// counts as offline; any answer, even an error status, means online.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pctx)
	cancel()
	m.Report(ctx, err == nil || !errors.Is(err, common.ErrRemoteUnavailable))
	return m.Online()
}

// Report records an observed state. Callers that learn about connectivity
// from their own traffic use it to speed up detection.
func (m *Monitor) Report(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	if was != online {
		m.changed = m.clock.Now()
	}
	m.mu.Unlock()

	switch {
	case online && !was:
		m.log.Info(ctx, "upstream reachable")
		select {
		case m.restored <- struct{}{}:
		default:
		}
	case !online && was:
		m.log.Warn(ctx, "upstream unreachable, working offline")
	}
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
