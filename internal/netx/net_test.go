package netx

import (
	"context"
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
)

type fakePinger struct {
	mu  sync.Mutex
	err error
	n   int
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return f.err
}

func (f *fakePinger) set(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePinger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

var down = fmt.Errorf("%w: connection refused", common.ErrRemoteUnavailable)

func drained(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

func TestMonitor_Transitions(t *testing.T) {
	p := &fakePinger{err: down}
	clk := clock.Fake(time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC))
	m := NewMonitor(p, time.Minute, clk, logging.Nop())
	ctx := context.Background()

	assert.False(t, m.Online())
	assert.False(t, m.Check(ctx))
	assert.True(t, drained(m.Restored()))

	p.set(nil)
	assert.True(t, m.Check(ctx))
	assert.False(t, drained(m.Restored()), "offline to online must signal")
	assert.Equal(t, clk.Now(), m.Since())
	wentOnline := clk.Now()

	// staying online does not signal again or move Since
	clk.Advance(time.Minute)
	assert.True(t, m.Check(ctx))
	assert.Equal(t, wentOnline, m.Since())
	assert.True(t, drained(m.Restored()))

	p.set(down)
	assert.False(t, m.Check(ctx))
	assert.Equal(t, wentOnline.Add(time.Minute), m.Since())
	p.set(nil)
	m.Check(ctx)
	assert.False(t, drained(m.Restored()))
}

func TestMonitor_AnsweredErrorsCountAsOnline(t *testing.T) {
	p := &fakePinger{err: fmt.Errorf("%w: 404", common.ErrRemoteRejected)}
	m := NewMonitor(p, time.Minute, clock.Real(), logging.Nop())
	assert.True(t, m.Check(context.Background()))

	p.set(errors.New("something odd"))
	assert.True(t, m.Check(context.Background()))
}

func TestMonitor_SignalsCoalesce(t *testing.T) {
	m := NewMonitor(&fakePinger{}, time.Minute, clock.Real(), logging.Nop())
	ctx := context.Background()

	m.Report(ctx, true)
	m.Report(ctx, false)
	m.Report(ctx, true)

	assert.False(t, drained(m.Restored()))
	assert.True(t, drained(m.Restored()))
}

func TestMonitor_Run(t *testing.T) {
	p := &fakePinger{}
	m := NewMonitor(p, 10*time.Millisecond, clock.Real(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case <-m.Restored():
	case <-time.After(time.Second):
		t.Fatal("no restored signal")
	}
	require.Eventually(t, func() bool { return p.count() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
