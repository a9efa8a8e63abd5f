package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/store"
)

func newLog(t *testing.T) (*Log, *clock.FakeClock) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	clk := clock.Fake(time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC))
	return New(s.DB(), clk), clk
}

func TestLog_Append(t *testing.T) {
	l, clk := newLog(t)
	ctx := context.Background()

	r, err := l.Append(ctx, Record{UserID: "u-1", AuthType: AuthPassword, Outcome: Success, Mode: Online})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.True(t, r.OccurredAt.Equal(clk.Now()))

	// anonymous attempts have no user
	_, err = l.Append(ctx, Record{AuthType: AuthManagement, Outcome: Failure, Mode: Offline, Detail: "invalid credentials"})
	require.NoError(t, err)

	got, err := l.Pending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u-1", got[0].UserID)
	assert.Equal(t, Online, got[0].Mode)
	assert.Empty(t, got[1].UserID)
	assert.Equal(t, Offline, got[1].Mode)
	assert.Nil(t, got[0].SyncedAt)
}

func TestLog_AppendValidation(t *testing.T) {
	l, _ := newLog(t)
	ctx := context.Background()

	_, err := l.Append(ctx, Record{AuthType: "face", Outcome: Success, Mode: Online})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = l.Append(ctx, Record{AuthType: AuthPin, Outcome: "maybe"})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = l.Append(ctx, Record{AuthType: AuthPin, Outcome: Success, Mode: "sideways"})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	// a missing mode is a caller bug, not an offline attempt
	_, err = l.Append(ctx, Record{AuthType: AuthPin, Outcome: Success})
	require.ErrorIs(t, err, common.ErrInvalidArgument)

	c, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Total)
}

func TestLog_PendingOrderAndLimit(t *testing.T) {
	l, clk := newLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, Record{UserID: "u", AuthType: AuthPin, Outcome: Success, Mode: Offline, Detail: strings.Repeat("x", i)})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}

	got, err := l.Pending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range got {
		assert.Equal(t, strings.Repeat("x", i), got[i].Detail)
	}

	user, err := l.ForUser(ctx, "u")
	require.NoError(t, err)
	require.Len(t, user, 5)
	assert.Equal(t, "xxxx", user[0].Detail)
}

func TestLog_MarkSynced(t *testing.T) {
	l, clk := newLog(t)
	ctx := context.Background()

	a, err := l.Append(ctx, Record{AuthType: AuthPin, Outcome: Success, Mode: Online})
	require.NoError(t, err)
	b, err := l.Append(ctx, Record{AuthType: AuthPin, Outcome: Failure, Mode: Online})
	require.NoError(t, err)

	n, err := l.MarkSynced(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = l.MarkSynced(ctx, []string{a.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clk.Advance(time.Hour)
	n, err = l.MarkSynced(ctx, []string{a.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := l.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	c, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, Unsynced: 0}, c)
}

func TestLog_Cleanup(t *testing.T) {
	l, clk := newLog(t)
	ctx := context.Background()

	old, err := l.Append(ctx, Record{AuthType: AuthPassword, Outcome: Success, Mode: Online})
	require.NoError(t, err)
	_, err = l.Append(ctx, Record{AuthType: AuthPassword, Outcome: Failure, Mode: Online}) // never synced
	require.NoError(t, err)
	clk.Advance(10 * 24 * time.Hour)
	recent, err := l.Append(ctx, Record{AuthType: AuthPassword, Outcome: Success, Mode: Online})
	require.NoError(t, err)

	_, err = l.MarkSynced(ctx, []string{old.ID, recent.ID})
	require.NoError(t, err)

	clk.Advance(85 * 24 * time.Hour)
	n, err := l.Cleanup(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Total: 2, Unsynced: 1}, c)

	_, err = l.Cleanup(ctx, -1)
	require.ErrorIs(t, err, common.ErrInvalidArgument)
}
