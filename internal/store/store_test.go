package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/poskeeper/internal/common"
)

func tableExists(t *testing.T, s *Store, name string) bool {
	t.Helper()
	var n int
	err := s.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestOpen_CreatesSchema(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")

	s, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, filepath.Join(dir, DefaultFile), s.Path())
	for _, table := range []string{"goose_db_version", "orders", "print_jobs", "user_credentials", "management_secret", "auth_audit"} {
		assert.True(t, tableExists(t, s, table), table)
	}

	var mode string
	require.NoError(t, s.DB().QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.DB().QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO auth_audit (id, auth_type, outcome, mode, occurred_at) VALUES ('a1', 'pin', 'success', 'online', 1)`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM auth_audit`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpen_SecondOpenIsRefused(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory lock is unix only")
	}
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, Options{Dir: dir})
	require.NoError(t, err)

	_, err = Open(ctx, Options{Dir: dir})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrStorageUnavailable))

	// после Close блокировка снимается
	require.NoError(t, s.Close())
	s, err = Open(ctx, Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("empty dir", func(t *testing.T) {
		_, err := Open(ctx, Options{})
		require.ErrorIs(t, err, common.ErrStorageUnavailable)
	})

	t.Run("dir is a file", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "occupied")
		require.NoError(t, os.WriteFile(f, []byte("x"), 0o600))

		_, err := Open(ctx, Options{Dir: f})
		require.ErrorIs(t, err, common.ErrStorageUnavailable)
	})
}

func TestOpenMemory_Isolated(t *testing.T) {
	ctx := context.Background()

	a, err := OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = a.DB().ExecContext(ctx,
		`INSERT INTO auth_audit (id, auth_type, outcome, mode, occurred_at) VALUES ('a1', 'pin', 'success', 'online', 1)`)
	require.NoError(t, err)

	var n int
	require.NoError(t, b.DB().QueryRow(`SELECT COUNT(*) FROM auth_audit`).Scan(&n))
	assert.Zero(t, n)
	assert.Equal(t, ":memory:", a.Path())
}

func TestRunMigrations_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, RunMigrations(ctx, s.DB()))
	assert.True(t, tableExists(t, s, "orders"))
}

func TestSchema_Constraints(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO management_secret (id, password_hash, encryption_mode, cached_at) VALUES (2, x'00', 'strong', 1)`)
	require.Error(t, err, "management_secret is a singleton")

	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO print_jobs (id, job_type, payload, created_at, updated_at) VALUES ('p1', 'invoice', '{}', 1, 1)`)
	require.Error(t, err, "unknown job type")
}
