// Package audit is the append-only log of authentication attempts. Records
// never change after Append except for the synced_at stamp set once they
// have been shipped upstream, and only synced records are ever deleted.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/dbx"
)

type AuthType string

const (
	AuthPassword   AuthType = "password"
	AuthPin        AuthType = "pin"
	AuthManagement AuthType = "management"
)

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// Mode says whether the attempt was decided by the identity service or by
// the local vault.
type Mode string

const (
	Online  Mode = "online"
	Offline Mode = "offline"
)

// Record is one authentication attempt. Detail never contains the secret
// that was presented.
type Record struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id,omitempty"`
	AuthType   AuthType   `json:"auth_type"`
	Outcome    Outcome    `json:"outcome"`
	Mode       Mode       `json:"mode"`
	Detail     string     `json:"detail,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

type Log struct {
	db    *sql.DB
	clock clock.Clock
}

func New(db *sql.DB, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.Real()
	}
	return &Log{db: db, clock: clk}
}

// Append stores r. ID and OccurredAt are filled in when empty.
func (l *Log) Append(ctx context.Context, r Record) (*Record, error) {
	switch r.AuthType {
	case AuthPassword, AuthPin, AuthManagement:
	default:
		return nil, fmt.Errorf("%w: auth type %q", common.ErrInvalidArgument, r.AuthType)
	}
	if r.Outcome != Success && r.Outcome != Failure {
		return nil, fmt.Errorf("%w: outcome %q", common.ErrInvalidArgument, r.Outcome)
	}
	if r.Mode != Online && r.Mode != Offline {
		return nil, fmt.Errorf("%w: mode %q", common.ErrInvalidArgument, r.Mode)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.OccurredAt.IsZero() {
		r.OccurredAt = l.clock.Now()
	}
	r.OccurredAt = r.OccurredAt.UTC().Truncate(time.Millisecond)
	r.SyncedAt = nil

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO auth_audit (id, user_id, auth_type, outcome, mode, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullIfEmpty(r.UserID), string(r.AuthType), string(r.Outcome), string(r.Mode),
		r.Detail, r.OccurredAt.UnixMilli())
	if err != nil {
		return nil, storageErr("append", err)
	}
	return &r, nil
}

const columns = `id, COALESCE(user_id, ''), auth_type, outcome, mode, detail, occurred_at, synced_at`

// Pending returns up to limit unsynced records, oldest first. A limit of
// zero or less returns all of them.
func (l *Log) Pending(ctx context.Context, limit int) ([]Record, error) {
	q := `SELECT ` + columns + ` FROM auth_audit WHERE synced_at IS NULL ORDER BY occurred_at, rowid`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return l.query(ctx, q, args...)
}

// ForUser returns every record for userID, newest first.
func (l *Log) ForUser(ctx context.Context, userID string) ([]Record, error) {
	return l.query(ctx,
		`SELECT `+columns+` FROM auth_audit WHERE user_id = ? ORDER BY occurred_at DESC, rowid DESC`, userID)
}

func (l *Log) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r          Record
			authType   string
			outcome    string
			mode       string
			occurredAt int64
			syncedAt   sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &authType, &outcome, &mode, &r.Detail, &occurredAt, &syncedAt); err != nil {
			return nil, storageErr("scan", err)
		}
		r.AuthType = AuthType(authType)
		r.Outcome = Outcome(outcome)
		r.Mode = Mode(mode)
		r.OccurredAt = time.UnixMilli(occurredAt).UTC()
		if syncedAt.Valid {
			t := time.UnixMilli(syncedAt.Int64).UTC()
			r.SyncedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("scan", err)
	}
	return out, nil
}

// MarkSynced stamps synced_at on the given records. Records already synced
// keep their original stamp. It returns how many rows were stamped.
func (l *Log) MarkSynced(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := l.clock.Now().UnixMilli()
	var total int64
	err := dbx.WithTx(ctx, l.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		args := make([]any, 0, len(ids)+1)
		args = append(args, now)
		for _, id := range ids {
			args = append(args, id)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE auth_audit SET synced_at = ? WHERE synced_at IS NULL AND id IN (`+
				placeholders(len(ids))+`)`, args...)
		if err != nil {
			return storageErr("mark synced", err)
		}
		total, _ = res.RowsAffected()
		return nil
	})
	return int(total), err
}

// Cleanup deletes synced records that occurred more than olderThanDays ago.
// Unsynced records are kept whatever their age.
func (l *Log) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("%w: negative retention", common.ErrInvalidArgument)
	}
	cutoff := l.clock.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour).UnixMilli()
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM auth_audit WHERE synced_at IS NOT NULL AND occurred_at < ?`, cutoff)
	if err != nil {
		return 0, storageErr("cleanup", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Counts reports total and unsynced record counts.
type Counts struct {
	Total    int
	Unsynced int
}

func (l *Log) Count(ctx context.Context) (Counts, error) {
	var c Counts
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) - COUNT(synced_at) FROM auth_audit`).Scan(&c.Total, &c.Unsynced)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Counts{}, storageErr("count", err)
	}
	return c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: audit %s: %v", common.ErrStorageUnavailable, op, err)
}
