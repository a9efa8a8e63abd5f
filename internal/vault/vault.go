// Package vault is the encrypted credential cache used for offline login.
// It keeps, per user, the bcrypt password hash and the BLAKE3 PIN hash
// sealed by a Sealer, plus a singleton management secret. Rows expire a
// fixed 30 days after they were cached; expired rows are removed by Sweep,
// never on read.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/poskeeper/internal/clock"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/cryptox"
	"github.com/dmitrijs2005/poskeeper/internal/dbx"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
)

// TTL is how long a cached credential stays usable offline.
const TTL = common.CredentialTTLDays * 24 * time.Hour

// Credential is one cached user. Hash fields are sealed.
type Credential struct {
	UserID             string
	Username           string
	FullName           string
	Role               string
	PasswordHash       []byte
	PinHash            []byte
	EncryptionMode     EncryptionMode
	CachedAt           time.Time
	LastOfflineLoginAt *time.Time
}

// ExpiresAt is CachedAt plus the fixed TTL.
func (c *Credential) ExpiresAt() time.Time { return c.CachedAt.Add(TTL) }

type ManagementSecret struct {
	PasswordHash   []byte
	EncryptionMode EncryptionMode
	CachedAt       time.Time
}

// CacheRequest carries the result of a successful online login. Set
// PasswordHash when the identity service returned a bcrypt hash, Password
// when only the plaintext the user typed is at hand.
type CacheRequest struct {
	UserID       string
	Username     string
	FullName     string
	Role         string
	Password     string
	PasswordHash string
}

type Status struct {
	HasCached bool
	CachedAt  time.Time
	IsExpired bool
	Mode      EncryptionMode
}

type Vault struct {
	db     *sql.DB
	sealer *Sealer
	clock  clock.Clock
	log    logging.Logger
}

func New(db *sql.DB, sealer *Sealer, clk clock.Clock, log logging.Logger) *Vault {
	if clk == nil {
		clk = clock.Real()
	}
	return &Vault{db: db, sealer: sealer, clock: clk, log: log.With("module", "vault")}
}

// Mode is the encryption mode new material is sealed with.
func (v *Vault) Mode() EncryptionMode { return v.sealer.Mode() }

// Expired reports whether a value cached at cachedAt is past the TTL.
func (v *Vault) Expired(cachedAt time.Time) bool {
	return !v.clock.Now().Before(cachedAt.Add(TTL))
}

// Cache stores or refreshes a user after an online login. A stale row that
// holds the same username under another user id is replaced. The PIN hash
// and last offline login survive a refresh.
func (v *Vault) Cache(ctx context.Context, req CacheRequest) error {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Username) == "" {
		return fmt.Errorf("%w: user id and username are required", common.ErrInvalidArgument)
	}
	hash, err := passwordHash(req.PasswordHash, req.Password)
	if err != nil {
		return err
	}
	sealed, err := v.sealer.Seal([]byte(hash))
	if err != nil {
		return err
	}

	now := v.clock.Now().UnixMilli()
	return dbx.WithTx(ctx, v.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM user_credentials WHERE username = ? AND user_id <> ?`,
			req.Username, req.UserID); err != nil {
			return storageErr("cache", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_credentials
				(user_id, username, password_hash, full_name, role, encryption_mode, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				username = excluded.username,
				password_hash = excluded.password_hash,
				full_name = excluded.full_name,
				role = excluded.role,
				encryption_mode = excluded.encryption_mode,
				cached_at = excluded.cached_at`,
			req.UserID, req.Username, sealed, req.FullName, req.Role, string(v.sealer.Mode()), now)
		if err != nil {
			return storageErr("cache", err)
		}
		return nil
	})
}

// passwordHash returns the bcrypt hash to store. A supplied hash is used as
// is; a plaintext is hashed here.
func passwordHash(hash, plaintext string) (string, error) {
	if hash != "" {
		if !cryptox.IsPasswordHash(hash) {
			return "", fmt.Errorf("%w: password hash is not bcrypt", common.ErrInvalidArgument)
		}
		return hash, nil
	}
	if plaintext == "" {
		return "", fmt.Errorf("%w: password or password hash is required", common.ErrInvalidArgument)
	}
	return cryptox.HashPassword(plaintext)
}

// Status describes what is cached for userID.
func (v *Vault) Status(ctx context.Context, userID string) (Status, error) {
	c, err := v.ByUserID(ctx, userID)
	if errors.Is(err, common.ErrCredentialNotFound) {
		return Status{Mode: v.Mode()}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{
		HasCached: true,
		CachedAt:  c.CachedAt,
		IsExpired: v.Expired(c.CachedAt),
		Mode:      c.EncryptionMode,
	}, nil
}

// UpdatePinHash seals and stores the PIN hash of a cached user.
func (v *Vault) UpdatePinHash(ctx context.Context, userID, pinHash string) error {
	if pinHash == "" {
		return fmt.Errorf("%w: pin hash is required", common.ErrInvalidArgument)
	}
	sealed, err := v.sealer.Seal([]byte(pinHash))
	if err != nil {
		return err
	}
	res, err := v.db.ExecContext(ctx,
		`UPDATE user_credentials SET pin_hash = ? WHERE user_id = ?`, sealed, userID)
	if err != nil {
		return storageErr("update pin", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", common.ErrCredentialNotFound, userID)
	}
	return nil
}

// CacheManagementSecret stores the singleton management secret, following
// the same hash rules as Cache.
func (v *Vault) CacheManagementSecret(ctx context.Context, password, hash string) error {
	h, err := passwordHash(hash, password)
	if err != nil {
		return err
	}
	sealed, err := v.sealer.Seal([]byte(h))
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO management_secret (id, password_hash, encryption_mode, cached_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			password_hash = excluded.password_hash,
			encryption_mode = excluded.encryption_mode,
			cached_at = excluded.cached_at`,
		sealed, string(v.sealer.Mode()), v.clock.Now().UnixMilli())
	if err != nil {
		return storageErr("cache management secret", err)
	}
	return nil
}

const credentialColumns = `user_id, username, password_hash, full_name, role, pin_hash,
	encryption_mode, cached_at, last_offline_login_at`

// ByUsername returns the cached user or common.ErrCredentialNotFound.
// Expiry is not checked here.
func (v *Vault) ByUsername(ctx context.Context, username string) (*Credential, error) {
	return v.credential(ctx, "username", username)
}

func (v *Vault) ByUserID(ctx context.Context, userID string) (*Credential, error) {
	return v.credential(ctx, "user_id", userID)
}

func (v *Vault) credential(ctx context.Context, column, value string) (*Credential, error) {
	row := v.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM user_credentials WHERE `+column+` = ?`, value)

	var (
		c         Credential
		mode      string
		cachedAt  int64
		lastLogin sql.NullInt64
	)
	err := row.Scan(&c.UserID, &c.Username, &c.PasswordHash, &c.FullName, &c.Role, &c.PinHash,
		&mode, &cachedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %q", common.ErrCredentialNotFound, column, value)
	}
	if err != nil {
		return nil, storageErr("read credential", err)
	}
	c.EncryptionMode = EncryptionMode(mode)
	c.CachedAt = time.UnixMilli(cachedAt).UTC()
	if lastLogin.Valid {
		t := time.UnixMilli(lastLogin.Int64).UTC()
		c.LastOfflineLoginAt = &t
	}
	return &c, nil
}

// Management returns the cached management secret or
// common.ErrCredentialNotFound.
func (v *Vault) Management(ctx context.Context) (*ManagementSecret, error) {
	var (
		m        ManagementSecret
		mode     string
		cachedAt int64
	)
	err := v.db.QueryRowContext(ctx,
		`SELECT password_hash, encryption_mode, cached_at FROM management_secret WHERE id = 1`).
		Scan(&m.PasswordHash, &mode, &cachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: management secret", common.ErrCredentialNotFound)
	}
	if err != nil {
		return nil, storageErr("read management secret", err)
	}
	m.EncryptionMode = EncryptionMode(mode)
	m.CachedAt = time.UnixMilli(cachedAt).UTC()
	return &m, nil
}

// OpenHash unseals a stored hash. Failures are common.ErrDecryptionFailed.
func (v *Vault) OpenHash(sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", fmt.Errorf("%w: empty value", common.ErrDecryptionFailed)
	}
	b, err := v.sealer.Open(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TouchOfflineLogin stamps a successful offline login.
func (v *Vault) TouchOfflineLogin(ctx context.Context, userID string) error {
	res, err := v.db.ExecContext(ctx,
		`UPDATE user_credentials SET last_offline_login_at = ? WHERE user_id = ?`,
		v.clock.Now().UnixMilli(), userID)
	if err != nil {
		return storageErr("touch offline login", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: user %s", common.ErrCredentialNotFound, userID)
	}
	return nil
}

// Sweep deletes every credential and management secret past the TTL and
// returns how many rows went.
func (v *Vault) Sweep(ctx context.Context) (int, error) {
	cutoff := v.clock.Now().Add(-TTL).UnixMilli()
	var total int64
	err := dbx.WithTx(ctx, v.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		for _, table := range []string{"user_credentials", "management_secret"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE cached_at <= ?`, cutoff)
			if err != nil {
				return storageErr("sweep", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if total > 0 {
		v.log.Info(ctx, "expired credentials swept", "count", total)
	}
	return int(total), nil
}

// Forget removes one cached user. Missing users are not an error.
func (v *Vault) Forget(ctx context.Context, userID string) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM user_credentials WHERE user_id = ?`, userID); err != nil {
		return storageErr("forget", err)
	}
	return nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (v *Vault) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := v.Sweep(ctx); err != nil && ctx.Err() == nil {
			v.log.Error(ctx, "credential sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", common.ErrStorageUnavailable, op, err)
}
