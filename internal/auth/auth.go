// Package auth decides logins for the terminal. Every check goes to the
// identity service first; only a confirmed network failure falls back to the
// credential vault. Each verification call writes exactly one audit record,
// whatever the outcome.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/poskeeper/internal/audit"
	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/cryptox"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
	"github.com/dmitrijs2005/poskeeper/internal/vault"
)

// Profile is what the identity service returns for an accepted user.
// PasswordHash is set when the service shares the stored bcrypt hash.
type Profile struct {
	UserID       string
	Username     string
	FullName     string
	Role         string
	PasswordHash string
}

// Identity is the remote identity service. Errors wrapping
// common.ErrRemoteUnavailable mean the service could not be reached;
// common.ErrUnauthorized means it answered and said no.
type Identity interface {
	Login(ctx context.Context, username, password string) (*Profile, error)
	VerifyPin(ctx context.Context, userID, pin string) (*Profile, error)
	VerifyManagementSecret(ctx context.Context, password string) (hash string, err error)
}

// Result is a successful authentication.
type Result struct {
	UserID   string
	Username string
	FullName string
	Role     string
	Mode     audit.Mode
}

// Audit detail texts. Failures name the category only.
const (
	detailOK           = "authenticated"
	detailInvalid      = "invalid credentials"
	detailNotCached    = "no offline credential"
	detailExpired      = "offline credential expired"
	detailUnreadable   = "offline credential unreadable"
	detailUnavailable  = "verification unavailable"
	detailRemoteFailed = "identity service error"
)

type Authenticator struct {
	identity Identity
	vault    *vault.Vault
	audit    *audit.Log
	log      logging.Logger
}

// New returns an Authenticator. A nil identity behaves as a service that is
// never reachable.
func New(identity Identity, v *vault.Vault, a *audit.Log, log logging.Logger) *Authenticator {
	return &Authenticator{identity: identity, vault: v, audit: a, log: log.With("module", "auth")}
}

// Login authenticates with username and password. On success online the
// credential is cached for later offline use.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*Result, error) {
	p, err := a.onlineLogin(ctx, username, password)
	switch {
	case err == nil:
		req := vault.CacheRequest{
			UserID:       p.UserID,
			Username:     p.Username,
			FullName:     p.FullName,
			Role:         p.Role,
			PasswordHash: p.PasswordHash,
		}
		if req.PasswordHash == "" {
			req.Password = password
		}
		if cerr := a.vault.Cache(ctx, req); cerr != nil {
			a.log.Error(ctx, "caching credential failed", "user_id", p.UserID, "error", cerr)
		}
		a.record(ctx, p.UserID, audit.AuthPassword, audit.Success, audit.Online, detailOK)
		return profileResult(p), nil
	case errors.Is(err, common.ErrRemoteUnavailable):
		a.log.Info(ctx, "identity service unreachable, verifying offline", "username", username)
		return a.VerifyPassword(ctx, username, password)
	default:
		return nil, a.onlineFailure(ctx, "", audit.AuthPassword, err)
	}
}

// VerifyPassword checks username and password against the vault only.
func (a *Authenticator) VerifyPassword(ctx context.Context, username, password string) (*Result, error) {
	c, err := a.vault.ByUsername(ctx, username)
	if err != nil {
		return nil, a.offlineFailure(ctx, "", audit.AuthPassword, err)
	}
	if a.vault.Expired(c.CachedAt) {
		return nil, a.offlineFailure(ctx, c.UserID, audit.AuthPassword, common.ErrCredentialExpired)
	}
	hash, err := a.vault.OpenHash(c.PasswordHash)
	if err != nil {
		return nil, a.offlineFailure(ctx, c.UserID, audit.AuthPassword, err)
	}
	if !cryptox.CheckPassword(hash, password) {
		return nil, a.offlineFailure(ctx, c.UserID, audit.AuthPassword, common.ErrInvalidCredentials)
	}

	if err := a.vault.TouchOfflineLogin(ctx, c.UserID); err != nil {
		a.log.Error(ctx, "recording offline login failed", "user_id", c.UserID, "error", err)
	}
	a.record(ctx, c.UserID, audit.AuthPassword, audit.Success, audit.Offline, detailOK)
	return credentialResult(c), nil
}

// VerifyPin checks a PIN for userID. Offline, the cached role is restored.
func (a *Authenticator) VerifyPin(ctx context.Context, userID, pin string) (*Result, error) {
	p, err := a.onlinePin(ctx, userID, pin)
	switch {
	case err == nil:
		if uerr := a.vault.UpdatePinHash(ctx, userID, cryptox.PinHash(pin, userID)); uerr != nil {
			// a PIN check before the first password login has nothing to attach to
			a.log.Debug(ctx, "pin hash not cached", "user_id", userID, "error", uerr)
		}
		a.record(ctx, userID, audit.AuthPin, audit.Success, audit.Online, detailOK)
		if p.UserID == "" {
			p.UserID = userID
		}
		return profileResult(p), nil
	case !errors.Is(err, common.ErrRemoteUnavailable):
		return nil, a.onlineFailure(ctx, userID, audit.AuthPin, err)
	}

	c, err := a.vault.ByUserID(ctx, userID)
	if err != nil {
		return nil, a.offlineFailure(ctx, userID, audit.AuthPin, err)
	}
	if len(c.PinHash) == 0 {
		return nil, a.offlineFailure(ctx, userID, audit.AuthPin, common.ErrCredentialNotFound)
	}
	if a.vault.Expired(c.CachedAt) {
		return nil, a.offlineFailure(ctx, userID, audit.AuthPin, common.ErrCredentialExpired)
	}
	stored, err := a.vault.OpenHash(c.PinHash)
	if err != nil {
		return nil, a.offlineFailure(ctx, userID, audit.AuthPin, err)
	}
	if !cryptox.EqualHash(stored, cryptox.PinHash(pin, userID)) {
		return nil, a.offlineFailure(ctx, userID, audit.AuthPin, common.ErrInvalidCredentials)
	}

	a.record(ctx, userID, audit.AuthPin, audit.Success, audit.Offline, detailOK)
	return credentialResult(c), nil
}

// VerifyManagementSecret checks the shared manager password.
func (a *Authenticator) VerifyManagementSecret(ctx context.Context, password string) (*Result, error) {
	hash, err := a.onlineManagement(ctx, password)
	switch {
	case err == nil:
		if cerr := a.vault.CacheManagementSecret(ctx, password, hash); cerr != nil {
			a.log.Error(ctx, "caching management secret failed", "error", cerr)
		}
		a.record(ctx, "", audit.AuthManagement, audit.Success, audit.Online, detailOK)
		return &Result{Mode: audit.Online}, nil
	case !errors.Is(err, common.ErrRemoteUnavailable):
		return nil, a.onlineFailure(ctx, "", audit.AuthManagement, err)
	}

	m, err := a.vault.Management(ctx)
	if err != nil {
		return nil, a.offlineFailure(ctx, "", audit.AuthManagement, err)
	}
	if a.vault.Expired(m.CachedAt) {
		return nil, a.offlineFailure(ctx, "", audit.AuthManagement, common.ErrCredentialExpired)
	}
	stored, err := a.vault.OpenHash(m.PasswordHash)
	if err != nil {
		return nil, a.offlineFailure(ctx, "", audit.AuthManagement, err)
	}
	if !cryptox.CheckPassword(stored, password) {
		return nil, a.offlineFailure(ctx, "", audit.AuthManagement, common.ErrInvalidCredentials)
	}

	a.record(ctx, "", audit.AuthManagement, audit.Success, audit.Offline, detailOK)
	return &Result{Mode: audit.Offline}, nil
}

func (a *Authenticator) onlineLogin(ctx context.Context, username, password string) (*Profile, error) {
	if a.identity == nil {
		return nil, common.ErrRemoteUnavailable
	}
	p, err := a.identity.Login(ctx, username, password)
	if err == nil && (p == nil || p.UserID == "") {
		return nil, fmt.Errorf("%w: login response carries no user id", common.ErrRemoteRejected)
	}
	return p, err
}

func (a *Authenticator) onlinePin(ctx context.Context, userID, pin string) (*Profile, error) {
	if a.identity == nil {
		return nil, common.ErrRemoteUnavailable
	}
	p, err := a.identity.VerifyPin(ctx, userID, pin)
	if err == nil && p == nil {
		p = &Profile{UserID: userID}
	}
	return p, err
}

func (a *Authenticator) onlineManagement(ctx context.Context, password string) (string, error) {
	if a.identity == nil {
		return "", common.ErrRemoteUnavailable
	}
	return a.identity.VerifyManagementSecret(ctx, password)
}

// onlineFailure records a decision made by the identity service and maps it
// to the error returned to the caller.
func (a *Authenticator) onlineFailure(ctx context.Context, userID string, t audit.AuthType, err error) error {
	if errors.Is(err, common.ErrUnauthorized) {
		a.record(ctx, userID, t, audit.Failure, audit.Online, detailInvalid)
		return common.ErrInvalidCredentials
	}
	a.record(ctx, userID, t, audit.Failure, audit.Online, detailRemoteFailed)
	return err
}

// offlineFailure records a failed vault check. The returned error keeps the
// category; the audit detail says nothing more than that.
func (a *Authenticator) offlineFailure(ctx context.Context, userID string, t audit.AuthType, err error) error {
	detail := detailUnavailable
	switch {
	case errors.Is(err, common.ErrCredentialNotFound):
		detail, err = detailNotCached, common.ErrCredentialNotFound
	case errors.Is(err, common.ErrCredentialExpired):
		detail, err = detailExpired, common.ErrCredentialExpired
	case errors.Is(err, common.ErrDecryptionFailed):
		detail, err = detailUnreadable, common.ErrDecryptionFailed
	case errors.Is(err, common.ErrInvalidCredentials):
		detail, err = detailInvalid, common.ErrInvalidCredentials
	}
	a.record(ctx, userID, t, audit.Failure, audit.Offline, detail)
	return err
}

// record appends the audit row. A failed append is logged and never changes
// the authentication decision.
func (a *Authenticator) record(ctx context.Context, userID string, t audit.AuthType, o audit.Outcome, m audit.Mode, detail string) {
	_, err := a.audit.Append(ctx, audit.Record{UserID: userID, AuthType: t, Outcome: o, Mode: m, Detail: detail})
	if err != nil {
		a.log.Error(ctx, "audit append failed", "auth_type", t, "outcome", o, "user_id", userID, "error", err)
	}
}

func profileResult(p *Profile) *Result {
	return &Result{UserID: p.UserID, Username: p.Username, FullName: p.FullName, Role: p.Role, Mode: audit.Online}
}

func credentialResult(c *vault.Credential) *Result {
	return &Result{UserID: c.UserID, Username: c.Username, FullName: c.FullName, Role: c.Role, Mode: audit.Offline}
}
