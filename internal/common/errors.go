// Package common defines shared constants, sentinel errors and small helpers
// used across the terminal core, the local call boundary and the CLI.
// Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Store errors.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInvalidArgument    = errors.New("invalid argument")

	// Reconciliation errors. ErrSyncFailure is recoverable: the row stays
	// pending (or failed) and is retried per caller policy.
	ErrSyncFailure = errors.New("sync failure")

	// Upstream collaborator errors.
	ErrRemoteUnavailable = errors.New("remote unavailable")
	ErrRemoteRejected    = errors.New("remote rejected request")
	ErrUnauthorized      = errors.New("unauthorized")

	// Vault errors.
	ErrEncryptionDegraded  = errors.New("os-backed secret storage unavailable, vault encryption degraded")
	ErrCredentialNotFound  = errors.New("no offline credential cached")
	ErrCredentialExpired   = errors.New("offline credential expired")
	ErrDecryptionFailed    = errors.New("cached credential could not be decrypted")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrKeyStoreUnavailable = errors.New("os keystore unavailable")
)
