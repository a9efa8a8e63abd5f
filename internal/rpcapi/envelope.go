package rpcapi

import (
	"encoding/json"
	"errors"

	"github.com/dmitrijs2005/poskeeper/internal/common"
)

// Envelope is the reply of every method. Logical failures travel in Error
// with Success false; a gRPC status error means the call itself failed.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

type Error struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Error kinds, one per sentinel in common.
const (
	KindStorageUnavailable  = "storage_unavailable"
	KindNotFound            = "not_found"
	KindDuplicateKey        = "duplicate_key"
	KindInvalidTransition   = "invalid_transition"
	KindInvalidArgument     = "invalid_argument"
	KindSyncFailure         = "sync_failure"
	KindRemoteUnavailable   = "remote_unavailable"
	KindRemoteRejected      = "remote_rejected"
	KindUnauthorized        = "unauthorized"
	KindEncryptionDegraded  = "encryption_degraded"
	KindCredentialNotFound  = "credential_not_found"
	KindCredentialExpired   = "credential_expired"
	KindDecryptionFailed    = "decryption_failed"
	KindInvalidCredentials  = "invalid_credentials"
	KindKeyStoreUnavailable = "keystore_unavailable"
	KindInternal            = "internal"
)

// kinds is ordered: the first sentinel an error matches names its kind.
// Sync failures wrap the upstream cause, so they come before the remote
// kinds.
var kinds = []struct {
	kind string
	err  error
}{
	{KindInvalidCredentials, common.ErrInvalidCredentials},
	{KindCredentialExpired, common.ErrCredentialExpired},
	{KindCredentialNotFound, common.ErrCredentialNotFound},
	{KindDecryptionFailed, common.ErrDecryptionFailed},
	{KindEncryptionDegraded, common.ErrEncryptionDegraded},
	{KindKeyStoreUnavailable, common.ErrKeyStoreUnavailable},
	{KindDuplicateKey, common.ErrDuplicateKey},
	{KindInvalidTransition, common.ErrInvalidTransition},
	{KindNotFound, common.ErrNotFound},
	{KindInvalidArgument, common.ErrInvalidArgument},
	{KindSyncFailure, common.ErrSyncFailure},
	{KindRemoteUnavailable, common.ErrRemoteUnavailable},
	{KindRemoteRejected, common.ErrRemoteRejected},
	{KindUnauthorized, common.ErrUnauthorized},
	{KindStorageUnavailable, common.ErrStorageUnavailable},
}

// KindOf names the error kind of err; unknown errors are KindInternal.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// NewError converts err for the wire. Nil stays nil.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}

// Err turns a wire error back into a Go error that matches its sentinel
// with errors.Is.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	var sentinel error
	for _, k := range kinds {
		if k.kind == e.Kind {
			sentinel = k.err
			break
		}
	}
	return &remoteError{msg: e.Message, sentinel: sentinel}
}

type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }

// OK wraps data in a successful envelope.
func OK(data any) (*Envelope, error) {
	if data == nil {
		return &Envelope{Success: true}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Success: true, Data: b}, nil
}

// Fail wraps err in a failed envelope.
func Fail(err error) *Envelope {
	return &Envelope{Error: NewError(err)}
}

// Decode returns the carried error of a failed envelope, or unmarshals Data
// into out. out may be nil.
func (e *Envelope) Decode(out any) error {
	if !e.Success {
		if e.Error == nil {
			return &remoteError{msg: "request failed without error detail"}
		}
		return e.Error.Err()
	}
	if out == nil || len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}
