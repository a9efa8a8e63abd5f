package vault

import (
	"context"
	"errors"
	"fmt"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"

	"github.com/dmitrijs2005/poskeeper/internal/common"
	"github.com/dmitrijs2005/poskeeper/internal/cryptox"
	"github.com/dmitrijs2005/poskeeper/internal/logging"
)

// EncryptionMode says how vault material is sealed.
type EncryptionMode string

const (
	// Strong seals to an age identity held in OS-backed secret storage.
	Strong EncryptionMode = "strong"
	// Degraded seals with a key derived from the machine id. Anyone with
	// read access to the host can reverse it.
	Degraded EncryptionMode = "degraded"
)

const (
	identityKeyName = "poskeeper:vault-identity"
	degradedSalt    = "poskeeper/vault/degraded/v1"

	envelopeStrong   = 1
	envelopeDegraded = 2
)

// envelope is the stored form of every sealed value. The mode travels with
// the data so a blob always opens the way it was sealed.
type envelope struct {
	Mode int    `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

type SealerOptions struct {
	// KeyStore holds the strong identity; nil means none is available.
	KeyStore KeyStore
	// MachineID feeds the degraded key. Defaults to MachineID().
	MachineID string
	// RequireStrong makes NewSealer fail instead of degrading.
	RequireStrong bool
}

// Sealer encrypts vault material in the strongest mode available.
type Sealer struct {
	mode        EncryptionMode
	identity    *age.X25519Identity
	degradedKey []byte
}

// NewSealer picks Strong when the keystore works and Degraded otherwise.
// Degrading is logged as a warning carrying common.ErrEncryptionDegraded.
func NewSealer(ctx context.Context, opts SealerOptions, log logging.Logger) (*Sealer, error) {
	machineID := opts.MachineID
	if machineID == "" {
		machineID = MachineID()
	}
	s := &Sealer{
		mode:        Degraded,
		degradedKey: cryptox.DeriveKey([]byte(machineID), []byte(degradedSalt)),
	}

	var cause error
	if opts.KeyStore == nil {
		cause = common.ErrKeyStoreUnavailable
	} else {
		id, err := loadIdentity(opts.KeyStore)
		if err == nil {
			s.mode = Strong
			s.identity = id
			return s, nil
		}
		cause = err
	}

	if opts.RequireStrong {
		return nil, fmt.Errorf("strong encryption required: %w", cause)
	}
	log.Warn(ctx, "credential vault running with degraded encryption",
		"mode", Degraded, "error", fmt.Errorf("%w: %v", common.ErrEncryptionDegraded, cause))
	return s, nil
}

func loadIdentity(ks KeyStore) (*age.X25519Identity, error) {
	raw, err := ks.Get(identityKeyName)
	if errors.Is(err, common.ErrNotFound) {
		id, gerr := age.GenerateX25519Identity()
		if gerr != nil {
			return nil, gerr
		}
		if perr := ks.Put(identityKeyName, []byte(id.String())); perr != nil {
			return nil, perr
		}
		return id, nil
	}
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(raw)
	return age.ParseX25519Identity(string(raw))
}

// Mode is the mode new material is sealed with.
func (s *Sealer) Mode() EncryptionMode { return s.mode }

// Seal encrypts plaintext in the current mode.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var (
		env envelope
		err error
	)
	if s.mode == Strong {
		env.Mode = envelopeStrong
		env.Data, err = cryptox.AgeSeal(s.identity.Recipient(), plaintext)
	} else {
		env.Mode = envelopeDegraded
		env.Data, err = cryptox.Seal(s.degradedKey, plaintext)
	}
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return cbor.Marshal(env)
}

// Open decrypts a sealed blob. Any failure, including a strong blob on a
// host whose keystore has gone away, is common.ErrDecryptionFailed.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	var env envelope
	if err := cbor.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", common.ErrDecryptionFailed, err)
	}

	var (
		out []byte
		err error
	)
	switch env.Mode {
	case envelopeStrong:
		if s.identity == nil {
			return nil, fmt.Errorf("%w: sealed with a keystore identity that is not available", common.ErrDecryptionFailed)
		}
		out, err = cryptox.AgeOpen(s.identity, env.Data)
	case envelopeDegraded:
		out, err = cryptox.Open(s.degradedKey, env.Data)
	default:
		return nil, fmt.Errorf("%w: unknown envelope mode %d", common.ErrDecryptionFailed, env.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return out, nil
}
