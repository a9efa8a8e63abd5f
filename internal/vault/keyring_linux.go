//go:build linux

package vault

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dmitrijs2005/poskeeper/internal/common"
)

const keyType = "user"

// KernelKeyring stores secrets as "user" keys in the calling user's kernel
// keyring. Keys live in kernel memory only and do not survive a reboot.
type KernelKeyring struct {
	ring int
}

// OpenKeyStore returns the kernel keyring of the current user, or an error
// wrapping common.ErrKeyStoreUnavailable when the kernel refuses access
// (containers, seccomp profiles, missing session).
func OpenKeyStore() (KeyStore, error) {
	id, err := unix.KeyctlGetKeyringID(unix.KEY_SPEC_USER_KEYRING, true)
	if err != nil {
		return nil, fmt.Errorf("%w: user keyring: %v", common.ErrKeyStoreUnavailable, err)
	}
	return &KernelKeyring{ring: id}, nil
}

func (k *KernelKeyring) Get(name string) ([]byte, error) {
	id, err := unix.KeyctlSearch(k.ring, keyType, name, 0)
	if err != nil {
		if errors.Is(err, unix.ENOKEY) {
			return nil, fmt.Errorf("%w: key %q", common.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: search %q: %v", common.ErrKeyStoreUnavailable, name, err)
	}

	size, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", common.ErrKeyStoreUnavailable, name, err)
	}
	buf := make([]byte, size)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", common.ErrKeyStoreUnavailable, name, err)
	}
	if n < len(buf) {
		buf = buf[:n]
	}
	return buf, nil
}

func (k *KernelKeyring) Put(name string, value []byte) error {
	if _, err := unix.AddKey(keyType, name, value, k.ring); err != nil {
		return fmt.Errorf("%w: add %q: %v", common.ErrKeyStoreUnavailable, name, err)
	}
	return nil
}
