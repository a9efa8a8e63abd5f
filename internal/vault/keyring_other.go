//go:build !linux

package vault

import (
	"fmt"
	"runtime"

	"github.com/dmitrijs2005/poskeeper/internal/common"
)

// OpenKeyStore has no OS-backed implementation outside Linux yet; the vault
// runs degraded there.
func OpenKeyStore() (KeyStore, error) {
	return nil, fmt.Errorf("%w: no keystore on %s", common.ErrKeyStoreUnavailable, runtime.GOOS)
}
