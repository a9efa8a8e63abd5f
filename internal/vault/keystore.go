package vault

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dmitrijs2005/poskeeper/internal/common"
)

// KeyStore is OS-backed secret storage for the vault's sealing identity.
// Get returns common.ErrNotFound for an unknown name.
type KeyStore interface {
	Get(name string) ([]byte, error)
	Put(name string, value []byte) error
}

// MemoryKeyStore keeps secrets in process memory.
type MemoryKeyStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{data: make(map[string][]byte)}
}

func (m *MemoryKeyStore) Get(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[name]
	if !ok {
		return nil, fmt.Errorf("%w: key %q", common.ErrNotFound, name)
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKeyStore) Put(name string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]byte(nil), value...)
	return nil
}

// MachineID returns a stable host identifier: the systemd or dbus machine id
// when present, the hostname otherwise.
func MachineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(p); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return "machine:" + id
			}
		}
	}
	host, _ := os.Hostname()
	return "host:" + host
}
