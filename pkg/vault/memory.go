package vault

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/samber/lo"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// MemoryBackend keeps credentials in process memory. With a nil password it
// starts unlocked; otherwise Unlock must be given the same password.
type MemoryBackend struct {
	mu       sync.RWMutex
	password []byte
	unlocked bool
	records  map[otp.Identity]*otp.Credential
	order    []otp.Identity
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend(password []byte) *MemoryBackend {
	return &MemoryBackend{
		password: append([]byte(nil), password...),
		unlocked: len(password) == 0,
		records:  make(map[otp.Identity]*otp.Credential),
	}
}

// IsUnlocked implements Backend.
func (m *MemoryBackend) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unlocked
}

// Unlock implements Backend.
func (m *MemoryBackend) Unlock(ctx context.Context, p Prompter) error {
	m.mu.RLock()
	unlocked := m.unlocked
	m.mu.RUnlock()
	if unlocked {
		return nil
	}

	// The prompt may block on a human; never hold the lock across it.
	password, err := p.Password(ctx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if subtle.ConstantTimeCompare(password, m.password) != 1 {
		return ErrInvalidPassword
	}
	m.unlocked = true
	return nil
}

// Lock relocks the backend, as an expiring session would.
func (m *MemoryBackend) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.password) > 0 {
		m.unlocked = false
	}
}

// Get implements Backend.
func (m *MemoryBackend) Get(id otp.Identity) (*otp.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return nil, ErrVaultLocked
	}
	c, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Put implements Backend.
func (m *MemoryBackend) Put(c *otp.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return ErrVaultLocked
	}
	id := c.Identity()
	if _, ok := m.records[id]; !ok {
		m.order = append(m.order, id)
	}
	m.records[id] = c.Clone()
	return nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(id otp.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return ErrVaultLocked
	}
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	m.order = lo.Without(m.order, id)
	return nil
}

// List implements Backend.
func (m *MemoryBackend) List() ([]otp.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return nil, ErrVaultLocked
	}
	return append([]otp.Identity(nil), m.order...), nil
}

// Len returns the number of stored credentials regardless of lock state.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
