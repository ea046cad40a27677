// Package vault stores OTP credentials behind a lock.
//
// Vault is the engine-facing facade: it re-checks the backend's lock state on
// every call, turns prompt cancellation into a plain "not unlocked" answer and
// makes deletion idempotent. Store is the on-disk backend (SQLite with an
// Argon2id-wrapped data key); MemoryBackend serves tests and ephemeral use.
package vault

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// Vault guards credential access with the backend's lock state.
type Vault struct {
	backend  Backend
	prompter Prompter
	log      *zap.Logger
}

// New wraps backend. prompter is consulted by Unlock; log may be nil.
func New(backend Backend, prompter Prompter, log *zap.Logger) *Vault {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{
		backend:  backend,
		prompter: prompter,
		log:      log.Named("vault"),
	}
}

// Backend returns the wrapped backend.
func (v *Vault) Backend() Backend {
	return v.backend
}

// IsUnlocked asks the backend; the answer is never cached.
func (v *Vault) IsUnlocked() bool {
	return v.backend.IsUnlocked()
}

// Unlock asks the backend to unlock. It reports false without an error when
// the prompt was cancelled, and true when the vault was already open.
func (v *Vault) Unlock(ctx context.Context) (bool, error) {
	if v.backend.IsUnlocked() {
		return true, nil
	}
	if v.prompter == nil {
		return false, fmt.Errorf("vault: no password prompter configured")
	}

	err := v.backend.Unlock(ctx, v.prompter)
	switch {
	case err == nil:
		v.log.Info("vault unlocked")
		return true, nil
	case isCancellation(err):
		v.log.Debug("unlock cancelled")
		return false, nil
	default:
		v.log.Warn("unlock failed", zap.Error(err))
		return false, err
	}
}

// Get returns the credential for id, or nil when none is stored.
func (v *Vault) Get(id otp.Identity) (*otp.Credential, error) {
	if !v.backend.IsUnlocked() {
		return nil, ErrVaultLocked
	}
	c, err := v.backend.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Put validates c and upserts it by identity.
func (v *Vault) Put(c *otp.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if !v.backend.IsUnlocked() {
		return ErrVaultLocked
	}
	return v.backend.Put(c)
}

// Delete removes the credential for id. Deleting an absent credential is not
// an error.
func (v *Vault) Delete(id otp.Identity) error {
	if !v.backend.IsUnlocked() {
		return ErrVaultLocked
	}
	err := v.backend.Delete(id)
	if errors.Is(err, ErrNotFound) {
		v.log.Debug("delete of absent credential", zap.Stringer("identity", id))
		return nil
	}
	return err
}

// List returns every stored identity.
func (v *Vault) List() ([]otp.Identity, error) {
	if !v.backend.IsUnlocked() {
		return nil, ErrVaultLocked
	}
	return v.backend.List()
}
