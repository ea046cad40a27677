package vault

import (
	"context"
	"errors"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// Errors shared by every backend.
var (
	ErrVaultLocked        = errors.New("vault: vault is locked")
	ErrNotFound           = errors.New("vault: credential not found")
	ErrInvalidPassword    = errors.New("vault: invalid master password")
	ErrPromptCancelled    = errors.New("vault: unlock prompt cancelled")
	ErrVaultNotFound      = errors.New("vault: vault not found at this path")
	ErrVaultAlreadyExists = errors.New("vault: vault already exists at this path")
)

// Backend is the secure storage behind a Vault. Implementations own the lock
// state; it may change at any time without the Vault being told.
type Backend interface {
	IsUnlocked() bool
	// Unlock obtains a password from p and opens the backend. A cancelled
	// prompt returns ErrPromptCancelled or the context error and leaves the
	// lock state unchanged.
	Unlock(ctx context.Context, p Prompter) error
	// Get returns ErrNotFound when no record exists for id.
	Get(id otp.Identity) (*otp.Credential, error)
	// Put inserts or replaces the record for c.Identity().
	Put(c *otp.Credential) error
	// Delete returns ErrNotFound when no record exists for id.
	Delete(id otp.Identity) error
	List() ([]otp.Identity, error)
}

// Prompter supplies the master password, usually by asking a human.
type Prompter interface {
	Password(ctx context.Context) ([]byte, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context) ([]byte, error)

// Password calls f.
func (f PrompterFunc) Password(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

// StaticPassword returns a Prompter that always answers with password.
func StaticPassword(password []byte) Prompter {
	return PrompterFunc(func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return append([]byte(nil), password...), nil
	})
}

// isCancellation reports whether err means the user or caller gave up on the
// unlock prompt.
func isCancellation(err error) bool {
	return errors.Is(err, ErrPromptCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
