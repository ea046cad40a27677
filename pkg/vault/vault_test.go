package vault

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

func lockedVault(t *testing.T) (*Vault, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend([]byte(testPassword))
	return New(backend, StaticPassword([]byte(testPassword)), nil), backend
}

func TestVaultUnlock(t *testing.T) {
	v, _ := lockedVault(t)
	assert.False(t, v.IsUnlocked())

	ok, err := v.Unlock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, v.IsUnlocked())

	ok, err = v.Unlock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "already unlocked")
}

func TestVaultUnlockCancelled(t *testing.T) {
	backend := NewMemoryBackend([]byte(testPassword))

	for name, prompter := range map[string]Prompter{
		"prompt dismissed": PrompterFunc(func(context.Context) ([]byte, error) {
			return nil, ErrPromptCancelled
		}),
		"context cancelled": PrompterFunc(func(ctx context.Context) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	} {
		t.Run(name, func(t *testing.T) {
			v := New(backend, prompter, nil)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			ok, err := v.Unlock(ctx)
			assert.NoError(t, err)
			assert.False(t, ok)
			assert.False(t, v.IsUnlocked())
		})
	}
}

func TestVaultUnlockWrongPassword(t *testing.T) {
	backend := NewMemoryBackend([]byte(testPassword))
	v := New(backend, StaticPassword([]byte("nope")), nil)

	ok, err := v.Unlock(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidPassword)
	assert.False(t, v.IsUnlocked())
}

func TestVaultUnlockWithoutPrompter(t *testing.T) {
	v := New(NewMemoryBackend([]byte(testPassword)), nil, nil)
	ok, err := v.Unlock(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestVaultLockedOperations(t *testing.T) {
	v, backend := lockedVault(t)
	c := testCredential(t, "alice", "example")

	_, err := v.Get(c.Identity())
	assert.ErrorIs(t, err, ErrVaultLocked)
	assert.ErrorIs(t, v.Put(c), ErrVaultLocked)
	assert.ErrorIs(t, v.Delete(c.Identity()), ErrVaultLocked)
	_, err = v.List()
	assert.ErrorIs(t, err, ErrVaultLocked)

	assert.Zero(t, backend.Len())
}

func TestVaultGetPutDelete(t *testing.T) {
	v, _ := lockedVault(t)
	_, err := v.Unlock(context.Background())
	require.NoError(t, err)

	c := testCredential(t, "alice", "example")

	got, err := v.Get(c.Identity())
	require.NoError(t, err)
	assert.Nil(t, got, "absent credential is nil, not an error")

	require.NoError(t, v.Put(c))
	got, err = v.Get(c.Identity())
	require.NoError(t, err)
	assert.True(t, c.Equal(got))

	require.NoError(t, v.Delete(c.Identity()))
	require.NoError(t, v.Delete(c.Identity()), "second delete is a no-op")

	got, err = v.Get(c.Identity())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestVaultPutValidatesBeforeLockCheck(t *testing.T) {
	v, _ := lockedVault(t)
	err := v.Put(&otp.Credential{Username: "alice"})
	assert.ErrorIs(t, err, otp.ErrInvalidCredential)
}

func TestVaultRechecksLockState(t *testing.T) {
	v, backend := lockedVault(t)
	_, err := v.Unlock(context.Background())
	require.NoError(t, err)

	c := testCredential(t, "alice", "example")
	require.NoError(t, v.Put(c))

	// The backend relocks behind the vault's back.
	backend.Lock()

	assert.False(t, v.IsUnlocked())
	_, err = v.Get(c.Identity())
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestVaultPropagatesBackendErrors(t *testing.T) {
	boom := errors.New("backend exploded")
	v := New(failingBackend{err: boom}, nil, nil)

	_, err := v.Get(otp.Identity{Username: "a", Issuer: "b"})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, v.Delete(otp.Identity{Username: "a", Issuer: "b"}), boom)
}

func TestVaultLogsUnlock(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	backend := NewMemoryBackend([]byte(testPassword))
	v := New(backend, StaticPassword([]byte(testPassword)), zap.New(core))

	_, err := v.Unlock(context.Background())
	require.NoError(t, err)

	entries := logs.FilterMessage("vault unlocked").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "vault", entries[0].LoggerName)
	for _, e := range logs.All() {
		assert.NotContains(t, e.Message, testPassword)
	}
}

// failingBackend is unlocked but fails every data operation.
type failingBackend struct{ err error }

func (f failingBackend) IsUnlocked() bool                         { return true }
func (f failingBackend) Unlock(context.Context, Prompter) error   { return nil }
func (f failingBackend) Get(otp.Identity) (*otp.Credential, error) { return nil, f.err }
func (f failingBackend) Put(*otp.Credential) error                { return f.err }
func (f failingBackend) Delete(otp.Identity) error                { return f.err }
func (f failingBackend) List() ([]otp.Identity, error)            { return nil, f.err }
