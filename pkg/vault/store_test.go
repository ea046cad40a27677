package vault

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogarcia/otp-keys/pkg/audit"
	"github.com/ogarcia/otp-keys/pkg/crypto"
	"github.com/ogarcia/otp-keys/pkg/otp"
)

const testPassword = "correct horse battery"

var testKDF = crypto.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "vault"), WithKDFParams(testKDF))
	require.NoError(t, s.Init([]byte(testPassword)))
	t.Cleanup(s.Lock)
	return s
}

func unlockedStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t)
	require.NoError(t, s.Unlock(context.Background(), StaticPassword([]byte(testPassword))))
	return s
}

func testCredential(t *testing.T, username, issuer string) *otp.Credential {
	t.Helper()
	secret, err := otp.Decode("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	c, err := otp.NewCredential(secret, username, issuer)
	require.NoError(t, err)
	return c
}

func TestInit(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{SaltFileName, MetaFileName, DBFileName} {
		info, err := os.Stat(filepath.Join(s.Path(), name))
		require.NoError(t, err, name)
		assert.Equal(t, os.FileMode(FileMode), info.Mode().Perm(), name)
	}

	data, err := os.ReadFile(filepath.Join(s.Path(), MetaFileName))
	require.NoError(t, err)
	var meta VaultMeta
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, testKDF, meta.KDF)

	assert.True(t, s.Exists())
	assert.False(t, s.IsUnlocked())

	err = s.Init([]byte("another password"))
	assert.ErrorIs(t, err, ErrVaultAlreadyExists)
}

func TestInitRejectsShortPassword(t *testing.T) {
	s := NewStore(t.TempDir(), WithKDFParams(testKDF))
	assert.ErrorIs(t, s.Init([]byte("short")), ErrPasswordTooShort)
	assert.False(t, s.Exists())
}

func TestUnlockLock(t *testing.T) {
	s := newTestStore(t)

	s.Lock() // no-op while locked

	require.NoError(t, s.Unlock(context.Background(), StaticPassword([]byte(testPassword))))
	assert.True(t, s.IsUnlocked())

	// Unlocking an open store is a no-op.
	require.NoError(t, s.Unlock(context.Background(), StaticPassword([]byte("ignored"))))

	s.Lock()
	assert.False(t, s.IsUnlocked())
}

func TestUnlockWrongPassword(t *testing.T) {
	s := newTestStore(t)

	err := s.Unlock(context.Background(), StaticPassword([]byte("wrong password")))
	assert.ErrorIs(t, err, ErrInvalidPassword)
	assert.False(t, s.IsUnlocked())
}

func TestUnlockMissingVault(t *testing.T) {
	s := NewStore(t.TempDir())
	err := s.Unlock(context.Background(), StaticPassword([]byte(testPassword)))
	assert.ErrorIs(t, err, ErrVaultNotFound)
}

func TestUnlockCancelledPromptLeavesStateUnchanged(t *testing.T) {
	s := newTestStore(t)

	cancelled := PrompterFunc(func(context.Context) ([]byte, error) {
		return nil, ErrPromptCancelled
	})
	err := s.Unlock(context.Background(), cancelled)
	assert.ErrorIs(t, err, ErrPromptCancelled)
	assert.False(t, s.IsUnlocked())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Unlock(ctx, StaticPassword([]byte(testPassword)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.IsUnlocked())

	// A cancelled prompt is not a failed attempt.
	state, err := s.GetLockState()
	require.NoError(t, err)
	assert.Zero(t, state.FailedAttempts)
}

func TestCredentialOperations(t *testing.T) {
	s := unlockedStore(t)
	c := testCredential(t, "alice", "example")

	_, err := s.Get(c.Identity())
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(c))

	got, err := s.Get(c.Identity())
	require.NoError(t, err)
	assert.True(t, c.Equal(got))

	// Upsert keeps one row per identity.
	updated := c.Clone()
	updated.Digits = 8
	require.NoError(t, s.Put(updated))

	got, err = s.Get(c.Identity())
	require.NoError(t, err)
	assert.Equal(t, 8, got.Digits)

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []otp.Identity{c.Identity()}, ids)

	require.NoError(t, s.Delete(c.Identity()))
	assert.ErrorIs(t, s.Delete(c.Identity()), ErrNotFound)

	_, err = s.Get(c.Identity())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentialsSurviveRelock(t *testing.T) {
	s := unlockedStore(t)
	alice := testCredential(t, "alice", "example")
	bob := testCredential(t, "bob", "example")
	require.NoError(t, s.Put(alice))
	require.NoError(t, s.Put(bob))

	s.Lock()

	reopened := NewStore(s.Path())
	require.NoError(t, reopened.Unlock(context.Background(), StaticPassword([]byte(testPassword))))
	defer reopened.Lock()

	ids, err := reopened.List()
	require.NoError(t, err)
	assert.Equal(t, []otp.Identity{alice.Identity(), bob.Identity()}, ids)

	got, err := reopened.Get(bob.Identity())
	require.NoError(t, err)
	assert.True(t, bob.Equal(got))
}

func TestSecretNotStoredInClear(t *testing.T) {
	s := unlockedStore(t)
	c := testCredential(t, "alice", "example")
	require.NoError(t, s.Put(c))
	s.Lock()

	data, err := os.ReadFile(filepath.Join(s.Path(), DBFileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), string(c.Secret))
	assert.NotContains(t, string(data), "alice")
}

func TestOperationsWhileLocked(t *testing.T) {
	s := newTestStore(t)
	c := testCredential(t, "alice", "example")

	_, err := s.Get(c.Identity())
	assert.ErrorIs(t, err, ErrVaultLocked)
	assert.ErrorIs(t, s.Put(c), ErrVaultLocked)
	assert.ErrorIs(t, s.Delete(c.Identity()), ErrVaultLocked)
	_, err = s.List()
	assert.ErrorIs(t, err, ErrVaultLocked)
}

func TestPutRejectsInvalidCredential(t *testing.T) {
	s := unlockedStore(t)
	err := s.Put(&otp.Credential{Username: "alice", Issuer: "example"})
	assert.ErrorIs(t, err, otp.ErrInvalidCredential)
}

func TestFailedAttemptTracking(t *testing.T) {
	s := newTestStore(t)
	wrong := StaticPassword([]byte("wrong password"))

	for i := 1; i < CooldownThreshold1; i++ {
		err := s.Unlock(context.Background(), wrong)
		require.ErrorIs(t, err, ErrInvalidPassword, "attempt %d", i)
	}

	err := s.Unlock(context.Background(), wrong)
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	state, err := s.GetLockState()
	require.NoError(t, err)
	assert.Equal(t, CooldownThreshold1, state.FailedAttempts)
	assert.Greater(t, s.RemainingCooldown(), CooldownDuration1-5*time.Second)

	// Even the right password is refused during cooldown.
	err = s.Unlock(context.Background(), StaticPassword([]byte(testPassword)))
	assert.ErrorIs(t, err, ErrCooldownActive)
	assert.False(t, s.IsUnlocked())
}

func TestSuccessfulUnlockClearsLockState(t *testing.T) {
	s := newTestStore(t)

	err := s.Unlock(context.Background(), StaticPassword([]byte("wrong password")))
	require.ErrorIs(t, err, ErrInvalidPassword)
	_, err = os.Stat(filepath.Join(s.Path(), LockFileName))
	require.NoError(t, err)

	require.NoError(t, s.Unlock(context.Background(), StaticPassword([]byte(testPassword))))
	_, err = os.Stat(filepath.Join(s.Path(), LockFileName))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestChangePassword(t *testing.T) {
	s := unlockedStore(t)
	c := testCredential(t, "alice", "example")
	require.NoError(t, s.Put(c))

	assert.ErrorIs(t, s.ChangePassword([]byte("not the password"), []byte("brand new password")), ErrInvalidPassword)
	require.NoError(t, s.ChangePassword([]byte(testPassword), []byte("brand new password")))
	s.Lock()

	err := s.Unlock(context.Background(), StaticPassword([]byte(testPassword)))
	assert.ErrorIs(t, err, ErrInvalidPassword)

	require.NoError(t, s.Unlock(context.Background(), StaticPassword([]byte("brand new password"))))
	got, err := s.Get(c.Identity())
	require.NoError(t, err)
	assert.True(t, c.Equal(got))
}

func TestChangePasswordFailureKeepsOldPassword(t *testing.T) {
	for _, name := range []string{SaltFileName + ".tmp", MetaFileName + ".tmp"} {
		t.Run(name, func(t *testing.T) {
			s := unlockedStore(t)
			c := testCredential(t, "alice", "example")
			require.NoError(t, s.Put(c))

			// A directory where the staged file goes makes the write fail.
			require.NoError(t, os.Mkdir(filepath.Join(s.Path(), name), DirMode))
			require.Error(t, s.ChangePassword([]byte(testPassword), []byte("another long password!")))
			s.Lock()

			err := s.Unlock(context.Background(), StaticPassword([]byte("another long password!")))
			assert.ErrorIs(t, err, ErrInvalidPassword)

			require.NoError(t, s.Unlock(context.Background(), StaticPassword([]byte(testPassword))))
			got, err := s.Get(c.Identity())
			require.NoError(t, err)
			assert.True(t, c.Equal(got))

			info, err := os.Stat(filepath.Join(s.Path(), name))
			require.NoError(t, err)
			assert.True(t, info.IsDir())
		})
	}
}

func TestAuditTrail(t *testing.T) {
	s := unlockedStore(t)
	c := testCredential(t, "alice", "example")
	require.NoError(t, s.Put(c))
	_, err := s.Get(c.Identity())
	require.NoError(t, err)
	require.NoError(t, s.Delete(c.Identity()))

	events, err := s.AuditLogger().ListEvents(0, time.Time{})
	require.NoError(t, err)

	ops := make([]string, 0, len(events))
	for _, e := range events {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []string{
		audit.OpVaultInit, audit.OpVaultUnlock,
		audit.OpCredentialPut, audit.OpCredentialGet, audit.OpCredentialDelete,
	}, ops)

	result, err := s.AuditLogger().Verify()
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
}

func TestReadAuditOnce(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "vault"), WithKDFParams(testKDF), WithReadAuditOnce())
	require.NoError(t, s.Init([]byte(testPassword)))
	require.NoError(t, s.Unlock(context.Background(), StaticPassword([]byte(testPassword))))
	t.Cleanup(s.Lock)

	alice := testCredential(t, "alice", "example")
	bob := testCredential(t, "bob", "example")
	require.NoError(t, s.Put(alice))
	require.NoError(t, s.Put(bob))

	for range 10 {
		for _, id := range []otp.Identity{alice.Identity(), bob.Identity()} {
			_, err := s.Get(id)
			require.NoError(t, err)
		}
	}

	events, err := s.AuditLogger().ListEvents(0, time.Time{})
	require.NoError(t, err)
	reads := 0
	for _, e := range events {
		if e.Operation == audit.OpCredentialGet {
			reads++
		}
	}
	assert.Equal(t, 2, reads)
}

func TestCheckIntegrity(t *testing.T) {
	s := newTestStore(t)

	result, err := s.CheckIntegrity()
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Errors)
	assert.True(t, result.DBIntegrity)
	assert.Equal(t, CurrentSchemaVersion, result.SchemaVersion)
}

func TestCheckIntegrityWithCorruption(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(), SaltFileName), []byte("short"), FileMode))
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(), MetaFileName), []byte("{"), FileMode))

	result, err := s.CheckIntegrity()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.MetaValid)
	assert.Len(t, result.Errors, 2)
}

func TestCheckIntegrityPermissions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.Chmod(filepath.Join(s.Path(), DBFileName), 0644))

	result, err := s.CheckIntegrity()
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.False(t, result.PermissionsValid)
}

func TestCheckDiskSpace(t *testing.T) {
	s := newTestStore(t)

	info, err := s.CheckDiskSpace()
	require.NoError(t, err)
	assert.Greater(t, info.Total, uint64(0))
	assert.LessOrEqual(t, info.Available, info.Total)
	assert.GreaterOrEqual(t, info.UsedPct, 0)
	assert.LessOrEqual(t, info.UsedPct, 100)
}
