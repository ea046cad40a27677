package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogarcia/otp-keys/pkg/crypto"
	"github.com/ogarcia/otp-keys/pkg/otp"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

const testPassword = "correct horse battery"

var testKDF = crypto.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

type fixture struct {
	vaultPath string
	indexPath string
	id        otp.Identity
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	root := t.TempDir()
	f := fixture{
		vaultPath: filepath.Join(root, "vault"),
		indexPath: filepath.Join(root, "settings.yaml"),
	}

	s := vault.NewStore(f.vaultPath, vault.WithKDFParams(testKDF))
	require.NoError(t, s.Init([]byte(testPassword)))
	require.NoError(t, s.Unlock(context.Background(), vault.StaticPassword([]byte(testPassword))))
	secret, err := otp.Decode("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	c, err := otp.NewCredential(secret, "alice", "GitHub")
	require.NoError(t, err)
	require.NoError(t, s.Put(c))
	s.Lock()
	f.id = c.Identity()

	require.NoError(t, os.WriteFile(f.indexPath, []byte("credentials:\n  - alice:GitHub\n"), 0600))
	return f
}

func (f fixture) backup(t *testing.T, opts Options) string {
	t.Helper()
	opts.VaultPath = f.vaultPath
	opts.IndexPath = f.indexPath
	opts.KDF = testKDF
	opts.CredentialCount = 1

	var buf bytes.Buffer
	require.NoError(t, Backup(&buf, opts))
	path := filepath.Join(t.TempDir(), "otpkeys.bak")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	path := f.backup(t, Options{Password: []byte("backup-pass"), IncludeAudit: true})

	target := t.TempDir()
	opts := RestoreOptions{
		VaultPath: filepath.Join(target, "vault"),
		IndexPath: filepath.Join(target, "settings.yaml"),
		Password:  []byte("backup-pass"),
		WithAudit: true,
	}
	result, err := Restore(path, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result.CredentialsRestored)
	assert.True(t, result.IndexRestored)
	assert.True(t, result.AuditRestored)

	index, err := os.ReadFile(opts.IndexPath)
	require.NoError(t, err)
	assert.Contains(t, string(index), "alice:GitHub")

	s := vault.NewStore(opts.VaultPath)
	require.NoError(t, s.Unlock(context.Background(), vault.StaticPassword([]byte(testPassword))))
	defer s.Lock()
	c, err := s.Get(f.id)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username)

	_, err = os.Stat(filepath.Join(opts.VaultPath, vault.AuditDirName))
	assert.NoError(t, err)
}

func TestRestoreWithKeyFile(t *testing.T) {
	f := newFixture(t)
	keyFile := filepath.Join(t.TempDir(), "backup.key")
	require.NoError(t, GenerateKeyFile(keyFile))
	path := f.backup(t, Options{KeyFile: keyFile})

	result := Verify(path, nil, keyFile)
	require.True(t, result.Valid, result.Error)
	assert.Equal(t, FormatVersion, result.Version)

	_, err := Restore(path, RestoreOptions{
		VaultPath: filepath.Join(t.TempDir(), "vault"),
		Password:  []byte("not used"),
	})
	assert.Error(t, err)
}

func TestGenerateKeyFileRefusesExisting(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "backup.key")
	require.NoError(t, GenerateKeyFile(keyFile))
	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Error(t, GenerateKeyFile(keyFile))
}

func TestVerifyWrongPassword(t *testing.T) {
	f := newFixture(t)
	path := f.backup(t, Options{Password: []byte("backup-pass")})

	result := Verify(path, []byte("wrong"), "")
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, ErrIntegrityFailed.Error())
}

func TestVerifyDetectsTampering(t *testing.T) {
	f := newFixture(t)
	path := f.backup(t, Options{Password: []byte("backup-pass")})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-HMACLength-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	assert.False(t, Verify(path, []byte("backup-pass"), "").Valid)
}

func TestVerifyRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("not a backup at all"), 0600))

	result := Verify(path, []byte("x"), "")
	assert.False(t, result.Valid)
	assert.Contains(t, result.Error, "magic")
}

func TestVerifyTruncated(t *testing.T) {
	f := newFixture(t)
	path := f.backup(t, Options{Password: []byte("backup-pass")})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0600))

	_, err = Restore(path, RestoreOptions{VaultPath: t.TempDir(), Password: []byte("backup-pass")})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestRestoreRefusesExistingVault(t *testing.T) {
	f := newFixture(t)
	path := f.backup(t, Options{Password: []byte("backup-pass")})

	_, err := Restore(path, RestoreOptions{VaultPath: f.vaultPath, Password: []byte("backup-pass")})
	assert.ErrorIs(t, err, ErrTargetExists)

	result, err := Restore(path, RestoreOptions{
		VaultPath: f.vaultPath,
		IndexPath: f.indexPath,
		Password:  []byte("backup-pass"),
		Overwrite: true,
	})
	require.NoError(t, err)
	assert.True(t, result.IndexRestored)

	entries, err := os.ReadDir(filepath.Dir(f.vaultPath))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".old-")
		assert.NotContains(t, e.Name(), ".otpkeys-restore-")
	}
}

func TestRestoreDryRunWritesNothing(t *testing.T) {
	f := newFixture(t)
	path := f.backup(t, Options{Password: []byte("backup-pass")})

	target := filepath.Join(t.TempDir(), "vault")
	result, err := Restore(path, RestoreOptions{VaultPath: target, Password: []byte("backup-pass"), DryRun: true})
	require.NoError(t, err)
	assert.True(t, result.DryRun)

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestBackupWithoutIndex(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.Remove(f.indexPath))
	path := f.backup(t, Options{Password: []byte("backup-pass")})

	result, err := Restore(path, RestoreOptions{
		VaultPath: filepath.Join(t.TempDir(), "vault"),
		IndexPath: filepath.Join(t.TempDir(), "settings.yaml"),
		Password:  []byte("backup-pass"),
	})
	require.NoError(t, err)
	assert.False(t, result.IndexRestored)
}

func TestBackupEmptyPassword(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	err := Backup(&buf, Options{VaultPath: f.vaultPath, KDF: testKDF})
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := &Header{Version: FormatVersion, EncryptionMode: EncryptionModeKey, CredentialCount: 3}
	require.NoError(t, WriteHeader(&buf, h))

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, EncryptionModeKey, got.EncryptionMode)
	assert.Equal(t, 3, got.CredentialCount)
}

func TestReadHeaderNewerVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, &Header{Version: FormatVersion + 1}))
	_, err := ReadHeader(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
