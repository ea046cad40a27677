package directory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ogarcia/otp-keys/pkg/otp"
	"github.com/ogarcia/otp-keys/pkg/settings"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

const testPassword = "correct horse battery"

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) record(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) all() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

type fixture struct {
	dir     *Directory
	backend *vault.MemoryBackend
	store   settings.Store
	changes *changeLog
}

func newFixture(t *testing.T, store settings.Store, password string) *fixture {
	t.Helper()
	backend := vault.NewMemoryBackend([]byte(password))
	v := vault.New(backend, vault.StaticPassword([]byte(testPassword)), nil)
	d := New(v, store, zaptest.NewLogger(t))
	t.Cleanup(d.Close)

	f := &fixture{dir: d, backend: backend, store: store, changes: &changeLog{}}
	d.Subscribe(f.changes.record)
	return f
}

// openFixture is an unlocked, synchronised directory over an in-memory store.
func openFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, settings.NewMemoryStore(), "")
	require.NoError(t, f.dir.Synchronize())
	return f
}

func credential(t *testing.T, username, issuer string) *otp.Credential {
	t.Helper()
	secret, err := otp.Decode("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	c, err := otp.NewCredential(secret, username, issuer)
	require.NoError(t, err)
	return c
}

func TestEndToEnd(t *testing.T) {
	f := openFixture(t)
	before := f.dir.Len()

	alice := credential(t, "alice", "example")
	require.NoError(t, f.dir.Append(alice))
	assert.Equal(t, before+1, f.dir.Len())
	assert.Equal(t, []string{"alice:example"}, f.store.GetStrv(settings.KeySecretList))

	code, err := f.dir.Code(alice.Identity(), 59)
	require.NoError(t, err)
	assert.Equal(t, "996554", code)

	code, err = f.dir.Code(alice.Identity(), 0)
	require.NoError(t, err)
	assert.Equal(t, "282760", code)

	require.NoError(t, f.dir.Remove(alice.Identity()))
	assert.Equal(t, before, f.dir.Len())
	assert.Empty(t, f.store.GetStrv(settings.KeySecretList))
	assert.Zero(t, f.backend.Len())

	_, err = f.dir.Code(alice.Identity(), 59)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	assert.Equal(t, []Change{
		{Position: 0, Removed: 0, Inserted: 0},
		{Position: 0, Inserted: 1},
		{Position: 0, Removed: 1},
	}, f.changes.all())
}

func TestEntriesHoldNoSecret(t *testing.T) {
	f := openFixture(t)
	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))

	e, ok := f.dir.At(0)
	require.True(t, ok)
	assert.Equal(t, Entry{
		Username:  "alice",
		Issuer:    "example",
		Period:    otp.DefaultPeriod,
		Digits:    otp.DefaultDigits,
		Algorithm: otp.DefaultAlgorithm,
	}, e)

	_, ok = f.dir.At(1)
	assert.False(t, ok)
}

func TestAppendDuplicate(t *testing.T) {
	f := openFixture(t)
	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))

	err := f.dir.Append(credential(t, "alice", "example"))
	assert.ErrorIs(t, err, ErrDuplicateCredential)
	assert.Equal(t, 1, f.dir.Len())
	assert.Len(t, f.store.GetStrv(settings.KeySecretList), 1)

	// Same username, other issuer is a different credential.
	require.NoError(t, f.dir.Append(credential(t, "alice", "other")))
	assert.Equal(t, 2, f.dir.Len())
}

func TestAppendInvalidCredential(t *testing.T) {
	f := openFixture(t)
	err := f.dir.Append(&otp.Credential{Username: "alice"})
	assert.ErrorIs(t, err, otp.ErrInvalidCredential)
	assert.Zero(t, f.backend.Len())
	assert.Empty(t, f.store.GetStrv(settings.KeySecretList))
}

func TestColonIssuerSurvivesSynchronize(t *testing.T) {
	f := openFixture(t)
	secret := credential(t, "bob", "example").Secret

	// Three separators in the issuer would make the index entry look legacy.
	legacyShaped := &otp.Credential{Secret: secret, Username: "bob", Issuer: "corp:eu:prod:x",
		Period: otp.DefaultPeriod, Digits: otp.DefaultDigits, Algorithm: otp.DefaultAlgorithm}
	assert.ErrorIs(t, f.dir.Append(legacyShaped), otp.ErrInvalidCredential)
	assert.Zero(t, f.backend.Len())
	assert.Empty(t, f.store.GetStrv(settings.KeySecretList))

	c, err := otp.NewCredential(secret, "bob", "corp:eu:prod")
	require.NoError(t, err)
	require.NoError(t, f.dir.Append(c))
	assert.ErrorIs(t, f.dir.Replace(c.Identity(), legacyShaped), otp.ErrInvalidCredential)

	require.NoError(t, f.dir.Synchronize())
	assert.Equal(t, 1, f.dir.Len())
	assert.Equal(t, []string{"bob:corp:eu:prod"}, f.store.GetStrv(settings.KeySecretList))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	f := openFixture(t)
	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))

	require.NoError(t, f.dir.Remove(otp.Identity{Username: "bob", Issuer: "example"}))
	assert.Equal(t, 1, f.dir.Len())
	assert.Len(t, f.changes.all(), 2)
}

func TestRemoveMiddle(t *testing.T) {
	f := openFixture(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		require.NoError(t, f.dir.Append(credential(t, name, "example")))
	}

	require.NoError(t, f.dir.Remove(otp.Identity{Username: "bob", Issuer: "example"}))
	assert.Equal(t, []string{"alice:example", "carol:example"}, f.store.GetStrv(settings.KeySecretList))
	changes := f.changes.all()
	assert.Equal(t, Change{Position: 1, Removed: 1}, changes[len(changes)-1])
}

func TestReplace(t *testing.T) {
	f := openFixture(t)
	alice := credential(t, "alice", "example")
	bob := credential(t, "bob", "example")
	require.NoError(t, f.dir.Append(alice))
	require.NoError(t, f.dir.Append(bob))

	t.Run("same identity", func(t *testing.T) {
		edited, err := otp.NewCredential(alice.Secret, "alice", "example", otp.WithDigits(8))
		require.NoError(t, err)
		require.NoError(t, f.dir.Replace(alice.Identity(), edited))

		e, _ := f.dir.At(0)
		assert.Equal(t, 8, e.Digits)
		changes := f.changes.all()
		assert.Equal(t, Change{Position: 0, Removed: 1, Inserted: 1}, changes[len(changes)-1])
	})

	t.Run("renamed", func(t *testing.T) {
		renamed := credential(t, "robert", "example")
		require.NoError(t, f.dir.Replace(bob.Identity(), renamed))

		assert.Equal(t, []string{"alice:example", "robert:example"}, f.store.GetStrv(settings.KeySecretList))
		_, err := f.dir.Credential(bob.Identity())
		assert.ErrorIs(t, err, vault.ErrNotFound)
		assert.Equal(t, 2, f.backend.Len())
	})

	t.Run("collision", func(t *testing.T) {
		err := f.dir.Replace(alice.Identity(), credential(t, "robert", "example"))
		assert.ErrorIs(t, err, ErrDuplicateCredential)
		e, _ := f.dir.At(0)
		assert.Equal(t, "alice", e.Username)
	})

	t.Run("unknown target", func(t *testing.T) {
		before := len(f.changes.all())
		require.NoError(t, f.dir.Replace(otp.Identity{Username: "zed", Issuer: "example"}, credential(t, "zed", "example")))
		assert.Len(t, f.changes.all(), before)
		assert.Equal(t, -1, f.dir.Find(otp.Identity{Username: "zed", Issuer: "example"}))
	})
}

func TestSynchronizeSkipsMissingAndDuplicates(t *testing.T) {
	f := openFixture(t)
	require.NoError(t, f.backend.Put(credential(t, "alice", "example")))
	require.NoError(t, f.backend.Put(credential(t, "bob", "example")))

	require.NoError(t, f.store.SetStrv(settings.KeySecretList, []string{
		"alice:example",
		"ghost:example",
		"alice:example",
		"not-an-identity",
		"bob:example",
	}))

	assert.Equal(t, []otp.Identity{
		{Username: "alice", Issuer: "example"},
		{Username: "bob", Issuer: "example"},
	}, identities(f.dir.Items()))
	// The index itself is left as it was.
	assert.Len(t, f.store.GetStrv(settings.KeySecretList), 5)
}

func TestSynchronizeReportsWholeList(t *testing.T) {
	f := openFixture(t)
	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))
	require.NoError(t, f.dir.Append(credential(t, "bob", "example")))

	require.NoError(t, f.dir.Synchronize())
	changes := f.changes.all()
	assert.Equal(t, Change{Position: 0, Removed: 2, Inserted: 2}, changes[len(changes)-1])
}

func TestMigrationIsIdempotent(t *testing.T) {
	store := settings.NewMemoryStore()
	alice := credential(t, "alice", "")
	bob, err := otp.NewCredential(alice.Secret, "bob", "", otp.WithPeriod(60), otp.WithDigits(8), otp.WithAlgorithm(otp.SHA256))
	require.NoError(t, err)

	require.NoError(t, store.SetStrv(settings.KeySecretList, []string{
		otp.FormatLegacy(alice),
		"!!!!:broken:30:6:sha1",
		otp.FormatLegacy(bob),
	}))

	f := newFixture(t, store, "")
	var runs [][2]int
	f.dir.OnMigrate(func(migrated, dropped int) { runs = append(runs, [2]int{migrated, dropped}) })
	require.NoError(t, f.dir.Synchronize())

	want := []string{"alice:" + otp.DefaultIssuer, "bob:" + otp.DefaultIssuer}
	assert.Equal(t, want, store.GetStrv(settings.KeySecretList))
	first := f.dir.Items()
	require.Len(t, first, 2)
	assert.Equal(t, 60, first[1].Period)
	assert.Equal(t, otp.SHA256, first[1].Algorithm)

	got, err := f.dir.Credential(bob.Identity())
	require.NoError(t, err)
	assert.True(t, bob.Equal(got))

	require.NoError(t, f.dir.Synchronize())
	assert.Equal(t, want, store.GetStrv(settings.KeySecretList))
	assert.Equal(t, first, f.dir.Items())
	assert.Equal(t, 2, f.backend.Len())
	assert.Equal(t, [][2]int{{2, 1}}, runs)
}

func TestMigrationKeepsMixedOrder(t *testing.T) {
	store := settings.NewMemoryStore()
	f := newFixture(t, store, "")
	carol := credential(t, "carol", "example")
	require.NoError(t, f.backend.Put(carol))

	require.NoError(t, store.SetStrv(settings.KeySecretList, []string{
		"carol:example",
		otp.FormatLegacy(credential(t, "alice", "")),
	}))

	assert.Equal(t, []string{"carol:example", "alice:" + otp.DefaultIssuer}, store.GetStrv(settings.KeySecretList))
	assert.Equal(t, 2, f.dir.Len())
}

func TestSelfWriteSuppression(t *testing.T) {
	f := openFixture(t)
	base := len(f.changes.all())

	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))
	assert.Equal(t, []Change{{Position: 0, Inserted: 1}}, f.changes.all()[base:], "own write must not trigger a resync")

	// Another writer on the same index.
	require.NoError(t, f.backend.Put(credential(t, "bob", "example")))
	other := append(f.store.GetStrv(settings.KeySecretList), "bob:example")
	require.NoError(t, f.store.SetStrv(settings.KeySecretList, other))

	assert.Equal(t, 2, f.dir.Len())
	assert.Equal(t, []Change{
		{Position: 0, Inserted: 1},
		{Position: 0, Removed: 1, Inserted: 2},
	}, f.changes.all()[base:])
}

func TestSelfWriteSuppressionAcrossProcesses(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	store, err := settings.NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Watch(context.Background()))

	f := newFixture(t, store, "")
	require.NoError(t, f.dir.Synchronize())
	base := len(f.changes.all())

	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))
	assert.Never(t, func() bool {
		return len(f.changes.all()) != base+1
	}, 300*time.Millisecond, 10*time.Millisecond, "the fsnotify echo of an own write must be ignored")

	// A second process adds bob to the vault and the index.
	require.NoError(t, f.backend.Put(credential(t, "bob", "example")))
	writer, err := settings.NewFileStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, writer.SetStrv(settings.KeySecretList, []string{"alice:example", "bob:example"}))

	require.Eventually(t, func() bool {
		return f.dir.Len() == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLockedVault(t *testing.T) {
	store := settings.NewMemoryStore()
	require.NoError(t, store.SetStrv(settings.KeySecretList, []string{"alice:example"}))
	f := newFixture(t, store, testPassword)

	require.NoError(t, f.dir.Synchronize())
	assert.True(t, f.dir.Locked())
	assert.Zero(t, f.dir.Len())

	alice := credential(t, "alice", "example")
	assert.ErrorIs(t, f.dir.Append(alice), vault.ErrVaultLocked)
	assert.ErrorIs(t, f.dir.Remove(alice.Identity()), vault.ErrVaultLocked)
	assert.ErrorIs(t, f.dir.Replace(alice.Identity(), alice), vault.ErrVaultLocked)
	_, err := f.dir.Code(alice.Identity(), 0)
	assert.ErrorIs(t, err, vault.ErrVaultLocked)

	assert.Equal(t, []string{"alice:example"}, store.GetStrv(settings.KeySecretList))
	assert.Zero(t, f.backend.Len())
}

func TestUnlockLoadsList(t *testing.T) {
	store := settings.NewMemoryStore()
	f := newFixture(t, store, testPassword)
	require.NoError(t, f.dir.Synchronize())
	require.True(t, f.dir.Locked())

	ok, err := f.dir.Unlock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, f.dir.Locked())

	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))
	assert.Equal(t, 1, f.dir.Len())
}

func TestUnlockCancelled(t *testing.T) {
	backend := vault.NewMemoryBackend([]byte(testPassword))
	v := vault.New(backend, vault.PrompterFunc(func(context.Context) ([]byte, error) {
		return nil, vault.ErrPromptCancelled
	}), nil)
	d := New(v, settings.NewMemoryStore(), nil)
	defer d.Close()
	require.NoError(t, d.Synchronize())

	ok, err := d.Unlock(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, d.Locked())
}

func TestRelockHidesCredentials(t *testing.T) {
	store := settings.NewMemoryStore()
	f := newFixture(t, store, testPassword)
	_, err := f.dir.Unlock(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))

	f.backend.Lock()

	err = f.dir.Append(credential(t, "bob", "example"))
	assert.ErrorIs(t, err, vault.ErrVaultLocked)
	assert.True(t, f.dir.Locked())
	assert.Zero(t, f.dir.Len())
	changes := f.changes.all()
	assert.Equal(t, Change{Position: 0, Removed: 1}, changes[len(changes)-1])
	assert.Equal(t, []string{"alice:example"}, store.GetStrv(settings.KeySecretList))
}

func TestWritesBeforeFirstSynchronize(t *testing.T) {
	store := settings.NewMemoryStore()
	require.NoError(t, store.SetStrv(settings.KeySecretList, []string{"alice:example"}))
	f := newFixture(t, store, "")
	require.NoError(t, f.backend.Put(credential(t, "alice", "example")))

	// The first write loads the existing index instead of overwriting it.
	require.NoError(t, f.dir.Append(credential(t, "bob", "example")))
	assert.Equal(t, []string{"alice:example", "bob:example"}, store.GetStrv(settings.KeySecretList))
}

// failingStore rejects every index write.
type failingStore struct {
	*settings.MemoryStore
	err error
}

func (s failingStore) SetStrv(string, []string) error { return s.err }

func TestAppendRollsBackOnIndexFailure(t *testing.T) {
	boom := errors.New("disk full")
	f := newFixture(t, failingStore{MemoryStore: settings.NewMemoryStore(), err: boom}, "")
	require.NoError(t, f.dir.Synchronize())

	err := f.dir.Append(credential(t, "alice", "example"))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, f.dir.Len())
	assert.Zero(t, f.backend.Len(), "vault write is rolled back")
}

func TestSubscribeCancel(t *testing.T) {
	f := openFixture(t)
	var extra changeLog
	cancel := f.dir.Subscribe(extra.record)

	require.NoError(t, f.dir.Append(credential(t, "alice", "example")))
	cancel()
	require.NoError(t, f.dir.Append(credential(t, "bob", "example")))

	assert.Len(t, extra.all(), 1)
}

func identities(entries []Entry) []otp.Identity {
	ids := make([]otp.Identity, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Identity())
	}
	return ids
}
