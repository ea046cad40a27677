// Package directory keeps the ordered list of credentials in step with the
// persisted index and the vault.
//
// The persisted index is an ordered list of "username:issuer" strings stored
// under settings.KeySecretList; secrets live only in the vault. Every
// mutation emits a Change so a presentation layer can patch its own list.
package directory

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/ogarcia/otp-keys/pkg/otp"
	"github.com/ogarcia/otp-keys/pkg/settings"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

var ErrDuplicateCredential = errors.New("directory: credential already exists")

// Change describes one list mutation: starting at Position, Removed items
// were replaced by Inserted items. A synchronisation reports the whole list
// as replaced.
type Change struct {
	Position int
	Removed  int
	Inserted int
}

// Entry is the public summary of a credential. It never holds the secret.
type Entry struct {
	Username  string
	Issuer    string
	Period    int
	Digits    int
	Algorithm otp.Algorithm
}

func entryOf(c *otp.Credential) Entry {
	return Entry{
		Username:  c.Username,
		Issuer:    c.Issuer,
		Period:    c.Period,
		Digits:    c.Digits,
		Algorithm: c.Algorithm,
	}
}

// Identity returns the entry's (username, issuer) pair.
func (e Entry) Identity() otp.Identity {
	return otp.Identity{Username: e.Username, Issuer: e.Issuer}
}

type observer struct {
	id int
	fn func(Change)
}

// Directory is the ordered, observable view of stored credentials.
//
// Synchronize, Append, Remove and Replace are serialised. Observers run after
// the directory's lock is released, in subscription order.
type Directory struct {
	vault   *vault.Vault
	store   settings.Store
	log     *zap.Logger
	handler settings.HandlerID

	mu     sync.Mutex
	items  []Entry
	locked bool
	// stale is set until the first successful synchronisation and whenever
	// the vault was found locked; items must not be written back while set.
	stale bool

	obsMu     sync.Mutex
	observers []observer
	nextObs   int

	onMigrate func(migrated, dropped int)
}

// New creates a directory over v and store and starts listening for changes
// to the persisted index. Call Synchronize to load it. log may be nil.
func New(v *vault.Vault, store settings.Store, log *zap.Logger) *Directory {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Directory{
		vault: v,
		store: store,
		log:   log.Named("directory"),
		stale: true,
	}
	d.handler = store.Connect(settings.KeySecretList, d.onIndexChanged)
	return d
}

// OnMigrate sets fn to run after a legacy index has been migrated. Set it
// before the first Synchronize.
func (d *Directory) OnMigrate(fn func(migrated, dropped int)) {
	d.onMigrate = fn
}

// Close stops listening for index changes.
func (d *Directory) Close() {
	d.store.Disconnect(d.handler)
}

// onIndexChanged runs when someone else rewrote the persisted index.
func (d *Directory) onIndexChanged(string) {
	d.log.Debug("persisted index changed externally")
	if err := d.Synchronize(); err != nil {
		d.log.Error("failed to resynchronise after external change", zap.Error(err))
	}
}

// Subscribe registers fn for every Change. The returned func unsubscribes.
func (d *Directory) Subscribe(fn func(Change)) (cancel func()) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.nextObs++
	id := d.nextObs
	d.observers = append(d.observers, observer{id: id, fn: fn})
	return func() {
		d.obsMu.Lock()
		defer d.obsMu.Unlock()
		d.observers = slices.DeleteFunc(d.observers, func(o observer) bool { return o.id == id })
	}
}

func (d *Directory) notify(changes ...Change) {
	d.obsMu.Lock()
	obs := slices.Clone(d.observers)
	d.obsMu.Unlock()

	for _, c := range changes {
		for _, o := range obs {
			o.fn(c)
		}
	}
}

// Len returns the number of listed credentials.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// At returns the entry at position i.
func (d *Directory) At(i int) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.items) {
		return Entry{}, false
	}
	return d.items[i], true
}

// Items returns a copy of the listed entries in order.
func (d *Directory) Items() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.items)
}

// Find returns the position of id, or -1.
func (d *Directory) Find(id otp.Identity) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.indexOf(id)
}

// Locked reports whether the last look at the vault found it locked. A
// locked directory lists nothing and only Unlock is useful.
func (d *Directory) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.locked
}

func (d *Directory) indexOf(id otp.Identity) int {
	return slices.IndexFunc(d.items, func(e Entry) bool { return e.Identity() == id })
}

// Unlock unlocks the vault and, on success, reloads the list. It reports
// false without an error when the prompt was cancelled.
func (d *Directory) Unlock(ctx context.Context) (bool, error) {
	ok, err := d.vault.Unlock(ctx)
	if !ok || err != nil {
		return ok, err
	}
	return true, d.Synchronize()
}

// Synchronize rebuilds the list from the persisted index and the vault,
// migrating legacy entries first. Index entries without a vault record are
// skipped. It always emits a single Change covering the whole list.
func (d *Directory) Synchronize() error {
	d.mu.Lock()
	change, err := d.synchronizeLocked()
	d.mu.Unlock()

	if err != nil {
		return err
	}
	d.notify(change)
	return nil
}

func (d *Directory) synchronizeLocked() (Change, error) {
	if !d.vault.IsUnlocked() {
		return d.presentLocked(), nil
	}

	index := d.store.GetStrv(settings.KeySecretList)
	if slices.ContainsFunc(index, otp.IsLegacy) {
		migrated, err := d.migrateLocked(index)
		if err != nil {
			return Change{}, err
		}
		index = migrated
	}

	items := make([]Entry, 0, len(index))
	seen := make(map[otp.Identity]bool, len(index))
	for _, s := range index {
		id, ok := otp.ParseIdentity(s)
		if !ok {
			d.log.Debug("skipping malformed index entry")
			continue
		}
		if seen[id] {
			d.log.Debug("skipping duplicate index entry", zap.Stringer("identity", id))
			continue
		}
		seen[id] = true

		c, err := d.vault.Get(id)
		if errors.Is(err, vault.ErrVaultLocked) {
			// Relocked underneath us.
			return d.presentLocked(), nil
		}
		if err != nil {
			return Change{}, err
		}
		if c == nil {
			d.log.Debug("index entry has no vault record", zap.Stringer("identity", id))
			continue
		}
		items = append(items, entryOf(c))
	}

	change := Change{Position: 0, Removed: len(d.items), Inserted: len(items)}
	d.items = items
	d.locked = false
	d.stale = false
	return change, nil
}

// presentLocked empties the list because the vault is locked.
func (d *Directory) presentLocked() Change {
	if !d.locked {
		d.log.Info("vault is locked; hiding credentials")
	}
	change := Change{Position: 0, Removed: len(d.items)}
	d.items = nil
	d.locked = true
	d.stale = true
	return change
}

// prepareWrite makes sure the vault is open and the list is current before a
// mutation. Changes produced on the way are returned for emission.
func (d *Directory) prepareWrite() ([]Change, error) {
	if !d.vault.IsUnlocked() {
		if d.locked {
			return nil, vault.ErrVaultLocked
		}
		// Relocked since the last look.
		change := d.presentLocked()
		if change.Removed == 0 {
			return nil, vault.ErrVaultLocked
		}
		return []Change{change}, vault.ErrVaultLocked
	}
	if !d.stale {
		return nil, nil
	}
	change, err := d.synchronizeLocked()
	if err != nil {
		return nil, err
	}
	if d.locked {
		return []Change{change}, vault.ErrVaultLocked
	}
	return []Change{change}, nil
}

// Append stores c in the vault and adds it to the end of the list and the
// persisted index.
func (d *Directory) Append(c *otp.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	changes, err := d.appendLocked(c)
	d.mu.Unlock()

	d.notify(changes...)
	return err
}

func (d *Directory) appendLocked(c *otp.Credential) ([]Change, error) {
	changes, err := d.prepareWrite()
	if err != nil {
		return changes, err
	}

	id := c.Identity()
	if d.indexOf(id) >= 0 {
		return changes, ErrDuplicateCredential
	}
	if err := d.vault.Put(c); err != nil {
		return changes, err
	}

	items := append(slices.Clone(d.items), entryOf(c))
	if err := d.writeIndex(items); err != nil {
		if derr := d.vault.Delete(id); derr != nil {
			d.log.Error("failed to roll back vault write", zap.Stringer("identity", id), zap.Error(derr))
		}
		return changes, err
	}

	pos := len(d.items)
	d.items = items
	d.log.Debug("credential added", zap.Object("credential", c))
	return append(changes, Change{Position: pos, Inserted: 1}), nil
}

// Remove deletes id from the vault, the persisted index and the list.
// Removing an unknown identity does nothing.
func (d *Directory) Remove(id otp.Identity) error {
	d.mu.Lock()
	changes, err := d.removeLocked(id)
	d.mu.Unlock()

	d.notify(changes...)
	return err
}

func (d *Directory) removeLocked(id otp.Identity) ([]Change, error) {
	changes, err := d.prepareWrite()
	if err != nil {
		return changes, err
	}

	pos := d.indexOf(id)
	if pos < 0 {
		return changes, nil
	}
	if err := d.vault.Delete(id); err != nil {
		return changes, err
	}

	items := slices.Delete(slices.Clone(d.items), pos, pos+1)
	if err := d.writeIndex(items); err != nil {
		// The index still names id; the next synchronisation drops it.
		return changes, err
	}

	d.items = items
	d.log.Debug("credential removed", zap.Stringer("identity", id))
	return append(changes, Change{Position: pos, Removed: 1}), nil
}

// Replace swaps the credential at old's position for c, which may carry a
// different identity. An unknown old identity does nothing.
func (d *Directory) Replace(old otp.Identity, c *otp.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	changes, err := d.replaceLocked(old, c)
	d.mu.Unlock()

	d.notify(changes...)
	return err
}

func (d *Directory) replaceLocked(old otp.Identity, c *otp.Credential) ([]Change, error) {
	changes, err := d.prepareWrite()
	if err != nil {
		return changes, err
	}

	pos := d.indexOf(old)
	if pos < 0 {
		return changes, nil
	}
	id := c.Identity()
	renamed := id != old
	if renamed && d.indexOf(id) >= 0 {
		return changes, ErrDuplicateCredential
	}

	prev, err := d.vault.Get(old)
	if err != nil {
		return changes, err
	}
	if err := d.vault.Put(c); err != nil {
		return changes, err
	}
	if renamed {
		if err := d.vault.Delete(old); err != nil {
			d.restore(id, prev, renamed)
			return changes, err
		}
	}

	items := slices.Clone(d.items)
	items[pos] = entryOf(c)
	if err := d.writeIndex(items); err != nil {
		d.restore(id, prev, renamed)
		return changes, err
	}

	d.items = items
	d.log.Debug("credential replaced", zap.Stringer("old", old), zap.Object("credential", c))
	return append(changes, Change{Position: pos, Removed: 1, Inserted: 1}), nil
}

// restore undoes the vault side of a failed Replace.
func (d *Directory) restore(id otp.Identity, prev *otp.Credential, renamed bool) {
	if renamed {
		if err := d.vault.Delete(id); err != nil {
			d.log.Error("failed to roll back vault write", zap.Stringer("identity", id), zap.Error(err))
		}
	}
	if prev != nil {
		if err := d.vault.Put(prev); err != nil {
			d.log.Error("failed to restore credential", zap.Stringer("identity", prev.Identity()), zap.Error(err))
		}
	}
}

// writeIndex persists items as the index with the directory's own change
// handler blocked, so the write is never mistaken for an external edit.
func (d *Directory) writeIndex(items []Entry) error {
	return d.persist(lo.Map(items, func(e Entry, _ int) string { return e.Identity().String() }))
}

func (d *Directory) persist(index []string) error {
	d.store.Block(d.handler)
	defer d.store.Unblock(d.handler)
	return d.store.SetStrv(settings.KeySecretList, index)
}

// Credential returns the stored credential for id, secret included.
func (d *Directory) Credential(id otp.Identity) (*otp.Credential, error) {
	c, err := d.vault.Get(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, vault.ErrNotFound
	}
	return c, nil
}

// Code computes the current code for id at nowEpochSeconds.
func (d *Directory) Code(id otp.Identity, nowEpochSeconds int64) (string, error) {
	c, err := d.Credential(id)
	if err != nil {
		return "", err
	}
	return c.Code(nowEpochSeconds)
}
