package vault

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ogarcia/otp-keys/pkg/audit"
	"github.com/ogarcia/otp-keys/pkg/crypto"
	"github.com/ogarcia/otp-keys/pkg/otp"
)

// On-disk layout.
const (
	SaltLength   = crypto.SaltLength
	DEKLength    = crypto.KeyLength
	SaltFileName = "vault.salt"
	MetaFileName = "vault.meta"
	DBFileName   = "vault.db"
	LockFileName = "vault.lock"
	AuditDirName = "audit"
	FileMode     = 0600
	DirMode      = 0700

	metaVersion = "1"
)

// Store-specific errors.
var (
	ErrSaltNotFound   = errors.New("vault: salt file not found")
	ErrDEKNotFound    = errors.New("vault: encrypted DEK not found in database")
	ErrVaultCorrupted = errors.New("vault: vault is corrupted")
)

// dekAAD binds the wrapped data key to its purpose.
var dekAAD = []byte("otp-keys/dek")

// VaultMeta is persisted in vault.meta.
type VaultMeta struct {
	Version   string           `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	KDF       crypto.KDFParams `json:"kdf"`
}

// record is the plaintext form of a sealed credential row.
type record struct {
	Secret    []byte `json:"secret"`
	Username  string `json:"username"`
	Issuer    string `json:"issuer"`
	Period    int    `json:"period"`
	Digits    int    `json:"digits"`
	Algorithm string `json:"algorithm"`
}

func newRecord(c *otp.Credential) record {
	return record{
		Secret:    c.Secret,
		Username:  c.Username,
		Issuer:    c.Issuer,
		Period:    c.Period,
		Digits:    c.Digits,
		Algorithm: string(c.Algorithm),
	}
}

func (r record) credential() *otp.Credential {
	return &otp.Credential{
		Secret:    r.Secret,
		Username:  r.Username,
		Issuer:    r.Issuer,
		Period:    r.Period,
		Digits:    r.Digits,
		Algorithm: otp.Algorithm(r.Algorithm),
	}
}

// Store is the file-backed Backend: a directory holding a salt, metadata, a
// failed-attempt file, an SQLite database and an audit log. Credentials are
// sealed with a random data key (DEK), which is itself sealed with a key
// derived from the master password.
type Store struct {
	path   string
	kdf    crypto.KDFParams
	source string

	mu    sync.RWMutex
	dek   []byte
	db    *sql.DB
	audit *audit.Logger
	log   *zap.Logger

	// readsMu guards readsSeen, which is non-nil when successful reads are
	// audited once per identity.
	readsMu   sync.Mutex
	readsSeen map[otp.Identity]bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) StoreOption {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithKDFParams sets the Argon2id cost used by Init and ChangePassword.
// Existing vaults keep the parameters recorded in vault.meta.
func WithKDFParams(p crypto.KDFParams) StoreOption {
	return func(s *Store) { s.kdf = p }
}

// WithAuditSource sets the source recorded in audit events.
func WithAuditSource(source string) StoreOption {
	return func(s *Store) { s.source = source }
}

// WithReadAuditOnce records a successful read of each credential only the
// first time it happens in the store's lifetime. Long-running readers that
// poll every credential use it to keep the audit log bounded.
func WithReadAuditOnce() StoreOption {
	return func(s *Store) { s.readsSeen = make(map[otp.Identity]bool) }
}

// NewStore returns a locked store rooted at path.
func NewStore(path string, opts ...StoreOption) *Store {
	s := &Store{
		path:   path,
		kdf:    crypto.DefaultKDFParams,
		source: audit.SourceCLI,
		audit:  audit.NewLogger(filepath.Join(path, AuditDirName)),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("store")
	return s
}

// Path returns the vault directory.
func (s *Store) Path() string {
	return s.path
}

// AuditLogger returns the store's audit log.
func (s *Store) AuditLogger() *audit.Logger {
	return s.audit
}

// Exists reports whether a vault has been initialised at Path.
func (s *Store) Exists() bool {
	_, err := os.Stat(filepath.Join(s.path, SaltFileName))
	return err == nil
}

// Init creates a new vault protected by password:
// 1. Generate salt and save to vault.salt
// 2. Derive KEK from the password and salt
// 3. Generate and seal the DEK
// 4. Create vault.db with the current schema and store the sealed DEK
// 5. Write vault.meta
func (s *Store) Init(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Exists() {
		return ErrVaultAlreadyExists
	}
	if err := validatePasswordLength(string(password)); err != nil {
		return err
	}
	if err := s.checkDiskSpaceForWrite(1024 * 1024); err != nil {
		return err
	}
	if err := os.MkdirAll(s.path, DirMode); err != nil {
		return fmt.Errorf("vault: failed to create vault directory: %w", err)
	}

	// 1. Salt
	salt, err := crypto.RandomBytes(SaltLength)
	if err != nil {
		return fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.path, SaltFileName), salt, FileMode); err != nil {
		return fmt.Errorf("vault: failed to write salt file: %w", err)
	}

	// 2. KEK
	kek := s.kdf.DeriveKey(password, salt)
	defer crypto.SecureWipe(kek)

	// 3. DEK
	dek, err := crypto.RandomBytes(DEKLength)
	if err != nil {
		return fmt.Errorf("vault: failed to generate DEK: %w", err)
	}
	defer crypto.SecureWipe(dek)

	sealedDEK, err := crypto.Seal(kek, dek, dekAAD)
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt DEK: %w", err)
	}

	// 4. Database
	dbPath := filepath.Join(s.path, DBFileName)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return fmt.Errorf("vault: failed to open database: %w", err)
	}
	defer db.Close()

	if err := createTables(db); err != nil {
		return fmt.Errorf("vault: failed to create tables: %w", err)
	}
	if _, err := db.Exec("INSERT INTO vault_keys(id, encrypted_dek) VALUES(1, ?)", sealedDEK); err != nil {
		return fmt.Errorf("vault: failed to save encrypted DEK: %w", err)
	}
	if err := os.Chmod(dbPath, FileMode); err != nil {
		return fmt.Errorf("vault: failed to set database permissions: %w", err)
	}

	// 5. Metadata
	if err := s.writeMeta(VaultMeta{Version: metaVersion, CreatedAt: time.Now().UTC(), KDF: s.kdf}); err != nil {
		return err
	}

	if err := s.audit.SetHMACKey(dek); err != nil {
		s.log.Warn("failed to initialize audit logger", zap.Error(err))
	} else {
		s.logAudit(audit.OpVaultInit, "", nil)
	}
	s.log.Info("vault initialized", zap.String("path", s.path))
	return nil
}

// IsUnlocked implements Backend.
func (s *Store) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dek != nil
}

// Unlock implements Backend:
// 1. Check cooldown status
// 2. Ask the prompter for the password (no lock held)
// 3. Derive KEK with the recorded KDF parameters
// 4. Open the database, migrate the schema, unseal the DEK
func (s *Store) Unlock(ctx context.Context, p Prompter) error {
	if !s.Exists() {
		return ErrVaultNotFound
	}
	if s.IsUnlocked() {
		return nil
	}
	if remaining, err := s.checkCooldown(); err != nil {
		if errors.Is(err, ErrCooldownActive) {
			return fmt.Errorf("%w: please wait %v", ErrCooldownActive, remaining.Round(time.Second))
		}
		return err
	}

	password, err := p.Password(ctx)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(password)
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.unlock(password)
}

func (s *Store) unlock(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dek != nil {
		return nil
	}

	meta, err := s.readMeta()
	if err != nil {
		return err
	}
	salt, err := s.readSalt()
	if err != nil {
		return err
	}

	kek := meta.KDF.DeriveKey(password, salt)
	defer crypto.SecureWipe(kek)

	db, err := s.openDB()
	if err != nil {
		return err
	}

	var sealedDEK []byte
	err = db.QueryRow("SELECT encrypted_dek FROM vault_keys WHERE id = 1").Scan(&sealedDEK)
	if err != nil {
		db.Close()
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDEKNotFound
		}
		return fmt.Errorf("vault: failed to read encrypted DEK: %w", err)
	}

	dek, err := crypto.Open(kek, sealedDEK, dekAAD)
	if err != nil {
		db.Close()
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return s.failedUnlock()
		}
		return fmt.Errorf("vault: failed to decrypt DEK: %w", err)
	}

	if err := migrateSchema(db); err != nil {
		db.Close()
		crypto.SecureWipe(dek)
		return err
	}

	s.dek = dek
	s.db = db

	if err := s.clearLockState(); err != nil {
		s.log.Warn("failed to clear lock state", zap.Error(err))
	}
	if err := s.audit.SetHMACKey(dek); err != nil {
		s.log.Warn("failed to initialize audit logger", zap.Error(err))
	} else {
		s.logAudit(audit.OpVaultUnlock, "", nil)
	}
	s.checkAndWarnPermissions()
	return nil
}

func (s *Store) failedUnlock() error {
	cooldown, err := s.recordFailedAttempt()
	if err != nil {
		s.log.Warn("failed to record unlock attempt", zap.Error(err))
	}
	s.logAudit(audit.OpVaultUnlockFailed, "", ErrInvalidPassword)
	if cooldown > 0 {
		return fmt.Errorf("%w: cooldown activated for %v", ErrTooManyAttempts, cooldown.Round(time.Second))
	}
	return ErrInvalidPassword
}

// Lock wipes the DEK and closes the database.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dek != nil {
		s.logAudit(audit.OpVaultLock, "", nil)
		crypto.SecureWipe(s.dek)
		s.dek = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// Close is Lock for use with defer.
func (s *Store) Close() error {
	s.Lock()
	return nil
}

// Get implements Backend.
func (s *Store) Get(id otp.Identity) (*otp.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dek == nil {
		return nil, ErrVaultLocked
	}

	idHash := hashIdentity(id)
	var blob []byte
	err := s.db.QueryRow("SELECT record FROM credentials WHERE id_hash = ?", idHash).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: failed to query credential: %w", err)
	}

	c, err := s.openRecord(idHash, blob)
	if err != nil {
		s.logAudit(audit.OpCredentialGet, id.String(), err)
		return nil, err
	}
	if s.firstRead(id) {
		s.logAudit(audit.OpCredentialGet, id.String(), nil)
	}
	return c, nil
}

func (s *Store) firstRead(id otp.Identity) bool {
	if s.readsSeen == nil {
		return true
	}
	s.readsMu.Lock()
	defer s.readsMu.Unlock()
	if s.readsSeen[id] {
		return false
	}
	s.readsSeen[id] = true
	return true
}

// Put implements Backend.
func (s *Store) Put(c *otp.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dek == nil {
		return ErrVaultLocked
	}
	if err := c.Validate(); err != nil {
		return err
	}

	id := c.Identity()
	plaintext, err := json.Marshal(newRecord(c))
	if err != nil {
		return fmt.Errorf("vault: failed to marshal credential: %w", err)
	}
	defer crypto.SecureWipe(plaintext)

	if err := s.checkDiskSpaceForWrite(len(plaintext)); err != nil {
		s.logAudit(audit.OpCredentialPut, id.String(), err)
		return err
	}

	idHash := hashIdentity(id)
	blob, err := crypto.Seal(s.dek, plaintext, []byte(idHash))
	if err != nil {
		s.logAudit(audit.OpCredentialPut, id.String(), err)
		return fmt.Errorf("vault: failed to encrypt credential: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO credentials (id_hash, record, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id_hash) DO UPDATE SET
			record = excluded.record,
			updated_at = CURRENT_TIMESTAMP
	`, idHash, blob)
	if err != nil {
		s.logAudit(audit.OpCredentialPut, id.String(), err)
		return fmt.Errorf("vault: failed to save credential: %w", err)
	}

	s.logAudit(audit.OpCredentialPut, id.String(), nil)
	return nil
}

// Delete implements Backend.
func (s *Store) Delete(id otp.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dek == nil {
		return ErrVaultLocked
	}

	res, err := s.db.Exec("DELETE FROM credentials WHERE id_hash = ?", hashIdentity(id))
	if err != nil {
		s.logAudit(audit.OpCredentialDelete, id.String(), err)
		return fmt.Errorf("vault: failed to delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("vault: failed to check delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logAudit(audit.OpCredentialDelete, id.String(), nil)
	return nil
}

// List implements Backend. Identities come back in insertion order.
func (s *Store) List() ([]otp.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dek == nil {
		return nil, ErrVaultLocked
	}

	rows, err := s.db.Query("SELECT id_hash, record FROM credentials ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to list credentials: %w", err)
	}
	defer rows.Close()

	var ids []otp.Identity
	for rows.Next() {
		var idHash string
		var blob []byte
		if err := rows.Scan(&idHash, &blob); err != nil {
			return nil, fmt.Errorf("vault: failed to scan credential: %w", err)
		}
		c, err := s.openRecord(idHash, blob)
		if err != nil {
			return nil, err
		}
		ids = append(ids, c.Identity())
		crypto.SecureWipe(c.Secret)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vault: failed to iterate credentials: %w", err)
	}
	return ids, nil
}

// ChangePassword re-wraps the DEK under a key derived from next with a fresh
// salt. Credentials are not re-encrypted. The vault must be unlocked.
func (s *Store) ChangePassword(current, next []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dek == nil {
		return ErrVaultLocked
	}
	if err := validatePasswordLength(string(next)); err != nil {
		return err
	}

	meta, err := s.readMeta()
	if err != nil {
		return err
	}
	oldSalt, err := s.readSalt()
	if err != nil {
		return err
	}

	// 1. Verify the current password against the stored DEK
	oldKEK := meta.KDF.DeriveKey(current, oldSalt)
	defer crypto.SecureWipe(oldKEK)

	var sealedDEK []byte
	if err := s.db.QueryRow("SELECT encrypted_dek FROM vault_keys WHERE id = 1").Scan(&sealedDEK); err != nil {
		return fmt.Errorf("vault: failed to read encrypted DEK: %w", err)
	}
	check, err := crypto.Open(oldKEK, sealedDEK, dekAAD)
	if err != nil {
		return ErrInvalidPassword
	}
	crypto.SecureWipe(check)

	// 2. Wrap the DEK under the new password
	salt, err := crypto.RandomBytes(SaltLength)
	if err != nil {
		return fmt.Errorf("vault: failed to generate salt: %w", err)
	}
	kek := s.kdf.DeriveKey(next, salt)
	defer crypto.SecureWipe(kek)

	resealed, err := crypto.Seal(kek, s.dek, dekAAD)
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt DEK: %w", err)
	}

	// 3. Stage salt and meta next to the live files
	saltPath := filepath.Join(s.path, SaltFileName)
	metaPath := filepath.Join(s.path, MetaFileName)
	nextMeta := *meta
	nextMeta.KDF = s.kdf
	metaJSON, err := json.MarshalIndent(nextMeta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal metadata: %w", err)
	}
	saltTmp, err := stageFile(saltPath, salt)
	if err != nil {
		return fmt.Errorf("vault: failed to write salt file: %w", err)
	}
	defer os.Remove(saltTmp)
	metaTmp, err := stageFile(metaPath, metaJSON)
	if err != nil {
		return fmt.Errorf("vault: failed to write metadata file: %w", err)
	}
	defer os.Remove(metaTmp)

	// 4. Swap the DEK row, then move the staged files into place. Any failure
	// after the row changed puts the old row and salt back.
	if _, err := s.db.Exec("UPDATE vault_keys SET encrypted_dek = ? WHERE id = 1", resealed); err != nil {
		return fmt.Errorf("vault: failed to save encrypted DEK: %w", err)
	}
	rollback := func(cause error) error {
		if _, err := s.db.Exec("UPDATE vault_keys SET encrypted_dek = ? WHERE id = 1", sealedDEK); err != nil {
			s.log.Error("failed to restore encrypted DEK", zap.Error(err))
		}
		return cause
	}
	if err := os.Rename(saltTmp, saltPath); err != nil {
		return rollback(fmt.Errorf("vault: failed to write salt file: %w", err))
	}
	if err := os.Rename(metaTmp, metaPath); err != nil {
		if werr := writeFileAtomic(saltPath, oldSalt); werr != nil {
			s.log.Error("failed to restore salt file", zap.Error(werr))
		}
		return rollback(fmt.Errorf("vault: failed to write metadata file: %w", err))
	}

	s.log.Info("master password changed")
	return nil
}

// openDB opens the vault database in single-connection mode.
func (s *Store) openDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", filepath.Join(s.path, DBFileName)+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("vault: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func (s *Store) openRecord(idHash string, blob []byte) (*otp.Credential, error) {
	plaintext, err := crypto.Open(s.dek, blob, []byte(idHash))
	if err != nil {
		return nil, fmt.Errorf("%w: credential record: %v", ErrVaultCorrupted, err)
	}
	defer crypto.SecureWipe(plaintext)

	var r record
	if err := json.Unmarshal(plaintext, &r); err != nil {
		return nil, fmt.Errorf("%w: credential record: %v", ErrVaultCorrupted, err)
	}
	return r.credential(), nil
}

func (s *Store) readSalt() ([]byte, error) {
	salt, err := os.ReadFile(filepath.Join(s.path, SaltFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSaltNotFound
		}
		return nil, fmt.Errorf("vault: failed to read salt file: %w", err)
	}
	if len(salt) != SaltLength {
		return nil, ErrVaultCorrupted
	}
	return salt, nil
}

func (s *Store) readMeta() (*VaultMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.path, MetaFileName))
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read metadata file: %w", err)
	}
	var meta VaultMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrVaultCorrupted, err)
	}
	if !meta.KDF.Valid() {
		return nil, fmt.Errorf("%w: metadata has no KDF parameters", ErrVaultCorrupted)
	}
	return &meta, nil
}

func (s *Store) writeMeta(meta VaultMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal metadata: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.path, MetaFileName), data); err != nil {
		return fmt.Errorf("vault: failed to write metadata file: %w", err)
	}
	return nil
}

// logAudit records an event; audit failures never fail the operation.
func (s *Store) logAudit(op, identity string, opErr error) {
	var err error
	if opErr != nil {
		err = s.audit.LogError(op, s.source, identity, errorCode(opErr), opErr.Error())
	} else {
		err = s.audit.LogSuccess(op, s.source, identity)
	}
	if err != nil && !errors.Is(err, audit.ErrKeyNotSet) {
		s.log.Warn("failed to write audit event", zap.String("op", op), zap.Error(err))
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPassword):
		return "AUTH_FAILED"
	case errors.Is(err, ErrInsufficientDisk):
		return "DISK_FULL"
	case errors.Is(err, ErrVaultCorrupted):
		return "CORRUPTED"
	default:
		return "ERROR"
	}
}

// checkAndWarnPermissions logs a warning for vault files readable by others.
func (s *Store) checkAndWarnPermissions() {
	if info, err := os.Stat(s.path); err == nil {
		if perm := info.Mode().Perm(); perm&0077 != 0 {
			s.log.Warn("vault directory has insecure permissions",
				zap.String("mode", fmt.Sprintf("%04o", perm)), zap.String("expected", "0700"))
		}
	}
	for _, name := range []string{SaltFileName, MetaFileName, DBFileName} {
		if info, err := os.Stat(filepath.Join(s.path, name)); err == nil {
			if perm := info.Mode().Perm(); perm&0077 != 0 {
				s.log.Warn("vault file has insecure permissions",
					zap.String("file", name), zap.String("mode", fmt.Sprintf("%04o", perm)))
			}
		}
	}
}

// hashIdentity computes the lookup key for a credential row.
func hashIdentity(id otp.Identity) string {
	h := sha256.Sum256([]byte(id.String()))
	return hex.EncodeToString(h[:])
}

// writeFileAtomic replaces path via a temp file in the same directory.
// stageFile writes data to a temp file beside path and returns its name.
func stageFile(path string, data []byte) (string, error) {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, FileMode); err != nil {
		return "", err
	}
	return tmp, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, FileMode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
