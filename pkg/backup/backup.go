package backup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ogarcia/otp-keys/pkg/crypto"
	"github.com/ogarcia/otp-keys/pkg/vault"
)

// vaultFiles are copied verbatim; the database stays encrypted under the
// vault's own keys inside the backup.
var vaultFiles = []string{vault.SaltFileName, vault.MetaFileName, vault.DBFileName}

// Options configures Backup.
type Options struct {
	// VaultPath is the vault directory.
	VaultPath string
	// IndexPath is the persisted credential list. A missing file is allowed.
	IndexPath string
	// Password encrypts the backup unless KeyFile is set.
	Password []byte
	// KeyFile names a 32-byte key file that replaces the password.
	KeyFile string
	// KDF overrides the Argon2id cost; zero means crypto.DefaultKDFParams.
	KDF crypto.KDFParams
	// IncludeAudit adds the audit directory.
	IncludeAudit bool
	// CredentialCount is recorded in the header for display.
	CredentialCount int
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	VaultPath string
	IndexPath string
	Password  []byte
	KeyFile   string
	// Overwrite replaces an existing vault and index.
	Overwrite bool
	// DryRun verifies and reports without writing.
	DryRun bool
	// WithAudit restores the audit directory when the backup has one.
	WithAudit bool
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	CredentialsRestored int
	IndexRestored       bool
	AuditRestored       bool
	DryRun              bool
}

// VerifyResult describes a backup without restoring it.
type VerifyResult struct {
	Valid           bool
	Version         int
	CreatedAt       time.Time
	CredentialCount int
	IncludesAudit   bool
	Error           string
}

// Backup writes an encrypted snapshot of the vault and index to w.
//
// Layout: magic | header length | header JSON | ciphertext length |
// ciphertext | HMAC-SHA256 over everything before it.
func Backup(w io.Writer, opts Options) error {
	// 1. Keys
	header := &Header{
		Version:         FormatVersion,
		CreatedAt:       time.Now().UTC(),
		IncludesAudit:   opts.IncludeAudit,
		CredentialCount: opts.CredentialCount,
	}
	encKey, macKey, err := backupKeys(header, opts)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	// 2. Collect and encrypt
	payload, err := collect(opts)
	if err != nil {
		return fmt.Errorf("failed to collect vault data: %w", err)
	}
	plaintext, err := EncodePayload(payload)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(plaintext)

	ciphertext, err := EncryptPayload(plaintext, encKey)
	if err != nil {
		return err
	}

	// 3. Frame and authenticate
	var buf bytes.Buffer
	if err := WriteHeader(&buf, header); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(ciphertext))); err != nil {
		return err
	}
	buf.Write(ciphertext)
	buf.Write(ComputeHMAC(buf.Bytes(), macKey))

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

func backupKeys(header *Header, opts Options) (encKey, macKey []byte, err error) {
	if opts.KeyFile != "" {
		key, err := ReadKeyFile(opts.KeyFile)
		if err != nil {
			return nil, nil, err
		}
		defer crypto.SecureWipe(key)
		header.EncryptionMode = EncryptionModeKey
		return splitKey(key)
	}

	params := opts.KDF
	if !params.Valid() {
		params = crypto.DefaultKDFParams
	}
	salt, err := crypto.RandomBytes(SaltLength)
	if err != nil {
		return nil, nil, err
	}
	header.EncryptionMode = EncryptionModePassword
	header.KDF = &KDF{Salt: salt, Params: params}
	return DeriveBackupKeys(opts.Password, salt, params)
}

func collect(opts Options) (*Payload, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(opts.VaultPath, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		return data, nil
	}

	var p Payload
	var err error
	if p.VaultSalt, err = read(vault.SaltFileName); err != nil {
		return nil, err
	}
	if p.VaultMeta, err = read(vault.MetaFileName); err != nil {
		return nil, err
	}
	if p.VaultDB, err = read(vault.DBFileName); err != nil {
		return nil, err
	}

	if opts.IndexPath != "" {
		p.Index, err = os.ReadFile(opts.IndexPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read credential index: %w", err)
		}
	}

	if opts.IncludeAudit {
		auditDir := filepath.Join(opts.VaultPath, vault.AuditDirName)
		entries, err := os.ReadDir(auditDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read audit directory: %w", err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(auditDir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read audit file: %w", err)
			}
			if p.Audit == nil {
				p.Audit = make(map[string][]byte)
			}
			p.Audit[e.Name()] = data
		}
	}
	return &p, nil
}

// Verify checks a backup's integrity and decrypts it without restoring.
func Verify(backupPath string, password []byte, keyFile string) *VerifyResult {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return &VerifyResult{Error: err.Error()}
	}
	header, payload, err := open(data, password, keyFile)
	if err != nil {
		return &VerifyResult{Error: err.Error()}
	}
	wipePayload(payload)
	return &VerifyResult{
		Valid:           true,
		Version:         header.Version,
		CreatedAt:       header.CreatedAt,
		CredentialCount: header.CredentialCount,
		IncludesAudit:   header.IncludesAudit,
	}
}

// Restore replaces the vault directory and index with a backup's content.
// The vault is assembled in a sibling temporary directory and renamed into
// place.
func Restore(backupPath string, opts RestoreOptions) (*RestoreResult, error) {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup file: %w", err)
	}
	header, payload, err := open(data, opts.Password, opts.KeyFile)
	if err != nil {
		return nil, err
	}
	defer wipePayload(payload)

	result := &RestoreResult{
		CredentialsRestored: header.CredentialCount,
		IndexRestored:       len(payload.Index) > 0 && opts.IndexPath != "",
		AuditRestored:       opts.WithAudit && len(payload.Audit) > 0,
		DryRun:              opts.DryRun,
	}

	if !opts.Overwrite {
		if exists(filepath.Join(opts.VaultPath, vault.SaltFileName)) ||
			(result.IndexRestored && exists(opts.IndexPath)) {
			return nil, ErrTargetExists
		}
	}
	if opts.DryRun {
		return result, nil
	}

	if err := restoreVault(opts.VaultPath, payload, result.AuditRestored); err != nil {
		return nil, err
	}
	if result.IndexRestored {
		if err := writeFileAtomic(opts.IndexPath, payload.Index); err != nil {
			return nil, fmt.Errorf("failed to restore credential index: %w", err)
		}
	}
	return result, nil
}

func restoreVault(vaultPath string, p *Payload, withAudit bool) error {
	parent := filepath.Dir(vaultPath)
	if err := os.MkdirAll(parent, 0700); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	tempDir, err := os.MkdirTemp(parent, ".otpkeys-restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)
	if err := os.Chmod(tempDir, 0700); err != nil {
		return fmt.Errorf("failed to set temp directory permissions: %w", err)
	}

	contents := [][]byte{p.VaultSalt, p.VaultMeta, p.VaultDB}
	for i, name := range vaultFiles {
		if err := os.WriteFile(filepath.Join(tempDir, name), contents[i], vault.FileMode); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	if withAudit {
		auditDir := filepath.Join(tempDir, vault.AuditDirName)
		if err := os.Mkdir(auditDir, 0700); err != nil {
			return fmt.Errorf("failed to create audit directory: %w", err)
		}
		for name, data := range p.Audit {
			// Names come from the backup file.
			if filepath.Base(name) != name || name == "." || name == ".." {
				return fmt.Errorf("%w: invalid audit file name", ErrDecryptionFailed)
			}
			if err := os.WriteFile(filepath.Join(auditDir, name), data, vault.FileMode); err != nil {
				return fmt.Errorf("failed to write audit file: %w", err)
			}
		}
	}

	// Move the old vault aside so a failed rename can be undone.
	var old string
	if exists(vaultPath) {
		old = fmt.Sprintf("%s.old-%d", vaultPath, time.Now().UnixNano())
		if err := os.Rename(vaultPath, old); err != nil {
			return fmt.Errorf("failed to move existing vault: %w", err)
		}
	}
	if err := os.Rename(tempDir, vaultPath); err != nil {
		if old != "" {
			_ = os.Rename(old, vaultPath)
		}
		return fmt.Errorf("failed to restore vault: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

// open verifies the HMAC and decrypts the payload.
func open(data, password []byte, keyFile string) (*Header, *Payload, error) {
	r := bytes.NewReader(data)
	header, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}

	var ciphertextLen uint32
	if err := binary.Read(r, binary.BigEndian, &ciphertextLen); err != nil {
		return nil, nil, fmt.Errorf("%w: ciphertext length", ErrTruncated)
	}
	if uint64(r.Len()) < uint64(ciphertextLen)+HMACLength {
		return nil, nil, ErrTruncated
	}
	signedLen := len(data) - r.Len() + int(ciphertextLen)
	signed := data[:signedLen]
	ciphertext := data[signedLen-int(ciphertextLen) : signedLen]
	storedMAC := data[signedLen : signedLen+HMACLength]

	var encKey, macKey []byte
	switch {
	case keyFile != "":
		key, err := ReadKeyFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		encKey, macKey, err = splitKey(key)
		crypto.SecureWipe(key)
		if err != nil {
			return nil, nil, err
		}
	case header.EncryptionMode == EncryptionModePassword && header.KDF != nil:
		encKey, macKey, err = DeriveBackupKeys(password, header.KDF.Salt, header.KDF.Params)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("backup: %s-encrypted backup needs a key file", header.EncryptionMode)
	}
	defer crypto.SecureWipe(encKey)
	defer crypto.SecureWipe(macKey)

	if !VerifyHMAC(signed, storedMAC, macKey) {
		return nil, nil, ErrIntegrityFailed
	}
	plaintext, err := DecryptPayload(ciphertext, encKey)
	if err != nil {
		return nil, nil, err
	}
	defer crypto.SecureWipe(plaintext)

	payload, err := DecodePayload(plaintext)
	if err != nil {
		return nil, nil, err
	}
	return header, payload, nil
}

func wipePayload(p *Payload) {
	crypto.SecureWipe(p.VaultSalt)
	crypto.SecureWipe(p.VaultMeta)
	crypto.SecureWipe(p.VaultDB)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
