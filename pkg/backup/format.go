package backup

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ogarcia/otp-keys/pkg/crypto"
)

// MagicNumber starts every backup file.
var MagicNumber = [8]byte{'O', 'T', 'P', 'K', '_', 'B', 'K', 'P'}

// FormatVersion is the current backup format version.
const FormatVersion = 1

// maxHeaderLen bounds the header read from an untrusted file.
const maxHeaderLen = 1024 * 1024

// EncryptionMode specifies how the backup key is obtained.
type EncryptionMode string

const (
	// EncryptionModePassword derives the key from a password.
	EncryptionModePassword EncryptionMode = "password"
	// EncryptionModeKey uses a separate key file.
	EncryptionModeKey EncryptionMode = "key"
)

// KDF records the salt and Argon2id cost used for password backups.
type KDF struct {
	Salt   []byte           `json:"salt"`
	Params crypto.KDFParams `json:"params"`
}

// Header is the plaintext, HMAC-protected backup metadata.
type Header struct {
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	EncryptionMode  EncryptionMode `json:"encryption_mode"`
	KDF             *KDF           `json:"kdf,omitempty"`
	IncludesAudit   bool           `json:"includes_audit"`
	CredentialCount int            `json:"credential_count"`
}

// Payload is the encrypted content.
type Payload struct {
	VaultSalt []byte `json:"vault_salt"`
	VaultMeta []byte `json:"vault_meta"`
	VaultDB   []byte `json:"vault_db"`
	// Index is the persisted credential list; empty when none was written yet.
	Index []byte `json:"index,omitempty"`
	// Audit maps audit directory file names to their content.
	Audit map[string][]byte `json:"audit,omitempty"`
}

// WriteHeader writes the magic number, header length and header.
func WriteHeader(w io.Writer, header *Header) error {
	if _, err := w.Write(MagicNumber[:]); err != nil {
		return fmt.Errorf("failed to write magic number: %w", err)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// ReadHeader reads and validates the magic number and header.
func ReadHeader(r io.Reader) (*Header, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, ErrInvalidMagic
	}
	if magic != MagicNumber {
		return nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: header length", ErrTruncated)
	}
	if headerLen > maxHeaderLen {
		return nil, fmt.Errorf("backup: header too large: %d bytes", headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("%w: header", ErrTruncated)
	}
	var header Header
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}
	if header.Version > FormatVersion {
		return nil, fmt.Errorf("%w: got %d, max supported %d",
			ErrUnsupportedVersion, header.Version, FormatVersion)
	}
	return &header, nil
}

// EncodePayload encodes the payload to JSON bytes.
func EncodePayload(payload *Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// DecodePayload decodes JSON bytes to a payload.
func DecodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return &payload, nil
}
