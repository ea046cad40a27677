package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"

	"github.com/ogarcia/otp-keys/pkg/crypto"
)

const (
	// SaltLength is the length of the backup salt in bytes.
	SaltLength = 32

	// HMACLength is the length of the HMAC-SHA256 in bytes.
	HMACLength = 32
)

// HKDF info strings for key derivation.
const (
	hkdfInfoEncryption = "otp-keys-backup-encryption"
	hkdfInfoMAC        = "otp-keys-backup-mac"
)

// payloadAAD binds the ciphertext to the backup format.
var payloadAAD = MagicNumber[:]

// DeriveBackupKeys derives separate encryption and MAC keys from password.
func DeriveBackupKeys(password, salt []byte, params crypto.KDFParams) (encKey, macKey []byte, err error) {
	if len(password) == 0 {
		return nil, nil, ErrEmptyPassword
	}
	masterKey := params.DeriveKey(password, salt)
	defer crypto.SecureWipe(masterKey)
	return splitKey(masterKey)
}

// splitKey expands secret into an encryption key and a MAC key.
func splitKey(secret []byte) (encKey, macKey []byte, err error) {
	encKey, err = deriveHKDF(secret, []byte(hkdfInfoEncryption))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	macKey, err = deriveHKDF(secret, []byte(hkdfInfoMAC))
	if err != nil {
		crypto.SecureWipe(encKey)
		return nil, nil, fmt.Errorf("failed to derive MAC key: %w", err)
	}
	return encKey, macKey, nil
}

// deriveHKDF derives a key using HKDF-SHA256.
func deriveHKDF(secret, info []byte) ([]byte, error) {
	key := make([]byte, crypto.KeyLength)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncryptPayload seals plaintext with AES-256-GCM, nonce prepended.
func EncryptPayload(plaintext, key []byte) ([]byte, error) {
	blob, err := crypto.Seal(key, plaintext, payloadAAD)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}
	return blob, nil
}

// DecryptPayload reverses EncryptPayload.
func DecryptPayload(blob, key []byte) ([]byte, error) {
	plaintext, err := crypto.Open(key, blob, payloadAAD)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ComputeHMAC computes HMAC-SHA256 over data.
func ComputeHMAC(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// VerifyHMAC checks expectedMAC in constant time.
func VerifyHMAC(data, expectedMAC, key []byte) bool {
	return hmac.Equal(ComputeHMAC(data, key), expectedMAC)
}

// ReadKeyFile reads a 32-byte key.
func ReadKeyFile(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(key) != crypto.KeyLength {
		crypto.SecureWipe(key)
		return nil, ErrInvalidKeyFile
	}
	return key, nil
}

// GenerateKeyFile writes a random 32-byte key to path with mode 0600. It
// refuses to replace an existing file.
func GenerateKeyFile(path string) error {
	key, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return f.Close()
}
