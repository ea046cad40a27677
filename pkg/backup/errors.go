// Package backup writes and restores encrypted snapshots of a vault together
// with its credential index.
package backup

import "errors"

// Backup/Restore errors
var (
	// ErrInvalidMagic indicates the file is not a backup.
	ErrInvalidMagic = errors.New("backup: invalid file: magic number mismatch")

	// ErrUnsupportedVersion indicates a backup written by a newer release.
	ErrUnsupportedVersion = errors.New("backup: unsupported format version")

	// ErrIntegrityFailed indicates the HMAC did not verify: wrong password,
	// wrong key file or a modified file.
	ErrIntegrityFailed = errors.New("backup: integrity check failed")

	// ErrDecryptionFailed indicates the payload could not be decrypted.
	ErrDecryptionFailed = errors.New("backup: decryption failed")

	// ErrInvalidKeyFile indicates the key file is not exactly 32 bytes.
	ErrInvalidKeyFile = errors.New("backup: invalid key file: must be exactly 32 bytes")

	// ErrEmptyPassword indicates neither a password nor a key file was given.
	ErrEmptyPassword = errors.New("backup: password cannot be empty")

	// ErrTargetExists indicates restore would replace an existing vault or index.
	ErrTargetExists = errors.New("backup: a vault already exists at the restore target")

	// ErrTruncated indicates the file ends early.
	ErrTruncated = errors.New("backup: file truncated")
)
