// Package qr renders otpauth URIs as QR code PNGs for authenticator apps.
package qr

import (
	"errors"
	"os"
	"strings"

	skipqrcode "github.com/skip2/go-qrcode"
)

var (
	// ErrEmptyContent is returned when content is empty or only whitespace.
	ErrEmptyContent = errors.New("qr: content cannot be empty")
	// ErrGenerate is returned when the QR code generation fails.
	ErrGenerate = errors.New("qr: failed to generate QR code")
)

// DefaultSize is the image size in pixels used when size <= 0.
const DefaultSize = 256

// Generate creates a PNG QR code for content.
func Generate(content string, size int) ([]byte, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := skipqrcode.Encode(content, skipqrcode.Medium, size)
	if err != nil {
		return nil, errors.Join(ErrGenerate, err)
	}
	return png, nil
}

// WriteFile writes the QR code for content to path with owner-only
// permissions; the image carries the secret.
func WriteFile(path, content string, size int) error {
	png, err := Generate(content, size)
	if err != nil {
		return err
	}
	return os.WriteFile(path, png, 0600)
}
