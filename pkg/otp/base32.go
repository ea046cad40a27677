package otp

import (
	"encoding/base32"
	"fmt"
	"strings"
	"unicode"
)

// secretEncoding is the RFC 4648 §6 alphabet without padding.
var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Decode turns user-entered Base32 text into raw key bytes.
//
// Whitespace anywhere in the input is removed, padding characters are ignored
// and lowercase letters are accepted. Input containing characters outside the
// alphabet, or decoding to zero bytes, fails with ErrInvalidEncoding.
func Decode(text string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '=' {
			return -1
		}
		return unicode.ToUpper(r)
	}, text)

	if clean == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidEncoding)
	}

	for i, r := range clean {
		if !isBase32Rune(r) {
			return nil, fmt.Errorf("%w: invalid character at position %d", ErrInvalidEncoding, i)
		}
	}

	key, err := secretEncoding.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: secret decodes to zero bytes", ErrInvalidEncoding)
	}
	return key, nil
}

// Encode returns the unpadded uppercase Base32 form of key.
func Encode(key []byte) string {
	return secretEncoding.EncodeToString(key)
}

// ValidSecret reports whether text decodes to a usable key.
func ValidSecret(text string) bool {
	_, err := Decode(text)
	return err == nil
}

func isBase32Rune(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= '2' && r <= '7')
}
