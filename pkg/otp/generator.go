package otp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libotp "github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
	"github.com/pquerna/otp/totp"
)

// HOTP returns the RFC 4226 code for key at counter, left-padded with zeros
// to exactly digits characters.
func HOTP(key []byte, counter uint64, digits int, alg Algorithm) (string, error) {
	if digits < MinDigits || digits > MaxDigits {
		return "", fmt.Errorf("%w: got %d", ErrInvalidDigits, digits)
	}
	if len(key) == 0 {
		return "", fmt.Errorf("%w: empty key", ErrInvalidEncoding)
	}
	h, err := alg.hash()
	if err != nil {
		return "", err
	}

	code, err := hotp.GenerateCodeCustom(Encode(key), counter, hotp.ValidateOpts{
		Digits:    libotp.Digits(digits),
		Algorithm: h,
	})
	if err != nil {
		return "", fmt.Errorf("otp: failed to generate code: %w", err)
	}
	return code, nil
}

// TOTP returns the RFC 6238 code for key at nowEpochSeconds. The counter is
// floor(now / period), so every instant of a period yields the same code.
func TOTP(key []byte, digits, period int, alg Algorithm, nowEpochSeconds int64) (string, error) {
	if period <= 0 {
		return "", fmt.Errorf("%w: got %d", ErrInvalidPeriod, period)
	}
	if nowEpochSeconds < 0 {
		return "", fmt.Errorf("otp: negative timestamp %d", nowEpochSeconds)
	}
	return HOTP(key, Counter(nowEpochSeconds, period), digits, alg)
}

// Counter returns the TOTP time step containing nowEpochSeconds.
func Counter(nowEpochSeconds int64, period int) uint64 {
	return uint64(nowEpochSeconds) / uint64(period)
}

// Remaining returns how many seconds of the current period are left.
func Remaining(nowEpochSeconds int64, period int) int {
	return period - int(nowEpochSeconds%int64(period))
}

// Verify reports whether code matches the credential at now, accepting skew
// periods on either side.
func Verify(c *Credential, code string, now time.Time, skew uint) (bool, error) {
	if err := c.Validate(); err != nil {
		return false, err
	}
	h, err := c.Algorithm.hash()
	if err != nil {
		return false, err
	}

	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	ok, err := totp.ValidateCustom(code, Encode(c.Secret), now.UTC(), totp.ValidateOpts{
		Period:    uint(c.Period),
		Skew:      skew,
		Digits:    libotp.Digits(c.Digits),
		Algorithm: h,
	})
	if err != nil {
		// A code of the wrong length is a mismatch, not a failure.
		if errors.Is(err, libotp.ErrValidateInputInvalidLength) {
			return false, nil
		}
		return false, fmt.Errorf("otp: failed to verify code: %w", err)
	}
	return ok, nil
}
