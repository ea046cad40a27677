package vault

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/trustelem/zxcvbn"
)

// Master password length limits.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

var (
	ErrPasswordTooShort = errors.New("vault: password must be at least 8 characters")
	ErrPasswordTooLong  = errors.New("vault: password must be at most 128 characters")
)

// PasswordStrength is a coarse rating of a master password.
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "weak"
	case PasswordFair:
		return "fair"
	case PasswordGood:
		return "good"
	case PasswordStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// PasswordValidationResult contains the result of password validation.
type PasswordValidationResult struct {
	Valid    bool
	Strength PasswordStrength
	Warnings []string
}

// ValidateMasterPassword enforces the length limits and rates the password
// with zxcvbn. userInputs (usernames, issuers) are penalised when reused.
// Only the length limits make a password invalid; weak ratings are warnings.
func ValidateMasterPassword(password string, userInputs ...string) *PasswordValidationResult {
	if err := validatePasswordLength(password); err != nil {
		return &PasswordValidationResult{Strength: PasswordWeak, Warnings: []string{err.Error()}}
	}

	result := &PasswordValidationResult{Valid: true}
	match := zxcvbn.PasswordStrength(password, userInputs)

	switch {
	case match.Score >= 4:
		result.Strength = PasswordStrong
	case match.Score == 3:
		result.Strength = PasswordGood
	case match.Score == 2:
		result.Strength = PasswordFair
	default:
		result.Strength = PasswordWeak
	}

	if result.Strength < PasswordGood {
		result.Warnings = append(result.Warnings,
			"Password is easy to guess; a passphrase of several random words is stronger")
	}
	if utf8.RuneCountInString(password) < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passwords (12+ characters) are more secure")
	}
	return result
}

func validatePasswordLength(password string) error {
	n := utf8.RuneCountInString(password)
	if n < MinPasswordLength {
		return fmt.Errorf("%w (got %d)", ErrPasswordTooShort, n)
	}
	if n > MaxPasswordLength {
		return fmt.Errorf("%w (got %d)", ErrPasswordTooLong, n)
	}
	return nil
}
