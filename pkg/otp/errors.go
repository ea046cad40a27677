package otp

import "errors"

// Sentinel errors returned by the otp package.
var (
	// ErrInvalidEncoding indicates the secret is not valid Base32 or decodes to nothing.
	ErrInvalidEncoding = errors.New("otp: invalid base32 encoding")

	// ErrUnsupportedAlgorithm indicates a hash algorithm other than SHA1, SHA256 or SHA512.
	ErrUnsupportedAlgorithm = errors.New("otp: unsupported algorithm")

	// ErrMalformedURI indicates an otpauth URI that cannot be turned into a credential.
	ErrMalformedURI = errors.New("otp: malformed otpauth uri")

	// ErrInvalidDigits indicates a code length outside [MinDigits, MaxDigits].
	ErrInvalidDigits = errors.New("otp: digits must be between 6 and 8")

	// ErrInvalidPeriod indicates a non-positive time step.
	ErrInvalidPeriod = errors.New("otp: period must be positive")

	// ErrInvalidCredential indicates a credential field failed validation.
	ErrInvalidCredential = errors.New("otp: invalid credential")
)
