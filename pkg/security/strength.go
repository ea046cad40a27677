// Package security scores the hygiene of stored OTP credentials: secret
// length and secret reuse.
package security

// SecretStrength rates the length of an OTP shared secret.
type SecretStrength int

const (
	// SecretWeak is shorter than 80 bits.
	SecretWeak SecretStrength = iota
	// SecretFair is at least 80 bits but below the RFC 4226 minimum of 128.
	SecretFair
	// SecretGood is at least 128 bits.
	SecretGood
	// SecretStrong is at least the recommended 160 bits.
	SecretStrong
)

// Secret length thresholds in bytes.
const (
	fairSecretBytes   = 10
	goodSecretBytes   = 16
	strongSecretBytes = 20
)

// String returns a human-readable representation of the secret strength.
func (s SecretStrength) String() string {
	switch s {
	case SecretWeak:
		return "Weak"
	case SecretFair:
		return "Fair"
	case SecretGood:
		return "Good"
	case SecretStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// Points returns the score points for this strength level.
// Used in StrengthScore calculation: Weak=0, Fair=17, Good=35, Strong=50.
func (s SecretStrength) Points() int {
	switch s {
	case SecretFair:
		return 17
	case SecretGood:
		return 35
	case SecretStrong:
		return 50
	default:
		return 0
	}
}

// RateSecret rates a raw secret by its length.
func RateSecret(secret []byte) SecretStrength {
	switch n := len(secret); {
	case n >= strongSecretBytes:
		return SecretStrong
	case n >= goodSecretBytes:
		return SecretGood
	case n >= fairSecretBytes:
		return SecretFair
	default:
		return SecretWeak
	}
}
