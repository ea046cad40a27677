package otp

import (
	"fmt"
	"strconv"
	"strings"
)

// legacyFields is the field count of "secret:username:period:digits:algorithm".
const legacyFields = 5

// IsLegacy reports whether an index entry uses the old five-field form. The
// format carries no version tag, so detection is by field count alone.
func IsLegacy(entry string) bool {
	return strings.Count(entry, IdentitySeparator) == legacyFields-1
}

// ParseLegacy converts an old index entry into a credential with the default
// issuer. Errors never include the entry, which holds the secret.
func ParseLegacy(entry string) (*Credential, error) {
	f := strings.Split(entry, IdentitySeparator)
	if len(f) != legacyFields {
		return nil, fmt.Errorf("%w: legacy entry has %d fields", ErrInvalidCredential, len(f))
	}

	secret, err := Decode(f[0])
	if err != nil {
		return nil, err
	}
	period, err := strconv.Atoi(f[2])
	if err != nil {
		return nil, fmt.Errorf("%w: period is not a number", ErrInvalidPeriod)
	}
	digits, err := strconv.Atoi(f[3])
	if err != nil {
		return nil, fmt.Errorf("%w: digits is not a number", ErrInvalidDigits)
	}
	alg, err := ParseAlgorithm(f[4])
	if err != nil {
		return nil, err
	}
	return NewCredential(secret, f[1], "", WithPeriod(period), WithDigits(digits), WithAlgorithm(alg))
}

// FormatLegacy renders c in the old five-field form. The issuer is lost.
func FormatLegacy(c *Credential) string {
	return strings.Join([]string{
		Encode(c.Secret),
		c.Username,
		strconv.Itoa(c.Period),
		strconv.Itoa(c.Digits),
		c.Algorithm.Legacy(),
	}, IdentitySeparator)
}
