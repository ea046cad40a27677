package otp

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	libotp "github.com/pquerna/otp"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/unicode/norm"
)

// Credential defaults and limits.
const (
	DefaultIssuer    = "otp-key"
	DefaultPeriod    = 30
	DefaultDigits    = 6
	DefaultAlgorithm = SHA1

	MinDigits = 6
	MaxDigits = 8

	// IdentitySeparator joins username and issuer in the persisted index.
	IdentitySeparator = ":"
)

// Algorithm names the HMAC hash used to derive codes.
type Algorithm string

// Supported algorithms.
const (
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
)

// ParseAlgorithm accepts an algorithm name case-insensitively, with or without
// a dash ("sha1", "SHA-256").
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "")) {
	case "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
}

// Legacy returns the lowercase spelling used by the legacy index format.
func (a Algorithm) Legacy() string {
	return strings.ToLower(string(a))
}

func (a Algorithm) hash() (libotp.Algorithm, error) {
	switch a {
	case SHA1:
		return libotp.AlgorithmSHA1, nil
	case SHA256:
		return libotp.AlgorithmSHA256, nil
	case SHA512:
		return libotp.AlgorithmSHA512, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

// Identity is the (username, issuer) pair that identifies a credential.
type Identity struct {
	Username string
	Issuer   string
}

// String returns the persisted index form "username:issuer".
func (id Identity) String() string {
	return id.Username + IdentitySeparator + id.Issuer
}

// ParseIdentity splits an index entry at the first separator. Usernames never
// contain the separator, so everything after it belongs to the issuer.
func ParseIdentity(s string) (Identity, bool) {
	username, issuer, ok := strings.Cut(s, IdentitySeparator)
	if !ok || username == "" || issuer == "" {
		return Identity{}, false
	}
	return Identity{Username: username, Issuer: issuer}, true
}

// Credential is one OTP source. Secret holds raw key bytes and is never
// rendered by String or by structured logging.
type Credential struct {
	Secret    []byte    `validate:"required,min=1"`
	Username  string    `validate:"required,excludes=:"`
	Issuer    string    `validate:"required,excludes=&,nolegacy"`
	Period    int       `validate:"oneof=30 60"`
	Digits    int       `validate:"min=6,max=8"`
	Algorithm Algorithm `validate:"oneof=SHA1 SHA256 SHA512"`
}

// Option adjusts a credential built by NewCredential.
type Option func(*Credential)

// WithPeriod sets the time step in seconds.
func WithPeriod(period int) Option {
	return func(c *Credential) { c.Period = period }
}

// WithDigits sets the code length.
func WithDigits(digits int) Option {
	return func(c *Credential) { c.Digits = digits }
}

// WithAlgorithm sets the HMAC hash.
func WithAlgorithm(alg Algorithm) Option {
	return func(c *Credential) { c.Algorithm = alg }
}

// NewCredential builds and validates a credential. An empty issuer becomes
// DefaultIssuer; username and issuer are trimmed and NFC-normalised.
func NewCredential(secret []byte, username, issuer string, opts ...Option) (*Credential, error) {
	c := &Credential{
		Secret:    append([]byte(nil), secret...),
		Username:  username,
		Issuer:    issuer,
		Period:    DefaultPeriod,
		Digits:    DefaultDigits,
		Algorithm: DefaultAlgorithm,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Credential) normalize() {
	c.Username = norm.NFC.String(strings.TrimSpace(c.Username))
	c.Issuer = norm.NFC.String(strings.TrimSpace(c.Issuer))
	if c.Issuer == "" {
		c.Issuer = DefaultIssuer
	}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// An identity with four separators would read back as a legacy entry.
		_ = validate.RegisterValidation("nolegacy", func(fl validator.FieldLevel) bool {
			return strings.Count(fl.Field().String(), IdentitySeparator) != legacyFields-2
		})
	})
	return validate
}

// Validate checks every field constraint. Failures wrap ErrInvalidCredential
// and name the offending fields, never their values.
func (c *Credential) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil credential", ErrInvalidCredential)
	}
	err := structValidator().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidCredential, strings.Join(msgs, ", "))
}

// Identity returns the credential's (username, issuer) pair.
func (c *Credential) Identity() Identity {
	return Identity{Username: c.Username, Issuer: c.Issuer}
}

// Clone returns a deep copy.
func (c *Credential) Clone() *Credential {
	cp := *c
	cp.Secret = append([]byte(nil), c.Secret...)
	return &cp
}

// Equal reports whether two credentials carry the same key and parameters.
func (c *Credential) Equal(o *Credential) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Identity() == o.Identity() &&
		string(c.Secret) == string(o.Secret) &&
		c.Period == o.Period &&
		c.Digits == o.Digits &&
		c.Algorithm == o.Algorithm
}

// Code computes the TOTP code for the credential at nowEpochSeconds.
func (c *Credential) Code(nowEpochSeconds int64) (string, error) {
	return TOTP(c.Secret, c.Digits, c.Period, c.Algorithm, nowEpochSeconds)
}

// String implements fmt.Stringer without exposing the secret.
func (c *Credential) String() string {
	return fmt.Sprintf("%s (%s, %d digits, %ds)", c.Identity(), c.Algorithm, c.Digits, c.Period)
}

// MarshalLogObject implements zapcore.ObjectMarshaler without the secret.
func (c *Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", c.Username)
	enc.AddString("issuer", c.Issuer)
	enc.AddInt("period", c.Period)
	enc.AddInt("digits", c.Digits)
	enc.AddString("algorithm", string(c.Algorithm))
	return nil
}
