package otp

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	uriScheme = "otpauth"
	uriType   = "totp"
)

// ParseURI turns an otpauth://totp URI into a validated credential.
//
// The label may be "issuer:username" or a bare username. An explicit issuer
// query parameter wins over the label prefix. Missing period, digits and
// algorithm fall back to their defaults.
func ParseURI(raw string) (*Credential, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		// url errors quote the input, secret included.
		return nil, fmt.Errorf("%w: invalid URI syntax", ErrMalformedURI)
	}
	if !strings.EqualFold(u.Scheme, uriScheme) {
		return nil, fmt.Errorf("%w: unexpected scheme %q", ErrMalformedURI, u.Scheme)
	}
	if !strings.EqualFold(u.Host, uriType) {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformedURI, u.Host)
	}

	q := u.Query()
	secretText := q.Get("secret")
	if secretText == "" {
		return nil, fmt.Errorf("%w: missing secret", ErrMalformedURI)
	}
	secret, err := Decode(secretText)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedURI, err)
	}

	username, issuer := splitLabel(strings.TrimPrefix(u.Path, "/"), q.Get("issuer"))

	opts := make([]Option, 0, 3)
	if v := q.Get("period"); v != "" {
		period, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid period %q", ErrMalformedURI, v)
		}
		opts = append(opts, WithPeriod(period))
	}
	if v := q.Get("digits"); v != "" {
		digits, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid digits %q", ErrMalformedURI, v)
		}
		opts = append(opts, WithDigits(digits))
	}
	if v := q.Get("algorithm"); v != "" {
		alg, err := ParseAlgorithm(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedURI, err)
		}
		opts = append(opts, WithAlgorithm(alg))
	}

	c, err := NewCredential(secret, username, issuer, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedURI, err)
	}
	return c, nil
}

// splitLabel separates a decoded label into username and issuer.
func splitLabel(label, issuerParam string) (username, issuer string) {
	if issuerParam != "" {
		if rest, ok := strings.CutPrefix(label, issuerParam+":"); ok {
			return rest, issuerParam
		}
		if i := strings.LastIndex(label, ":"); i >= 0 {
			return label[i+1:], issuerParam
		}
		return label, issuerParam
	}
	if i := strings.LastIndex(label, ":"); i >= 0 {
		return label[i+1:], label[:i]
	}
	return label, ""
}

// BuildURI renders c as an otpauth://totp URI. All parameters are emitted so
// the URI is self-describing for other authenticator apps.
func BuildURI(c *Credential) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("secret", Encode(c.Secret))
	q.Set("issuer", c.Issuer)
	q.Set("algorithm", string(c.Algorithm))
	q.Set("digits", strconv.Itoa(c.Digits))
	q.Set("period", strconv.Itoa(c.Period))

	u := url.URL{
		Scheme:   uriScheme,
		Host:     uriType,
		Path:     "/" + c.Issuer + ":" + c.Username,
		RawPath:  "/" + url.PathEscape(c.Issuer) + ":" + url.PathEscape(c.Username),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}
