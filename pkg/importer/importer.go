// Package importer extracts OTP credentials from exported files: plain
// otpauth URI lists (one per line, legacy index entries allowed) and the
// TOTP seeds found in password manager exports.
package importer

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/samber/lo"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// Source represents the input format.
type Source string

const (
	SourceOTPAuth   Source = "otpauth"
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// ImportedCredential is a parsed credential and where it came from.
type ImportedCredential struct {
	Credential *otp.Credential
	// Origin names the line, row or item it was read from.
	Origin string
}

// ImportResult contains the results of an import operation.
type ImportResult struct {
	Credentials []*ImportedCredential

	// Warnings are non-fatal issues encountered during parsing.
	Warnings []string

	// Skipped are items that were skipped with reasons.
	Skipped []SkippedItem
}

// SkippedItem represents an item that was skipped during import.
type SkippedItem struct {
	Origin string
	Reason string
}

func newResult() *ImportResult {
	return &ImportResult{
		Credentials: make([]*ImportedCredential, 0),
		Warnings:    make([]string, 0),
		Skipped:     make([]SkippedItem, 0),
	}
}

func (r *ImportResult) add(c *otp.Credential, origin string) {
	r.Credentials = append(r.Credentials, &ImportedCredential{Credential: c, Origin: origin})
}

func (r *ImportResult) skip(origin, reason string) {
	r.Skipped = append(r.Skipped, SkippedItem{Origin: origin, Reason: reason})
}

// Parser is the interface for import format parsers.
type Parser interface {
	// Parse parses the input data and returns imported credentials.
	Parse(data []byte, opts ParseOptions) (*ImportResult, error)

	// Source returns the source type for this parser.
	Source() Source
}

// ParseOptions contains options for parsing.
type ParseOptions struct {
	// Issuer replaces the issuer of seeds that do not carry one. Empty means
	// the item's name or website host.
	Issuer string
}

// fromSeed builds a credential from a password manager TOTP field, which is
// either an otpauth URI or a bare Base32 seed. For bare seeds the username
// falls back to name, and the issuer to opts.Issuer or the site host.
func fromSeed(seed, username, name, site string, opts ParseOptions) (*otp.Credential, error) {
	seed = strings.TrimSpace(seed)
	if strings.HasPrefix(strings.ToLower(seed), "otpauth://") {
		return otp.ParseURI(seed)
	}
	if i := strings.Index(seed, "://"); i > 0 {
		return nil, fmt.Errorf("unsupported seed scheme %q", seed[:i])
	}

	secret, err := otp.Decode(seed)
	if err != nil {
		return nil, err
	}

	issuer := opts.Issuer
	if issuer == "" {
		issuer = lo.CoalesceOrEmpty(extractHostname(site), name)
	}
	username = lo.CoalesceOrEmpty(strings.TrimSpace(username), strings.TrimSpace(name))
	return otp.NewCredential(secret, sanitizeUsername(username), sanitizeIssuer(issuer))
}

// sanitizeUsername drops the index separator, which usernames cannot hold.
func sanitizeUsername(s string) string {
	return strings.ReplaceAll(s, otp.IdentitySeparator, "")
}

func sanitizeIssuer(s string) string {
	return strings.ReplaceAll(s, "&", "and")
}

// DeduplicateCredentials keeps the first credential for each identity and
// reports the rest as skipped.
func DeduplicateCredentials(result *ImportResult) {
	seen := make(map[otp.Identity]string)
	kept := result.Credentials[:0]
	for _, ic := range result.Credentials {
		id := ic.Credential.Identity()
		if first, ok := seen[id]; ok {
			result.skip(ic.Origin, fmt.Sprintf("duplicate of %s (%s)", first, id))
			continue
		}
		seen[id] = ic.Origin
		kept = append(kept, ic)
	}
	result.Credentials = kept
}

// extractHostname returns the host of a website field, without "www.".
func extractHostname(site string) string {
	site = strings.TrimSpace(site)
	if site == "" {
		return ""
	}
	if !strings.Contains(site, "://") {
		site = "https://" + site
	}
	u, err := url.Parse(site)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// DecodeHTMLEntities decodes common HTML entities found in LastPass exports.
func DecodeHTMLEntities(s string) string {
	return strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", "\"",
		"&#39;", "'",
		"&apos;", "'",
	).Replace(s)
}

// IsEmptyOrWhitespace checks if a string is empty or contains only whitespace.
func IsEmptyOrWhitespace(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case SourceOTPAuth:
		return &OTPAuthParser{}, nil
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(SourceOTPAuth),
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}
