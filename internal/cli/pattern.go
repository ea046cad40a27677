// Package cli provides shared utilities for CLI commands.
package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// ExpandPattern expands a glob pattern against the available identities.
// A pattern containing the identity separator is matched against the full
// "username:issuer" form; otherwise it is matched against usernames only.
// A literal match wins over glob matching, so names containing glob
// characters stay addressable.
func ExpandPattern(pattern string, available []otp.Identity) ([]otp.Identity, error) {
	subject := func(id otp.Identity) string { return id.Username }
	if strings.Contains(pattern, otp.IdentitySeparator) {
		subject = func(id otp.Identity) string { return id.String() }
	}

	var matches []otp.Identity
	for _, id := range available {
		if subject(id) == pattern {
			matches = append(matches, id)
		}
	}
	if len(matches) > 0 {
		return matches, nil
	}

	// Validate pattern syntax
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	for _, id := range available {
		matched, err := filepath.Match(pattern, subject(id))
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, id)
		}
	}

	if len(matches) == 0 {
		if strings.ContainsAny(pattern, "*?[") {
			return nil, fmt.Errorf("no credentials match pattern '%s'", pattern)
		}
		return nil, fmt.Errorf("credential '%s' not found", pattern)
	}
	return matches, nil
}

// ExpandPatterns expands multiple glob patterns against the available
// identities. Returns unique matches preserving order of first match.
func ExpandPatterns(patterns []string, available []otp.Identity) ([]otp.Identity, error) {
	seen := make(map[otp.Identity]bool)
	var result []otp.Identity

	for _, pattern := range patterns {
		matches, err := ExpandPattern(pattern, available)
		if err != nil {
			return nil, err
		}
		for _, id := range matches {
			if !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
	}

	return result, nil
}

// ResolveOne expands pattern and requires exactly one match.
func ResolveOne(pattern string, available []otp.Identity) (otp.Identity, error) {
	matches, err := ExpandPattern(pattern, available)
	if err != nil {
		return otp.Identity{}, err
	}
	if len(matches) > 1 {
		return otp.Identity{}, fmt.Errorf("'%s' matches %d credentials; use username:issuer", pattern, len(matches))
	}
	return matches[0], nil
}
