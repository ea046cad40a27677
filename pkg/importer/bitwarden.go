package importer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// BitwardenParser reads login.totp from unencrypted Bitwarden JSON exports.
type BitwardenParser struct{}

// Bitwarden item types.
const (
	bitwardenTypeLogin = 1
)

// bitwardenExport represents the top-level Bitwarden JSON export structure.
type bitwardenExport struct {
	Encrypted bool            `json:"encrypted"`
	Items     []bitwardenItem `json:"items"`
}

// bitwardenItem represents a single item in Bitwarden export.
type bitwardenItem struct {
	Type  int             `json:"type"`
	Name  string          `json:"name"`
	Login *bitwardenLogin `json:"login"`
}

// bitwardenLogin represents login-specific data.
type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	TOTP     string         `json:"totp"`
}

// bitwardenURI represents a URI entry.
type bitwardenURI struct {
	URI string `json:"uri"`
}

var errEncryptedExport = errors.New("encrypted Bitwarden exports are not supported; export as unencrypted JSON")

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data.
func (p *BitwardenParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := newResult()

	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}
	if export.Encrypted {
		return nil, errEncryptedExport
	}

	for i := range export.Items {
		item := &export.Items[i]
		origin := fmt.Sprintf("item %d (%s)", i+1, item.Name)

		if item.Type != bitwardenTypeLogin || item.Login == nil || IsEmptyOrWhitespace(item.Login.TOTP) {
			result.skip(origin, "no TOTP seed")
			continue
		}

		var site string
		if len(item.Login.URIs) > 0 {
			site = item.Login.URIs[0].URI
		}
		c, err := fromSeed(item.Login.TOTP, item.Login.Username, item.Name, site, opts)
		if err != nil {
			result.skip(origin, err.Error())
			continue
		}
		result.add(c, origin)
	}

	DeduplicateCredentials(result)
	return result, nil
}
