package importer

import (
	"fmt"
	"strings"
)

// LastPassParser reads the totp column of LastPass CSV exports:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names (header-based parsing).
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColTOTP     = "totp"
	lpColName     = "name"
)

// lastPassSecureNoteURL marks Secure Notes rather than sites.
const lastPassSecureNoteURL = "http://sn"

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data. Rows without a TOTP seed are skipped.
func (p *LastPassParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := newResult()

	err := readCSV(data, strings.ToLower, []string{lpColName, lpColTOTP}, func(rowNum int, get csvRow) {
		value := func(col string) string {
			// LastPass may HTML-encode special characters.
			return DecodeHTMLEntities(strings.TrimSpace(get(col)))
		}
		origin := fmt.Sprintf("row %d (%s)", rowNum, value(lpColName))

		seed := value(lpColTOTP)
		if seed == "" {
			result.skip(origin, "no TOTP seed")
			return
		}
		site := value(lpColURL)
		if site == lastPassSecureNoteURL {
			site = ""
		}

		c, err := fromSeed(seed, value(lpColUsername), value(lpColName), site, opts)
		if err != nil {
			result.skip(origin, err.Error())
			return
		}
		result.add(c, origin)
	}, result)
	if err != nil {
		return nil, err
	}

	DeduplicateCredentials(result)
	return result, nil
}
