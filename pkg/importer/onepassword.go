package importer

import (
	"fmt"
	"strings"
)

// OnePasswordParser reads the OTPAuth column of 1Password CSV exports:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names (header-based parsing).
const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColOTPAuth  = "OTPAuth"
	op1ColArchived = "Archived"
)

// Source returns the source type for this parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data. Archived items and items without a
// one-time password are skipped.
func (p *OnePasswordParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := newResult()

	keep := func(s string) string { return s }
	err := readCSV(data, keep, []string{op1ColTitle, op1ColOTPAuth}, func(rowNum int, get csvRow) {
		value := func(col string) string { return strings.TrimSpace(get(col)) }
		title := value(op1ColTitle)
		origin := fmt.Sprintf("row %d (%s)", rowNum, title)

		if strings.EqualFold(value(op1ColArchived), "true") {
			result.skip(origin, "archived")
			return
		}
		seed := value(op1ColOTPAuth)
		if seed == "" {
			result.skip(origin, "no TOTP seed")
			return
		}

		c, err := fromSeed(seed, value(op1ColUsername), title, value(op1ColWebsite), opts)
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
