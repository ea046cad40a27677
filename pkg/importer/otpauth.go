package importer

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/ogarcia/otp-keys/pkg/otp"
)

// OTPAuthParser reads one credential per line: an otpauth://totp URI or a
// legacy "secret:username:period:digits:algorithm" entry. Blank lines and
// lines starting with '#' are ignored.
type OTPAuthParser struct{}

// Source returns the source type for this parser.
func (p *OTPAuthParser) Source() Source {
	return SourceOTPAuth
}

// Parse parses the line list.
func (p *OTPAuthParser) Parse(data []byte, opts ParseOptions) (*ImportResult, error) {
	result := newResult()
	data = bytes.TrimPrefix(data, utf8BOM)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		origin := fmt.Sprintf("line %d", lineNum)

		var (
			c   *otp.Credential
			err error
		)
		switch {
		case strings.HasPrefix(strings.ToLower(line), "otpauth://"):
			c, err = otp.ParseURI(line)
		case otp.IsLegacy(line):
			c, err = otp.ParseLegacy(line)
		default:
			// Never echo the line back: it may be a bare secret.
			result.skip(origin, "not an otpauth URI or legacy entry")
			continue
		}
		if err != nil {
			result.skip(origin, err.Error())
			continue
		}
		if opts.Issuer != "" && c.Issuer == otp.DefaultIssuer {
			c.Issuer = sanitizeIssuer(opts.Issuer)
		}
		result.add(c, origin)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	DeduplicateCredentials(result)
	return result, nil
}
