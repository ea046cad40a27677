package cli

import "strings"

// FormatCode groups a code for reading aloud: three digits per group from the
// right, so 6 digits read "123 456" and 7 read "1 234 567".
func FormatCode(code string) string {
	if len(code) <= 4 {
		return code
	}
	var b strings.Builder
	lead := len(code) % 3
	if lead > 0 {
		b.WriteString(code[:lead])
	}
	for i := lead; i < len(code); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(code[i : i+3])
	}
	return b.String()
}
