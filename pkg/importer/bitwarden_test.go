package importer

import (
	"errors"
	"testing"
)

func TestBitwardenParser_Parse(t *testing.T) {
	data := `{
  "encrypted": false,
  "folders": [{"id": "f1", "name": "Work"}],
  "items": [
    {"type": 1, "name": "GitHub", "login": {"username": "johndoe", "password": "pw",
      "totp": "JBSWY3DPEHPK3PXP", "uris": [{"uri": "https://github.com/login"}]}},
    {"type": 1, "name": "Example", "login": {"username": "jane",
      "totp": "otpauth://totp/Example:jane?secret=JBSWY3DPEHPK3PXP&issuer=Example&period=60"}},
    {"type": 1, "name": "No OTP", "login": {"username": "x", "password": "y"}},
    {"type": 2, "name": "Secure note", "notes": "hello"},
    {"type": 1, "name": "Steam", "login": {"username": "gamer", "totp": "steam://JBSWY3DPEHPK3PXP"}}
  ]
}`

	result, err := (&BitwardenParser{}).Parse([]byte(data), ParseOptions{})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(result.Credentials) != 2 {
		t.Fatalf("got %d credentials, want 2", len(result.Credentials))
	}
	if got := result.Credentials[0].Credential.Identity().String(); got != "johndoe:github.com" {
		t.Errorf("first identity = %q", got)
	}
	if got := result.Credentials[1].Credential.Period; got != 60 {
		t.Errorf("second period = %d, want 60", got)
	}
	if len(result.Skipped) != 3 {
		t.Errorf("Skipped = %+v, want 3 items", result.Skipped)
	}
}

func TestBitwardenParser_Encrypted(t *testing.T) {
	_, err := (&BitwardenParser{}).Parse([]byte(`{"encrypted": true, "items": []}`), ParseOptions{})
	if !errors.Is(err, errEncryptedExport) {
		t.Errorf("err = %v, want errEncryptedExport", err)
	}
}

func TestBitwardenParser_InvalidJSON(t *testing.T) {
	if _, err := (&BitwardenParser{}).Parse([]byte("{"), ParseOptions{}); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
