package crypto_test

import (
	"testing"

	"github.com/ogarcia/otp-keys/pkg/crypto"
)

// BenchmarkDeriveKey measures unlock cost with the default Argon2id parameters.
func BenchmarkDeriveKey(b *testing.B) {
	password := []byte("testpassword123!")
	salt, err := crypto.RandomBytes(crypto.SaltLength)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		crypto.DeriveKey(password, salt)
	}
}

// BenchmarkSeal measures sealing a typical credential record.
func BenchmarkSeal(b *testing.B) {
	key, err := crypto.RandomBytes(crypto.KeyLength)
	if err != nil {
		b.Fatal(err)
	}
	record := make([]byte, 256)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := crypto.Seal(key, record, nil); err != nil {
			b.Fatal(err)
		}
	}
}
