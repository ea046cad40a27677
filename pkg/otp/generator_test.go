package otp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	rfcKeySHA1   = []byte("12345678901234567890")
	rfcKeySHA256 = []byte("12345678901234567890123456789012")
	rfcKeySHA512 = []byte("1234567890123456789012345678901234567890123456789012345678901234")
)

// RFC 4226 Appendix D.
func TestHOTPReferenceVectors(t *testing.T) {
	want := []string{
		"755224", "287082", "359152", "969429", "338314",
		"254676", "287922", "162583", "399871", "520489",
	}
	for counter, code := range want {
		got, err := HOTP(rfcKeySHA1, uint64(counter), 6, SHA1)
		require.NoError(t, err)
		assert.Equal(t, code, got, "counter %d", counter)
	}
}

// RFC 6238 Appendix B.
func TestTOTPReferenceVectors(t *testing.T) {
	tests := []struct {
		now    int64
		alg    Algorithm
		key    []byte
		expect string
	}{
		{59, SHA1, rfcKeySHA1, "94287082"},
		{59, SHA256, rfcKeySHA256, "46119246"},
		{59, SHA512, rfcKeySHA512, "90693936"},
		{1111111109, SHA1, rfcKeySHA1, "07081804"},
		{1111111109, SHA256, rfcKeySHA256, "68084774"},
		{1111111109, SHA512, rfcKeySHA512, "25091201"},
		{1234567890, SHA1, rfcKeySHA1, "89005924"},
		{2000000000, SHA256, rfcKeySHA256, "90698825"},
		{20000000000, SHA512, rfcKeySHA512, "47863826"},
	}

	for _, tt := range tests {
		got, err := TOTP(tt.key, 8, 30, tt.alg, tt.now)
		require.NoError(t, err)
		assert.Equal(t, tt.expect, got, "%s at %d", tt.alg, tt.now)
	}
}

func TestHOTPZeroPadding(t *testing.T) {
	got, err := HOTP(rfcKeySHA1, 30, 6, SHA1)
	require.NoError(t, err)
	assert.Equal(t, "026920", got)

	got, err = HOTP(rfcKeySHA1, 4, 7, SHA1)
	require.NoError(t, err)
	assert.Equal(t, "0338314", got)
}

func TestHOTPDigitLengths(t *testing.T) {
	for digits := MinDigits; digits <= MaxDigits; digits++ {
		got, err := HOTP(rfcKeySHA1, 1, digits, SHA1)
		require.NoError(t, err)
		assert.Len(t, got, digits)
	}
}

func TestHOTPInvalidInput(t *testing.T) {
	_, err := HOTP(rfcKeySHA1, 0, 5, SHA1)
	assert.ErrorIs(t, err, ErrInvalidDigits)

	_, err = HOTP(rfcKeySHA1, 0, 9, SHA1)
	assert.ErrorIs(t, err, ErrInvalidDigits)

	_, err = HOTP(nil, 0, 6, SHA1)
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = HOTP(rfcKeySHA1, 0, 6, Algorithm("MD5"))
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestTOTPSameBucket(t *testing.T) {
	for _, period := range []int{30, 60} {
		start := int64(1700000000) / int64(period) * int64(period)

		a, err := TOTP(rfcKeySHA1, 6, period, SHA1, start)
		require.NoError(t, err)
		b, err := TOTP(rfcKeySHA1, 6, period, SHA1, start)
		require.NoError(t, err)
		c, err := TOTP(rfcKeySHA1, 6, period, SHA1, start+int64(period)-1)
		require.NoError(t, err)

		assert.Equal(t, a, b)
		assert.Equal(t, a, c)
	}
}

func TestTOTPDifferentBuckets(t *testing.T) {
	start := int64(1700000000)
	codes := make(map[string]struct{})
	for step := int64(0); step < 10; step++ {
		code, err := TOTP(rfcKeySHA1, 6, 30, SHA1, start+step*30)
		require.NoError(t, err)
		codes[code] = struct{}{}
	}
	// Collisions between 10 consecutive 6-digit codes are possible but rare.
	assert.Greater(t, len(codes), 5)
}

func TestTOTPInvalidInput(t *testing.T) {
	_, err := TOTP(rfcKeySHA1, 6, 0, SHA1, 100)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = TOTP(rfcKeySHA1, 6, -30, SHA1, 100)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = TOTP(rfcKeySHA1, 6, 30, SHA1, -1)
	assert.Error(t, err)
}

func TestCounterAndRemaining(t *testing.T) {
	assert.Equal(t, uint64(0), Counter(29, 30))
	assert.Equal(t, uint64(1), Counter(30, 30))
	assert.Equal(t, uint64(37037036), Counter(1111111109, 30))

	assert.Equal(t, 30, Remaining(0, 30))
	assert.Equal(t, 1, Remaining(29, 30))
	assert.Equal(t, 60, Remaining(120, 60))
}

func TestVerify(t *testing.T) {
	c, err := NewCredential(rfcKeySHA1, "alice", "example", WithDigits(8))
	require.NoError(t, err)

	now := time.Unix(1111111109, 0)

	ok, err := Verify(c, "07081804", now, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(c, "0708 1804", now, 0)
	require.NoError(t, err)
	assert.True(t, ok, "grouped input")

	ok, err = Verify(c, "07081804", now.Add(30*time.Second), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify(c, "07081804", now.Add(30*time.Second), 1)
	require.NoError(t, err)
	assert.True(t, ok, "previous step within skew")

	ok, err = Verify(c, "123", now, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
