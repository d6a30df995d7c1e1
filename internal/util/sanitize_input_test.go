package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIdentity(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"mixed case with spaces", " Foo@Bar.COM ", "foo@bar.com"},
		{"already normalized", "foo@bar.com", "foo@bar.com"},
		{"tabs and newlines", "\tUser@Example.org\n", "user@example.org"},
		{"empty", "", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			once := NormalizeIdentity(tc.input)
			assert.Equal(t, tc.expected, once)
			assert.Equal(t, once, NormalizeIdentity(once), "normalization must be idempotent")
		})
	}
}

func TestValidateIdentity(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "new@example.com", true},
		{"plus and dots", "first.last+tag@sub.example.co", true},
		{"no domain dot", "user@localhost", true},
		{"special local chars", "a!#$%&'*+/=?^_`{|}~-@example.com", true},
		{"missing at", "userexample.com", false},
		{"empty", "", false},
		{"double at", "a@b@example.com", false},
		{"leading hyphen label", "user@-example.com", false},
		{"space inside", "us er@example.com", false},
		{"empty local", "@example.com", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.valid, ValidateIdentity(tc.input))
		})
	}
}

func TestValidateIdentity_RejectsOverLength(t *testing.T) {
	local := strings.Repeat("a", 70)
	domain := strings.Repeat("b", 60) + "." + strings.Repeat("c", 60) + "." + strings.Repeat("d", 60) + ".com"
	long := local + "@" + domain
	require.Greater(t, len(long), MaxIdentityLength)

	assert.False(t, ValidateIdentity(long))
}

func TestSanitizeText(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"trims", "  hello  ", 255, "hello"},
		{"strips control chars", "he\x00ll\x1fo\x7f", 255, "hello"},
		{"keeps unicode", "Zoë 🚀", 255, "Zoë 🚀"},
		{"truncates by characters", "ééééé", 3, "ééé"},
		{"empty stays empty", "", 10, ""},
		{"zero max", "abc", 0, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeText(tc.input, tc.max))
		})
	}
}

func TestSanitizeName_CapsAt100(t *testing.T) {
	name := SanitizeName(strings.Repeat("x", 150))

	assert.Len(t, name, MaxNameLength)
}

func TestNormalizeReferralCode(t *testing.T) {
	assert.Equal(t, "ABC123", NormalizeReferralCode("  abc123 "))
	assert.Equal(t, strings.Repeat("Z", MaxReferralLength), NormalizeReferralCode(strings.Repeat("z", 40)))
	assert.Equal(t, "AB", NormalizeReferralCode("a\x00b"))
}

func TestGenerateReferralCode_ShapeAndUniqueness(t *testing.T) {
	const samples = 20000
	seen := make(map[string]struct{}, samples)

	for i := 0; i < samples; i++ {
		code, err := GenerateReferralCode()
		require.NoError(t, err)
		require.Len(t, code, ReferralCodeLength)
		require.True(t, IsReferralCode(code), "code %q outside alphabet", code)
		seen[code] = struct{}{}
	}

	// 32^8 possible codes; a collision in 20k draws is vanishingly unlikely.
	assert.Len(t, seen, samples)
}

func TestReferralCodeAlphabet_ExcludesConfusables(t *testing.T) {
	for _, c := range "01IO" {
		assert.NotContains(t, ReferralCodeAlphabet, string(c))
	}
	assert.Len(t, ReferralCodeAlphabet, 32)
}

func TestLocalPart(t *testing.T) {
	assert.Equal(t, "jane", LocalPart("jane@example.com"))
	assert.Equal(t, "nodomain", LocalPart("nodomain"))
}
