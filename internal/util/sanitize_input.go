package util

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxTextLength is the generic cap applied by SanitizeText.
	MaxTextLength = 255
	// MaxIdentityLength is the longest identity accepted after normalization.
	MaxIdentityLength = 254
	MaxNameLength     = 100
	MaxReferralLength = 20

	ReferralCodeLength   = 8
	ReferralCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var (
	identityPattern = regexp.MustCompile(`^[a-zA-Z0-9.!#$%&'*+/=?^_` + "`" + `{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)
	controlChars    = regexp.MustCompile(`[\x00-\x1F\x7F]`)
)

// NormalizeIdentity lowercases and trims. Applying it twice changes nothing.
func NormalizeIdentity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateIdentity reports whether s is a well-formed, normalized-length email.
func ValidateIdentity(s string) bool {
	if s == "" || utf8.RuneCountInString(s) > MaxIdentityLength {
		return false
	}
	return identityPattern.MatchString(s)
}

// SanitizeText trims, strips C0 control characters and DEL, then truncates to
// max characters. It never fails.
func SanitizeText(s string, max int) string {
	s = strings.TrimSpace(s)
	s = controlChars.ReplaceAllString(s, "")
	return truncateRunes(s, max)
}

// SanitizeName applies the display-name cap on top of SanitizeText.
func SanitizeName(s string) string {
	return SanitizeText(s, MaxNameLength)
}

// NormalizeReferralCode uppercases, truncates to 20 characters and sanitizes.
func NormalizeReferralCode(s string) string {
	s = truncateRunes(strings.ToUpper(s), MaxReferralLength)
	return SanitizeText(s, MaxTextLength)
}

// GenerateReferralCode draws ReferralCodeLength characters from the unambiguous
// alphabet using crypto/rand. The alphabet has 32 symbols so the modulo is
// unbiased.
func GenerateReferralCode() (string, error) {
	buf := make([]byte, ReferralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	for i, b := range buf {
		buf[i] = ReferralCodeAlphabet[int(b)%len(ReferralCodeAlphabet)]
	}
	return string(buf), nil
}

// IsReferralCode reports whether s has the shape produced by GenerateReferralCode.
func IsReferralCode(s string) bool {
	if len(s) != ReferralCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(ReferralCodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// LocalPart returns the part of an identity before '@', used as a greeting
// fallback when no display name was given.
func LocalPart(identity string) string {
	if i := strings.IndexByte(identity, '@'); i > 0 {
		return identity[:i]
	}
	return identity
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
