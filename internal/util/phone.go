package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// NormalizeE164 strips spacing/punctuation commonly pasted with phone
// numbers and validates the result against E.164: a leading +, a nonzero
// country-code digit, and at most 15 digits total.
func NormalizeE164(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			// separators are tolerated and dropped
		default:
			return "", fmt.Errorf("invalid character %q in phone number", r)
		}
	}

	normalized := b.String()
	if len(normalized) < 2 || normalized[0] != '+' {
		return "", fmt.Errorf("phone number must be in E.164 format")
	}
	digits := normalized[1:]
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("phone number must have 7 to 15 digits")
	}
	if digits[0] == '0' {
		return "", fmt.Errorf("country code cannot start with 0")
	}
	return normalized, nil
}

// PhoneHash returns a stable hex digest of a normalized phone number,
// used as a lookup key where the raw number must not appear.
func PhoneHash(phoneNumber string) string {
	sum := sha256.Sum256([]byte(phoneNumber))
	return hex.EncodeToString(sum[:])
}
