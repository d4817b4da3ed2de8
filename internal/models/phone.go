package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Phone number length bounds in digits, excluding the leading plus.
const (
	MinPhoneDigits = 6
	MaxPhoneDigits = 15
)

var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone validates a phone number and returns it in E.164 form ("+" followed by
// digits). Separators, a "tel:" prefix and a leading "00" international prefix are removed.
func CanonicalizePhone(phone string) (string, error) {
	trimmed := strings.TrimSpace(phone)
	if trimmed == "" {
		return "", ErrEmptyPhone
	}
	trimmed = strings.TrimPrefix(trimmed, "tel:")

	digits := nonDigitRegex.ReplaceAllString(trimmed, "")
	if !strings.HasPrefix(trimmed, "+") && strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	if digits == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidPhone, phone)
	}
	if len(digits) < MinPhoneDigits || len(digits) > MaxPhoneDigits {
		return "", fmt.Errorf("%w: %q must have between %d and %d digits", ErrInvalidPhone, phone, MinPhoneDigits, MaxPhoneDigits)
	}
	return "+" + digits, nil
}
