package schema

import (
	"net/mail"
	"strings"
	"unicode"
)

// NormalizeEmail trims and lowercases an email address and validates its shape.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(email))
	if trimmed == "" {
		return "", ErrInvalidEmail
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", ErrInvalidEmail
	}
	at := strings.LastIndexByte(trimmed, '@')
	if at <= 0 || !strings.Contains(trimmed[at+1:], ".") {
		return "", ErrInvalidEmail
	}
	return trimmed, nil
}

// NormalizeCode strips whitespace from a one-time code and ensures it is numeric.
func NormalizeCode(code string) (string, error) {
	var b strings.Builder
	for _, r := range code {
		if unicode.IsSpace(r) || r == '-' {
			continue
		}
		if r < '0' || r > '9' {
			return "", ErrInvalidCode
		}
		b.WriteRune(r)
	}
	if b.Len() < 4 || b.Len() > 10 {
		return "", ErrInvalidCode
	}
	return b.String(), nil
}
