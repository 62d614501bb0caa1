// Package phone canonicalizes phone numbers so that ownership checks compare
// numbers recorded in different historical formats.
package phone

import "strings"

// Normalize strips every non-digit and rewrites the domestic 8XXXXXXXXXX
// prefix to the international 7XXXXXXXXXX form. Unrecognized formats degrade
// to the bare digits.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if len(digits) == 11 && digits[0] == '8' {
		return "7" + digits[1:]
	}
	return digits
}

// Equal reports whether a and b denote the same number. Two inputs without
// any digits never match.
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// Valid reports whether raw has a plausible number of digits for a contact
// phone. Ownership checks never call it.
func Valid(raw string) bool {
	n := len(Normalize(raw))
	return n >= 10 && n <= 15
}
