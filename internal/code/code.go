// Package code generates short session codes meant to be read aloud or
// typed from another person's screen.
package code

import (
	"math/rand/v2"
	"strings"
)

// Alphabet excludes glyphs that are easy to confuse (0/O, 1/I).
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length of a generated code. 32^4 codes is plenty for ad-hoc groups, but
// offers no uniqueness guarantee: the store retries on collision at insert.
const Length = 4

// Generate returns a fresh code. Pure sampling, no side effects.
func Generate() string {
	var b strings.Builder
	b.Grow(Length)
	for i := 0; i < Length; i++ {
		b.WriteByte(Alphabet[rand.IntN(len(Alphabet))])
	}
	return b.String()
}

// Normalize upper-cases and trims a user-typed code. Codes are
// case-insensitive on input and stored upper-cased.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Valid reports whether the normalized code has the right shape.
func Valid(normalized string) bool {
	if len(normalized) != Length {
		return false
	}
	for i := 0; i < len(normalized); i++ {
		if !strings.ContainsRune(Alphabet, rune(normalized[i])) {
			return false
		}
	}
	return true
}
