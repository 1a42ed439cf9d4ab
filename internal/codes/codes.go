// Package codes generates and validates activation code strings.
package codes

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet is the set of characters codes are drawn from. Visually ambiguous
// characters (0, O, 1, I, l, i) are excluded so codes survive being read
// aloud or retyped from a printout.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// Length is the fixed length of every activation code.
const Length = 20

// Generate returns a single cryptographically random activation code.
func Generate() (string, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	var b strings.Builder
	b.Grow(Length)
	for _, v := range buf {
		b.WriteByte(Alphabet[int(v)%len(Alphabet)])
	}
	return b.String(), nil
}

// GenerateBatch returns count distinct codes. maxAttempts bounds the total
// number of draws so a pathological RNG cannot spin forever; in practice
// collisions at 20 characters over a 54-symbol alphabet are vanishingly rare.
func GenerateBatch(count, maxAttempts int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("batch count must be positive, got %d", count)
	}
	if maxAttempts < count {
		maxAttempts = count * 10
	}

	seen := make(map[string]struct{}, count)
	out := make([]string, 0, count)
	for attempts := 0; len(out) < count && attempts < maxAttempts; attempts++ {
		code, err := Generate()
		if err != nil {
			return nil, err
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	if len(out) < count {
		return nil, fmt.Errorf("generated only %d of %d unique codes", len(out), count)
	}
	return out, nil
}

// Normalize strips everything outside [A-Za-z0-9] from user input, so codes
// pasted with spaces, dashes, or quotation marks still match.
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ValidFormat reports whether the normalized input has the exact expected
// length. Charset is already guaranteed by Normalize.
func ValidFormat(normalized string) bool {
	return len(normalized) == Length
}
