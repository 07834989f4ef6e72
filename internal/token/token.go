package token

import (
	"crypto/rand"
	"fmt"
)

// Alphabet is the character set attendance codes are drawn from.
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Length bounds for generated codes.
const (
	MinLength     = 6
	MaxLength     = 16
	DefaultLength = 8
)

// Generate returns a random attendance code of the given length drawn
// uniformly from Alphabet using crypto/rand. Codes gate attendance
// redemption, so a guessable source is not acceptable here.
func Generate(length int) (string, error) {
	if length < MinLength || length > MaxLength {
		return "", fmt.Errorf("token length %d out of range [%d,%d]", length, MinLength, MaxLength)
	}

	out := make([]byte, 0, length)
	buf := make([]byte, length)
	// Rejection sampling keeps the distribution uniform: 62*4=248 is the
	// largest multiple of len(Alphabet) below 256.
	const limit = 248
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, Alphabet[int(b)%len(Alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
