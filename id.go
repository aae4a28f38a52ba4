package audionix

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// IDLength is the fixed length of a record identifier.
const IDLength = 16

// idAlphabet is the URL-safe alphabet identifiers are drawn from. Its length
// is 64 so every random byte maps onto it without bias.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16}$`)

// NewID returns a fresh opaque identifier.
func NewID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}

	// The version nibble of byte 6 overlaps the low six bits, so it is mixed
	// with spare entropy from byte 15. The variant bits of byte 8 sit above
	// the bits we use.
	b := u[:]
	out := make([]byte, IDLength)
	for i := range out {
		v := b[i]
		if i == 6 {
			v ^= b[15] << 4
		}
		out[i] = idAlphabet[v&63]
	}
	return string(out), nil
}

// IsID reports whether s has the lexical shape of an identifier: a fixed-length
// token of letters, digits, '-' and '_' with no path separator.
func IsID(s string) bool {
	return idPattern.MatchString(s)
}
