package event

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Event id format: <PREFIX>-<YYYYMMDDhhmmss>-<suffix>.
//
// The suffix alphabet is uppercase alphanumeric so the id survives the
// case-insensitive round trip through mail subjects and bodies: the inbound
// adapter uppercases whatever it extracts, and a mixed-case fragment would no
// longer match the stored id. Ten characters over a 36-symbol alphabet carry
// ~51.7 bits of entropy.
const (
	// DefaultIDPrefix is the prefix used for engine-generated event ids.
	DefaultIDPrefix = "EVT"

	idTimestampLayout = "20060102150405"
	idSuffixLength    = 10
	idSuffixAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// idPattern matches well-formed event ids after uppercase normalization.
var idPattern = regexp.MustCompile(`^[A-Z0-9]+-[0-9]{14}-[A-Z0-9]{` + fmt.Sprint(idSuffixLength) + `}$`)

// NewEventID returns a fresh id with the default EVT prefix.
func NewEventID() string {
	return NewID(DefaultIDPrefix)
}

// NewID generates a human-legible event id: prefix, UTC second-resolution
// timestamp, and a random suffix. Ids sort by creation instant at second
// resolution; uniqueness rests on the suffix entropy, and an insert-time
// collision surfaces as ErrDuplicateKey and is retried with a fresh id by the
// caller.
func NewID(prefix string) string {
	var b strings.Builder

	b.WriteString(strings.ToUpper(prefix))
	b.WriteByte('-')
	b.WriteString(time.Now().UTC().Format(idTimestampLayout))
	b.WriteByte('-')
	b.WriteString(randomSuffix(idSuffixLength))

	return b.String()
}

// ValidID reports whether id matches the canonical wire format.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// randomSuffix draws n characters from the suffix alphabet using crypto/rand,
// with rejection sampling to keep the distribution uniform.
func randomSuffix(n int) string {
	const alphabetSize = byte(len(idSuffixAlphabet))

	// Largest multiple of the alphabet size below 256; bytes at or above it
	// are rejected to avoid modulo bias.
	limit := byte(256 - (256 % int(alphabetSize)))

	out := make([]byte, 0, n)
	buf := make([]byte, n)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand never fails on supported platforms; if it does,
			// the process cannot safely generate identifiers.
			panic(fmt.Sprintf("event id entropy source failed: %v", err))
		}

		for _, b := range buf {
			if b >= limit {
				continue
			}

			out = append(out, idSuffixAlphabet[b%alphabetSize])
			if len(out) == n {
				break
			}
		}
	}

	return string(out)
}
