package crypto

import (
	"regexp"
	"strings"
)

// DefaultMinCandidateLength is the length a value must exceed before the
// legacy heuristic treats it as a possible blob. The smallest legacy blob is
// 128 base64 characters, so every real blob qualifies.
const DefaultMinCandidateLength = 100

var base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// Kind is the classification of a stored value.
type Kind int

const (
	// KindEmpty is an empty or whitespace-only value.
	KindEmpty Kind = iota
	// KindPlaintext is a value that does not look like a blob.
	KindPlaintext
	// KindEncrypted is a blob that decrypted under the codec's key.
	KindEncrypted
	// KindUndecryptable looks like a blob but did not decrypt under the
	// codec's key. It may be plaintext that only resembles a blob.
	KindUndecryptable
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindPlaintext:
		return "plaintext"
	case KindEncrypted:
		return "encrypted"
	case KindUndecryptable:
		return "undecryptable"
	default:
		return "unknown"
	}
}

// Classification is the result of Inspect.
type Classification struct {
	Kind Kind
	// Plaintext is the decrypted value for KindEncrypted and the stored
	// value verbatim for every other kind.
	Plaintext string
	// Format is the blob format for KindEncrypted and KindUndecryptable.
	Format Format
	// KeyID is set for sealed blobs.
	KeyID string
}

// Inspect classifies stored and decrypts it when it is a blob of this
// codec's key epoch.
func (c *Codec) Inspect(stored string) Classification {
	if strings.TrimSpace(stored) == "" {
		return Classification{Kind: KindEmpty, Plaintext: stored}
	}

	if keyID, ok := SealedKeyID(stored); ok {
		plaintext, err := c.Decrypt(stored)
		if err != nil {
			return Classification{Kind: KindUndecryptable, Plaintext: stored, Format: FormatSealed, KeyID: keyID}
		}
		return Classification{Kind: KindEncrypted, Plaintext: plaintext, Format: FormatSealed, KeyID: keyID}
	}

	if !c.legacyDetection || !c.looksLegacy(stored) {
		return Classification{Kind: KindPlaintext, Plaintext: stored}
	}

	plaintext, err := c.Decrypt(stored)
	if err != nil {
		return Classification{Kind: KindUndecryptable, Plaintext: stored, Format: FormatLegacy}
	}
	return Classification{Kind: KindEncrypted, Plaintext: plaintext, Format: FormatLegacy}
}

// Resolve returns the best-effort clear value of stored. Blobs that decrypt
// are returned decrypted; everything else is returned verbatim. Only use it
// on data written by this system, never on raw user input.
func (c *Codec) Resolve(stored string) string {
	return c.Inspect(stored).Plaintext
}

func (c *Codec) looksLegacy(s string) bool {
	return len(s) > c.minCandidateLength && base64Alphabet.MatchString(s)
}

// IsEncrypted reports whether data has the shape of a blob without trying
// to decrypt it. Sealed blobs are detected exactly, legacy blobs by length,
// alphabet and frame size.
func IsEncrypted(data string) bool {
	if _, ok := SealedKeyID(data); ok {
		return true
	}
	if len(data) <= DefaultMinCandidateLength || len(data)%4 != 0 || !base64Alphabet.MatchString(data) {
		return false
	}
	n := len(data) / 4 * 3
	n -= strings.Count(data[len(data)-2:], "=")
	return n > legacyHeaderSize && (n-legacyHeaderSize)%16 == 0
}
