package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// KeyCharset is the alphabet of generated master keys.
const KeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*()_+-="

// DefaultGeneratedKeyLength is the length used by GenerateMasterKey when
// none is given.
const DefaultGeneratedKeyLength = 64

// GenerateMasterKey returns a random master key of length characters drawn
// uniformly from KeyCharset. Lengths below MinMasterKeyLength are rejected.
func GenerateMasterKey(length int) (string, error) {
	if length == 0 {
		length = DefaultGeneratedKeyLength
	}
	if length < MinMasterKeyLength {
		return "", fmt.Errorf("key length must be at least %d", MinMasterKeyLength)
	}

	max := big.NewInt(int64(len(KeyCharset)))
	var b strings.Builder
	b.Grow(length)
	for range length {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(KeyCharset[n.Int64()])
	}
	return b.String(), nil
}

// KeyStrength summarizes the character classes of a master key.
type KeyStrength struct {
	Length  int
	Upper   bool
	Lower   bool
	Digit   bool
	Symbol  bool
	Strong  bool
	Problem error
}

// AssessMasterKey reports the character classes present in key. Keys of 52
// characters or more covering all four classes are considered strong.
func AssessMasterKey(key string) KeyStrength {
	s := KeyStrength{Length: len(key)}
	for _, r := range key {
		switch {
		case r >= 'A' && r <= 'Z':
			s.Upper = true
		case r >= 'a' && r <= 'z':
			s.Lower = true
		case r >= '0' && r <= '9':
			s.Digit = true
		default:
			s.Symbol = true
		}
	}
	if len(key) < MinMasterKeyLength {
		s.Problem = errors.New("key is shorter than the minimum length")
	}
	s.Strong = s.Problem == nil && len(key) >= 52 && s.Upper && s.Lower && s.Digit && s.Symbol
	return s
}
