// Package crypto provides the field codec used to protect sensitive text
// columns at rest, with a password-derived AES-256 key per value, a tagged
// AEAD blob format, the untagged legacy CBC format, and a classifier that
// tells blobs apart from legacy plaintext.
package crypto

import (
	"errors"
)

// Error definitions
var (
	// ErrEncrypt is returned when a value cannot be encrypted. Callers must
	// not persist anything for the field when they see it.
	ErrEncrypt = errors.New("encryption failed")

	// ErrDecrypt is the single opaque error for every decryption failure:
	// bad encoding, short frame, wrong key, bad padding, invalid UTF-8.
	ErrDecrypt = errors.New("decryption failed")

	// ErrInvalidSalt is returned by DeriveKey for salts of the wrong size.
	ErrInvalidSalt = errors.New("salt must be 64 bytes")
)

// MinMasterKeyLength is the minimum accepted master key length in characters.
const MinMasterKeyLength = 32

// ConfigurationError reports a missing or unusable master key.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "encryption master key misconfigured: " + e.Reason
}

// Encrypter is the codec surface used by hooks and the rotation driver.
// *Codec implements it.
type Encrypter interface {
	// Encrypt protects plaintext. Blank input is returned unchanged.
	Encrypt(plaintext string) (string, error)

	// Decrypt reverses Encrypt. Blank input is returned unchanged.
	Decrypt(blob string) (string, error)

	// Resolve returns the clear value of a stored string, never failing.
	Resolve(stored string) string

	// Inspect classifies a stored string and decrypts it when possible.
	Inspect(stored string) Classification

	// KeyID identifies the master key epoch of this codec.
	KeyID() string
}
