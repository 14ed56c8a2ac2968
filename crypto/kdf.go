package crypto

import (
	"crypto/sha512"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the size of the random per-value KDF salt.
	SaltSize = 64
	// IVSize is the CBC initialization vector size of the legacy format.
	IVSize = 16
	// NonceSize is the GCM nonce size of the sealed format.
	NonceSize = 12
	// KeySize is the derived AES-256 key size.
	KeySize = 32
	// Iterations is the PBKDF2 iteration count.
	Iterations = 100000
)

// DeriveKey turns a master passphrase and a 64-byte salt into an AES-256 key
// using PBKDF2-HMAC-SHA512. It is deterministic for a given (password, salt).
func DeriveKey(password string, salt []byte) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, ErrInvalidSalt
	}
	return pbkdf2.Key([]byte(password), salt, Iterations, KeySize, sha512.New), nil
}

// keyIDSalt is the fixed salt used to derive key epoch identifiers.
var keyIDSalt = func() []byte {
	sum := sha512.Sum512([]byte("fieldcrypt key epoch identifier"))
	return sum[:]
}()
