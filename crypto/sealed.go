package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"strings"
)

// SealedPrefix marks tagged blobs. The full layout is
//
//	enc:v2:<key id>:<base64url(salt || nonce || ciphertext || tag)>
//
// The key id is bound to the ciphertext as GCM additional data.
const SealedPrefix = "enc:v2:"

const gcmTagSize = 16

var (
	errMalformed   = errors.New("malformed sealed blob")
	errKeyMismatch = errors.New("blob sealed under another key")
)

// SealedKeyID reports whether s is a sealed blob and returns its key id.
func SealedKeyID(s string) (string, bool) {
	rest, ok := strings.CutPrefix(s, SealedPrefix)
	if !ok {
		return "", false
	}
	keyID, _, ok := strings.Cut(rest, ":")
	if !ok || keyID == "" {
		return "", false
	}
	return keyID, true
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// encryptSealed encrypts plaintext using AES-256-GCM with a random salt and
// nonce and frames it with the key epoch of this codec.
func (c *Codec) encryptSealed(plaintext []byte) (string, error) {
	header := make([]byte, SaltSize+NonceSize)
	if err := c.fill(header); err != nil {
		return "", err
	}

	key, err := DeriveKey(c.masterKey, header[:SaltSize])
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	// Seal appends ciphertext || tag after salt || nonce.
	payload := gcm.Seal(header, header[SaltSize:], plaintext, []byte(c.keyID))

	var b strings.Builder
	b.Grow(len(SealedPrefix) + len(c.keyID) + 1 + base64.RawURLEncoding.EncodedLen(len(payload)))
	b.WriteString(SealedPrefix)
	b.WriteString(c.keyID)
	b.WriteByte(':')
	b.WriteString(base64.RawURLEncoding.EncodeToString(payload))
	return b.String(), nil
}

// decryptSealed opens a sealed blob. Blobs of another key epoch are rejected
// before any key derivation.
func (c *Codec) decryptSealed(blob string) ([]byte, error) {
	rest := strings.TrimPrefix(blob, SealedPrefix)
	keyID, encoded, ok := strings.Cut(rest, ":")
	if !ok {
		return nil, errMalformed
	}
	if keyID != c.keyID {
		return nil, errKeyMismatch
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	if len(payload) < SaltSize+NonceSize+gcmTagSize {
		return nil, errMalformed
	}

	key, err := DeriveKey(c.masterKey, payload[:SaltSize])
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := payload[SaltSize : SaltSize+NonceSize]
	return gcm.Open(nil, nonce, payload[SaltSize+NonceSize:], []byte(keyID))
}
