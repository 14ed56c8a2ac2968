package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Format selects the blob layout written by Encrypt.
type Format int

const (
	// FormatSealed writes tagged AES-256-GCM blobs carrying the key epoch.
	FormatSealed Format = iota
	// FormatLegacy writes untagged base64(salt || iv || AES-256-CBC) blobs.
	FormatLegacy
)

// String returns the configuration name of the format.
func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	default:
		return "sealed"
	}
}

// ParseFormat parses a format name as used in configuration.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sealed":
		return FormatSealed, nil
	case "legacy", "cbc":
		return FormatLegacy, nil
	default:
		return FormatSealed, fmt.Errorf("unknown blob format %q", s)
	}
}

// Codec encrypts and decrypts single text values under one master key.
// A Codec is immutable after New and safe for concurrent use.
type Codec struct {
	masterKey          string
	keyID              string
	format             Format
	legacyDetection    bool
	minCandidateLength int
	random             io.Reader
	keyVersion         string
}

// Option configures a Codec.
type Option func(*Codec)

// WithFormat sets the format written by Encrypt. Both formats are always
// readable.
func WithFormat(f Format) Option {
	return func(c *Codec) {
		c.format = f
	}
}

// WithLegacyDetection enables or disables the heuristic that treats long
// base64-looking values as untagged legacy blobs.
func WithLegacyDetection(enabled bool) Option {
	return func(c *Codec) {
		c.legacyDetection = enabled
	}
}

// WithMinCandidateLength sets the length a value must exceed before the
// legacy heuristic tries to decrypt it.
func WithMinCandidateLength(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.minCandidateLength = n
		}
	}
}

// WithKeyVersion sets an operator-assigned label written into sealed blobs
// in place of the key id derived from the master key. Labels are 1 to 64
// characters of letters, digits, '.', '_' and '-', and must differ between
// master keys.
func WithKeyVersion(label string) Option {
	return func(c *Codec) {
		c.keyVersion = label
	}
}

// WithRandom replaces the entropy source. Intended for tests.
func WithRandom(r io.Reader) Option {
	return func(c *Codec) {
		if r != nil {
			c.random = r
		}
	}
}

// New creates a Codec bound to masterKey.
func New(masterKey string, opts ...Option) (*Codec, error) {
	if masterKey == "" {
		return nil, &ConfigurationError{Reason: "key is not set"}
	}
	if len(masterKey) < MinMasterKeyLength {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("key must be at least %d characters", MinMasterKeyLength),
		}
	}

	c := &Codec{
		masterKey:          masterKey,
		format:             FormatSealed,
		legacyDetection:    true,
		minCandidateLength: DefaultMinCandidateLength,
		random:             rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	switch {
	case c.keyVersion == "":
		c.keyID = KeyIDFor(masterKey)
	case keyVersionPattern.MatchString(c.keyVersion):
		c.keyID = c.keyVersion
	default:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("invalid key version %q", c.keyVersion)}
	}
	return c, nil
}

var keyVersionPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// MustNew is like New but panics on error. Useful in tests and main().
func MustNew(masterKey string, opts ...Option) *Codec {
	c, err := New(masterKey, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// KeyIDFor returns the derived key epoch identifier of a master key, used
// when no key version is configured. The KDF salt is fixed, so the id is a
// public fingerprint of the passphrase; set WithKeyVersion to avoid
// publishing it.
func KeyIDFor(masterKey string) string {
	derived, _ := DeriveKey(masterKey, keyIDSalt)
	return hex.EncodeToString(derived[:8])
}

// KeyID returns the key epoch identifier of this codec: the key version
// when one is set, KeyIDFor(masterKey) otherwise.
func (c *Codec) KeyID() string {
	return c.keyID
}

// Format returns the format written by Encrypt.
func (c *Codec) Format() Format {
	return c.format
}

// Encrypt protects plaintext with a fresh salt and IV/nonce. Empty and
// whitespace-only input is returned unchanged.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if strings.TrimSpace(plaintext) == "" {
		return plaintext, nil
	}

	var (
		blob string
		err  error
	)
	switch c.format {
	case FormatLegacy:
		blob, err = c.encryptLegacy([]byte(plaintext))
	default:
		blob, err = c.encryptSealed([]byte(plaintext))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncrypt, err)
	}
	return blob, nil
}

// Decrypt reverses Encrypt for either format. Empty input is returned
// unchanged; whitespace is not a blob and fails. Every failure is reported
// as ErrDecrypt.
func (c *Codec) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", nil
	}

	var (
		plaintext []byte
		err       error
	)
	if _, ok := SealedKeyID(blob); ok {
		plaintext, err = c.decryptSealed(blob)
	} else {
		plaintext, err = c.decryptLegacy(blob)
	}
	if err != nil || !utf8.Valid(plaintext) {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// EncryptIfSensitive encrypts a nullable value. nil and blank values pass
// through untouched.
func (c *Codec) EncryptIfSensitive(value *string) (*string, error) {
	if value == nil {
		return nil, nil
	}
	out, err := c.Encrypt(*value)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DecryptIfEncrypted resolves a nullable stored value; nil stays nil.
func (c *Codec) DecryptIfEncrypted(value *string) *string {
	if value == nil {
		return nil
	}
	out := c.Resolve(*value)
	return &out
}

func (c *Codec) fill(b []byte) error {
	_, err := io.ReadFull(c.random, b)
	return err
}
