package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testMasterKey  = "test-master-key-0123456789abcdefghijklmnop"
	otherMasterKey = "other-master-key-ZYXWVUTSRQPONMLKJIHGFEDCBA"
)

var formats = []Format{FormatSealed, FormatLegacy}

func TestNew_ConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"too short", "short-key"},
		{"one below minimum", strings.Repeat("k", MinMasterKeyLength-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key)
			require.Error(t, err)

			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr))
			assert.Contains(t, err.Error(), "master key misconfigured")
		})
	}

	_, err := New(strings.Repeat("k", MinMasterKeyLength))
	assert.NoError(t, err)
}

func TestMustNew_Panics(t *testing.T) {
	assert.Panics(t, func() { MustNew("") })
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"":        FormatSealed,
		"sealed":  FormatSealed,
		"SEALED ": FormatSealed,
		"legacy":  FormatLegacy,
		"cbc":     FormatLegacy,
	} {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("rot13")
	assert.Error(t, err)
	assert.Equal(t, "legacy", FormatLegacy.String())
	assert.Equal(t, "sealed", FormatSealed.String())
}

func TestCodec_RoundTrip(t *testing.T) {
	inputs := []struct {
		name  string
		input string
	}{
		{"short text", "hello"},
		{"one block", "exactly16bytes!!"},
		{"long text", strings.Repeat("Session transcript line. ", 200)},
		{"unicode", "Il paziente riferisce ansia 😟 — こんにちは"},
		{"json", `{"emotions":[{"label":"joy","score":0.8}]}`},
		{"base64 looking", base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 120))},
	}

	for _, format := range formats {
		codec := MustNew(testMasterKey, WithFormat(format))
		for _, tt := range inputs {
			t.Run(format.String()+"/"+tt.name, func(t *testing.T) {
				blob, err := codec.Encrypt(tt.input)
				require.NoError(t, err)
				assert.NotEqual(t, tt.input, blob)

				got, err := codec.Decrypt(blob)
				require.NoError(t, err)
				assert.Equal(t, tt.input, got)
			})
		}
	}
}

func TestCodec_BlankPassthrough(t *testing.T) {
	for _, format := range formats {
		codec := MustNew(testMasterKey, WithFormat(format))
		for _, in := range []string{"", " ", "\n\t  "} {
			out, err := codec.Encrypt(in)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		}

		out, err := codec.Decrypt("")
		require.NoError(t, err)
		assert.Empty(t, out)
	}
}

func TestCodec_DecryptWhitespaceFails(t *testing.T) {
	codec := MustNew(testMasterKey)
	for _, in := range []string{" ", "   ", "\n\t  ", "\n"} {
		out, err := codec.Decrypt(in)
		assert.ErrorIs(t, err, ErrDecrypt, "%q", in)
		assert.Empty(t, out)

		// The classifier still treats blank values as empty.
		assert.Equal(t, KindEmpty, codec.Inspect(in).Kind)
		assert.Equal(t, in, codec.Resolve(in))
	}
}

func TestCodec_Randomized(t *testing.T) {
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			codec := MustNew(testMasterKey, WithFormat(format))

			first, err := codec.Encrypt("same input")
			require.NoError(t, err)
			second, err := codec.Encrypt("same input")
			require.NoError(t, err)

			assert.NotEqual(t, first, second, "each encryption should use a fresh salt and IV")
		})
	}
}

func TestCodec_KeyIsolation(t *testing.T) {
	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			codec := MustNew(testMasterKey, WithFormat(format))
			other := MustNew(otherMasterKey, WithFormat(format))

			blob, err := codec.Encrypt("confidential note")
			require.NoError(t, err)

			_, err = other.Decrypt(blob)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestCodec_LegacyFrameLayout(t *testing.T) {
	// Deterministic entropy: salt is 0x00..0x3f, IV is 0x40..0x4f.
	entropy := make([]byte, legacyHeaderSize)
	for i := range entropy {
		entropy[i] = byte(i)
	}
	codec := MustNew(testMasterKey, WithFormat(FormatLegacy), WithRandom(bytes.NewReader(entropy)))

	blob, err := codec.Encrypt("abc")
	require.NoError(t, err)

	frame, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	assert.Len(t, frame, SaltSize+IVSize+16)
	assert.Equal(t, entropy[:SaltSize], frame[:SaltSize])
	assert.Equal(t, entropy[SaltSize:], frame[SaltSize:legacyHeaderSize])
	assert.Len(t, blob, 128)

	got, err := MustNew(testMasterKey).Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestCodec_SealedLayout(t *testing.T) {
	codec := MustNew(testMasterKey)

	blob, err := codec.Encrypt("abc")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(blob, SealedPrefix))

	keyID, ok := SealedKeyID(blob)
	require.True(t, ok)
	assert.Equal(t, codec.KeyID(), keyID)

	encoded := strings.TrimPrefix(blob, SealedPrefix+keyID+":")
	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, payload, SaltSize+NonceSize+3+gcmTagSize)
}

func TestCodec_KeyVersion(t *testing.T) {
	codec := MustNew(testMasterKey, WithKeyVersion("2026-10.patients"))
	assert.Equal(t, "2026-10.patients", codec.KeyID())

	blob, err := codec.Encrypt("abc")
	require.NoError(t, err)
	keyID, ok := SealedKeyID(blob)
	require.True(t, ok)
	assert.Equal(t, "2026-10.patients", keyID)
	assert.NotContains(t, blob, KeyIDFor(testMasterKey), "derived fingerprint must not be published")

	got, err := codec.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	// Same label, different key: the GCM tag still rejects the blob.
	impostor := MustNew(otherMasterKey, WithKeyVersion("2026-10.patients"))
	assert.Equal(t, KindUndecryptable, impostor.Inspect(blob).Kind)

	// The derived id does not open a labelled blob either.
	_, err = MustNew(testMasterKey).Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCodec_InvalidKeyVersion(t *testing.T) {
	for _, label := range []string{"has:colon", "with space", strings.Repeat("v", 65)} {
		_, err := New(testMasterKey, WithKeyVersion(label))
		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr), "%q", label)
		assert.Contains(t, err.Error(), "invalid key version")
	}
}

func TestCodec_TamperedSealed(t *testing.T) {
	codec := MustNew(testMasterKey)
	blob, err := codec.Encrypt("do not touch")
	require.NoError(t, err)

	prefix := SealedPrefix + codec.KeyID() + ":"
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, prefix))
	require.NoError(t, err)

	payload[len(payload)-1] ^= 0xff
	tampered := prefix + base64.RawURLEncoding.EncodeToString(payload)
	_, err = codec.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrDecrypt)

	// A blob relabelled with another key id is rejected.
	relabelled := SealedPrefix + "0000000000000000:" + strings.TrimPrefix(blob, prefix)
	_, err = codec.Decrypt(relabelled)
	assert.ErrorIs(t, err, ErrDecrypt)

	truncated := prefix + base64.RawURLEncoding.EncodeToString(payload[:SaltSize])
	_, err = codec.Decrypt(truncated)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCodec_CorruptedLegacy(t *testing.T) {
	codec := MustNew(testMasterKey, WithFormat(FormatLegacy))
	blob, err := codec.Encrypt("do not touch")
	require.NoError(t, err)

	tests := []struct {
		name string
		blob string
	}{
		{"not base64", "***not base64***"},
		{"short frame", base64.StdEncoding.EncodeToString(make([]byte, 40))},
		{"header only", base64.StdEncoding.EncodeToString(make([]byte, legacyHeaderSize))},
		{"ragged ciphertext", base64.StdEncoding.EncodeToString(make([]byte, legacyHeaderSize+15))},
		{"truncated", blob[:len(blob)-24]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decrypt(tt.blob)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestCodec_EncryptEntropyFailure(t *testing.T) {
	codec := MustNew(testMasterKey, WithRandom(bytes.NewReader(nil)))

	_, err := codec.Encrypt("value")
	assert.ErrorIs(t, err, ErrEncrypt)
}

func TestCodec_Nullable(t *testing.T) {
	codec := MustNew(testMasterKey)

	out, err := codec.EncryptIfSensitive(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Nil(t, codec.DecryptIfEncrypted(nil))

	value := "nullable column"
	out, err = codec.EncryptIfSensitive(&value)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.NotEqual(t, value, *out)

	back := codec.DecryptIfEncrypted(out)
	require.NotNil(t, back)
	assert.Equal(t, value, *back)
}

func TestCodec_Concurrent(t *testing.T) {
	codec := MustNew(testMasterKey)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in := strings.Repeat("v", i+1)
			blob, err := codec.Encrypt(in)
			if err != nil {
				errs <- err
				return
			}
			out, err := codec.Decrypt(blob)
			if err != nil {
				errs <- err
				return
			}
			if out != in {
				errs <- errors.New("round trip mismatch")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
