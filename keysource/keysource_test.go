package keysource

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcrypt/config"
)

const testKey = "0123456789abcdef0123456789abcdef!"

func TestEnv(t *testing.T) {
	src := Env{Var: "ENCRYPTION_MASTER_KEY", Value: testKey}
	key, err := src.MasterKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
	assert.Equal(t, "env://ENCRYPTION_MASTER_KEY", src.Name())

	_, err = Env{Var: "ENCRYPTION_MASTER_KEY"}.MasterKey(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

type mockKMS struct {
	plaintext []byte
	err       error
	got       *kms.DecryptInput
}

func (m *mockKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	m.got = in
	if m.err != nil {
		return nil, m.err
	}
	return &kms.DecryptOutput{Plaintext: m.plaintext}, nil
}

func TestAWSKMS(t *testing.T) {
	ciphertext := base64.StdEncoding.EncodeToString([]byte("wrapped"))

	t.Run("decrypts", func(t *testing.T) {
		client := &mockKMS{plaintext: []byte(testKey)}
		src := NewAWSKMSWithClient(client, "alias/fieldcrypt", ciphertext)

		key, err := src.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testKey, key)
		assert.Equal(t, []byte("wrapped"), client.got.CiphertextBlob)
		assert.Equal(t, "alias/fieldcrypt", *client.got.KeyId)
		assert.Equal(t, "kms://alias/fieldcrypt", src.Name())
	})

	t.Run("kms error", func(t *testing.T) {
		boom := errors.New("access denied")
		src := NewAWSKMSWithClient(&mockKMS{err: boom}, "k", ciphertext)
		_, err := src.MasterKey(context.Background())
		assert.ErrorIs(t, err, boom)
	})

	t.Run("bad ciphertext", func(t *testing.T) {
		src := NewAWSKMSWithClient(&mockKMS{}, "k", "%%%")
		_, err := src.MasterKey(context.Background())
		assert.ErrorContains(t, err, "base64")
	})

	t.Run("empty plaintext", func(t *testing.T) {
		src := NewAWSKMSWithClient(&mockKMS{}, "k", ciphertext)
		_, err := src.MasterKey(context.Background())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing settings", func(t *testing.T) {
		_, err := NewAWSKMS(context.Background(), "", ciphertext)
		assert.Error(t, err)
		_, err = NewAWSKMS(context.Background(), "k", "")
		assert.Error(t, err)
	})
}

func newVaultServer(t *testing.T, secrets map[string]any) *Vault {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := secrets[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	t.Cleanup(srv.Close)

	cfg := vault.DefaultConfig()
	cfg.Address = srv.URL
	client, err := vault.NewClient(cfg)
	require.NoError(t, err)
	client.SetToken("test-token")
	return NewVaultWithClient(client, "secret", "fieldcrypt/master-key")
}

func TestVault(t *testing.T) {
	t.Run("kv v2", func(t *testing.T) {
		src := newVaultServer(t, map[string]any{
			"/v1/secret/data/fieldcrypt/master-key": map[string]any{
				"data":     map[string]any{"key": testKey},
				"metadata": map[string]any{"version": 3},
			},
		})
		key, err := src.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testKey, key)
	})

	t.Run("kv v1 value field", func(t *testing.T) {
		src := newVaultServer(t, map[string]any{
			"/v1/secret/fieldcrypt/master-key": map[string]any{"value": testKey},
		})
		key, err := src.MasterKey(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testKey, key)
	})

	t.Run("missing secret", func(t *testing.T) {
		src := newVaultServer(t, map[string]any{})
		_, err := src.MasterKey(context.Background())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing field", func(t *testing.T) {
		src := newVaultServer(t, map[string]any{
			"/v1/secret/fieldcrypt/master-key": map[string]any{"other": "x"},
		})
		_, err := src.MasterKey(context.Background())
		assert.ErrorContains(t, err, "no key or value")
	})

	t.Run("missing settings", func(t *testing.T) {
		_, err := NewVault("", "token", "", "")
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	src, err := New(context.Background(), &config.Config{KeyProvider: "local", MasterKey: testKey})
	require.NoError(t, err)
	assert.IsType(t, Env{}, src)

	src, err = New(context.Background(), &config.Config{
		KeyProvider: "vault", VaultAddr: "http://127.0.0.1:8200", VaultToken: "t",
	})
	require.NoError(t, err)
	assert.Equal(t, "vault://secret/fieldcrypt/master-key", src.Name())

	_, err = New(context.Background(), &config.Config{KeyProvider: "gcp"})
	assert.Error(t, err)
}
