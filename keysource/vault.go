package keysource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Vault reads a master key from a KV secret. Both KV v1 and v2 layouts are
// understood, and the key may be stored under "key" or "value".
type Vault struct {
	client    *vault.Client
	mountPath string
	keyPath   string
}

// NewVault creates a client for addr authenticated with token.
func NewVault(addr, token, mountPath, keyPath string) (*Vault, error) {
	if addr == "" || token == "" {
		return nil, errors.New("VAULT_ADDR and VAULT_TOKEN must be set")
	}

	cfg := vault.DefaultConfig()
	cfg.Address = addr
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	client.SetToken(token)
	return NewVaultWithClient(client, mountPath, keyPath), nil
}

// NewVaultWithClient is NewVault with an existing client.
func NewVaultWithClient(client *vault.Client, mountPath, keyPath string) *Vault {
	if mountPath == "" {
		mountPath = "secret"
	}
	if keyPath == "" {
		keyPath = "fieldcrypt/master-key"
	}
	return &Vault{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		keyPath:   strings.Trim(keyPath, "/"),
	}
}

func (p *Vault) Name() string {
	return "vault://" + p.mountPath + "/" + p.keyPath
}

// MasterKey tries the KV v2 path first and falls back to v1.
func (p *Vault) MasterKey(ctx context.Context) (string, error) {
	for _, path := range []string{
		p.mountPath + "/data/" + p.keyPath,
		p.mountPath + "/" + p.keyPath,
	} {
		secret, err := p.client.Logical().ReadWithContext(ctx, path)
		if err != nil {
			return "", fmt.Errorf("vault read %s: %w", path, err)
		}
		if secret == nil {
			continue
		}

		data := secret.Data
		if nested, ok := data["data"].(map[string]any); ok {
			data = nested
		}
		if v, ok := data["key"].(string); ok && v != "" {
			return v, nil
		}
		if v, ok := data["value"].(string); ok && v != "" {
			return v, nil
		}
		return "", fmt.Errorf("vault %s: secret has no key or value field", path)
	}
	return "", fmt.Errorf("vault %s: %w", p.Name(), ErrNotFound)
}
