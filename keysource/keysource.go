// Package keysource fetches master keys from the environment, AWS KMS or
// HashiCorp Vault. Keys never leave the process once fetched.
package keysource

import (
	"context"
	"errors"
	"fmt"

	"fieldcrypt/config"
)

// ErrNotFound is returned when a source has no master key configured.
var ErrNotFound = errors.New("master key not found")

// Source produces a master key.
type Source interface {
	Name() string
	MasterKey(ctx context.Context) (string, error)
}

// Env serves a key already read from the environment.
type Env struct {
	Var   string
	Value string
}

func (e Env) Name() string {
	return "env://" + e.Var
}

func (e Env) MasterKey(context.Context) (string, error) {
	if e.Value == "" {
		return "", fmt.Errorf("%s: %w", e.Var, ErrNotFound)
	}
	return e.Value, nil
}

// New returns the source selected by cfg.KeyProvider for the serving key.
func New(ctx context.Context, cfg *config.Config) (Source, error) {
	switch cfg.KeyProvider {
	case "", "local":
		return Env{Var: "ENCRYPTION_MASTER_KEY", Value: cfg.MasterKey}, nil
	case "aws-kms":
		return NewAWSKMS(ctx, cfg.AWSKMSKeyID, cfg.AWSKMSMasterCiphertext)
	case "vault":
		return NewVault(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMountPath, cfg.VaultKeyPath)
	default:
		return nil, fmt.Errorf("unknown key provider %q", cfg.KeyProvider)
	}
}
