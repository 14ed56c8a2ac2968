// Package fieldcrypt protects sensitive PocketBase text fields at rest.
//
// Values are encrypted with a key derived from a master passphrase for every
// write, and resolved back to plaintext on view and list requests. Legacy
// plaintext keeps working side by side with encrypted values, and the
// rotation package re-encrypts stored data when the master key changes.
//
// # Quick Start
//
//	codec, err := crypto.New(os.Getenv("ENCRYPTION_MASTER_KEY"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	hooks, err := fieldcrypt.Register(app, codec, logger,
//	    fieldcrypt.CollectionConfig{Collection: "patients", Fields: []string{"notes"}},
//	    fieldcrypt.CollectionConfig{Collection: "sessions", Fields: []string{"transcript", "summary"}},
//	)
//
// # Key Sources
//
// The master key may come from the environment, from a ciphertext unwrapped
// by AWS KMS, or from a HashiCorp Vault KV secret. See package keysource.
package fieldcrypt

import (
	"context"
	"errors"

	"cdr.dev/slog/v3"
	"github.com/pocketbase/pocketbase/core"

	"fieldcrypt/crypto"
	"fieldcrypt/hooks"
	"fieldcrypt/rotation"
)

// CollectionConfig holds configuration for encrypting a collection.
type CollectionConfig = hooks.CollectionConfig

// Register binds encryption hooks for configs to app in one call. Missing
// collections or fields are logged when the server starts.
func Register(app core.App, codec crypto.Encrypter, logger slog.Logger, configs ...CollectionConfig) (*hooks.Hooks, error) {
	if len(configs) == 0 {
		return nil, errors.New("at least one collection config is required")
	}
	if app == nil {
		return nil, errors.New("app is required")
	}
	if codec == nil {
		return nil, errors.New("codec is required")
	}

	h, err := hooks.NewFromConfig(app, codec, logger, configs)
	if err != nil {
		return nil, err
	}
	if err := h.Register(); err != nil {
		return nil, err
	}

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		if err := h.CheckSchema(); err != nil {
			logger.Warn(context.Background(), "encrypted field configuration does not match schema", slog.Error(err))
		}
		return se.Next()
	})
	return h, nil
}

// Targets converts collection configs into rotation targets keyed by record
// id.
func Targets(configs ...CollectionConfig) []rotation.Target {
	out := make([]rotation.Target, 0, len(configs))
	for _, c := range configs {
		out = append(out, rotation.Target{Table: c.Collection, IDColumn: "id", Columns: c.Fields})
	}
	return out
}
