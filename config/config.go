// Package config loads process configuration from the environment, after
// merging .env.local and .env from the working directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"fieldcrypt/crypto"
)

// DefaultEnvFiles are loaded in order. Variables already set in the
// environment win over both, and .env.local wins over .env.
var DefaultEnvFiles = []string{".env.local", ".env"}

// Config holds every setting read by the server and the admin CLI.
type Config struct {
	MasterKey    string `env:"ENCRYPTION_MASTER_KEY"`
	OldMasterKey string `env:"OLD_ENCRYPTION_MASTER_KEY"`
	NewMasterKey string `env:"NEW_ENCRYPTION_MASTER_KEY"`

	KeyProvider string `env:"KEY_PROVIDER" env-default:"local"`

	AWSKMSKeyID            string `env:"AWS_KMS_KEY_ID"`
	AWSKMSMasterCiphertext string `env:"AWS_KMS_MASTER_KEY_CIPHERTEXT"`

	VaultAddr      string `env:"VAULT_ADDR"`
	VaultToken     string `env:"VAULT_TOKEN"`
	VaultMountPath string `env:"VAULT_MOUNT_PATH" env-default:"secret"`
	VaultKeyPath   string `env:"VAULT_KEY_PATH"   env-default:"fieldcrypt/master-key"`

	BlobFormat      string `env:"ENCRYPTION_BLOB_FORMAT"      env-default:"sealed"`
	LegacyDetection bool   `env:"ENCRYPTION_LEGACY_DETECTION" env-default:"true"`
	// KeyVersion labels sealed blobs instead of the id derived from the key.
	KeyVersion string `env:"ENCRYPTION_KEY_VERSION"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	PBDataDir   string `env:"PB_DATA_DIR" env-default:"pb_data"`

	LogLevel string `env:"LOG_LEVEL" env-default:"info"`
}

// Load reads env files (missing ones are ignored) and then the environment.
// With no files given DefaultEnvFiles is used.
func Load(files ...string) (*Config, error) {
	if err := LoadEnvFiles(files...); err != nil {
		return nil, err
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnvFiles merges env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Validate checks enumerated settings. Master keys are checked when a codec
// is built from them.
func (c *Config) Validate() error {
	if _, err := crypto.ParseFormat(c.BlobFormat); err != nil {
		return fmt.Errorf("ENCRYPTION_BLOB_FORMAT: %w", err)
	}
	switch c.KeyProvider {
	case "local", "aws-kms", "vault":
	default:
		return fmt.Errorf("KEY_PROVIDER: unknown provider %q", c.KeyProvider)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL: unknown level %q", c.LogLevel)
	}
	return nil
}

// CodecOptions translates the blob settings into codec options.
func (c *Config) CodecOptions() []crypto.Option {
	format, _ := crypto.ParseFormat(c.BlobFormat)
	opts := []crypto.Option{
		crypto.WithFormat(format),
		crypto.WithLegacyDetection(c.LegacyDetection),
	}
	if c.KeyVersion != "" {
		opts = append(opts, crypto.WithKeyVersion(c.KeyVersion))
	}
	return opts
}

// NewCodec builds a codec for masterKey with the configured options.
func (c *Config) NewCodec(masterKey string) (*crypto.Codec, error) {
	return crypto.New(masterKey, c.CodecOptions()...)
}
