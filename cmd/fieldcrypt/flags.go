package main

import (
	"fmt"
	"slices"

	"github.com/coder/serpent"

	"fieldcrypt/crypto"
	"fieldcrypt/rotation"
)

const (
	backendPostgres   = "postgres"
	backendPocketBase = "pocketbase"
)

type storeFlags struct {
	Backend     string
	PostgresURL string
	PBDataDir   string
	Tables      []string
	BatchSize   int64
}

func (f *storeFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "store",
			Env:         "FIELDCRYPT_STORE",
			Default:     backendPostgres,
			Description: "Where the records live.",
			Value:       serpent.EnumOf(&f.Backend, backendPostgres, backendPocketBase),
		},
		serpent.Option{
			Flag:        "postgres-url",
			Env:         "DATABASE_URL",
			Description: "The connection URL for the Postgres database.",
			Value:       serpent.StringOf(&f.PostgresURL),
		},
		serpent.Option{
			Flag:        "pb-data-dir",
			Env:         "PB_DATA_DIR",
			Default:     "pb_data",
			Description: "The PocketBase data directory.",
			Value:       serpent.StringOf(&f.PBDataDir),
		},
		serpent.Option{
			Flag:        "tables",
			Env:         "FIELDCRYPT_TABLES",
			Description: "Only process these tables. Defaults to every sensitive table.",
			Value:       serpent.StringArrayOf(&f.Tables),
		},
		serpent.Option{
			Flag:        "batch-size",
			Env:         "FIELDCRYPT_BATCH_SIZE",
			Default:     fmt.Sprint(rotation.DefaultBatchSize),
			Description: "Rows fetched per page.",
			Value:       serpent.Int64Of(&f.BatchSize),
		},
	)
}

func (f *storeFlags) valid() error {
	switch f.Backend {
	case backendPostgres:
		if f.PostgresURL == "" {
			return fmt.Errorf("no database configured")
		}
	case backendPocketBase:
		if f.PBDataDir == "" {
			return fmt.Errorf("no PocketBase data directory configured")
		}
	default:
		return fmt.Errorf("unknown store %q", f.Backend)
	}
	if f.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	known := rotation.DefaultTargets()
	for _, t := range f.Tables {
		if !slices.ContainsFunc(known, func(k rotation.Target) bool { return k.Table == t }) {
			return fmt.Errorf("unknown table %q", t)
		}
	}
	return nil
}

func (f *storeFlags) targets() []rotation.Target {
	return rotation.FilterTargets(rotation.DefaultTargets(), f.Tables)
}

type runFlags struct {
	Concurrency int64
	RateLimit   int64
	RedisURL    string
	Job         string
	DryRun      bool
	Yes         bool
	Output      string
	MetricsFile string
}

func (f *runFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "concurrency",
			Env:         "FIELDCRYPT_CONCURRENCY",
			Default:     "1",
			Description: "Tables processed at once. Rows of a table are always sequential.",
			Value:       serpent.Int64Of(&f.Concurrency),
		},
		serpent.Option{
			Flag:        "rate-limit",
			Env:         "FIELDCRYPT_RATE_LIMIT",
			Default:     "0",
			Description: "Maximum rows per second across all tables. Zero means unlimited.",
			Value:       serpent.Int64Of(&f.RateLimit),
		},
		serpent.Option{
			Flag:        "redis-url",
			Env:         "REDIS_URL",
			Description: "Redis URL used to checkpoint progress so an interrupted run resumes.",
			Value:       serpent.StringOf(&f.RedisURL),
		},
		serpent.Option{
			Flag:        "job",
			Env:         "FIELDCRYPT_JOB",
			Description: "Checkpoint job name. Derived from the mode and key ids when empty.",
			Value:       serpent.StringOf(&f.Job),
		},
		serpent.Option{
			Flag:        "dry-run",
			Description: "Classify and count without writing anything.",
			Value:       serpent.BoolOf(&f.DryRun),
		},
		serpent.Option{
			Flag:          "yes",
			FlagShorthand: "y",
			Description:   "Bypass the confirmation prompt.",
			Value:         serpent.BoolOf(&f.Yes),
		},
		serpent.Option{
			Flag:        "metrics-file",
			Env:         "FIELDCRYPT_METRICS_FILE",
			Description: "Write Prometheus metrics of the run to this file, for the node exporter textfile collector.",
			Value:       serpent.StringOf(&f.MetricsFile),
		},
		serpent.Option{
			Flag:          "output",
			FlagShorthand: "o",
			Default:       "text",
			Description:   "Report format.",
			Value:         serpent.EnumOf(&f.Output, "text", "json"),
		},
	)
}

func (f *runFlags) valid() error {
	if f.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if f.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

type codecFlags struct {
	BlobFormat      string
	LegacyDetection bool
}

func (f *codecFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "blob-format",
			Env:         "ENCRYPTION_BLOB_FORMAT",
			Default:     crypto.FormatSealed.String(),
			Description: "Format of newly written blobs.",
			Value:       serpent.EnumOf(&f.BlobFormat, crypto.FormatSealed.String(), crypto.FormatLegacy.String()),
		},
		serpent.Option{
			Flag:        "legacy-detection",
			Env:         "ENCRYPTION_LEGACY_DETECTION",
			Default:     "true",
			Description: "Treat long base64 values as untagged legacy blobs.",
			Value:       serpent.BoolOf(&f.LegacyDetection),
		},
	)
}

// codec builds a codec for masterKey. An empty version keeps the key id
// derived from the key.
func (f *codecFlags) codec(masterKey, version string) (*crypto.Codec, error) {
	format, err := crypto.ParseFormat(f.BlobFormat)
	if err != nil {
		return nil, err
	}
	opts := []crypto.Option{crypto.WithFormat(format), crypto.WithLegacyDetection(f.LegacyDetection)}
	if version != "" {
		opts = append(opts, crypto.WithKeyVersion(version))
	}
	return crypto.New(masterKey, opts...)
}

type rotateFlags struct {
	storeFlags
	runFlags
	codecFlags
	Old        string
	New        string
	OldVersion string
	NewVersion string
}

func (f *rotateFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "old-key",
			Env:         "OLD_ENCRYPTION_MASTER_KEY",
			Description: "The master key data is currently encrypted with.",
			Value:       serpent.StringOf(&f.Old),
		},
		serpent.Option{
			Flag:        "new-key",
			Env:         "NEW_ENCRYPTION_MASTER_KEY",
			Description: "The master key to re-encrypt data with.",
			Value:       serpent.StringOf(&f.New),
		},
		serpent.Option{
			Flag:        "old-key-version",
			Env:         "OLD_ENCRYPTION_KEY_VERSION",
			Description: "Key version label of the old key, if it was given one.",
			Value:       serpent.StringOf(&f.OldVersion),
		},
		serpent.Option{
			Flag:        "new-key-version",
			Env:         "NEW_ENCRYPTION_KEY_VERSION",
			Description: "Key version label written into blobs sealed with the new key.",
			Value:       serpent.StringOf(&f.NewVersion),
		},
	)
	f.storeFlags.attach(opts)
	f.runFlags.attach(opts)
	f.codecFlags.attach(opts)
}

func (f *rotateFlags) valid() error {
	if f.Old == "" {
		return fmt.Errorf("no old key provided")
	}
	if f.New == "" {
		return fmt.Errorf("no new key provided")
	}
	if len(f.Old) < crypto.MinMasterKeyLength {
		return fmt.Errorf("old key must be at least %d characters", crypto.MinMasterKeyLength)
	}
	if len(f.New) < crypto.MinMasterKeyLength {
		return fmt.Errorf("new key must be at least %d characters", crypto.MinMasterKeyLength)
	}
	// Pedantic, but typos here will ruin your day.
	if f.Old == f.New {
		return fmt.Errorf("old key is the same as the new key")
	}
	if f.OldVersion != "" && f.OldVersion == f.NewVersion {
		return fmt.Errorf("old key version is the same as the new key version")
	}
	if err := f.storeFlags.valid(); err != nil {
		return err
	}
	return f.runFlags.valid()
}

// keyFlags serve commands that work with a single master key. When no key
// is given it is fetched from the configured key provider.
type keyFlags struct {
	storeFlags
	runFlags
	codecFlags
	Key        string
	KeyVersion string
}

func (f *keyFlags) attach(opts *serpent.OptionSet) {
	*opts = append(*opts,
		serpent.Option{
			Flag:        "key",
			Env:         "ENCRYPTION_MASTER_KEY",
			Description: "The master key. Fetched from KEY_PROVIDER when empty.",
			Value:       serpent.StringOf(&f.Key),
		},
		serpent.Option{
			Flag:        "key-version",
			Env:         "ENCRYPTION_KEY_VERSION",
			Description: "Key version label of the master key, if it has one.",
			Value:       serpent.StringOf(&f.KeyVersion),
		},
	)
	f.storeFlags.attach(opts)
	f.runFlags.attach(opts)
	f.codecFlags.attach(opts)
}

func (f *keyFlags) valid() error {
	if f.Key != "" && len(f.Key) < crypto.MinMasterKeyLength {
		return fmt.Errorf("key must be at least %d characters", crypto.MinMasterKeyLength)
	}
	if err := f.storeFlags.valid(); err != nil {
		return err
	}
	return f.runFlags.valid()
}
