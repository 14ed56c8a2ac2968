// Command pocketbase runs a PocketBase server whose sensitive clinical
// fields are encrypted at rest, with the field encryption admin API.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/pocketbase/pocketbase"
	"github.com/prometheus/client_golang/prometheus"

	"fieldcrypt"
	"fieldcrypt/config"
	"fieldcrypt/crypto"
	"fieldcrypt/keysource"
	"fieldcrypt/rotation"
)

func main() {
	ctx := context.Background()
	logger := slog.Make(sloghuman.Sink(os.Stderr))

	if err := run(ctx, logger); err != nil {
		logger.Fatal(ctx, "server stopped", slog.Error(err))
	}
}

func run(ctx context.Context, logger slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if level, ok := logLevel(cfg.LogLevel); ok {
		logger = logger.Leveled(level)
	}

	src, err := keysource.New(ctx, cfg)
	if err != nil {
		return err
	}
	masterKey, err := src.MasterKey(ctx)
	if err != nil {
		return fmt.Errorf("fetch master key from %s: %w", src.Name(), err)
	}
	codec, err := cfg.NewCodec(masterKey)
	if err != nil {
		return err
	}
	if err := crypto.SelfTest(codec); err != nil {
		return err
	}
	logger.Info(ctx, "encryption ready",
		slog.F("key_source", src.Name()),
		slog.F("key_id", codec.KeyID()),
		slog.F("format", codec.Format().String()),
	)

	app := pocketbase.NewWithConfig(pocketbase.Config{DefaultDataDir: cfg.PBDataDir})

	configs := collectionConfigs(rotation.DefaultTargets())
	h, err := fieldcrypt.Register(app, codec, logger, configs...)
	if err != nil {
		return fmt.Errorf("register encryption hooks: %w", err)
	}

	registry := prometheus.NewRegistry()
	fe := fieldcrypt.NewFieldEncrypter(app, codec, logger, rotation.NewMetrics(registry))
	fieldcrypt.RegisterFieldEncryptionAPI(app, fe, fieldcrypt.APIOptions{Hooks: h, Gatherer: registry})

	return app.Start()
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// logLevel looks up LOG_LEVEL case-insensitively, the way config validates it.
func logLevel(name string) (slog.Level, bool) {
	level, ok := logLevels[strings.ToLower(name)]
	return level, ok
}

func collectionConfigs(targets []rotation.Target) []fieldcrypt.CollectionConfig {
	out := make([]fieldcrypt.CollectionConfig, 0, len(targets))
	for _, t := range targets {
		out = append(out, fieldcrypt.CollectionConfig{Collection: t.Table, Fields: t.Columns})
	}
	return out
}
