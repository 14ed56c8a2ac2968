package main

import (
	"context"
	"fmt"

	"github.com/pocketbase/pocketbase/core"

	"fieldcrypt/checkpoint"
	"fieldcrypt/config"
	"fieldcrypt/keysource"
	"fieldcrypt/rotation"
	"fieldcrypt/store/pbstore"
	"fieldcrypt/store/pgstore"
)

type (
	storeOpener      func(ctx context.Context, f storeFlags) (rotation.Store, func(), error)
	checkpointOpener func(ctx context.Context, url string) (rotation.Checkpointer, func(), error)
	keyResolver      func(ctx context.Context) (string, error)
)

func openStore(ctx context.Context, f storeFlags) (rotation.Store, func(), error) {
	switch f.Backend {
	case backendPocketBase:
		app := core.NewBaseApp(core.BaseAppConfig{DataDir: f.PBDataDir})
		if err := app.Bootstrap(); err != nil {
			return nil, nil, fmt.Errorf("bootstrap pocketbase: %w", err)
		}
		return pbstore.New(app), func() { _ = app.ResetBootstrapState() }, nil
	default:
		s, err := pgstore.Open(ctx, f.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return s, s.Close, nil
	}
}

func openCheckpoints(ctx context.Context, url string) (rotation.Checkpointer, func(), error) {
	if url == "" {
		return nil, func() {}, nil
	}
	c, err := checkpoint.OpenRedis(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

// resolveMasterKey fetches the serving key from the configured provider.
func resolveMasterKey(ctx context.Context) (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	src, err := keysource.New(ctx, cfg)
	if err != nil {
		return "", err
	}
	key, err := src.MasterKey(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", src.Name(), err)
	}
	return key, nil
}
