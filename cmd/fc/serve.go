package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/flowcanon/flowcanon"
	"github.com/flowcanon/flowcanon/internal/debug"
	"github.com/flowcanon/flowcanon/internal/registry"
	"github.com/flowcanon/flowcanon/internal/storage/factory"
	"github.com/flowcanon/flowcanon/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline workers until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := telemetry.Init(ctx, "fc", version, opts.TelemetryEnabled); err != nil {
			return err
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(shutCtx)
		}()

		store, err := openStoreWithRetry(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		store = telemetry.WrapStore(store, opts.TelemetryEnabled)

		reg := registry.New()
		if opts.ManifestPath != "" {
			descriptors, err := registry.LoadManifest(opts.ManifestPath)
			if err != nil {
				return err
			}
			if err := reg.Replace(descriptors); err != nil {
				return err
			}
			go watchManifest(ctx, opts.ManifestPath, reg)
		}

		pl := flowcanon.New(store, reg, opts)
		debug.Logf("serve: %d models, backend %q, path %q",
			len(reg.Models()), opts.StoreBackend, opts.StorePath)
		return pl.Run(ctx)
	},
}

// openStoreWithRetry retries transient open failures with exponential
// backoff, giving an embedded dolt database time to release its lock.
func openStoreWithRetry(ctx context.Context) (flowcanon.Store, error) {
	var store flowcanon.Store
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		var err error
		store, err = factory.New(ctx, opts.StoreBackend, opts.StorePath)
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return store, nil
}

// watchManifest hot-reloads the model manifest on file change. An invalid
// manifest is logged and skipped; the previous model table stays active.
func watchManifest(ctx context.Context, path string, reg *registry.Registry) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		debug.Warnf("manifest watch: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		debug.Warnf("manifest watch %s: %v", path, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			descriptors, err := registry.LoadManifest(path)
			if err != nil {
				debug.Warnf("manifest reload: %v", err)
				continue
			}
			if err := reg.Replace(descriptors); err != nil {
				debug.Warnf("manifest reload: %v", err)
				continue
			}
			debug.Logf("manifest reload: %d models", len(descriptors))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			debug.Warnf("manifest watch: %v", err)
		}
	}
}
