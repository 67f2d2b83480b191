//go:build cgo

package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
)

const embeddedOpenMaxElapsed = 30 * time.Second

func newEmbeddedOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = embeddedOpenMaxElapsed
	return bo
}

// newEmbeddedMode opens the embedded Dolt engine (requires CGO). The
// directory is created on first use; the driver retries lock acquisition
// with exponential backoff because a concurrently-exiting process can hold
// the access lock briefly.
func newEmbeddedMode(ctx context.Context, cfg *Config) (*DoltStore, error) {
	if info, statErr := os.Stat(cfg.Path); statErr == nil && !info.IsDir() {
		return nil, fmt.Errorf("database path %q is a file, not a directory", cfg.Path)
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// The embedded driver sets its working directory to the DSN path, so a
	// relative path can be doubled by lower layers. Always pass absolute.
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	initDSN := fmt.Sprintf("file://%s?commitname=flowcanon&commitemail=flowcanon@localhost", absPath)
	dbDSN := initDSN + "&database=" + cfg.Database

	// First connection has no database selected: it only ensures the
	// database exists, then closes so the driver releases its lock.
	initDB, err := openEmbedded(initDSN)
	if err != nil {
		return nil, err
	}
	_, err = initDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
	_ = initDB.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to create dolt database: %w", err)
	}

	db, err := openEmbedded(dbDSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping embedded dolt at %s: %w", absPath, err)
	}

	s := &DoltStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openEmbedded(dsn string) (*sql.DB, error) {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dolt DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded mode is single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, nil
}
