// Package factory creates storage backends from configuration.
package factory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/flowcanon/flowcanon/internal/storage"
	"github.com/flowcanon/flowcanon/internal/storage/dolt"
	"github.com/flowcanon/flowcanon/internal/storage/memory"
	"github.com/flowcanon/flowcanon/internal/storage/sqlite"
)

// Backend names accepted by New and by the store config key.
const (
	BackendMemory     = "memory"
	BackendSQLite     = "sqlite"
	BackendDolt       = "dolt"
	BackendDoltServer = "dolt-server"
)

// New creates a storage backend. When backend is empty it is inferred from
// the path: ":memory:" opens the in-memory store, "dolt://host:port/db"
// connects to a dolt sql-server, a path ending in ".db" opens SQLite, and
// anything else opens an embedded Dolt directory.
func New(ctx context.Context, backend, path string) (storage.Store, error) {
	if backend == "" {
		backend = inferBackend(path)
	}
	switch backend {
	case BackendMemory:
		return memory.New(), nil
	case BackendSQLite:
		return sqlite.New(ctx, path)
	case BackendDolt:
		return dolt.New(ctx, &dolt.Config{Path: path})
	case BackendDoltServer:
		cfg, err := parseServerPath(path)
		if err != nil {
			return nil, err
		}
		return dolt.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: memory, sqlite, dolt, dolt-server)", backend)
	}
}

func inferBackend(path string) string {
	switch {
	case path == "" || path == ":memory:":
		return BackendMemory
	case strings.HasPrefix(path, "dolt://"):
		return BackendDoltServer
	case strings.HasSuffix(path, ".db") || strings.HasPrefix(path, "file:"):
		return BackendSQLite
	default:
		return BackendDolt
	}
}

// parseServerPath parses "dolt://[user@]host[:port]/database".
func parseServerPath(path string) (*dolt.Config, error) {
	rest := strings.TrimPrefix(path, "dolt://")
	cfg := &dolt.Config{ServerMode: true}

	if at := strings.IndexByte(rest, '@'); at >= 0 {
		cfg.ServerUser = rest[:at]
		rest = rest[at+1:]
	}
	hostPort := rest
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		hostPort = rest[:slash]
		cfg.Database = rest[slash+1:]
	}
	if colon := strings.IndexByte(hostPort, ':'); colon >= 0 {
		cfg.ServerHost = hostPort[:colon]
		port, err := strconv.Atoi(hostPort[colon+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid dolt server port in %q: %w", path, err)
		}
		cfg.ServerPort = port
	} else if hostPort != "" {
		cfg.ServerHost = hostPort
	}
	return cfg, nil
}
