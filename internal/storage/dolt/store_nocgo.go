//go:build !cgo

package dolt

import (
	"context"
	"fmt"
)

// Embedded mode requires CGO for the dolthub/driver package. Builds without
// CGO can still use server mode.
func newEmbeddedMode(_ context.Context, cfg *Config) (*DoltStore, error) {
	return nil, fmt.Errorf("embedded dolt requires CGO (path %q); use server mode or the sqlite backend", cfg.Path)
}
