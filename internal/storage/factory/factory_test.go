package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInferBackend(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"", BackendMemory},
		{":memory:", BackendMemory},
		{"pipeline.db", BackendSQLite},
		{"file:pipeline.db?cache=shared", BackendSQLite},
		{"dolt://root@127.0.0.1:3306/flowcanon", BackendDoltServer},
		{"/var/lib/flowcanon/dolt", BackendDolt},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inferBackend(tt.path), "path %q", tt.path)
	}
}

func TestParseServerPath(t *testing.T) {
	cfg, err := parseServerPath("dolt://admin@db.internal:3307/canon")
	require.NoError(t, err)
	assert.Equal(t, "admin", cfg.ServerUser)
	assert.Equal(t, "db.internal", cfg.ServerHost)
	assert.Equal(t, 3307, cfg.ServerPort)
	assert.Equal(t, "canon", cfg.Database)
	assert.True(t, cfg.ServerMode)

	_, err = parseServerPath("dolt://host:notaport/db")
	assert.Error(t, err)
}
