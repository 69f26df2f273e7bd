package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("lineage")
	require.NoError(t, err)

	assert.Equal(t, "lineage", cfg.Service.Name)
	assert.Equal(t, "LP", cfg.Sequence.Prefix)
	assert.Equal(t, 3, cfg.Sequence.MaxAttempts)
	assert.Equal(t, 10, cfg.Lineage.MaxDepth)
	assert.Equal(t, 10*time.Second, cfg.Lineage.OperationTimeout)
	assert.True(t, cfg.Features.TransactionalWrites)
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SEQUENCE_PREFIX", "PLT")
	t.Setenv("SEQUENCE_MAX_ATTEMPTS", "5")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("SEQUENCE_BACKEND", "redis")
	t.Setenv("LINEAGE_OPERATION_TIMEOUT", "2s")

	cfg, err := Load("lineage")
	require.NoError(t, err)

	assert.Equal(t, "PLT", cfg.Sequence.Prefix)
	assert.Equal(t, 5, cfg.Sequence.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Lineage.OperationTimeout)
	assert.True(t, cfg.NeedsRedis())
}

func TestNeedsRedis_WriteRateLimit(t *testing.T) {
	t.Setenv("SEQUENCE_BACKEND", "memory")
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("LINEAGE_WRITE_RATE_LIMIT", "30")

	cfg, err := Load("lineage")
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Lineage.WriteRateLimit)
	assert.True(t, cfg.NeedsRedis())
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"prefix with dash", map[string]string{"SEQUENCE_PREFIX": "L-P"}},
		{"zero attempts", map[string]string{"SEQUENCE_MAX_ATTEMPTS": "0"}},
		{"bad timezone", map[string]string{"SEQUENCE_TIMEZONE": "Mars/Olympus"}},
		{"unknown storage", map[string]string{"STORAGE_BACKEND": "mongo"}},
		{"pg sequence on memory storage", map[string]string{"STORAGE_BACKEND": "memory", "SEQUENCE_BACKEND": "postgres"}},
		{"unknown queue", map[string]string{"QUEUE_TYPE": "kafka"}},
		{"node id out of range", map[string]string{"LINEAGE_NODE_ID": "2048"}},
		{"negative rate limit", map[string]string{"LINEAGE_WRITE_RATE_LIMIT": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("lineage")
			assert.Error(t, err)
		})
	}
}
