package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "continuityd", cfg.Service.Name)
	assert.Equal(t, "~/.continuityd/states", cfg.Storage.RootDir)
	assert.Equal(t, 5, cfg.Storage.BackupKeepCount)
	assert.Equal(t, 0.7, cfg.Storage.SimilarityThreshold)
	assert.False(t, cfg.Sink.Enabled)
	assert.Equal(t, 2*time.Second, cfg.Sink.Timeout.Duration())
	assert.Equal(t, 3, cfg.Sink.RelatedLimit)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, NewDefaultConfig().Validate())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "keep count below one",
			mutate:  func(c *Config) { c.Storage.BackupKeepCount = -1 },
			wantErr: "backup_keep_count",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Storage.SimilarityThreshold = 1.2 },
			wantErr: "similarity_threshold",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name: "sink enabled without path",
			mutate: func(c *Config) {
				c.Sink.Enabled = true
				c.Sink.Path = ""
			},
			wantErr: "sink.path",
		},
		{
			name: "telemetry enabled with bad protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "thrift"
			},
			wantErr: "telemetry.protocol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}

func TestExpandPath(t *testing.T) {
	expanded, err := ExpandPath("~/states")
	require.NoError(t, err)
	assert.NotContains(t, expanded, "~")

	plain, err := ExpandPath("/var/lib/continuityd")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/continuityd", plain)
}
