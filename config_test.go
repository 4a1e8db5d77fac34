// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
size: 4
transport: ws
addr: 0.0.0.0:7000
init_timeout: 5s
compression: true
compress_threshold: 4096
checksum: true
peers: [a, b, c, d]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(err)
	require.Equal(4, cfg.Size)
	require.Equal(-1, cfg.Rank, "unset fields keep their defaults")
	require.Equal(TransportWS, cfg.Transport)
	require.Equal(5*time.Second, cfg.InitTimeout)
	require.Equal([]string{"a", "b", "c", "d"}, cfg.Peers)
	require.Equal("warn", cfg.LogLevel)
	require.Equal(frameOptions{compressAbove: 4096, checksum: true}, cfg.frameOptions())

	_, err = LoadConfig(writeConfig(t, "size: [1"))
	require.Error(err)
	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(err)
}

func TestConfigFromEnv(t *testing.T) {
	require := require.New(t)

	t.Setenv(EnvConfig, writeConfig(t, testConfigYAML))
	t.Setenv(EnvSize, "2")
	t.Setenv(EnvRank, "1")
	t.Setenv(EnvJob, "job-7")
	t.Setenv(EnvRendezvous, "http://127.0.0.1:9/rpc")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := ConfigFromEnv()
	require.NoError(err)
	require.Equal(2, cfg.Size)
	require.Equal(1, cfg.Rank)
	require.Equal("job-7", cfg.Job)
	require.Equal("http://127.0.0.1:9/rpc", cfg.Rendezvous)
	require.Equal(TransportWS, cfg.Transport, "file values survive unset variables")
	require.Equal("debug", cfg.LogLevel)

	t.Setenv(EnvRank, "one")
	_, err = ConfigFromEnv()
	require.ErrorContains(err, EnvRank)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
		ok   bool
	}{
		{"defaults", func(*Config) {}, true},
		{"zero size", func(c *Config) { c.Size = 0 }, false},
		{"rank past size", func(c *Config) { c.Size, c.Rank = 2, 2 }, false},
		{"peer table size", func(c *Config) { c.Size, c.Peers = 2, []string{"a"} }, false},
		{"unknown transport", func(c *Config) { c.Transport = "smoke" }, false},
		{"assigned rank", func(c *Config) { c.Size, c.Rank = 3, -1 }, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			err := cfg.validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestLogLevels(t *testing.T) {
	require := require.New(t)
	require.Equal(slog.LevelDebug, LevelFromFlags(true, true, false))
	require.Equal(slog.LevelInfo, LevelFromFlags(false, true, false))
	require.Equal(slog.LevelError, LevelFromFlags(false, false, true))
	require.Equal(slog.LevelWarn, LevelFromFlags(false, false, false))

	require.Equal(slog.LevelDebug, ParseLevel("DEBUG"))
	require.Equal(slog.LevelError, ParseLevel("error"))
	require.Equal(slog.LevelWarn, ParseLevel("chatty"))

	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo)
	log.Debug("hidden")
	log.Info("shown", "rank", 3)
	require.NotContains(buf.String(), "hidden")
	require.Contains(buf.String(), "rank=3")
}
