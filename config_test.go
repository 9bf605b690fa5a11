// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dummydev

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DriverName, cfg.Name)
	assert.Equal(t, "/dev/mem", cfg.MemDevice)
	assert.Empty(t, cfg.BackingFile)
	assert.Equal(t, uint64(RdBufBase), cfg.RdBufBase)
	assert.Equal(t, uint64(WrBufBase), cfg.WrBufBase)
	assert.Equal(t, uint64(RegBase), cfg.RegBase)
	assert.Equal(t, uint64(MemSize), cfg.MemSize)
	assert.Equal(t, uint64(RegSize), cfg.RegSize)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, MaxWorkers, cfg.Workers)
	assert.Equal(t, 5, cfg.CancelAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.CancelWait)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dummy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backing_file: /tmp/dummy.mem
rd_buf_base: 0x10000
wr_buf_base: 0x11000
reg_base: 0x12000
poll_interval: 50ms
log_level: debug
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dummy.mem", cfg.BackingFile)
	assert.Equal(t, uint64(0x10000), cfg.RdBufBase)
	assert.Equal(t, uint64(0x12000), cfg.RegBase)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, uint64(MemSize), cfg.MemSize, "unset keys keep defaults")

	base, size := cfg.Span()
	assert.Equal(t, uint64(0x10000), base)
	assert.Equal(t, uint64(0x2000+RegSize), size)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workers: [1"), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "empty name", modify: func(c *Config) { c.Name = "" }},
		{name: "zero mem size", modify: func(c *Config) { c.MemSize = 0 }},
		{name: "small register block", modify: func(c *Config) { c.RegSize = 8 }},
		{name: "zero interval", modify: func(c *Config) { c.PollInterval = 0 }},
		{name: "no workers", modify: func(c *Config) { c.Workers = 0 }},
		{name: "no cancel attempts", modify: func(c *Config) { c.CancelAttempts = 0 }},
		{name: "bad log level", modify: func(c *Config) { c.LogLevel = "loud" }},
		{name: "overlapping buffers", modify: func(c *Config) { c.MemSize = 0x2000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.LogLevel = level
			logger, err := cfg.NewLogger()
			require.NoError(t, err)

			want, _ := logrus.ParseLevel(level)
			assert.Equal(t, want, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_Mapper(t *testing.T) {
	cfg := DefaultConfig()
	m, err := cfg.Mapper()
	require.NoError(t, err)
	assert.Equal(t, "/dev/mem", m.path)

	cfg.BackingFile = filepath.Join(t.TempDir(), "dev.mem")
	m, err = cfg.Mapper()
	require.NoError(t, err)
	assert.Equal(t, uint64(RdBufBase), m.base)
	st, err := os.Stat(cfg.BackingFile)
	require.NoError(t, err)
	assert.Equal(t, int64(0x2000+RegSize), st.Size())
}
