// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
event_bus:
  addr: redis.internal:6379
daemon:
  default_batch_size: 25
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6379", cfg.EventBus.Addr)
	require.Equal(t, 25, cfg.Daemon.DefaultBatchSize)
	// Unset fields still carry defaults.
	require.Equal(t, 10, cfg.EventBus.PoolSize)
}

func TestLoadFromEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
event_bus:
  addr: file-redis:6379
`), 0o600))

	t.Setenv("CAMPAIGN_EVENTBUS_ADDR", "env-redis:6379")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "env-redis:6379", cfg.EventBus.Addr)
}

func TestValidateRejectsEmptyEventBusAddr(t *testing.T) {
	cfg := Default()
	cfg.EventBus.Addr = ""
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
