// Staminads
// Copyright (C) 2025 Staminads, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/staminads/staminads-sub003/lib/defaults"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadFileDefaults(t *testing.T) {
	fc, err := ReadFile("")
	require.NoError(t, err)
	require.Equal(t, defaults.HTTPListenAddr, fc.ListenAddr)
	require.Equal(t, defaults.Database, fc.Database)
	require.Equal(t, defaults.FlushInterval, fc.FlushInterval)
	require.Equal(t, defaults.MaxBufferSize, fc.MaxBufferSize)
	require.Equal(t, defaults.BackfillStaleThreshold, fc.StaleThreshold())
}

func TestReadFileParsesYAML(t *testing.T) {
	path := writeConfig(t, `
listen_addr: 0.0.0.0:8080
clickhouse_dsn: clickhouse://localhost:9000/staminads
geo_database_path: /var/lib/geoip/GeoLite2-City.mmdb
flush_interval: 5s
max_buffer_size: 1000
backfill_stale_threshold_minutes: 15
`)
	fc, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", fc.ListenAddr)
	require.Equal(t, "clickhouse://localhost:9000/staminads", fc.ClickHouseDSN)
	require.Equal(t, "/var/lib/geoip/GeoLite2-City.mmdb", fc.GeoDatabasePath)
	require.Equal(t, 5*time.Second, fc.FlushInterval)
	require.Equal(t, 1000, fc.MaxBufferSize)
	require.Equal(t, 15*time.Minute, fc.StaleThreshold())
}

func TestReadFileEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
listen_addr: 127.0.0.1:3100
backfill_stale_threshold_minutes: 5
`)
	t.Setenv("STAMINADS_LISTEN_ADDR", "0.0.0.0:9999")
	t.Setenv("CLICKHOUSE_DSN", "clickhouse://env:9000/db")
	t.Setenv("BACKFILL_STALE_THRESHOLD_MINUTES", "42")

	fc, err := ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9999", fc.ListenAddr)
	require.Equal(t, "clickhouse://env:9000/db", fc.ClickHouseDSN)
	require.Equal(t, 42*time.Minute, fc.StaleThreshold())
}

func TestReadFileIgnoresBadEnvThreshold(t *testing.T) {
	t.Setenv("BACKFILL_STALE_THRESHOLD_MINUTES", "soon")
	fc, err := ReadFile("")
	require.NoError(t, err)
	require.Equal(t, defaults.BackfillStaleThreshold, fc.StaleThreshold())
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestReadFileMalformed(t *testing.T) {
	path := writeConfig(t, "listen_addr: [")
	_, err := ReadFile(path)
	require.Error(t, err)
}

func TestCheckAndSetDefaultsRejectsNegatives(t *testing.T) {
	fc := &FileConfig{FlushInterval: -time.Second}
	require.Error(t, fc.CheckAndSetDefaults())

	fc = &FileConfig{MaxBufferSize: -1}
	require.Error(t, fc.CheckAndSetDefaults())

	fc = &FileConfig{BackfillStaleThresholdMinutes: -2}
	require.Error(t, fc.CheckAndSetDefaults())
}
