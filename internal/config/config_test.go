package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeFile(t, `
db_path: /var/lib/zkdb/data.sqlite
log:
  level: debug
  format: json
merkle:
  default_height: 20
workers:
  enabled: true
  proof_interval: 250ms
  lease_timeout: 2m
chain:
  network: ethereum
  rpc_url: http://localhost:8545
  confirmations: 12
auth:
  dev_actor: alice
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", c.Listen)
	require.Equal(t, "/var/lib/zkdb/data.sqlite", c.DBPath)
	require.Equal(t, Log{Level: "debug", Format: "json"}, c.Log)
	require.Equal(t, 20, c.Merkle.DefaultHeight)
	require.Equal(t, 250*time.Millisecond, c.Workers.ProofInterval)
	require.Equal(t, 2*time.Minute, c.Workers.LeaseTimeout)
	require.Equal(t, 30*time.Second, c.Workers.ReapInterval)
	require.Equal(t, uint64(12), c.Chain.Confirmations)
	require.Equal(t, "alice", c.Auth.DevActor)
	require.Equal(t, "groups", c.Auth.GroupsClaim)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ZKDB_DB_PATH", "env.sqlite")
	t.Setenv("ZKDB_DEV_ACTOR", "bob")
	t.Setenv("ZKDB_CHAIN_CONFIRMATIONS", "3")
	t.Setenv("ZKDB_WORKERS_ENABLED", "false")
	t.Setenv("ZKDB_LEASE_TIMEOUT", "45s")
	t.Setenv("ZKDB_OIDC_GROUPS_CLAIM", "roles")

	c, err := Load(writeFile(t, "db_path: file.sqlite\n"))
	require.NoError(t, err)
	require.Equal(t, ":9090", c.Listen)
	require.Equal(t, "env.sqlite", c.DBPath)
	require.Equal(t, "bob", c.Auth.DevActor)
	require.Equal(t, uint64(3), c.Chain.Confirmations)
	require.False(t, c.Workers.Enabled)
	require.Equal(t, 45*time.Second, c.Workers.LeaseTimeout)
	require.Equal(t, "roles", c.Auth.GroupsClaim)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("ZKDB_DEV_ACTOR", "")

	_, err := Load(writeFile(t, "chain:\n  network: ethereum\n"))
	require.ErrorContains(t, err, "rpc_url")
	require.ErrorContains(t, err, "dev_actor")

	t.Setenv("ZKDB_DEV_ACTOR", "alice")
	_, err = Load(writeFile(t, "merkle:\n  default_height: 65\n"))
	require.ErrorContains(t, err, "default_height")

	t.Setenv("ZKDB_MERKLE_HEIGHT", "tall")
	_, err = Load("")
	require.ErrorContains(t, err, "ZKDB_MERKLE_HEIGHT")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "config load")
}
