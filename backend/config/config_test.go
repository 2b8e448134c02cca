package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadServer_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
Running:
  Port: 9000
Storage:
  driver: sqlite3
Redis:
  addrs: [a:1, b:2]
Kafka:
  brokers: [k:9092]
  topic: from-file
Sync:
  pushTimeout: 2s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "collabConfig.yaml"), []byte(yaml), 0o600))
	t.Setenv("COLLAB_KAFKA_TOPIC", "from-env")
	t.Setenv("COLLAB_AUTH_SECRET", "s3cret")

	cfg, err := LoadServer(dir)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Running.Port)
	require.Equal(t, "sqlite3", cfg.Storage.Driver)
	require.Equal(t, []string{"a:1", "b:2"}, cfg.Redis.Addrs)
	require.Equal(t, "from-env", cfg.Kafka.Topic)
	require.Equal(t, "s3cret", cfg.Auth.Secret)
	require.Equal(t, 2*time.Second, cfg.Sync.PushTimeout)
	require.Equal(t, 64, cfg.Sync.MaxInFlight)
	require.Equal(t, "collab.db", cfg.Sqlite.Path)
}

func TestLoadClient_Defaults(t *testing.T) {
	cfg, err := LoadClient(t.TempDir())
	if err != nil {
		t.Fatalf("LoadClient() err = %v", err)
	}
	if cfg.Running.Addr != "127.0.0.1:8090" {
		t.Fatalf("Running.Addr = %q", cfg.Running.Addr)
	}
	if cfg.Sync.Interval != time.Second || cfg.Sync.FlushDelay != 600*time.Millisecond {
		t.Fatalf("Sync = %+v", cfg.Sync)
	}
	if cfg.History.Window != 400*time.Millisecond {
		t.Fatalf("History.Window = %v", cfg.History.Window)
	}
}

func TestLoadClient_SampleFile(t *testing.T) {
	t.Setenv("COLLAB_USER_ID", "alice")
	cfg, err := LoadClient(".")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:8083", cfg.Server.URL)
	require.Equal(t, "alice", cfg.User.ID)
}
