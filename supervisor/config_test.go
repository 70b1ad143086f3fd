package supervisor_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nhi-project/nhi/supervisor"
)

func TestDefaultConfig(t *testing.T) {
	cfg := supervisor.DefaultConfig("/var/lib/nhi")

	if cfg.ListenAddr != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DiscoveryPort != 8081 {
		t.Errorf("DiscoveryPort = %d", cfg.DiscoveryPort)
	}
	if cfg.ShadowSyncInterval.Std() != 30*time.Second {
		t.Errorf("ShadowSyncInterval = %v", cfg.ShadowSyncInterval.Std())
	}
	if cfg.HeartbeatInterval.Std() != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval.Std())
	}
	if cfg.MigrationTimeout.Std() != 120*time.Second {
		t.Errorf("MigrationTimeout = %v", cfg.MigrationTimeout.Std())
	}
	if !cfg.NetworkingEnabled {
		t.Error("networking disabled by default")
	}
	if cfg.NodeName == "" {
		t.Error("NodeName not derived from hostname")
	}
}

func TestLoadConfigFirstRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := supervisor.LoadConfig(path, dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := uuid.Parse(cfg.NodeID); err != nil {
		t.Fatalf("generated node id %q invalid: %v", cfg.NodeID, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("first run did not persist the config: %v", err)
	}

	// The identity must be stable across restarts.
	again, err := supervisor.LoadConfig(path, dir)
	if err != nil {
		t.Fatalf("LoadConfig again: %v", err)
	}
	if again.NodeID != cfg.NodeID {
		t.Errorf("node id changed across loads: %s vs %s", again.NodeID, cfg.NodeID)
	}
}

func TestLoadConfigHonorsOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := supervisor.DefaultConfig(dir)
	cfg.NodeID = uuid.New().String()
	cfg.ListenAddr = "10.0.0.5:9000"
	cfg.ShadowSyncInterval = supervisor.Duration(10 * time.Second)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := supervisor.LoadConfig(path, dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.ListenAddr != "10.0.0.5:9000" {
		t.Errorf("ListenAddr = %q", got.ListenAddr)
	}
	if got.ShadowSyncInterval.Std() != 10*time.Second {
		t.Errorf("ShadowSyncInterval = %v", got.ShadowSyncInterval.Std())
	}
}

func TestLoadConfigRejectsBadNodeID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"node_id":"not-a-uuid"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := supervisor.LoadConfig(path, dir); err == nil {
		t.Error("expected an error for a malformed node id")
	}
}

func TestDurationJSON(t *testing.T) {
	t.Run("string round trip", func(t *testing.T) {
		in := supervisor.Duration(90 * time.Second)
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if string(data) != `"1m30s"` {
			t.Errorf("encoded as %s", data)
		}
		var out supervisor.Duration
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if out != in {
			t.Errorf("round trip: %v vs %v", out.Std(), in.Std())
		}
	})

	t.Run("accepts integer nanoseconds", func(t *testing.T) {
		var d supervisor.Duration
		if err := json.Unmarshal([]byte("5000000000"), &d); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if d.Std() != 5*time.Second {
			t.Errorf("got %v", d.Std())
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		var d supervisor.Duration
		if err := json.Unmarshal([]byte(`"soonish"`), &d); err == nil {
			t.Error("expected a parse error")
		}
	})
}
