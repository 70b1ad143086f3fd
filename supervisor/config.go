package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Version is the software version exchanged in the session handshake.
const Version = "0.3.0"

// Duration wraps time.Duration with human-readable JSON ("30s", "2m").
type Duration time.Duration

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the node configuration, loaded once at startup and treated
// as immutable afterwards. The node id is generated on first load and
// persisted back, making it stable across restarts.
type Config struct {
	// NodeID is the node's persistent 128-bit UUID.
	NodeID string `json:"node_id"`

	// NodeName is a human label, not unique across the cluster.
	// Defaults to the hostname.
	NodeName string `json:"node_name"`

	// ListenAddr is the TCP address sessions are accepted on.
	ListenAddr string `json:"listen_addr"`

	// DiscoveryPort is the UDP port for broadcast beacons.
	DiscoveryPort int `json:"discovery_port"`

	// AdvertiseAddr is the address put in beacons for peers to dial.
	// Empty means ListenAddr.
	AdvertiseAddr string `json:"advertise_addr,omitempty"`

	// DataDir holds the instances/ tree and the journal database.
	DataDir string `json:"data_dir"`

	// ExternalToolPath locates the checkpoint/restore binary.
	ExternalToolPath string `json:"external_tool_path"`

	// DaemonizerPath locates the detach helper binary.
	DaemonizerPath string `json:"daemonizer_path"`

	// LogLevel filters daemon logging: trace, debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// NetworkingEnabled turns the cluster substrate on. A node with
	// networking disabled still supervises local instances.
	NetworkingEnabled bool `json:"networking_enabled"`

	// ShadowSyncInterval is the replication tick period.
	ShadowSyncInterval Duration `json:"shadow_sync_interval"`

	// HeartbeatInterval is the per-session heartbeat period.
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// MigrationTimeout is the end-to-end migration soft deadline.
	MigrationTimeout Duration `json:"migration_timeout"`

	// StopGrace is the SIGTERM-to-SIGKILL window for stops.
	StopGrace Duration `json:"stop_grace"`

	// SpawnTimeout bounds how long a spawn may stay in flight.
	SpawnTimeout Duration `json:"spawn_timeout"`

	// ChunkTimeout bounds the receiver's wait between transfer messages.
	ChunkTimeout Duration `json:"chunk_timeout"`

	// JournalPath is the SQLite journal database file. Empty selects
	// <DataDir>/journal.db. Ignored when JournalDSN is set.
	JournalPath string `json:"journal_path,omitempty"`

	// JournalDSN, when set, selects the MySQL journal backend.
	JournalDSN string `json:"journal_dsn,omitempty"`
}

// DefaultConfig returns the baseline configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "node"
	}
	return Config{
		NodeName:           name,
		ListenAddr:         "0.0.0.0:8080",
		DiscoveryPort:      8081,
		DataDir:            dataDir,
		ExternalToolPath:   "criu",
		DaemonizerPath:     "nhi-daemonize",
		LogLevel:           "info",
		NetworkingEnabled:  true,
		ShadowSyncInterval: Duration(30 * time.Second),
		HeartbeatInterval:  Duration(5 * time.Second),
		MigrationTimeout:   Duration(120 * time.Second),
		StopGrace:          Duration(5 * time.Second),
		SpawnTimeout:       Duration(2 * time.Second),
		ChunkTimeout:       Duration(60 * time.Second),
	}
}

// LoadConfig reads the config file at path, creating it with defaults on
// first run. A missing node id is generated and persisted back, so the
// identity survives restarts either way.
func LoadConfig(path, dataDir string) (Config, error) {
	cfg := DefaultConfig(dataDir)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %q: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// First run; fall through to id generation and save.
	default:
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.New().String()
		if err := cfg.Save(path); err != nil {
			return cfg, err
		}
	} else if _, err := uuid.Parse(cfg.NodeID); err != nil {
		return cfg, fmt.Errorf("config node_id: %w", err)
	}
	return cfg, nil
}

// Save persists the config via write-to-temp + atomic rename.
func (c Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit config: %w", err)
	}
	return nil
}

// journalPath resolves the SQLite journal location.
func (c Config) journalPath() string {
	if c.JournalPath != "" {
		return c.JournalPath
	}
	return filepath.Join(c.DataDir, "journal.db")
}
