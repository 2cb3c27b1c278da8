// Package config defines and persists the node's operator-facing
// configuration: storage/WAL paths, consolidation timing, cluster
// replication knobs, network timeouts, and durability flags.
// Configuration is persisted as a versioned JSON envelope, atomically
// written via temp-file-then-rename.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// currentVersion is the envelope schema version written by this build.
// migrate upgrades any older on-disk version up to this one.
const currentVersion = 1

// Duration wraps time.Duration with JSON marshaling as a Go duration
// string ("30s", "5m"), so the on-disk file stays human-editable instead
// of showing raw nanosecond integers.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// PartitionGroupConfig describes one partition group: its replication
// factor and the minimum number of live replicas required for the
// group to remain write-valid.
type PartitionGroupConfig struct {
	Name          string `json:"name"`
	Replication   int    `json:"replication"`
	MinActive     int    `json:"minActive"`
	ReadThreshold int    `json:"readThreshold"`
}

// ClusterConfig groups the rendezvous-hashing and replication knobs.
type ClusterConfig struct {
	Buckets int                    `json:"buckets"`
	Groups  []PartitionGroupConfig `json:"groups"`
}

// NetConfig groups the wire client/server timing knobs.
type NetConfig struct {
	ConnectTimeout    Duration `json:"connectTimeout"`
	ReconnectInterval Duration `json:"reconnectInterval"`
	PacketSize        int      `json:"packetSize"`
}

// FsyncConfig groups the durability knobs: which writers fsync before
// acknowledging.
type FsyncConfig struct {
	Uploads     bool `json:"uploads"`
	Directories bool `json:"directories"`
	Appends     bool `json:"appends"`
}

// ConsolidateConfig times the background chunk consolidation scheduler.
type ConsolidateConfig struct {
	Interval     Duration `json:"interval"`
	InitialDelay Duration `json:"initialDelay"`
}

// NodeConfig names this node to its peers and the outside world: its
// partition-id (how the Partition Scheme and Discovery address it), the
// address its wire.Server listens on, and the shared secret used to sign
// and verify node-identity tokens at handshake.
type NodeConfig struct {
	ID         string `json:"id"`
	ListenAddr string `json:"listenAddr"`
	AuthSecret string `json:"authSecret"` // base64-encoded HMAC key
}

// DiscoverySourceKind selects which discovery.Source backend a node
// watches for partition scheme updates.
type DiscoverySourceKind string

const (
	DiscoveryFile   DiscoverySourceKind = "file"
	DiscoveryMQTT   DiscoverySourceKind = "mqtt"
	DiscoveryKafka  DiscoverySourceKind = "kafka"
	DiscoveryStatic DiscoverySourceKind = "static"
)

// DiscoveryConfig selects and parameterizes the node's discovery.Source,
// plus the bbolt cache path that lets it survive a restart before the
// next tick.
type DiscoveryConfig struct {
	Kind         DiscoverySourceKind `json:"kind"`
	FilePath     string              `json:"filePath,omitempty"`
	MQTTBroker   string              `json:"mqttBroker,omitempty"`
	MQTTTopic    string              `json:"mqttTopic,omitempty"`
	KafkaBrokers []string            `json:"kafkaBrokers,omitempty"`
	KafkaTopic   string              `json:"kafkaTopic,omitempty"`
	KafkaGroup   string              `json:"kafkaGroup,omitempty"`
	CachePath    string              `json:"cachePath"`
}

// Config is the full node configuration in one declarative struct.
type Config struct {
	Node        NodeConfig        `json:"node"`
	StoragePath string            `json:"storagePath"`
	WALPath     string            `json:"walPath"`
	Consolidate ConsolidateConfig `json:"consolidate"`
	Cluster     ClusterConfig     `json:"cluster"`
	Discovery   DiscoveryConfig   `json:"discovery"`
	Net         NetConfig         `json:"net"`
	Fsync       FsyncConfig       `json:"fsync"`
}

// Default returns a Config with the conservative defaults a freshly
// initialized node should start from.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ListenAddr: ":7500",
		},
		StoragePath: "data/chunks",
		WALPath:     "data/wal",
		Consolidate: ConsolidateConfig{
			Interval:     Duration(5 * time.Minute),
			InitialDelay: Duration(30 * time.Second),
		},
		Cluster: ClusterConfig{
			Buckets: 256,
		},
		Discovery: DiscoveryConfig{
			Kind:      DiscoveryFile,
			FilePath:  "data/scheme.json",
			CachePath: "data/discovery-cache.db",
		},
		Net: NetConfig{
			ConnectTimeout:    Duration(5 * time.Second),
			ReconnectInterval: Duration(2 * time.Second),
			PacketSize:        64 << 10,
		},
		Fsync: FsyncConfig{
			Uploads:     true,
			Directories: true,
			Appends:     true,
		},
	}
}

// envelope is the versioned on-disk format:
// {"version": N, "config": {...}}.
type envelope struct {
	Version int    `json:"version"`
	Config  Config `json:"config"`
}

// Store persists and loads Config as a versioned JSON file. All
// mutations load the full file, mutate the in-memory struct, and
// atomically flush the entire file — a single struct, since this node
// has no sub-resources to address independently.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the configuration, applying any pending migration. A
// missing file is not an error: Load returns Default().
func (s *Store) Load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", s.path, err)
	}

	if env.Version > currentVersion {
		return Config{}, fmt.Errorf("config: file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	cfg := env.Config
	if env.Version < currentVersion {
		cfg = migrate(env.Version, cfg)
		if err := s.Save(cfg); err != nil {
			return Config{}, fmt.Errorf("config: persist migration: %w", err)
		}
	}
	return cfg, nil
}

// Save atomically writes cfg to disk: temp file in the same directory,
// fsync, rename — the same durable-write contract the chunk store and
// WAL use for their own files.
func (s *Store) Save(cfg Config) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("config: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// migrations holds one function per version bump, applied in order.
// There is only one schema version so far, so the list is empty; it
// exists so the next version bump has somewhere to go without
// restructuring Load.
var migrations = map[int]func(Config) Config{}

func migrate(from int, cfg Config) Config {
	for v := from; v < currentVersion; v++ {
		if fn, ok := migrations[v]; ok {
			cfg = fn(cfg)
		}
	}
	return cfg
}
