// Package config loads the optional YAML configuration file layered
// under each process's CLI flags (flags always win — see cmd/shard and
// cmd/router).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig mirrors engine.Config's tunables for YAML loading.
type EngineConfig struct {
	WALFilename        string `yaml:"wal_filename"`
	SnapshotFilename   string `yaml:"snapshot_filename"`
	SnapshotIntervalMs int    `yaml:"snapshot_interval_ms"`
	FlushIntervalMs    int    `yaml:"flush_interval_ms"`
}

// ReplicationConfig mirrors replicator.Config's tunables for YAML loading.
type ReplicationConfig struct {
	Replicas       []string      `yaml:"replicas"`
	Quorum         int           `yaml:"quorum"`
	ForwardTimeout time.Duration `yaml:"forward_timeout"`
}

// ShardFile is the YAML shape of a shard's optional --config file.
type ShardFile struct {
	Port        int               `yaml:"port"`
	DataDir     string            `yaml:"data_dir"`
	ShardID     string            `yaml:"id"`
	Engine      EngineConfig      `yaml:"engine"`
	Replication ReplicationConfig `yaml:"replication"`
	LogDebug    bool              `yaml:"log_debug"`
}

// RouterFile is the YAML shape of a router's optional --config file.
type RouterFile struct {
	Port     int      `yaml:"port"`
	Shards   []string `yaml:"shards"`
	VNodes   int      `yaml:"vnodes"`
	LogDebug bool     `yaml:"log_debug"`
}

// LoadShardFile reads and parses a shard YAML config file. A missing
// path is not an error: it returns a zero-value ShardFile, so the
// caller's CLI-flag defaults apply unmodified.
func LoadShardFile(path string) (ShardFile, error) {
	var f ShardFile
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}

// LoadRouterFile reads and parses a router YAML config file, with the
// same missing-file behavior as LoadShardFile.
func LoadRouterFile(path string) (RouterFile, error) {
	var f RouterFile
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return f, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f, nil
}
