package node

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adamgarcia4/goLearning/antientropy/merkle"
	"github.com/adamgarcia4/goLearning/antientropy/repair"
	"github.com/adamgarcia4/goLearning/antientropy/storage"
)

// Default configuration constants
const (
	DefaultAddress          = "127.0.0.1"
	DefaultPort             = "50051"
	DefaultNodeID           = "node-1"
	DefaultClusterID        = "default-cluster"
	DefaultEvictionInterval = 10 * time.Minute
	DefaultStreamTimeout    = 30 * time.Second
)

// DefaultTables are created on every node unless the config names its own.
var DefaultTables = []string{"demo.kv"}

// Config holds the configuration for a node
type Config struct {
	// Node identification
	NodeID    string `yaml:"node_id"`
	ClusterID string `yaml:"cluster_id"`

	// Server configuration
	Address string `yaml:"address"`
	Port    string `yaml:"port"`

	// Peers taking part in repairs started on this node (e.g., ["127.0.0.1:50052"])
	Seeds []string `yaml:"seeds"`

	// Storage
	DataDir string   `yaml:"data_dir"` // empty keeps data in memory
	Tables  []string `yaml:"tables"`   // keyspace.table

	HistoryPath string `yaml:"history_path"` // empty disables the repair history
	MetricsAddr string `yaml:"metrics_addr"` // empty disables /metrics

	Repair RepairConfig `yaml:"repair"`
}

// RepairConfig tunes the repair layer.
type RepairConfig struct {
	RequestWorkers     int           `yaml:"request_workers"`
	AntiEntropyWorkers int           `yaml:"anti_entropy_workers"`
	StageQueue         int           `yaml:"stage_queue"`
	ValidationWorkers  int           `yaml:"validation_workers"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	EvictionInterval   time.Duration `yaml:"eviction_interval"`
	MerkleDepth        uint8         `yaml:"merkle_depth"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	StreamTimeout      time.Duration `yaml:"stream_timeout"`
	GCGrace            time.Duration `yaml:"gc_grace"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:    nodeID,
		ClusterID: DefaultClusterID,
		Address:   DefaultAddress,
		Port:      DefaultPort,
		Seeds:     []string{},
		Tables:    append([]string(nil), DefaultTables...),
		Repair: RepairConfig{
			RequestWorkers:     repair.DefaultRequestWorkers,
			AntiEntropyWorkers: repair.DefaultAntiEntropyWorkers,
			StageQueue:         repair.DefaultStageQueue,
			ValidationWorkers:  storage.DefaultValidationWorkers,
			SessionTTL:         repair.DefaultSessionTTL,
			EvictionInterval:   DefaultEvictionInterval,
			MerkleDepth:        merkle.DefaultDepth,
			RPCTimeout:         repair.DefaultRPCTimeout,
			JobTimeout:         repair.DefaultJobTimeout,
			StreamTimeout:      DefaultStreamTimeout,
			GCGrace:            repair.DefaultGCGrace,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := DefaultConfig(DefaultNodeID)
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrNodeIDRequired
	}
	if c.ClusterID == "" {
		return ErrClusterIDRequired
	}
	if c.Address == "" {
		return ErrAddressRequired
	}
	if c.Port == "" {
		return ErrPortRequired
	}
	if _, err := c.TableRefs(); err != nil {
		return err
	}
	if c.Repair.MerkleDepth < merkle.MinDepth || c.Repair.MerkleDepth > merkle.MaxDepth {
		return ErrInvalidMerkleDepth
	}
	if c.Repair.SessionTTL <= 0 || c.Repair.EvictionInterval <= 0 {
		return ErrInvalidSessionTTL
	}
	if c.Repair.RPCTimeout <= 0 || c.Repair.JobTimeout <= 0 || c.Repair.StreamTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// TableRefs parses the configured tables.
func (c *Config) TableRefs() ([]storage.TableRef, error) {
	refs := make([]storage.TableRef, 0, len(c.Tables))
	for _, t := range c.Tables {
		ref, err := storage.ParseTableRef(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// GetAddress returns the full address (address:port), which is also the
// node's repair endpoint.
func (c *Config) GetAddress() string {
	return c.Address + ":" + c.Port
}
