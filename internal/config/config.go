package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dreamware/mesh/internal/cluster"
)

// Config represents the complete mesh node configuration
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Peers    []string       `mapstructure:"peers"`
	Raft     RaftConfig     `mapstructure:"raft"`
	Gossip   GossipConfig   `mapstructure:"gossip"`
	Balancer BalancerConfig `mapstructure:"balancer"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// NodeConfig describes this node's identity
type NodeConfig struct {
	// ID uniquely identifies the node. Empty means a UUID is generated at startup.
	ID string `mapstructure:"id"`
	// Listen is the local address the HTTP server binds to (default: ":7070")
	Listen string `mapstructure:"listen"`
	// Addr is the base URL peers use to reach this node (default: "http://127.0.0.1:7070")
	Addr string `mapstructure:"addr"`
	// Capabilities advertised to the balancer through gossip
	Capabilities []string `mapstructure:"capabilities"`
	// Workload is the initial self-reported workload score (0 to 1)
	Workload float64 `mapstructure:"workload"`
}

// RaftConfig controls consensus timing. All values are milliseconds.
type RaftConfig struct {
	ElectionTimeoutMinMs int `mapstructure:"election_timeout_min_ms"`
	ElectionTimeoutMaxMs int `mapstructure:"election_timeout_max_ms"`
	HeartbeatIntervalMs  int `mapstructure:"heartbeat_interval_ms"`
	TickIntervalMs       int `mapstructure:"tick_interval_ms"`
	RPCTimeoutMs         int `mapstructure:"rpc_timeout_ms"`
}

// GossipConfig controls membership dissemination and failure detection
type GossipConfig struct {
	IntervalMs       int `mapstructure:"interval_ms"`
	Fanout           int `mapstructure:"fanout"`
	FailureTimeoutMs int `mapstructure:"failure_timeout_ms"`
}

// BalancerConfig controls task placement
type BalancerConfig struct {
	// Strategy is one of "least-loaded", "round-robin", "capability-match", "random"
	Strategy string `mapstructure:"strategy"`
	// DefaultWeight is applied to tasks submitted without a weight (default: 0.1)
	DefaultWeight float64 `mapstructure:"default_weight"`
}

// StorageConfig controls durable state
type StorageConfig struct {
	// DataDir holds the consensus state (leveldb) and applied commands (bolt).
	// Empty keeps everything in memory.
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the directory for mesh.log. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Listen:       ":7070",
			Addr:         "http://127.0.0.1:7070",
			Capabilities: []string{},
			Workload:     0,
		},
		Peers: []string{},
		Raft: RaftConfig{
			ElectionTimeoutMinMs: 150,
			ElectionTimeoutMaxMs: 300,
			HeartbeatIntervalMs:  50,
			TickIntervalMs:       10,
			RPCTimeoutMs:         100,
		},
		Gossip: GossipConfig{
			IntervalMs:       200,
			Fanout:           3,
			FailureTimeoutMs: 3000,
		},
		Balancer: BalancerConfig{
			Strategy:      "least-loaded",
			DefaultWeight: 0.1,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("node.id", defaults.Node.ID)
	v.SetDefault("node.listen", defaults.Node.Listen)
	v.SetDefault("node.addr", defaults.Node.Addr)
	v.SetDefault("node.capabilities", defaults.Node.Capabilities)
	v.SetDefault("node.workload", defaults.Node.Workload)

	v.SetDefault("peers", defaults.Peers)

	v.SetDefault("raft.election_timeout_min_ms", defaults.Raft.ElectionTimeoutMinMs)
	v.SetDefault("raft.election_timeout_max_ms", defaults.Raft.ElectionTimeoutMaxMs)
	v.SetDefault("raft.heartbeat_interval_ms", defaults.Raft.HeartbeatIntervalMs)
	v.SetDefault("raft.tick_interval_ms", defaults.Raft.TickIntervalMs)
	v.SetDefault("raft.rpc_timeout_ms", defaults.Raft.RPCTimeoutMs)

	v.SetDefault("gossip.interval_ms", defaults.Gossip.IntervalMs)
	v.SetDefault("gossip.fanout", defaults.Gossip.Fanout)
	v.SetDefault("gossip.failure_timeout_ms", defaults.Gossip.FailureTimeoutMs)

	v.SetDefault("balancer.strategy", defaults.Balancer.Strategy)
	v.SetDefault("balancer.default_weight", defaults.Balancer.DefaultWeight)

	v.SetDefault("storage.data_dir", defaults.Storage.DataDir)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ElectionTimeoutRange returns the election timeout bounds as durations
func (c *RaftConfig) ElectionTimeoutRange() (time.Duration, time.Duration) {
	return ms(c.ElectionTimeoutMinMs), ms(c.ElectionTimeoutMaxMs)
}

// HeartbeatInterval returns the leader heartbeat interval
func (c *RaftConfig) HeartbeatInterval() time.Duration { return ms(c.HeartbeatIntervalMs) }

// TickInterval returns how often the engine timers are evaluated
func (c *RaftConfig) TickInterval() time.Duration { return ms(c.TickIntervalMs) }

// RPCTimeout returns the deadline for a single outbound RPC
func (c *RaftConfig) RPCTimeout() time.Duration { return ms(c.RPCTimeoutMs) }

// Interval returns the gossip round interval
func (c *GossipConfig) Interval() time.Duration { return ms(c.IntervalMs) }

// FailureTimeout returns how long a peer may stay silent before it is removed
func (c *GossipConfig) FailureTimeout() time.Duration { return ms(c.FailureTimeoutMs) }

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// PeerNodes parses the "id=addr" peer list into node identities.
// Entries naming this node are skipped.
func (c *Config) PeerNodes() ([]cluster.NodeInfo, error) {
	nodes := make([]cluster.NodeInfo, 0, len(c.Peers))
	for _, p := range c.Peers {
		node, err := ParsePeer(p)
		if err != nil {
			return nil, err
		}
		if node.ID == c.Node.ID {
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// ParsePeer parses a single "id=addr" entry.
func ParsePeer(s string) (cluster.NodeInfo, error) {
	id, addr, ok := strings.Cut(strings.TrimSpace(s), "=")
	if !ok || id == "" || addr == "" {
		return cluster.NodeInfo{}, fmt.Errorf("invalid peer %q, want id=addr", s)
	}
	return cluster.NodeInfo{ID: id, Addr: addr}, nil
}
