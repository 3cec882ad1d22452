package domain

import (
	"fmt"
	"log/slog"
	"time"

	"dario.cat/mergo"
)

type Config struct {
	NodeName string       `json:"node_name" yaml:"node_name"`
	BindAddr string       `json:"bind_addr" yaml:"bind_addr"`
	BindPort int          `json:"bind_port" yaml:"bind_port"`
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	Logger   *slog.Logger `json:"-" yaml:"-"`

	Cluster    ClusterConfig    `json:"cluster" yaml:"cluster"`
	Bucket     BucketConfig     `json:"bucket" yaml:"bucket"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Broadcast  BroadcastConfig  `json:"broadcast" yaml:"broadcast"`
	Dispatcher DispatcherConfig `json:"dispatcher" yaml:"dispatcher"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
}

type ClusterConfig struct {
	JoinPeers     []string      `json:"join_peers,omitempty" yaml:"join_peers,omitempty"`
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`
}

type BucketConfig struct {
	Count             int           `json:"count" yaml:"count"`
	VirtualNodes      int           `json:"virtual_nodes" yaml:"virtual_nodes"`
	RenewInterval     time.Duration `json:"renew_interval" yaml:"renew_interval"`
	AbandonThreshold  time.Duration `json:"abandon_threshold" yaml:"abandon_threshold"`
	ReconcileInterval time.Duration `json:"reconcile_interval" yaml:"reconcile_interval"`
}

type SchedulerConfig struct {
	TickInterval   time.Duration `json:"tick_interval" yaml:"tick_interval"`
	MaxPendingRuns int           `json:"max_pending_runs" yaml:"max_pending_runs"`
}

type BroadcastConfig struct {
	RetransmitMult int           `json:"retransmit_mult" yaml:"retransmit_mult"`
	RegossipWindow time.Duration `json:"regossip_window" yaml:"regossip_window"`
	RegossipEvery  time.Duration `json:"regossip_every" yaml:"regossip_every"`
}

type DispatcherConfig struct {
	MaxConcurrent  int           `json:"max_concurrent" yaml:"max_concurrent"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

type StorageConfig struct {
	InMemory bool `json:"in_memory" yaml:"in_memory"`
}

func DefaultConfig() *Config {
	return &Config{
		BindAddr: "0.0.0.0",
		BindPort: 7946,
		DataDir:  "./data",
		Cluster: ClusterConfig{
			ProbeInterval: 1 * time.Second,
		},
		Bucket: BucketConfig{
			Count:             1024,
			VirtualNodes:      160,
			RenewInterval:     10 * time.Second,
			AbandonThreshold:  30 * time.Second,
			ReconcileInterval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:   500 * time.Millisecond,
			MaxPendingRuns: 100_000,
		},
		Broadcast: BroadcastConfig{
			RetransmitMult: 4,
			RegossipWindow: 2 * time.Minute,
			RegossipEvery:  10 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			MaxConcurrent:  64,
			DefaultTimeout: 10 * time.Minute,
		},
	}
}

// ApplyDefaults fills every zero field from DefaultConfig.
func (c *Config) ApplyDefaults() error {
	return mergo.Merge(c, DefaultConfig())
}

func (c *Config) Validate() error {
	if c.NodeName == "" {
		return fmt.Errorf("%w: node name is required", ErrInvalidConfig)
	}
	if c.Bucket.Count <= 0 {
		return fmt.Errorf("%w: bucket count must be positive, got %d", ErrInvalidConfig, c.Bucket.Count)
	}
	if c.Bucket.VirtualNodes <= 0 {
		return fmt.Errorf("%w: virtual nodes must be positive, got %d", ErrInvalidConfig, c.Bucket.VirtualNodes)
	}
	if c.Bucket.RenewInterval <= 0 {
		return fmt.Errorf("%w: lease renew interval must be positive", ErrInvalidConfig)
	}
	if c.Bucket.AbandonThreshold < 3*c.Bucket.RenewInterval {
		return fmt.Errorf("%w: abandon threshold %s must be at least 3x renew interval %s",
			ErrInvalidConfig, c.Bucket.AbandonThreshold, c.Bucket.RenewInterval)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("%w: scheduler tick interval must be positive", ErrInvalidConfig)
	}
	if !c.Storage.InMemory && c.DataDir == "" {
		return fmt.Errorf("%w: data dir is required for durable storage", ErrInvalidConfig)
	}
	return nil
}
