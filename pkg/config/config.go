// Package config holds the daemon configuration.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for a perpd instance.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	API     APIConfig     `yaml:"api"`
	Feed    FeedConfig    `yaml:"feed"`
	Events  EventsConfig  `yaml:"events"`
	Funding FundingConfig `yaml:"funding"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NodeConfig holds storage and logging settings.
type NodeConfig struct {
	DataDir  string `yaml:"data_dir"`
	DBEngine string `yaml:"db_engine"` // "badgerdb" or "memory"
	LogLevel string `yaml:"log_level"`
}

// APIConfig holds the JSON-RPC and WebSocket listen ports.
type APIConfig struct {
	RPCPort int `yaml:"rpc_port"`
	WSPort  int `yaml:"ws_port"`
}

// FeedConfig holds the oracle price feed settings. An empty NATS URL
// disables the subscriber and the daemon serves whatever observations
// are pushed through the static feed.
type FeedConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// EventsConfig holds the event publisher settings.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// FundingConfig holds the funding crank settings.
type FundingConfig struct {
	CrankInterval time.Duration `yaml:"crank_interval"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

func (c *Config) applyDefaults() {
	if c.Node.DataDir == "" {
		c.Node.DataDir = "data"
	}
	if c.Node.DBEngine == "" {
		c.Node.DBEngine = "badgerdb"
	}
	if c.Node.LogLevel == "" {
		c.Node.LogLevel = "info"
	}
	if c.API.RPCPort == 0 {
		c.API.RPCPort = 8080
	}
	if c.API.WSPort == 0 {
		c.API.WSPort = 8081
	}
	if c.Feed.SubjectPrefix == "" {
		c.Feed.SubjectPrefix = "oracle"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "perp"
	}
	if c.Funding.CrankInterval == 0 {
		c.Funding.CrankInterval = time.Minute
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Node.DBEngine != "badgerdb" && c.Node.DBEngine != "memory" {
		return fmt.Errorf("unknown db engine %q", c.Node.DBEngine)
	}
	if c.API.RPCPort == c.API.WSPort {
		return fmt.Errorf("rpc and websocket ports collide on %d", c.API.RPCPort)
	}
	if c.Funding.CrankInterval < time.Second {
		return fmt.Errorf("funding crank interval %s is below one second", c.Funding.CrankInterval)
	}
	return nil
}
