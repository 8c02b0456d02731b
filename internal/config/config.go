package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the GTP-C simulator.
type Config struct {
	Node     NodeConfig     `yaml:"node"     mapstructure:"node"`
	Remote   RemoteConfig   `yaml:"remote"   mapstructure:"remote"`
	Scenario ScenarioConfig `yaml:"scenario" mapstructure:"scenario"`
	Timing   TimingConfig   `yaml:"timing"   mapstructure:"timing"`
	Load     LoadConfig     `yaml:"load"     mapstructure:"load"`
	Teid     TeidConfig     `yaml:"teid"     mapstructure:"teid"`
	Logging  LoggingConfig  `yaml:"logging"  mapstructure:"logging"`
	Stats    StatsConfig    `yaml:"stats"    mapstructure:"stats"`
	Capture  CaptureConfig  `yaml:"capture"  mapstructure:"capture"`
}

type NodeConfig struct {
	Type    string `yaml:"type"    mapstructure:"type"` // mme | sgw | pgw
	Address string `yaml:"address" mapstructure:"address"`
	Port    int    `yaml:"port"    mapstructure:"port"`
}

type RemoteConfig struct {
	Address string `yaml:"address" mapstructure:"address"`
	Port    int    `yaml:"port"    mapstructure:"port"`
}

type ScenarioConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

type TimingConfig struct {
	T3TimerMs        int `yaml:"t3_timer_ms"        mapstructure:"t3_timer_ms"`
	N3Requests       int `yaml:"n3_requests"        mapstructure:"n3_requests"`
	DeadCallWaitMs   int `yaml:"dead_call_wait_ms"  mapstructure:"dead_call_wait_ms"`
	DisplayRefreshMs int `yaml:"display_refresh_ms" mapstructure:"display_refresh_ms"`
	TickMs           int `yaml:"tick_ms"            mapstructure:"tick_ms"`
}

type LoadConfig struct {
	RatePerSec  uint32 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxSessions uint64 `yaml:"max_sessions" mapstructure:"max_sessions"`
	ImsiBase    string `yaml:"imsi_base"    mapstructure:"imsi_base"`
}

type TeidConfig struct {
	Strategy string `yaml:"strategy" mapstructure:"strategy"` // sequential | random
	Start    uint32 `yaml:"start"    mapstructure:"start"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file"  mapstructure:"file"`
}

type StatsConfig struct {
	ExportFile string `yaml:"export_file" mapstructure:"export_file"`
}

type CaptureConfig struct {
	File string `yaml:"file" mapstructure:"file"`
}

// SetDefaults configures default values for the configuration.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.type", "mme")
	v.SetDefault("node.address", "127.0.0.1")
	v.SetDefault("node.port", 2123)
	v.SetDefault("remote.port", 2123)
	v.SetDefault("timing.t3_timer_ms", 3000)
	v.SetDefault("timing.n3_requests", 3)
	v.SetDefault("timing.dead_call_wait_ms", 5000)
	v.SetDefault("timing.display_refresh_ms", 1000)
	v.SetDefault("timing.tick_ms", 10)
	v.SetDefault("load.rate_per_sec", 1)
	v.SetDefault("load.imsi_base", "001010000000001")
	v.SetDefault("teid.strategy", "sequential")
	v.SetDefault("teid.start", 1)
	v.SetDefault("logging.level", "info")
}

// Load reads configuration from a YAML file and returns a Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper reads configuration using an existing viper instance (for
// CLI flag binding).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Summary returns a human-readable summary of the configuration.
func (c *Config) Summary() string {
	var sb strings.Builder
	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Node:          %s @ %s:%d\n", strings.ToUpper(c.Node.Type), c.Node.Address, c.Node.Port))
	sb.WriteString(fmt.Sprintf("  Remote:        %s:%d\n", c.Remote.Address, c.Remote.Port))
	sb.WriteString(fmt.Sprintf("  Scenario:      %s\n", c.Scenario.File))
	sb.WriteString(fmt.Sprintf("  T3/N3:         %dms / %d retries\n", c.Timing.T3TimerMs, c.Timing.N3Requests))
	sb.WriteString(fmt.Sprintf("  Dead-Call:     %dms\n", c.Timing.DeadCallWaitMs))
	sb.WriteString(fmt.Sprintf("  Rate:          %d sessions/s (max %d)\n", c.Load.RatePerSec, c.Load.MaxSessions))
	sb.WriteString(fmt.Sprintf("  IMSI Base:     %s\n", c.Load.ImsiBase))
	sb.WriteString(fmt.Sprintf("  TEID:          start %d (%s)\n", c.Teid.Start, c.Teid.Strategy))
	if c.Capture.File != "" {
		sb.WriteString(fmt.Sprintf("  Capture:       %s\n", c.Capture.File))
	}
	return sb.String()
}
