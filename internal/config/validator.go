package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	switch c.Node.Type {
	case "mme", "sgw", "pgw":
	default:
		errs = append(errs, fmt.Sprintf("node.type must be one of mme/sgw/pgw, got %q", c.Node.Type))
	}

	if net.ParseIP(c.Node.Address) == nil {
		errs = append(errs, fmt.Sprintf("node.address must be a valid IP address, got %q", c.Node.Address))
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		errs = append(errs, fmt.Sprintf("node.port must be between 1 and 65535, got %d", c.Node.Port))
	}

	if net.ParseIP(c.Remote.Address) == nil {
		errs = append(errs, fmt.Sprintf("remote.address must be a valid IP address, got %q", c.Remote.Address))
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		errs = append(errs, fmt.Sprintf("remote.port must be between 1 and 65535, got %d", c.Remote.Port))
	}

	if c.Scenario.File == "" {
		errs = append(errs, "scenario.file must be specified")
	} else if _, err := os.Stat(c.Scenario.File); os.IsNotExist(err) {
		errs = append(errs, fmt.Sprintf("scenario file not found: %s", c.Scenario.File))
	}

	if c.Timing.T3TimerMs <= 0 {
		errs = append(errs, "timing.t3_timer_ms must be > 0")
	}
	if c.Timing.N3Requests < 0 {
		errs = append(errs, "timing.n3_requests must be >= 0")
	}
	if c.Timing.DeadCallWaitMs < 0 {
		errs = append(errs, "timing.dead_call_wait_ms must be >= 0")
	}
	if c.Timing.TickMs <= 0 {
		errs = append(errs, "timing.tick_ms must be > 0")
	}

	if len(c.Load.ImsiBase) != 15 {
		errs = append(errs, fmt.Sprintf("load.imsi_base must be 15 digits, got %q", c.Load.ImsiBase))
	}

	if c.Teid.Strategy != "sequential" && c.Teid.Strategy != "random" {
		errs = append(errs, fmt.Sprintf("teid.strategy must be 'sequential' or 'random', got %q", c.Teid.Strategy))
	}
	if c.Teid.Start == 0 {
		errs = append(errs, "teid.start must be > 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "trace": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of trace/debug/info/warn/error, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
