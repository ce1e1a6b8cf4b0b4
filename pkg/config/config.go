// Package config holds the settings of one tunnel endpoint process. Settings
// come from CLI flags, optionally overlaid on an INI file.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/ini.v1"
)

// Historical defaults.
const (
	DefaultIops              = 10
	DefaultTimeSliceInterval = 10
	DefaultWorkspace         = "./_workspace"
	DefaultStore             = "fs"
)

// Config describes one endpoint process. ListenAddress only applies to the
// client side, TargetAddress only to the server side.
type Config struct {
	// Iops is the max filesystem operations per second for the whole
	// process.
	Iops int `ini:"iops" validate:"gt=0"`
	// TimeSliceInterval is the milliseconds between driver poll retries.
	TimeSliceInterval int `ini:"time_slice_interval" validate:"gte=1"`
	// Workspace is the path of the shared directory.
	Workspace string `ini:"workspace" validate:"required"`
	// Store selects the zone store driver.
	Store string `ini:"store" validate:"required"`
	// ProxyAddress is the logical address both tunnel sides agree on.
	ProxyAddress string `ini:"proxy_address" validate:"required"`
	// ListenAddress is the local TCP address the client side accepts on.
	ListenAddress string `ini:"listen_address"`
	// TargetAddress is the downstream TCP address the server side dials.
	TargetAddress string `ini:"target_address"`
}

// Default returns a config carrying the historical defaults; addresses must
// still be filled in.
func Default() *Config {
	return &Config{
		Iops:              DefaultIops,
		TimeSliceInterval: DefaultTimeSliceInterval,
		Workspace:         DefaultWorkspace,
		Store:             DefaultStore,
	}
}

// Load overlays the INI file at path on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if err := file.Section("").MapTo(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the shared settings. Side-specific addresses are checked
// by [ValidateClient] and [ValidateServer].
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// ValidateClient checks the settings a client-side process needs.
func (c *Config) ValidateClient() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ListenAddress == "" {
		return fmt.Errorf("client side requires listen_address")
	}
	return nil
}

// ValidateServer checks the settings a server-side process needs.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.TargetAddress == "" {
		return fmt.Errorf("server side requires target_address")
	}
	return nil
}

// TimeSlice returns the poll interval as a duration.
func (c *Config) TimeSlice() time.Duration {
	return time.Duration(c.TimeSliceInterval) * time.Millisecond
}
