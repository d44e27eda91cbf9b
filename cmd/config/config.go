// Package config loads environment-variable defaults shared by the demo
// server and client binaries.
package config

import "github.com/kelseyhightower/envconfig"

// Config holds the SHMIPC_*-prefixed environment defaults. Command-line
// flags in cmd/server and cmd/client take these as their default values
// and may still override them at invocation time.
type Config struct {
	RootDir string `envconfig:"ROOT_DIR" default:"/tmp/shmipc"`
	Channel string `envconfig:"CHANNEL" default:"demo"`
	Debug   bool   `envconfig:"DEBUG" default:"false"`
}

// Load reads SHMIPC_ROOT_DIR, SHMIPC_CHANNEL, SHMIPC_DEBUG from the
// environment, falling back to their struct tag defaults.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("shmipc", &c); err != nil {
		return nil, err
	}
	return &c, nil
}
