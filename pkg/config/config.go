// Package config loads the stash INI configuration file.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the settings read from the cache-server section of the
// configuration file. Every field is required; a missing file or a
// missing key is a fatal startup error.
type Config struct {
	CacheDir   string `mapstructure:"cache-dir"`
	Database   string `mapstructure:"database"`
	Hostname   string `mapstructure:"hostname"`
	ServerPort int    `mapstructure:"server-port"`
	DeployPort int    `mapstructure:"deploy-port"`
	Key        string `mapstructure:"key"`
}

var requiredKeys = []string{
	"cache-dir", "database", "hostname", "server-port", "deploy-port", "key",
}

// Load reads the INI configuration at path and validates that every
// required key in the cache-server section is present.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	section := v.Sub("cache-server")
	if section == nil {
		return nil, fmt.Errorf("config %s: missing [cache-server] section", path)
	}

	for _, key := range requiredKeys {
		if !section.IsSet(key) {
			return nil, fmt.Errorf("config %s: missing required key %q in [cache-server]", path, key)
		}
	}

	var cfg Config
	if err := section.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}
