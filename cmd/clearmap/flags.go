package main

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ajitpratap0/clearmap/pkg/config"
)

const (
	envPrefix         = "CLEARMAP"
	defaultConfigPath = "config/clearmap.yaml"
)

var envKeyReplacer = strings.NewReplacer("-", "_", ".", "_")

// mustBindPFlag binds key to flag and panics on failure, which only happens
// when the flag does not exist.
func mustBindPFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic("failed to bind flag " + key + ": " + err.Error())
	}
}

// loadConfig reads the configuration file and lays explicit flags and
// CLEARMAP_* environment variables over it.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString("config")
	if path == "" {
		path = defaultConfigPath
	}

	cfg := config.Default()
	if err := config.Load(path, cfg); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if v.IsSet("fetch_size") {
		cfg.FetchSize = v.GetInt("fetch_size")
	}
	if v.IsSet("tippecanoe.path") {
		cfg.Tippecanoe.Path = v.GetString("tippecanoe.path")
	}
	if v.IsSet("output.dir") {
		cfg.Output.Dir = v.GetString("output.dir")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("metrics.addr") {
		cfg.Metrics.Addr = v.GetString("metrics.addr")
	}
	if v.IsSet("strict_exit_status") {
		cfg.StrictExitStatus = v.GetBool("strict_exit_status")
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}
