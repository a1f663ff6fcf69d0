package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ajitpratap0/clearmap/pkg/models"
)

// Config is the complete configuration of a production run.
type Config struct {
	// Relations lists "<database>::<schema>::<table>" identifiers, streamed in order
	Relations []string `yaml:"relations" json:"relations"`
	// FetchSize is the number of rows read per cursor fetch
	FetchSize int `yaml:"fetch_size" json:"fetch_size"`
	// Connections holds connection parameters keyed by logical database name
	Connections map[string]ConnectionConfig `yaml:"connections" json:"connections"`
	// Tippecanoe configures the external tile builder
	Tippecanoe TippecanoeConfig `yaml:"tippecanoe" json:"tippecanoe"`
	// Output configures where artifacts are written
	Output OutputConfig `yaml:"output" json:"output"`
	// Jobs lists the job keys to build, one artifact each
	Jobs []string `yaml:"jobs" json:"jobs"`
	// Retry bounds whole-job retries
	Retry RetryConfig `yaml:"retry" json:"retry"`
	// StrictExitStatus fails a job whose tile builder exits non-zero instead of publishing its output
	StrictExitStatus bool `yaml:"strict_exit_status" json:"strict_exit_status"`
	// ComputedColumns maps a table name to the computed geometry columns selected for it (area, length)
	ComputedColumns map[string][]string `yaml:"computed_columns" json:"computed_columns"`
	// Modify configures the per-feature mutation hook
	Modify ModifyConfig `yaml:"modify" json:"modify"`
	// Publish configures optional artifact upload after finalization
	Publish PublishConfig `yaml:"publish" json:"publish"`

	Log     LogConfig     `yaml:"log" json:"log"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// ConnectionConfig holds the connection parameters of one database. The
// database name itself is the logical name used in relation identifiers.
type ConnectionConfig struct {
	Host     string        `yaml:"host" json:"host"`
	Port     int           `yaml:"port" json:"port"`
	User     string        `yaml:"user" json:"user"`
	Password string        `yaml:"password" json:"password"`
	SSLMode  string        `yaml:"sslmode" json:"sslmode"`
	MaxConns int32         `yaml:"max_conns" json:"max_conns"`
	IdleTime time.Duration `yaml:"idle_time" json:"idle_time"`
}

// TippecanoeConfig configures the tile builder process.
type TippecanoeConfig struct {
	Path string `yaml:"path" json:"path"`
	// Args replaces the default argument list as a whole; --output is always appended
	Args []string `yaml:"args" json:"args"`
	// HighWaterMark is the number of buffered input bytes at which producers must wait
	HighWaterMark int `yaml:"high_water_mark" json:"high_water_mark"`
}

// OutputConfig configures artifact paths.
type OutputConfig struct {
	Dir       string `yaml:"dir" json:"dir"`
	Extension string `yaml:"extension" json:"extension"`
}

// RetryConfig bounds job retries. MaxRetries counts retries after the first
// attempt.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	Delay      time.Duration `yaml:"delay" json:"delay"`
}

// ModifyConfig drives the rule-based feature modifier.
type ModifyConfig struct {
	// DropProperties are removed from every feature
	DropProperties []string `yaml:"drop_properties" json:"drop_properties"`
	// Layers maps a table name to its tile layer; unmapped tables use the table name
	Layers map[string]string `yaml:"layers" json:"layers"`
	// Zoom maps a table name to the zoom range its features are kept in
	Zoom map[string]ZoomRange `yaml:"zoom" json:"zoom"`
}

// ZoomRange restricts a feature to a range of zoom levels.
type ZoomRange struct {
	Min *int `yaml:"min" json:"min"`
	Max *int `yaml:"max" json:"max"`
}

// PublishConfig configures artifact upload.
type PublishConfig struct {
	S3 S3Config `yaml:"s3" json:"s3"`
}

// S3Config configures upload of finished artifacts to S3. Empty Bucket
// disables publishing.
type S3Config struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Region string `yaml:"region" json:"region"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level    string        `yaml:"level" json:"level"`
	Encoding string        `yaml:"encoding" json:"encoding"`
	File     LogFileConfig `yaml:"file" json:"file"`
}

// LogFileConfig configures the rotated log file. Empty Path disables it.
type LogFileConfig struct {
	Path       string `yaml:"path" json:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// TracingConfig configures OpenTelemetry tracing to stdout.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Default returns a configuration with production defaults. Load decodes on
// top of it, so fields absent from the file keep these values.
func Default() *Config {
	return &Config{
		FetchSize:   1000,
		Connections: make(map[string]ConnectionConfig),
		Tippecanoe: TippecanoeConfig{
			Path:          "tippecanoe",
			HighWaterMark: 16 * 1024,
		},
		Output: OutputConfig{
			Dir:       "pmtiles",
			Extension: "pmtiles",
		},
		Jobs: []string{"0-0-0"},
		ComputedColumns: map[string][]string{
			"unmap_wbya10_a": {"area", "length"},
			"unmap_dral10_l": {"length"},
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Delay:      time.Second,
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
			File: LogFileConfig{
				MaxSizeMB:  20,
				MaxAgeDays: 14,
			},
		},
	}
}

// ApplyDefaults fills zero values that Default would have set, for
// configurations built without Default.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.FetchSize == 0 {
		c.FetchSize = d.FetchSize
	}
	if c.Tippecanoe.Path == "" {
		c.Tippecanoe.Path = d.Tippecanoe.Path
	}
	if c.Tippecanoe.HighWaterMark == 0 {
		c.Tippecanoe.HighWaterMark = d.Tippecanoe.HighWaterMark
	}
	if c.Output.Extension == "" {
		c.Output.Extension = d.Output.Extension
	}
	if len(c.Jobs) == 0 {
		c.Jobs = d.Jobs
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	for name, conn := range c.Connections {
		if conn.Port == 0 {
			conn.Port = 5432
		}
		if conn.MaxConns == 0 {
			conn.MaxConns = 4
		}
		c.Connections[name] = conn
	}
}

// Validate checks the configuration for errors that would otherwise surface
// in the middle of a run.
func (c *Config) Validate() error {
	if len(c.Relations) == 0 {
		return fmt.Errorf("at least one relation is required")
	}
	rels, err := models.ParseRelations(c.Relations)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if _, ok := c.Connections[rel.Database]; !ok {
			return fmt.Errorf("relation %s: no connection configured for database %q", rel, rel.Database)
		}
	}
	if c.FetchSize <= 0 {
		return fmt.Errorf("fetch_size must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries cannot be negative")
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay cannot be negative")
	}
	if strings.TrimSpace(c.Output.Dir) == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Tippecanoe.Path == "" {
		return fmt.Errorf("tippecanoe.path is required")
	}
	if c.Tippecanoe.HighWaterMark <= 0 {
		return fmt.Errorf("tippecanoe.high_water_mark must be positive")
	}
	for _, key := range c.Jobs {
		if key == "" || strings.ContainsAny(key, `/\`) {
			return fmt.Errorf("invalid job key %q", key)
		}
	}
	for table, kinds := range c.ComputedColumns {
		for _, kind := range kinds {
			if kind != "area" && kind != "length" {
				return fmt.Errorf("computed_columns.%s: unknown kind %q", table, kind)
			}
		}
	}
	return nil
}

// ParsedRelations returns the configured relations, parsed.
func (c *Config) ParsedRelations() ([]models.Relation, error) {
	return models.ParseRelations(c.Relations)
}
