// Package config provides Viper-based configuration loading for the game server.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds process-wide server settings.
type ServerConfig struct {
	// Name identifies this server process in logs and health checks.
	Name string `mapstructure:"name"`
}

// InstanceConfig describes one independently bindable server endpoint.
type InstanceConfig struct {
	// Host is the bind address for the reliable-UDP endpoint.
	Host string `mapstructure:"host"`
	// Port is the UDP port for the endpoint.
	Port int `mapstructure:"port"`
	// MaxSessions caps the number of concurrently connected peers.
	MaxSessions int `mapstructure:"max_sessions"`
}

// Addr returns the "host:port" bind address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (i InstanceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// TransportConfig holds reliable-UDP host tuning shared by all instances.
type TransportConfig struct {
	// PollTimeout bounds each service poll; shutdown latency is at most one timeout.
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	// ChannelLimit is the number of ENet channels allocated per peer.
	ChannelLimit int `mapstructure:"channel_limit"`
	// IncomingBandwidth in bytes per second; 0 means unlimited.
	IncomingBandwidth int `mapstructure:"incoming_bandwidth"`
	// OutgoingBandwidth in bytes per second; 0 means unlimited.
	OutgoingBandwidth int `mapstructure:"outgoing_bandwidth"`
	// Compress enables the range-coder packet compression clients expect.
	Compress bool `mapstructure:"compress"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// Enabled toggles the storage collaborator. A disabled database skips
	// session prerequisite loading at boot.
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// ContentConfig locates the static content loaded at boot.
type ContentConfig struct {
	// ItemsDir holds the item catalog YAML definitions.
	ItemsDir string `mapstructure:"items_dir"`
	// EventsDir holds Lua event scripts; empty disables scripting.
	EventsDir string `mapstructure:"events_dir"`
	// ScriptInstructionLimit caps the opcodes a single script handler may run.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
}

// AdminConfig holds the auxiliary listener settings.
type AdminConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	HTTPHost string `mapstructure:"http_host"`
	HTTPPort int    `mapstructure:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port"`
	// HealthInterval is how often instance health is republished.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// HTTPAddr returns the "host:port" address of the admin HTTP listener.
func (a AdminConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", a.HTTPHost, a.HTTPPort)
}

// GRPCAddr returns the "host:port" address of the gRPC health listener.
func (a AdminConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", a.HTTPHost, a.GRPCPort)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Instances []InstanceConfig `mapstructure:"instances"`
	Transport TransportConfig  `mapstructure:"transport"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Content   ContentConfig    `mapstructure:"content"`
	Admin     AdminConfig      `mapstructure:"admin"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateInstances(c.Instances); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTransport(c.Transport); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Database.Enabled {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateContent(c.Content); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Admin.Enabled {
		if err := validateAdmin(c.Admin); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Name == "" {
		return errors.New("server.name must not be empty")
	}
	return nil
}

func validateInstances(instances []InstanceConfig) error {
	if len(instances) == 0 {
		return errors.New("instances must contain at least one entry")
	}
	var errs []string
	seen := make(map[string]int, len(instances))
	for i, inst := range instances {
		if inst.Host == "" {
			errs = append(errs, fmt.Sprintf("instances[%d].host must not be empty", i))
		}
		if inst.Port < 1 || inst.Port > 65535 {
			errs = append(errs, fmt.Sprintf("instances[%d].port must be 1-65535, got %d", i, inst.Port))
		}
		if inst.MaxSessions < 1 || inst.MaxSessions > 4095 {
			errs = append(errs, fmt.Sprintf("instances[%d].max_sessions must be 1-4095, got %d", i, inst.MaxSessions))
		}
		if prev, dup := seen[inst.Addr()]; dup {
			errs = append(errs, fmt.Sprintf("instances[%d] duplicates the address of instances[%d]", i, prev))
		}
		seen[inst.Addr()] = i
	}
	if len(instances) > 256 {
		errs = append(errs, fmt.Sprintf("at most 256 instances are supported, got %d", len(instances)))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTransport(t TransportConfig) error {
	var errs []string
	if t.PollTimeout <= 0 {
		errs = append(errs, "transport.poll_timeout must be positive")
	}
	if t.ChannelLimit < 1 || t.ChannelLimit > 255 {
		errs = append(errs, fmt.Sprintf("transport.channel_limit must be 1-255, got %d", t.ChannelLimit))
	}
	if t.IncomingBandwidth < 0 {
		errs = append(errs, "transport.incoming_bandwidth must not be negative")
	}
	if t.OutgoingBandwidth < 0 {
		errs = append(errs, "transport.outgoing_bandwidth must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateContent(c ContentConfig) error {
	if c.ScriptInstructionLimit < 0 {
		return fmt.Errorf("content.script_instruction_limit must be >= 0, got %d", c.ScriptInstructionLimit)
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	var errs []string
	if a.HTTPPort < 1 || a.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.http_port must be 1-65535, got %d", a.HTTPPort))
	}
	if a.GRPCPort < 1 || a.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("admin.grpc_port must be 1-65535, got %d", a.GRPCPort))
	}
	if a.HTTPPort == a.GRPCPort {
		errs = append(errs, "admin.http_port and admin.grpc_port must differ")
	}
	if a.HealthInterval <= 0 {
		errs = append(errs, "admin.health_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with GTSERVER_ prefix
	v.SetEnvPrefix("GTSERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	for i := range cfg.Instances {
		if cfg.Instances[i].MaxSessions == 0 {
			cfg.Instances[i].MaxSessions = DefaultMaxSessions
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultMaxSessions is applied to instances that omit max_sessions.
const DefaultMaxSessions = 1024

// SetDefaults installs the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.name", "gtserver")

	v.SetDefault("instances", []map[string]any{
		{"host": "0.0.0.0", "port": 17091, "max_sessions": DefaultMaxSessions},
	})

	v.SetDefault("transport.poll_timeout", "1s")
	v.SetDefault("transport.channel_limit", 2)
	v.SetDefault("transport.incoming_bandwidth", 0)
	v.SetDefault("transport.outgoing_bandwidth", 0)
	v.SetDefault("transport.compress", true)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gtserver")
	v.SetDefault("database.password", "gtserver")
	v.SetDefault("database.name", "gtserver")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("content.items_dir", "content/items")
	v.SetDefault("content.events_dir", "content/events")
	v.SetDefault("content.script_instruction_limit", 100000)

	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.http_host", "127.0.0.1")
	v.SetDefault("admin.http_port", 8090)
	v.SetDefault("admin.grpc_port", 8091)
	v.SetDefault("admin.health_interval", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
