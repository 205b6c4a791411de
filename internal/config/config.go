// Package config provides Viper-based configuration loading for the room coordinator.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
)

// Driver names accepted by the coordinator section.
const (
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// ServerConfig holds top-level server settings.
type ServerConfig struct {
	// InstanceID names this coordinator process. It becomes the event log
	// consumer group so every instance receives every event.
	InstanceID string `mapstructure:"instance_id"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
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

// RedisConfig holds the event log connection and stream layout.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// StreamPrefix names the partition streams, "<prefix>:<n>".
	StreamPrefix string `mapstructure:"stream_prefix"`
	// Partitions is the number of streams rooms are hashed across. Changing it
	// reorders in-flight rooms, so it is fixed for a deployment.
	Partitions int `mapstructure:"partitions"`
	// ConsumerGroup overrides the per-instance group name. Empty uses
	// "<stream_prefix>-<instance_id>".
	ConsumerGroup string        `mapstructure:"consumer_group"`
	Block         time.Duration `mapstructure:"block"`
	MaxLen        int64         `mapstructure:"max_len"`
}

// Group returns the consumer group this instance reads with.
func (r RedisConfig) Group(instanceID string) string {
	if r.ConsumerGroup != "" {
		return r.ConsumerGroup
	}
	return r.StreamPrefix + "-" + instanceID
}

// GatewayConfig holds client transport settings.
type GatewayConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
	WSHost   string `mapstructure:"ws_host"`
	WSPort   int    `mapstructure:"ws_port"`
	// JWTSecret verifies HS256 session tokens issued by the auth service.
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
	// SendBuffer is the per-connection outbound frame queue.
	SendBuffer int `mapstructure:"send_buffer"`
	// DedupWindow is how many recent event ids fan-out remembers.
	DedupWindow    int      `mapstructure:"dedup_window"`
	OriginPatterns []string `mapstructure:"origin_patterns"`
}

// GRPCAddr returns the "host:port" gRPC listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GatewayConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", g.GRPCHost, g.GRPCPort)
}

// WSAddr returns the "host:port" WebSocket listen address.
func (g GatewayConfig) WSAddr() string {
	return fmt.Sprintf("%s:%d", g.WSHost, g.WSPort)
}

// AdminConfig holds the operator HTTP API settings.
type AdminConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Token, when set, must be presented as a bearer token.
	Token string `mapstructure:"token"`
}

// Addr returns the "host:port" listen address.
func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// CoordinatorConfig tunes the command pipeline and its background workers.
type CoordinatorConfig struct {
	// StoreDriver selects the room store: "postgres" or "memory".
	StoreDriver string `mapstructure:"store_driver"`
	// EventLogDriver selects the event log: "redis" or "memory".
	EventLogDriver  string        `mapstructure:"event_log_driver"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
	RetryInitial    time.Duration `mapstructure:"retry_initial"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
	ChatConfigTTL   time.Duration `mapstructure:"chat_config_ttl"`
	RelayInterval   time.Duration `mapstructure:"relay_interval"`
	// RelayMinAge keeps the relay away from events the pipeline is still publishing.
	RelayMinAge time.Duration `mapstructure:"relay_min_age"`
	// InGameDisconnect is "retain" or "forfeit".
	InGameDisconnect string `mapstructure:"in_game_disconnect"`
}

// RulesConfig locates the game rules catalog.
type RulesConfig struct {
	// CatalogPath is a YAML catalog of scripted game types. Empty registers
	// only the freeplay builtin.
	CatalogPath string `mapstructure:"catalog_path"`
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Chat        chat.Config       `mapstructure:"chat"`
	Rules       RulesConfig       `mapstructure:"rules"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if c.Server.InstanceID == "" {
		errs = append(errs, "server.instance_id must not be empty")
	}
	if c.Coordinator.StoreDriver == DriverPostgres {
		if err := validateDatabase(c.Database); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.Coordinator.EventLogDriver == DriverRedis {
		if err := validateRedis(c.Redis); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if err := validateGateway(c.Gateway); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validatePort("admin.port", c.Admin.Port); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateCoordinator(c.Coordinator); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.Chat.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", name, port)
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if err := validatePort("database.port", d.Port); err != nil {
		errs = append(errs, err.Error())
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

func validateRedis(r RedisConfig) error {
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if r.StreamPrefix == "" {
		errs = append(errs, "redis.stream_prefix must not be empty")
	}
	if r.Partitions < 1 {
		errs = append(errs, fmt.Sprintf("redis.partitions must be >= 1, got %d", r.Partitions))
	}
	if r.Block <= 0 {
		errs = append(errs, "redis.block must be positive")
	}
	if r.MaxLen < 0 {
		errs = append(errs, "redis.max_len must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGateway(g GatewayConfig) error {
	var errs []string
	if g.GRPCHost == "" {
		errs = append(errs, "gateway.grpc_host must not be empty")
	}
	if err := validatePort("gateway.grpc_port", g.GRPCPort); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validatePort("gateway.ws_port", g.WSPort); err != nil {
		errs = append(errs, err.Error())
	}
	if g.GRPCPort == g.WSPort && g.GRPCHost == g.WSHost {
		errs = append(errs, "gateway.grpc_port and gateway.ws_port must differ")
	}
	if g.JWTSecret == "" {
		errs = append(errs, "gateway.jwt_secret must not be empty")
	}
	if g.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("gateway.send_buffer must be >= 1, got %d", g.SendBuffer))
	}
	if g.DedupWindow < 0 {
		errs = append(errs, "gateway.dedup_window must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateCoordinator(c CoordinatorConfig) error {
	var errs []string
	if c.StoreDriver != DriverPostgres && c.StoreDriver != DriverMemory {
		errs = append(errs, fmt.Sprintf("coordinator.store_driver must be one of [postgres, memory], got %q", c.StoreDriver))
	}
	if c.EventLogDriver != DriverRedis && c.EventLogDriver != DriverMemory {
		errs = append(errs, fmt.Sprintf("coordinator.event_log_driver must be one of [redis, memory], got %q", c.EventLogDriver))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"coordinator.grace_period", c.GracePeriod},
		{"coordinator.sweep_interval", c.SweepInterval},
		{"coordinator.store_timeout", c.StoreTimeout},
		{"coordinator.retry_initial", c.RetryInitial},
		{"coordinator.retry_max_elapsed", c.RetryMaxElapsed},
		{"coordinator.chat_config_ttl", c.ChatConfigTTL},
		{"coordinator.relay_interval", c.RelayInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, d.name+" must be positive")
		}
	}
	if c.RelayMinAge < 0 {
		errs = append(errs, "coordinator.relay_min_age must not be negative")
	}
	if c.RetryInitial > c.RetryMaxElapsed {
		errs = append(errs, "coordinator.retry_initial must not exceed coordinator.retry_max_elapsed")
	}
	if c.InGameDisconnect != "retain" && c.InGameDisconnect != "forfeit" {
		errs = append(errs, fmt.Sprintf("coordinator.in_game_disconnect must be one of [retain, forfeit], got %q", c.InGameDisconnect))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
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
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with GAMEROOM_ environment overrides and
// every default applied, ready for a config file or direct Set calls.
func NewViper() *viper.Viper {
	v := viper.New()
	// GAMEROOM_GATEWAY_JWT_SECRET overrides gateway.jwt_secret.
	v.SetEnvPrefix("GAMEROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
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
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.instance_id", "coordinator-1")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gameroom")
	v.SetDefault("database.password", "gameroom")
	v.SetDefault("database.name", "gameroom")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream_prefix", "gameroom:events")
	v.SetDefault("redis.partitions", 16)
	v.SetDefault("redis.consumer_group", "")
	v.SetDefault("redis.block", "2s")
	v.SetDefault("redis.max_len", 100000)

	v.SetDefault("gateway.grpc_host", "0.0.0.0")
	v.SetDefault("gateway.grpc_port", 50051)
	v.SetDefault("gateway.ws_host", "0.0.0.0")
	v.SetDefault("gateway.ws_port", 8080)
	v.SetDefault("gateway.jwt_secret", "")
	v.SetDefault("gateway.jwt_issuer", "")
	v.SetDefault("gateway.send_buffer", 64)
	v.SetDefault("gateway.dedup_window", 4096)
	v.SetDefault("gateway.origin_patterns", []string{})

	v.SetDefault("admin.host", "127.0.0.1")
	v.SetDefault("admin.port", 8081)
	v.SetDefault("admin.token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("coordinator.store_driver", DriverPostgres)
	v.SetDefault("coordinator.event_log_driver", DriverRedis)
	v.SetDefault("coordinator.grace_period", "30s")
	v.SetDefault("coordinator.sweep_interval", "1s")
	v.SetDefault("coordinator.store_timeout", "2s")
	v.SetDefault("coordinator.retry_initial", "50ms")
	v.SetDefault("coordinator.retry_max_elapsed", "5s")
	v.SetDefault("coordinator.chat_config_ttl", "30s")
	v.SetDefault("coordinator.relay_interval", "5s")
	v.SetDefault("coordinator.relay_min_age", "10s")
	v.SetDefault("coordinator.in_game_disconnect", "retain")

	def := chat.DefaultConfig()
	v.SetDefault("chat.rate_limit_messages", def.RateLimitMessages)
	v.SetDefault("chat.window_seconds", def.WindowSeconds)
	v.SetDefault("chat.max_message_length", def.MaxMessageLength)
	v.SetDefault("chat.profanity_enabled", def.ProfanityEnabled)
	v.SetDefault("chat.word_list", []string{})
	v.SetDefault("chat.global_mute_enabled", def.GlobalMuteEnabled)

	v.SetDefault("rules.catalog_path", "")
}
