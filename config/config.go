// Package config binds command-line flags, NETSTACKS_* environment variables
// and an optional config file into a Config.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageRedis  StorageType = "redis"
)

// EnvPrefix prefixes every environment variable; flag dashes become
// underscores, so --redis-addr is NETSTACKS_REDIS_ADDR.
const EnvPrefix = "NETSTACKS"

// Flag names, also used as viper keys and config file keys.
const (
	FlagConfigFile     = "config-file"
	FlagStorage        = "storage"
	FlagRedisAddr      = "redis-addr"
	FlagRedisPassword  = "redis-password"
	FlagRedisDB        = "redis-db"
	FlagRunTTL         = "run-ttl"
	FlagHTTPPort       = "http-port"
	FlagLogLevel       = "log-level"
	FlagScriptTimeout  = "script-timeout"
	FlagWebhookTimeout = "webhook-timeout"
	FlagPingTimeout    = "ping-timeout"
	FlagMaxSteps       = "max-steps"
	FlagStepTypeTTL    = "step-type-ttl"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	StorageType    StorageType
	Redis          RedisConfig
	HTTPPort       int
	LogLevel       string
	ScriptTimeout  time.Duration
	WebhookTimeout time.Duration
	PingTimeout    time.Duration
	// MaxSteps bounds step executions per run; zero is unlimited.
	MaxSteps    int
	StepTypeTTL time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	RunTTL   time.Duration
}

// SetupFlags registers the persistent flags on cmd and binds them to v.
func SetupFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.PersistentFlags()
	flags.String(FlagConfigFile, "", "Path to config file.")
	flags.String(FlagStorage, string(StorageMemory), "storage backend: memory or redis")
	flags.String(FlagRedisAddr, "localhost:6379", "redis host:port")
	flags.String(FlagRedisPassword, "", "redis password")
	flags.Int(FlagRedisDB, 0, "redis database number")
	flags.Duration(FlagRunTTL, 0, "expiry of stored run results, 0 keeps them")
	flags.Int(FlagHTTPPort, 8080, "http port for rest endpoints")
	flags.String(FlagLogLevel, "info", "log level: debug, info, warn or error")
	flags.Duration(FlagScriptTimeout, 30*time.Second, "script step timeout")
	flags.Duration(FlagWebhookTimeout, 30*time.Second, "default webhook request timeout")
	flags.Duration(FlagPingTimeout, 2*time.Second, "default per-device ping timeout")
	flags.Int(FlagMaxSteps, 0, "maximum step executions per run, 0 is unlimited")
	flags.Duration(FlagStepTypeTTL, time.Minute, "custom step type cache ttl")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(flags)
}

// Load reads the optional config file named by --config-file and returns
// the merged configuration. Flags set on the command line win over the
// environment, which wins over the file.
func Load(v *viper.Viper) (Config, error) {
	if file := v.GetString(FlagConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	cfg := Config{
		StorageType: StorageType(strings.ToLower(v.GetString(FlagStorage))),
		Redis: RedisConfig{
			Addr:     v.GetString(FlagRedisAddr),
			Password: v.GetString(FlagRedisPassword),
			DB:       v.GetInt(FlagRedisDB),
			RunTTL:   v.GetDuration(FlagRunTTL),
		},
		HTTPPort:       v.GetInt(FlagHTTPPort),
		LogLevel:       v.GetString(FlagLogLevel),
		ScriptTimeout:  v.GetDuration(FlagScriptTimeout),
		WebhookTimeout: v.GetDuration(FlagWebhookTimeout),
		PingTimeout:    v.GetDuration(FlagPingTimeout),
		MaxSteps:       v.GetInt(FlagMaxSteps),
		StepTypeTTL:    v.GetDuration(FlagStepTypeTTL),
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	switch c.StorageType {
	case StorageMemory, StorageRedis:
	default:
		return fmt.Errorf("%w: storage %q", ErrInvalidConfig, c.StorageType)
	}
	if c.StorageType == StorageRedis && c.Redis.Addr == "" {
		return fmt.Errorf("%w: %s is required for redis storage", ErrInvalidConfig, FlagRedisAddr)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: %s %d", ErrInvalidConfig, FlagHTTPPort, c.HTTPPort)
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, FlagMaxSteps)
	}
	return nil
}
