package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/syncroom/go/internal/dbconfig"
)

// Broker backends
const (
	BrokerNATS  = "nats"
	BrokerRedis = "redis"
	BrokerNone  = "none"
)

// Mirror backends
const (
	MirrorRedis    = "redis"
	MirrorNATS     = "nats"
	MirrorPostgres = "postgres"
	MirrorNone     = "none"
)

// Config is the process configuration. Values come from the YAML file first and are then
// overridden by environment variables.
type Config struct {
	Port           string        `yaml:"port"`
	InstanceID     string        `yaml:"instance_id"`
	Broker         string        `yaml:"broker"`
	NATSURL        string        `yaml:"nats_url"`
	RedisURL       string        `yaml:"redis_url"`
	BrokerPrefix   string        `yaml:"broker_prefix"`
	Mirror         string        `yaml:"mirror"`
	MirrorTTL      time.Duration `yaml:"mirror_ttl"`
	MirrorBucket   string        `yaml:"mirror_bucket"`
	UploadDir      string        `yaml:"upload_dir"`
	MaxUploadMB    int           `yaml:"max_upload_mb"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`

	Database dbconfig.Config `yaml:"-"`
}

// Default returns the built-in defaults.
func Default() Config {
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "syncroom"
	}
	return Config{
		Port:           "8080",
		InstanceID:     instance,
		Broker:         BrokerNATS,
		NATSURL:        "nats://localhost:4222",
		RedisURL:       "redis://localhost:6379/0",
		BrokerPrefix:   "syncroom",
		Mirror:         MirrorRedis,
		MirrorTTL:      time.Hour,
		MirrorBucket:   "SYNCROOM_ROOMS",
		UploadDir:      "static/uploads",
		MaxUploadMB:    50,
		AllowedOrigins: []string{"*"},
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load reads .env, the optional YAML file at CONFIG_PATH and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg := Default()
	path := getEnv("CONFIG_PATH", "config.yaml")
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.Database = dbconfig.NewConfigFromEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.InstanceID = getEnv("INSTANCE_ID", c.InstanceID)
	c.Broker = strings.ToLower(getEnv("BROKER", c.Broker))
	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.BrokerPrefix = getEnv("BROKER_PREFIX", c.BrokerPrefix)
	c.Mirror = strings.ToLower(getEnv("MIRROR", c.Mirror))
	c.MirrorTTL = getEnvAsDuration("MIRROR_TTL", c.MirrorTTL)
	c.MirrorBucket = getEnv("MIRROR_BUCKET", c.MirrorBucket)
	c.UploadDir = getEnv("UPLOAD_DIR", c.UploadDir)
	c.MaxUploadMB = getEnvAsInt("MAX_UPLOAD_MB", c.MaxUploadMB)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate rejects unknown backends and nonsensical limits.
func (c Config) Validate() error {
	switch c.Broker {
	case BrokerNATS, BrokerRedis, BrokerNone:
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}
	switch c.Mirror {
	case MirrorRedis, MirrorNATS, MirrorPostgres, MirrorNone:
	default:
		return fmt.Errorf("unknown mirror %q", c.Mirror)
	}
	if c.InstanceID == "" {
		return errors.New("instance id is required")
	}
	if c.MirrorTTL <= 0 {
		return fmt.Errorf("mirror ttl must be positive, got %s", c.MirrorTTL)
	}
	if c.MaxUploadMB < 0 {
		return fmt.Errorf("max upload must not be negative, got %d", c.MaxUploadMB)
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// SetupLogging configures the global zerolog logger.
func (c Config) SetupLogging() {
	if !strings.EqualFold(c.LogFormat, "json") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.With().Str("instance", c.InstanceID).Logger()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
