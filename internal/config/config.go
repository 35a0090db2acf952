package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"bulkflow/internal/channel"
	"bulkflow/internal/recovery"
)

type Config struct {
	Addr         string
	DBPath       string
	Workers      int
	Poll         time.Duration
	LockLifetime time.Duration
	SweepCron    string
	ChannelsFile string
	LogLevel     string
}

// Load reads .env (if present) and BULKFLOW_* variables over the defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:         getenv("BULKFLOW_ADDR", ":8080"),
		DBPath:       getenv("BULKFLOW_DB", "bulkflow.db"),
		SweepCron:    getenv("BULKFLOW_SWEEP_CRON", "*/5 * * * *"),
		ChannelsFile: getenv("BULKFLOW_CHANNELS", ""),
		LogLevel:     getenv("BULKFLOW_LOG_LEVEL", "info"),
	}
	var err error
	if cfg.Workers, err = strconv.Atoi(getenv("BULKFLOW_WORKERS", "4")); err != nil {
		return cfg, fmt.Errorf("BULKFLOW_WORKERS: %w", err)
	}
	if cfg.Poll, err = time.ParseDuration(getenv("BULKFLOW_POLL", "250ms")); err != nil {
		return cfg, fmt.Errorf("BULKFLOW_POLL: %w", err)
	}
	if cfg.LockLifetime, err = time.ParseDuration(getenv("BULKFLOW_LOCK_LIFETIME", "30m")); err != nil {
		return cfg, fmt.Errorf("BULKFLOW_LOCK_LIFETIME: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if c.Workers < 1 {
		problems = append(problems, "workers must be >= 1")
	}
	if c.Poll <= 0 {
		problems = append(problems, "poll interval must be > 0")
	}
	if c.LockLifetime <= 0 {
		problems = append(problems, "lock lifetime must be > 0")
	}
	if err := recovery.ValidateCronExpression(c.SweepCron); err != nil {
		problems = append(problems, "sweep cron: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

type channelsFile struct {
	Channels []channel.Definition `yaml:"channels"`
}

// DefaultChannels is used when no channel file is configured: a single shared
// channel that logs instead of sending.
var DefaultChannels = []channel.Definition{{ID: "log", Kind: channel.KindLog}}

// LoadChannels parses channel definitions from a YAML file.
func LoadChannels(path string) ([]channel.Definition, error) {
	if path == "" {
		return DefaultChannels, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels: %w", err)
	}
	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channels %s: %w", path, err)
	}
	if len(f.Channels) == 0 {
		return nil, fmt.Errorf("channels %s: no channels defined", path)
	}
	for i := range f.Channels {
		d := &f.Channels[i]
		d.Password = os.ExpandEnv(d.Password)
		for k, v := range d.Headers {
			d.Headers[k] = os.ExpandEnv(v)
		}
	}
	return f.Channels, nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
