package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Offline   OfflineConfig   `mapstructure:"offline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type UpstreamConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	HealthPath     string `mapstructure:"health_path"`
	RequestTimeout string `mapstructure:"request_timeout"`
	ProbeInterval  string `mapstructure:"probe_interval"`
}

func (u UpstreamConfig) GetRequestTimeout() time.Duration {
	d, err := time.ParseDuration(u.RequestTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

func (u UpstreamConfig) GetProbeInterval() time.Duration {
	d, err := time.ParseDuration(u.ProbeInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

type StorageConfig struct {
	FilePath  string `mapstructure:"file_path"`
	Retention string `mapstructure:"retention"`
}

func (s StorageConfig) GetRetention() time.Duration {
	d, err := time.ParseDuration(s.Retention)
	if err != nil {
		return 30 * 24 * time.Hour
	}
	return d
}

type OfflineConfig struct {
	// Path prefixes whose GET responses are cached locally. The local
	// partition a path maps onto is derived from the prefix itself.
	CacheablePaths []string `mapstructure:"cacheable_paths"`
	MaxRetries     int      `mapstructure:"max_retries"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("upstream.health_path", "/health")
	v.SetDefault("upstream.request_timeout", "10s")
	v.SetDefault("upstream.probe_interval", "30s")
	v.SetDefault("storage.file_path", "offline.db")
	v.SetDefault("storage.retention", "720h")
	v.SetDefault("offline.cacheable_paths", []string{"/api/v1/goals", "/api/v1/events", "/api/v1/moods", "/api/v1/users/me"})
	v.SetDefault("offline.max_retries", 3)
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 5m")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Upstream.BaseURL == "" {
		return nil, fmt.Errorf("upstream.base_url is required")
	}

	return &cfg, nil
}
