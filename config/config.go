package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	DB struct {
		URL      string `mapstructure:"url"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Classifier struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"classifier"`
	Mailbox struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"mailbox"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Pipeline struct {
		Workers   int `mapstructure:"workers"`
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"pipeline"`
	Sweep struct {
		Interval   time.Duration `mapstructure:"interval"`
		PageSize   int           `mapstructure:"page_size"`
		StuckAfter time.Duration `mapstructure:"stuck_after"`
	} `mapstructure:"sweep"`
}

// Load reads configuration from config.yaml and the environment. Environment
// variables use the COMMFLOW_ prefix with underscores, e.g. COMMFLOW_DB_URL.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("commflow")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("db.max_conns", 8)
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.queue_size", 64)
	viper.SetDefault("sweep.interval", 30*time.Second)
	viper.SetDefault("sweep.page_size", 20)
	viper.SetDefault("sweep.stuck_after", 10*time.Minute)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.DB.URL == "" {
		return nil, fmt.Errorf("config: db.url is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("config: auth.jwt_secret is required")
	}

	return &cfg, nil
}
