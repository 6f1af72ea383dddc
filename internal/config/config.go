package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "SYNCBRIDGE"

	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "syncbridge.db"
	defaultLogLevel           = "info"
	defaultReplicaTimeout     = 15 * time.Second
	defaultQueueInterval      = time.Minute
	defaultQueueBatchSize     = 50
	defaultQueueMaxAttempts   = 10
	defaultQueueRetentionDays = 7
	defaultPollerInterval     = time.Hour
	defaultPollerLookback     = 24 * time.Hour
	defaultPollerMaxRecords   = 500
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string

	ReplicaBaseURL string
	ReplicaAPIKey  string
	ReplicaTimeout time.Duration

	QueueInterval      time.Duration
	QueueBatchSize     int
	QueueMaxAttempts   int
	QueueRetentionDays int

	PollerEnabled    bool
	PollerInterval   time.Duration
	PollerLookback   time.Duration
	PollerMaxRecords int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("replica.timeout", defaultReplicaTimeout)
	configViper.SetDefault("queue.interval", defaultQueueInterval)
	configViper.SetDefault("queue.batch_size", defaultQueueBatchSize)
	configViper.SetDefault("queue.max_attempts", defaultQueueMaxAttempts)
	configViper.SetDefault("queue.retention_days", defaultQueueRetentionDays)
	configViper.SetDefault("poller.enabled", true)
	configViper.SetDefault("poller.interval", defaultPollerInterval)
	configViper.SetDefault("poller.lookback", defaultPollerLookback)
	configViper.SetDefault("poller.max_records", defaultPollerMaxRecords)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		ReplicaBaseURL:     configViper.GetString("replica.base_url"),
		ReplicaAPIKey:      configViper.GetString("replica.api_key"),
		ReplicaTimeout:     configViper.GetDuration("replica.timeout"),
		QueueInterval:      configViper.GetDuration("queue.interval"),
		QueueBatchSize:     configViper.GetInt("queue.batch_size"),
		QueueMaxAttempts:   configViper.GetInt("queue.max_attempts"),
		QueueRetentionDays: configViper.GetInt("queue.retention_days"),
		PollerEnabled:      configViper.GetBool("poller.enabled"),
		PollerInterval:     configViper.GetDuration("poller.interval"),
		PollerLookback:     configViper.GetDuration("poller.lookback"),
		PollerMaxRecords:   configViper.GetInt("poller.max_records"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.ReplicaBaseURL) == "" {
		return fmt.Errorf("replica.base_url is required")
	}
	if c.QueueBatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be positive")
	}
	if c.QueueMaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.PollerMaxRecords <= 0 {
		return fmt.Errorf("poller.max_records must be positive")
	}
	return nil
}
