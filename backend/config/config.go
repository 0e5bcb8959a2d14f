package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Store struct {
		// Driver is "memory" or "mysql".
		Driver    string `mapstructure:"driver"`
		Retention int    `mapstructure:"retention"`
	} `mapstructure:"store"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queue_size"`
		Workers     int           `mapstructure:"workers"`
		MaxInFlight int           `mapstructure:"max_in_flight"`
		MaxRetry    int           `mapstructure:"max_retry"`
		BaseBackoff time.Duration `mapstructure:"base_backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret    string        `mapstructure:"secret"`
		AccessTTL time.Duration `mapstructure:"access_ttl"`
	} `mapstructure:"auth"`
	Cors struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"cors"`
	Client struct {
		BaseURL           string        `mapstructure:"base_url"`
		Token             string        `mapstructure:"token"`
		Document          string        `mapstructure:"document"`
		Role              string        `mapstructure:"role"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		Debounce          time.Duration `mapstructure:"debounce"`
		SavedDisplay      time.Duration `mapstructure:"saved_display"`
		ActivityLimit     int           `mapstructure:"activity_limit"`
	} `mapstructure:"client"`
	Log struct {
		Level string `mapstructure:"level"`
		// Sink is empty for stderr or "file:/path".
		Sink string `mapstructure:"sink"`
	} `mapstructure:"log"`
}

// New returns a viper instance with defaults, the search paths for
// collab.yaml and COLLAB_* environment overrides. A non-empty path reads
// that file instead of searching.
func New(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collab")
		v.SetConfigType("yaml")
		// works from the repository root or from backend/
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("running.port", 8090)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.retention", 1024)
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "collab-session-events")
	v.SetDefault("kafka.queue_size", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.max_in_flight", 100)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("kafka.base_backoff", 50*time.Millisecond)
	v.SetDefault("kafka.max_backoff", time.Second)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.access_ttl", 24*time.Hour)
	v.SetDefault("cors.enabled", false)
	v.SetDefault("client.base_url", "http://127.0.0.1:8090")
	v.SetDefault("client.token", "")
	v.SetDefault("client.document", "")
	v.SetDefault("client.role", "editor")
	v.SetDefault("client.heartbeat_interval", 20*time.Second)
	v.SetDefault("client.poll_interval", 2500*time.Millisecond)
	v.SetDefault("client.debounce", 800*time.Millisecond)
	v.SetDefault("client.saved_display", 1500*time.Millisecond)
	v.SetDefault("client.activity_limit", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.sink", "")
	return v
}

// Load reads the config file if one is found and decodes v into a Config.
// A missing file is not an error when no explicit path was given.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
