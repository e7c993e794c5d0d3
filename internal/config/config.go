// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverRedis    = "redis"
)

type Relay struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type Keyserver struct {
	URL string `yaml:"url"`
}

type Storage struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Database string `yaml:"database"`
}

type Sync struct {
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type Protocol struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	SubscriptionTTL time.Duration `yaml:"subscription_ttl"`
	LateWindow      time.Duration `yaml:"late_window"`
}

type Scheduler struct {
	Interval         time.Duration `yaml:"interval"`
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
}

type Keystore struct {
	// PassphraseEnv names the environment variable holding the keystore passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
	// JWTKeyEnv names the environment variable holding the HS256 API key; empty disables auth.
	JWTKeyEnv string `yaml:"jwt_key_env"`
}

type GRPC struct {
	HealthAddr string `yaml:"health_addr"`
	Reflection bool   `yaml:"reflection"`
}

type Log struct {
	Development bool `yaml:"development"`
}

// Config is the full daemon configuration.
type Config struct {
	Relay     Relay     `yaml:"relay"`
	Keyserver Keyserver `yaml:"keyserver"`
	Storage   Storage   `yaml:"storage"`
	Sync      Sync      `yaml:"sync"`
	Protocol  Protocol  `yaml:"protocol"`
	Scheduler Scheduler `yaml:"scheduler"`
	Keystore  Keystore  `yaml:"keystore"`
	HTTP      HTTP      `yaml:"http"`
	GRPC      GRPC      `yaml:"grpc"`
	Log       Log       `yaml:"log"`
	DeviceID  string    `yaml:"device_id"`
}

// Default returns a configuration for a single in-memory install.
func Default() Config {
	return Config{
		Relay:     Relay{DialTimeout: 10 * time.Second},
		Storage:   Storage{Driver: DriverMemory, Database: "notify"},
		Sync:      Sync{Driver: DriverMemory, FlushInterval: 5 * time.Second},
		Protocol:  Protocol{RequestTimeout: 30 * time.Second, SubscriptionTTL: 30 * 24 * time.Hour, LateWindow: 10 * time.Minute},
		Scheduler: Scheduler{Interval: time.Hour, FailureThreshold: 3, FailureWindow: 10 * time.Minute},
		Keystore:  Keystore{PassphraseEnv: "NOTIFY_KEYSTORE_PASSPHRASE"},
		HTTP:      HTTP{Addr: ":8080"},
		GRPC:      GRPC{HealthAddr: ":8081"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting.
func (c Config) Validate() error {
	var problems []error
	if c.Relay.URL == "" {
		problems = append(problems, errors.New("relay.url is required"))
	}
	if c.Keyserver.URL == "" {
		problems = append(problems, errors.New("keyserver.url is required"))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverMongo:
		if c.Storage.DSN == "" {
			problems = append(problems, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		problems = append(problems, fmt.Errorf("storage.driver %q is not one of memory, postgres, mongo", c.Storage.Driver))
	}
	switch c.Sync.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Sync.RedisAddr == "" {
			problems = append(problems, errors.New("sync.redis_addr is required for driver \"redis\""))
		}
	default:
		problems = append(problems, fmt.Errorf("sync.driver %q is not one of memory, redis", c.Sync.Driver))
	}
	if c.Protocol.RequestTimeout <= 0 {
		problems = append(problems, errors.New("protocol.request_timeout must be positive"))
	}
	if c.Scheduler.Interval <= 0 {
		problems = append(problems, errors.New("scheduler.interval must be positive"))
	}
	if c.Scheduler.FailureThreshold <= 0 {
		problems = append(problems, errors.New("scheduler.failure_threshold must be positive"))
	}
	if c.Keystore.PassphraseEnv == "" {
		problems = append(problems, errors.New("keystore.passphrase_env is required"))
	}
	if c.HTTP.Addr == "" {
		problems = append(problems, errors.New("http.addr is required"))
	}
	return errors.Join(problems...)
}
