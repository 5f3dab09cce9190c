package config

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/labstack/gommon/log"
	"sync"
	"time"
)

type Config struct {
	HttpPort         int           `envconfig:"HTTP_PORT" required:"true"`
	RedisAddr        string        `envconfig:"REDIS_ADDR" required:"true"`
	RedisPassword    string        `envconfig:"REDIS_PASSWORD" required:"false"`
	RedisDB          int           `envconfig:"REDIS_DB" required:"false" default:"0"`
	MaxWorkers       int           `envconfig:"MAX_WORKERS" required:"false" default:"8"`
	PersistenceURL   string        `envconfig:"PERSISTENCE_URL" required:"true"`
	SandboxURL       string        `envconfig:"SANDBOX_URL" required:"true"`
	SandboxTimeout   time.Duration `envconfig:"SANDBOX_TIMEOUT" required:"false" default:"20s"`
	JWTSecret        string        `envconfig:"JWT_SECRET" required:"true"`
	SnapshotInterval time.Duration `envconfig:"SNAPSHOT_INTERVAL" required:"false" default:"30s"`
	SnapshotTTL      time.Duration `envconfig:"SNAPSHOT_TTL" required:"false" default:"168h"`
	SendQueueSize    int           `envconfig:"SEND_QUEUE_SIZE" required:"false" default:"256"`
	MaxFrameSize     int64         `envconfig:"MAX_FRAME_SIZE" required:"false" default:"1048576"`
	LogLevel         string        `envconfig:"LOG_LEVEL" required:"false" default:"info"`
}

var (
	c    Config
	once sync.Once
)

// Get returns the process-wide configuration, exiting if the environment is invalid.
func Get() *Config {
	once.Do(func() {
		err := envconfig.Process("", &c)
		if err != nil {
			log.Fatal(err)
		}
	})
	return &c
}

// Load reads a fresh configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Lvl maps LogLevel onto a gommon log level, defaulting to INFO.
func (c *Config) Lvl() log.Lvl {
	switch c.LogLevel {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}
