package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"BUZZER_SERVER_PORT"`
	} `yaml:"server"`
	Store struct {
		Driver string `yaml:"driver" env:"BUZZER_STORE_DRIVER"`
	} `yaml:"store"`
	Redis struct {
		Addr     string `yaml:"addr" env:"BUZZER_REDIS_ADDR"`
		Password string `yaml:"password" env:"BUZZER_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"BUZZER_REDIS_DB"`
		TTL      string `yaml:"ttl" env:"BUZZER_REDIS_TTL"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" env:"BUZZER_POSTGRES_URL"`
	} `yaml:"postgres"`
	Cache struct {
		QuestionTTL string `yaml:"questionTTL" env:"BUZZER_CACHE_QUESTION_TTL"`
	} `yaml:"cache"`
	Broadcast struct {
		Buffer int `yaml:"buffer" env:"BUZZER_BROADCAST_BUFFER"`
	} `yaml:"broadcast"`
	WebSocket struct {
		RateLimit    float64 `yaml:"rateLimit" env:"BUZZER_WS_RATE_LIMIT"`
		RateBurst    int     `yaml:"rateBurst" env:"BUZZER_WS_RATE_BURST"`
		PingInterval string  `yaml:"pingInterval" env:"BUZZER_WS_PING_INTERVAL"`
	} `yaml:"websocket"`
	Log struct {
		Level string `yaml:"level" env:"BUZZER_LOG_LEVEL"`
	} `yaml:"log"`
}

// Load reads YAML config from path, then applies BUZZER_* environment
// overrides. A missing file is not an error; the environment alone is enough.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// environment only
		case err != nil:
			return cfg, err
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Store.Driver == "" {
		switch {
		case c.Postgres.URL != "":
			c.Store.Driver = DriverPostgres
		case c.Redis.Addr != "":
			c.Store.Driver = DriverRedis
		default:
			c.Store.Driver = DriverMemory
		}
	}
	if c.Broadcast.Buffer <= 0 {
		c.Broadcast.Buffer = 64
	}
	if c.WebSocket.RateLimit <= 0 {
		c.WebSocket.RateLimit = 10
	}
	if c.WebSocket.RateBurst <= 0 {
		c.WebSocket.RateBurst = 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports settings the selected driver cannot run without.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("store driver %q requires redis.addr", c.Store.Driver)
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("store driver %q requires postgres.url", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
