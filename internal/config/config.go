// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/example/es-aggregate-store/internal/infrastructure/postgres"
)

// Config holds the settings shared by esctl and the relay.
type Config struct {
	DatabaseURL     string        `env:"ES_DATABASE_URL" envDefault:"postgres://es:es@localhost:5432/es?sslmode=disable"`
	MaxOpenConns    int           `env:"ES_DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"ES_DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"ES_DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	NotifyBuffer    int           `env:"ES_NOTIFY_BUFFER" envDefault:"64"`

	Aggregate string `env:"ES_AGGREGATE" envDefault:"order"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"es-notifications"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"esctl-tail"`

	OTelEndpoint string `env:"ES_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"ES_OTEL_ENABLED" envDefault:"true"`

	Verbose bool `env:"ES_VERBOSE" envDefault:"false"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load returns the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PoolOptions converts the database settings.
func (c Config) PoolOptions() postgres.Options {
	return postgres.Options{
		MaxOpenConns:       c.MaxOpenConns,
		MaxIdleConns:       c.MaxIdleConns,
		ConnMaxLifetime:    c.ConnMaxLifetime,
		NotificationBuffer: c.NotifyBuffer,
	}
}
