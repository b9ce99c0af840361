package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type PasswordHashing string

const (
	PasswordPlain  PasswordHashing = "plain"
	PasswordBcrypt PasswordHashing = "bcrypt"
)

type StorageConfig struct {
	Backend       string
	DSN           string
	MigrationsDSN string
	MigrationsDir string
	RedisURL      string
	MongoURI      string
	MongoDatabase string
	KeyPrefix     string
}

type EventsConfig struct {
	KafkaBrokers []string
	UpdatesTopic string
	AMQPURL      string
	AMQPExchange string
}

type EngineConfig struct {
	DeliveryDelay         time.Duration
	HeartbeatInterval     time.Duration
	TypingTimeout         time.Duration
	TypingSwitchGrace     time.Duration
	TypingEventsPerMinute int
	PasswordHashing       PasswordHashing
	Location              *time.Location
}

type Config struct {
	Storage     StorageConfig
	Events      EventsConfig
	Engine      EngineConfig
	MetricsAddr string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("MIGRATIONS_DIR", "file://migrations")
	v.SetDefault("MONGODB_DATABASE", "msgram")
	v.SetDefault("STORAGE_KEY_PREFIX", "msgram_")
	v.SetDefault("UPDATES_TOPIC", "chat-updates")
	v.SetDefault("AMQP_EXCHANGE", "chat-updates")
	v.SetDefault("DELIVERY_DELAY", "1s")
	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("TYPING_TIMEOUT", "3s")
	v.SetDefault("TYPING_SWITCH_GRACE", "250ms")
	v.SetDefault("TYPING_EVENTS_PER_MINUTE", 20)
	v.SetDefault("PASSWORD_HASHING", string(PasswordPlain))
	v.SetDefault("TIMEZONE", "Local")
}

// Load reads the configuration from environment variables through v.
func Load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	setDefaults(v)

	backend := strings.ToLower(v.GetString("STORAGE_BACKEND"))
	switch backend {
	case "memory", "postgres", "redis", "mongo":
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", backend)
	}

	hashing := PasswordHashing(strings.ToLower(v.GetString("PASSWORD_HASHING")))
	if hashing != PasswordPlain && hashing != PasswordBcrypt {
		return nil, fmt.Errorf("unknown PASSWORD_HASHING %q", hashing)
	}

	loc, err := time.LoadLocation(v.GetString("TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	cfg := &Config{
		Storage: StorageConfig{
			Backend:       backend,
			DSN:           v.GetString("DB_DSN"),
			MigrationsDSN: v.GetString("MIGRATIONS_DSN"),
			MigrationsDir: v.GetString("MIGRATIONS_DIR"),
			RedisURL:      v.GetString("REDIS_URL"),
			MongoURI:      v.GetString("MONGODB_URI"),
			MongoDatabase: v.GetString("MONGODB_DATABASE"),
			KeyPrefix:     v.GetString("STORAGE_KEY_PREFIX"),
		},
		Events: EventsConfig{
			KafkaBrokers: splitList(v.GetString("KAFKA_BROKERS")),
			UpdatesTopic: v.GetString("UPDATES_TOPIC"),
			AMQPURL:      v.GetString("AMQP_URL"),
			AMQPExchange: v.GetString("AMQP_EXCHANGE"),
		},
		Engine: EngineConfig{
			DeliveryDelay:         v.GetDuration("DELIVERY_DELAY"),
			HeartbeatInterval:     v.GetDuration("HEARTBEAT_INTERVAL"),
			TypingTimeout:         v.GetDuration("TYPING_TIMEOUT"),
			TypingSwitchGrace:     v.GetDuration("TYPING_SWITCH_GRACE"),
			TypingEventsPerMinute: v.GetInt("TYPING_EVENTS_PER_MINUTE"),
			PasswordHashing:       hashing,
			Location:              loc,
		},
		MetricsAddr: v.GetString("METRICS_ADDR"),
	}

	if cfg.Storage.MigrationsDSN == "" && cfg.Storage.DSN != "" {
		cfg.Storage.MigrationsDSN = migrationsDSN(cfg.Storage.DSN)
	}

	switch {
	case backend == "postgres" && cfg.Storage.DSN == "":
		return nil, fmt.Errorf("DB_DSN must be defined for the postgres backend")
	case backend == "redis" && cfg.Storage.RedisURL == "":
		return nil, fmt.Errorf("REDIS_URL must be defined for the redis backend")
	case backend == "mongo" && cfg.Storage.MongoURI == "":
		return nil, fmt.Errorf("MONGODB_URI must be defined for the mongo backend")
	case cfg.Engine.HeartbeatInterval <= 0 || cfg.Engine.TypingTimeout <= 0:
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL and TYPING_TIMEOUT must be positive")
	}

	return cfg, nil
}

// migrationsDSN points golang-migrate's pgx driver at the same database.
func migrationsDSN(dsn string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, scheme) {
			return "pgx://" + strings.TrimPrefix(dsn, scheme)
		}
	}
	return dsn
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
