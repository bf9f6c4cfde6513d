package loom

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LOOM"

// Config drives cmd/loomd. Precedence: defaults, then the YAML file, then
// LOOM_* environment variables.
type Config struct {
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Engine    EngineConfig    `yaml:"engine" env:"ENGINE"`
	Store     StoreConfig     `yaml:"store" env:"STORE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
}

type LogConfig struct {
	Level         LogLevel `yaml:"level" env:"LEVEL"`
	WorkpoolLevel LogLevel `yaml:"workpool_level" env:"WORKPOOL_LEVEL"`
}

type EngineConfig struct {
	MaxParallelism int           `yaml:"max_parallelism" env:"MAX_PARALLELISM"`
	ConfigFetch    RetryBehavior `yaml:"config_fetch" env:"CONFIG_FETCH"`
	StepRetry      RetryBehavior `yaml:"step_retry" env:"STEP_RETRY"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendSQLite   StoreBackend = "sqlite"
	StoreBackendPostgres StoreBackend = "postgres"
	StoreBackendMongo    StoreBackend = "mongo"
)

type StoreConfig struct {
	Backend        StoreBackend `yaml:"backend" env:"BACKEND"`
	SQLitePath     string       `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PostgresDSN    string       `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	PostgresSchema string       `yaml:"postgres_schema" env:"POSTGRES_SCHEMA"`
	MongoURI       string       `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase  string       `yaml:"mongo_database" env:"MONGO_DATABASE"`
}

// RedisConfig enables the Redis run locker when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR"`
	Password string        `yaml:"password" env:"PASSWORD"`
	DB       int           `yaml:"db" env:"DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" env:"PER_SECOND"`
	Burst     int     `yaml:"burst" env:"BURST"`
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:         LogLevelWarn,
			WorkpoolLevel: LogLevelWarn,
		},
		Engine: EngineConfig{
			MaxParallelism: DefaultMaxParallelism,
			ConfigFetch: RetryBehavior{
				InitialBackoffMs: DefaultRetryBehavior.InitialBackoffMs,
				Base:             DefaultRetryBehavior.Base,
			},
			StepRetry:    DefaultRetryBehavior,
			MaxBackoff:   defaultMaxBackoff,
			PollInterval: defaultPollInterval,
		},
		Store: StoreConfig{
			Backend:        StoreBackendMemory,
			SQLitePath:     "loom.db",
			PostgresSchema: DefaultPostgresSchema,
			MongoDatabase:  "loom",
		},
		Redis: RedisConfig{
			LockTTL: defaultLockTTL,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
}

// LoadConfig reads path (optional) over the defaults and applies environment
// overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(string(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := ParseLogLevel(string(c.Log.WorkpoolLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log.workpool_level: %w", err))
	}
	if c.Engine.MaxParallelism <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_parallelism must be positive"))
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("store.sqlite_path is required for the sqlite backend"))
		}
	case StoreBackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("store.postgres_dsn is required for the postgres backend"))
		}
	case StoreBackendMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, fmt.Errorf("store.mongo_uri is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend))
	}

	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.per_second must not be negative"))
	}

	return errors.Join(errs...)
}

// Settings is the engine settings document this config seeds.
func (c *Config) Settings() Settings {
	return Settings{
		LogLevel:         c.Log.Level,
		WorkpoolLogLevel: c.Log.WorkpoolLevel,
		MaxParallelism:   c.Engine.MaxParallelism,
	}
}

func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag
		if field.Kind() == reflect.Struct {
			if err := setFieldsFromEnv(field, envKey); err != nil {
				return err
			}

			continue
		}

		value, ok := os.LookupEnv(envKey)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))

			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported kind %s", strings.ToLower(field.Kind().String()))
	}

	return nil
}
