// Package config loads leadflow settings from defaults, an optional YAML
// file and LEADFLOW_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LEADFLOW_BACKEND_DRIVER.
const EnvPrefix = "LEADFLOW"

// Backend drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMongo    = "mongo"
)

// Config holds the configuration for every leadflow command.
type Config struct {
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Backend struct {
		Driver string `mapstructure:"driver"`
		SQLite struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
		Postgres struct {
			DSN string `mapstructure:"dsn"`
		} `mapstructure:"postgres"`
		Redis struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`
		Mongo struct {
			URI      string `mapstructure:"uri"`
			Database string `mapstructure:"database"`
		} `mapstructure:"mongo"`
	} `mapstructure:"backend"`

	Queue struct {
		MaxAttempts    int           `mapstructure:"max_attempts"`
		InitialBackoff time.Duration `mapstructure:"initial_backoff"`
		Multiplier     float64       `mapstructure:"multiplier"`
		MaxBackoff     time.Duration `mapstructure:"max_backoff"`
		PollInterval   time.Duration `mapstructure:"poll_interval"`
	} `mapstructure:"queue"`

	Worker struct {
		ID                string        `mapstructure:"id"`
		Pollers           int           `mapstructure:"pollers"`
		Visibility        time.Duration `mapstructure:"visibility"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	} `mapstructure:"worker"`

	Recovery struct {
		Schedule  string        `mapstructure:"schedule"`
		OlderThan time.Duration `mapstructure:"older_than"`
	} `mapstructure:"recovery"`

	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Definitions struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"definitions"`

	Webhook struct {
		Timeout   time.Duration `mapstructure:"timeout"`
		UserAgent string        `mapstructure:"user_agent"`
	} `mapstructure:"webhook"`

	Triggers []Trigger `mapstructure:"triggers"`
}

// Trigger starts a workflow on a cron schedule.
type Trigger struct {
	Name         string         `mapstructure:"name"`
	Schedule     string         `mapstructure:"schedule"`
	DefinitionID string         `mapstructure:"definition_id"`
	SubjectRef   string         `mapstructure:"subject_ref"`
	Context      map[string]any `mapstructure:"context"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("backend.driver", DriverSQLite)
	v.SetDefault("backend.sqlite.path", "leadflow.db")
	v.SetDefault("backend.postgres.dsn", "")
	v.SetDefault("backend.redis.addr", "localhost:6379")
	v.SetDefault("backend.redis.password", "")
	v.SetDefault("backend.redis.db", 0)
	v.SetDefault("backend.redis.prefix", "leadflow")
	v.SetDefault("backend.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("backend.mongo.database", "leadflow")

	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.initial_backoff", time.Second)
	v.SetDefault("queue.multiplier", 2.0)
	v.SetDefault("queue.max_backoff", 5*time.Minute)
	v.SetDefault("queue.poll_interval", 250*time.Millisecond)

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.pollers", 4)
	v.SetDefault("worker.visibility", 30*time.Second)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)

	v.SetDefault("recovery.schedule", "@every 1m")
	v.SetDefault("recovery.older_than", 5*time.Minute)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("definitions.dir", "workflows")

	v.SetDefault("webhook.timeout", 15*time.Second)
	v.SetDefault("webhook.user_agent", "leadflow")
}

// Load reads the configuration. An empty path searches for leadflow.yaml in
// the working directory and ./config; a missing file is not an error then.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("leadflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Backend.Driver = strings.ToLower(strings.TrimSpace(cfg.Backend.Driver))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings no command can run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Backend.Driver {
	case DriverMemory, DriverSQLite, DriverRedis, DriverMongo:
	case DriverPostgres:
		if c.Backend.Postgres.DSN == "" {
			problems = append(problems, "backend.postgres.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown backend.driver %q", c.Backend.Driver))
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "queue.max_attempts must be at least 1")
	}
	if c.Worker.Pollers < 1 {
		problems = append(problems, "worker.pollers must be at least 1")
	}
	if c.Worker.Visibility <= 0 {
		problems = append(problems, "worker.visibility must be positive")
	}
	if c.Worker.HeartbeatInterval >= c.Worker.Visibility {
		problems = append(problems, "worker.heartbeat_interval must be shorter than worker.visibility")
	}
	seen := map[string]bool{}
	for i, t := range c.Triggers {
		switch {
		case t.Name == "":
			problems = append(problems, fmt.Sprintf("triggers[%d].name is required", i))
		case seen[t.Name]:
			problems = append(problems, fmt.Sprintf("duplicate trigger %q", t.Name))
		}
		seen[t.Name] = true
		if t.Schedule == "" || t.DefinitionID == "" {
			problems = append(problems, fmt.Sprintf("triggers[%d] needs schedule and definition_id", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
