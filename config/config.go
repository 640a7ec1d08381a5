// Package config holds the settings shared by the lock daemon and library
// users: guard defaults, retry policy, and the per-driver connection
// sections. Fields carry mapstructure keys for file based loaders and kong
// tags for flags and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/infigaming-com/go-dlock/lock"
)

type Driver string

const (
	DriverRedis      Driver = "redis"
	DriverDatabase   Driver = "database"
	DriverKubernetes Driver = "kubernetes"
	DriverMemory     Driver = "memory"
)

type RedisConfig struct {
	Addr           string `mapstructure:"ADDR" env:"REDIS_ADDR" default:"localhost:6379" help:"Redis address."`
	DB             int64  `mapstructure:"DB" env:"REDIS_DB" default:"0" help:"Redis database number."`
	ConnectTimeout int64  `mapstructure:"CONNECT_TIMEOUT" env:"REDIS_CONNECT_TIMEOUT" default:"5" help:"Redis connect timeout in seconds."`
	KeyPrefix      string `mapstructure:"KEY_PREFIX" env:"REDIS_KEY_PREFIX" default:"dlock:" help:"Prefix prepended to every Redis lock key."`
}

type DatabaseConfig struct {
	DSN            string        `mapstructure:"DSN" env:"DATABASE_DSN" help:"Postgres DSN for the lock table."`
	Table          string        `mapstructure:"TABLE" env:"DATABASE_TABLE" default:"distributed_lock" help:"Lock table name."`
	Migrate        bool          `mapstructure:"MIGRATE" env:"DATABASE_MIGRATE" default:"true" help:"Create or upgrade the lock table on start."`
	MigrationsPath string        `mapstructure:"MIGRATIONS_PATH" env:"DATABASE_MIGRATIONS_PATH" help:"Directory of SQL migrations replacing the embedded ones."`
	PurgeEvery     time.Duration `mapstructure:"PURGE_EVERY" env:"DATABASE_PURGE_EVERY" default:"1m" help:"Interval between expired row purges, 0 disables."`
	PollInterval   time.Duration `mapstructure:"POLL_INTERVAL" env:"DATABASE_POLL_INTERVAL" default:"50ms" help:"Delay between insert attempts while waiting."`
}

type KubernetesConfig struct {
	Namespace    string `mapstructure:"NAMESPACE" env:"K8S_NAMESPACE" default:"default" help:"Namespace holding the lock leases."`
	Kubeconfig   string `mapstructure:"KUBECONFIG" env:"KUBECONFIG" help:"Kubeconfig path used outside the cluster."`
	PollInterval int64  `mapstructure:"POLL_INTERVAL" env:"K8S_POLL_INTERVAL" default:"100" help:"Lease poll interval in milliseconds."`
}

// Config is the full lock configuration.
type Config struct {
	Driver      Driver        `mapstructure:"DRIVER" env:"LOCK_DRIVER" default:"redis" enum:"redis,database,kubernetes,memory" help:"Lock provider: redis, database, kubernetes or memory."`
	Prefix      string        `mapstructure:"PREFIX" env:"LOCK_PREFIX" default:"lock" help:"Prefix joined to every lock key as prefix:key."`
	WaitTime    time.Duration `mapstructure:"WAIT_TIME" env:"LOCK_WAIT_TIME" default:"3s" help:"Default time to wait for a lock."`
	LeaseTime   time.Duration `mapstructure:"LEASE_TIME" env:"LOCK_LEASE_TIME" default:"30s" help:"Default lease before a lock expires on its own."`
	FailureMode string        `mapstructure:"FAILURE_MODE" env:"LOCK_FAILURE_MODE" default:"raise" enum:"raise,returnDefault,proceedUnlocked" help:"What a guarded call does when the lock is not acquired."`

	RetryEnabled  bool          `mapstructure:"RETRY_ENABLED" env:"LOCK_RETRY_ENABLED" default:"false" help:"Retry failed acquisitions."`
	MaxRetries    int           `mapstructure:"MAX_RETRIES" env:"LOCK_MAX_RETRIES" default:"3" help:"Retries after the first attempt."`
	RetryInterval time.Duration `mapstructure:"RETRY_INTERVAL" env:"LOCK_RETRY_INTERVAL" default:"1s" help:"Fixed delay, or initial delay for exponential backoff."`
	BackoffKind   string        `mapstructure:"BACKOFF_KIND" env:"LOCK_BACKOFF_KIND" default:"fixed" enum:"fixed,exponential" help:"Backoff between retries."`
	BackoffFactor float64       `mapstructure:"BACKOFF_FACTOR" env:"LOCK_BACKOFF_FACTOR" default:"2" help:"Exponential backoff multiplier."`
	BackoffCap    time.Duration `mapstructure:"BACKOFF_CAP" env:"LOCK_BACKOFF_CAP" default:"10s" help:"Upper bound for exponential backoff."`

	Redis      RedisConfig      `mapstructure:"REDIS" embed:"" prefix:"redis-"`
	Database   DatabaseConfig   `mapstructure:"DATABASE" embed:"" prefix:"database-"`
	Kubernetes KubernetesConfig `mapstructure:"KUBERNETES" embed:"" prefix:"k8s-"`
}

func Default() Config {
	return Config{
		Driver:        DriverRedis,
		Prefix:        "lock",
		WaitTime:      3 * time.Second,
		LeaseTime:     30 * time.Second,
		FailureMode:   string(lock.FailRaise),
		MaxRetries:    3,
		RetryInterval: time.Second,
		BackoffKind:   string(lock.BackoffFixed),
		BackoffFactor: 2,
		BackoffCap:    10 * time.Second,
		Redis: RedisConfig{
			Addr:           "localhost:6379",
			ConnectTimeout: 5,
			KeyPrefix:      "dlock:",
		},
		Database: DatabaseConfig{
			Table:        "distributed_lock",
			Migrate:      true,
			PurgeEvery:   time.Minute,
			PollInterval: 50 * time.Millisecond,
		},
		Kubernetes: KubernetesConfig{
			Namespace:    "default",
			PollInterval: 100,
		},
	}
}

func (c Config) Validate() error {
	var problems []string
	switch c.Driver {
	case DriverRedis:
		if c.Redis.Addr == "" {
			problems = append(problems, "redis address is required")
		}
	case DriverDatabase:
		if c.Database.DSN == "" {
			problems = append(problems, "database dsn is required")
		}
	case DriverKubernetes:
		if c.Kubernetes.Namespace == "" {
			problems = append(problems, "kubernetes namespace is required")
		}
	case DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("unknown driver %q", c.Driver))
	}
	if c.WaitTime < 0 {
		problems = append(problems, "wait time must be >= 0")
	}
	if c.LeaseTime <= 0 {
		problems = append(problems, "lease time must be > 0")
	}
	if _, err := c.FailureModeValue(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.RetryEnabled {
		if err := c.RetryConfig().Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid lock config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RetryConfig converts the retry fields. It is built whether or not retry
// is enabled; see Policy for the enabled check.
func (c Config) RetryConfig() lock.RetryConfig {
	if lock.BackoffKind(c.BackoffKind) == lock.BackoffExponential {
		return lock.ExponentialRetry(c.MaxRetries, c.RetryInterval, c.BackoffFactor, c.BackoffCap)
	}
	return lock.FixedRetry(c.MaxRetries, c.RetryInterval)
}

func (c Config) FailureModeValue() (lock.FailureMode, error) {
	return lock.ParseFailureMode(c.FailureMode)
}

// Policy returns the guard defaults described by c.
func (c Config) Policy() lock.Policy {
	mode, err := c.FailureModeValue()
	if err != nil {
		mode = lock.FailRaise
	}
	p := lock.Policy{
		Prefix:      c.Prefix,
		WaitTime:    c.WaitTime,
		LeaseTime:   c.LeaseTime,
		FailureMode: mode,
	}
	if c.RetryEnabled {
		rc := c.RetryConfig()
		p.Retry = &rc
	}
	return p
}
