// Package config loads cache settings for binaries built on dynacache.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/dynacache/record"
	"github.com/unkn0wn-root/dynacache/store"
	"github.com/unkn0wn-root/dynacache/store/dynamodb"
	"github.com/unkn0wn-root/dynacache/store/memory"
	"github.com/unkn0wn-root/dynacache/store/minio"
	redisstore "github.com/unkn0wn-root/dynacache/store/redis"
)

// Primary and blob backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
	BackendS3       = "s3"
)

type Config struct {
	Backend   string         `mapstructure:"backend" yaml:"backend"`
	Table     string         `mapstructure:"table" yaml:"table"`
	Bucket    string         `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Namespace string         `mapstructure:"namespace" yaml:"namespace,omitempty"`
	Columns   record.Columns `mapstructure:"columns" yaml:"columns"`

	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SizeThreshold    int           `mapstructure:"size_threshold" yaml:"size_threshold"`
	DefaultTTL       time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	BlobConcurrency  int           `mapstructure:"blob_concurrency" yaml:"blob_concurrency"`
	BatchParallelism int           `mapstructure:"batch_parallelism" yaml:"batch_parallelism"`
	DisableSelfHeal  bool          `mapstructure:"disable_self_heal" yaml:"disable_self_heal"`

	DynamoDB dynamodb.Connection `mapstructure:"dynamodb" yaml:"dynamodb"`
	Redis    RedisConfig         `mapstructure:"redis" yaml:"redis"`
	Memory   MemoryConfig        `mapstructure:"memory" yaml:"memory"`
	Blob     BlobConfig          `mapstructure:"blob" yaml:"blob"`
	Log      LogConfig           `mapstructure:"log" yaml:"log"`
}

type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs" yaml:"addrs"`
	Username string   `mapstructure:"username" yaml:"username,omitempty"`
	Password string   `mapstructure:"password" yaml:"-"`
	DB       int      `mapstructure:"db" yaml:"db"`
}

// MemoryConfig sizes the in-process backends.
type MemoryConfig struct {
	MaxCostBytes int64 `mapstructure:"max_cost_bytes" yaml:"max_cost_bytes"`
	BlobMaxMB    int   `mapstructure:"blob_max_mb" yaml:"blob_max_mb"`
}

// BlobConfig selects the overflow store. It is used only when Bucket is set.
type BlobConfig struct {
	Backend   string `mapstructure:"backend" yaml:"backend"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix,omitempty"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// Load reads dynacache.yaml from the working directory and paths, then
// applies DYNACACHE_* environment overrides (e.g. DYNACACHE_REDIS_DB).
// A missing file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("dynacache")
	v.SetConfigType("yaml")

	v.AddConfigPath(".")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("DYNACACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads exactly one file; a missing file is an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	v.SetEnvPrefix("DYNACACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// every key needs a default so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendDynamoDB)
	v.SetDefault("table", "")
	v.SetDefault("bucket", "")
	v.SetDefault("namespace", "")

	v.SetDefault("columns.key", record.DefaultKeyColumn)
	v.SetDefault("columns.value", record.DefaultValueColumn)
	v.SetDefault("columns.ttl", record.DefaultTTLColumn)
	v.SetDefault("columns.blob_key", record.DefaultBlobKeyColumn)

	v.SetDefault("timeout", "5s")
	v.SetDefault("size_threshold", 384*1024)
	v.SetDefault("default_ttl", "0s")
	v.SetDefault("blob_concurrency", 8)
	v.SetDefault("batch_parallelism", 4)
	v.SetDefault("disable_self_heal", false)

	v.SetDefault("dynamodb.region", "")
	v.SetDefault("dynamodb.endpoint", "")
	v.SetDefault("dynamodb.profile", "")
	v.SetDefault("dynamodb.access_key", "")
	v.SetDefault("dynamodb.secret_key", "")

	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("memory.max_cost_bytes", 64<<20)
	v.SetDefault("memory.blob_max_mb", 256)

	v.SetDefault("blob.backend", BackendS3)
	v.SetDefault("blob.endpoint", "s3.amazonaws.com")
	v.SetDefault("blob.region", "")
	v.SetDefault("blob.access_key", "")
	v.SetDefault("blob.secret_key", "")
	v.SetDefault("blob.use_ssl", true)
	v.SetDefault("blob.prefix", "")

	v.SetDefault("log.level", "info")
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendDynamoDB, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.Table == "" {
		errs = append(errs, errors.New("table is required"))
	}
	if c.Bucket != "" {
		switch c.Blob.Backend {
		case BackendS3, BackendMemory:
		default:
			errs = append(errs, fmt.Errorf("unknown blob backend %q", c.Blob.Backend))
		}
	}
	if c.Backend == BackendRedis && len(c.Redis.Addrs) == 0 {
		errs = append(errs, errors.New("redis.addrs is required"))
	}
	if c.Timeout < 0 || c.DefaultTTL < 0 || c.SizeThreshold < 0 {
		errs = append(errs, errors.New("timeout, default_ttl and size_threshold must not be negative"))
	}
	if !c.Columns.WithDefaults().Distinct() {
		errs = append(errs, errors.New("column names must be distinct"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// PrimaryFactory builds the factory for the configured backend.
func (c *Config) PrimaryFactory() (store.PrimaryFactory, error) {
	switch c.Backend {
	case BackendDynamoDB:
		return dynamodb.Factory(c.DynamoDB), nil
	case BackendRedis:
		return redisstore.Factory(&goredis.UniversalOptions{
			Addrs:    c.Redis.Addrs,
			Username: c.Redis.Username,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		}), nil
	case BackendMemory:
		return memory.PrimaryFactory(memory.PrimaryConfig{MaxCost: c.Memory.MaxCostBytes}), nil
	}
	return nil, fmt.Errorf("config: unknown backend %q", c.Backend)
}

// BlobFactory builds the overflow factory, or nil when no bucket is set.
func (c *Config) BlobFactory() (store.BlobFactory, error) {
	if c.Bucket == "" {
		return nil, nil
	}
	switch c.Blob.Backend {
	case BackendS3:
		return minio.Factory(minio.Config{
			Endpoint:  c.Blob.Endpoint,
			AccessKey: c.Blob.AccessKey,
			SecretKey: c.Blob.SecretKey,
			UseSSL:    c.Blob.UseSSL,
			Region:    c.Blob.Region,
			Prefix:    c.Blob.Prefix,
		}), nil
	case BackendMemory:
		return memory.BlobFactory(memory.BlobConfig{HardMaxCacheSizeMB: c.Memory.BlobMaxMB}), nil
	}
	return nil, fmt.Errorf("config: unknown blob backend %q", c.Blob.Backend)
}

// YAML renders c. Secrets are omitted.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: render: %w", err)
	}
	return out, nil
}
