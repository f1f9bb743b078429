// Package config loads the labflow server configuration from defaults, an
// optional config file, a .env file and LABFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key: storage.driver is read
// from LABFLOW_STORAGE_DRIVER.
const EnvPrefix = "LABFLOW"

// Metrics and tracing exporters.
const (
	MetricsPrometheus = "prometheus"
	MetricsExpvar     = "expvar"
	TracingOTel       = "otel"
	TracingJSON       = "json"
	TracingNone       = "none"
)

// Auth modes.
const (
	AuthModeJWT    = "jwt"
	AuthModeHeader = "header"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Reports ReportsConfig `mapstructure:"reports"`
	Events  EventsConfig  `mapstructure:"events"`

	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// RateLimit is requests per minute per client IP; zero disables limiting.
	RateLimit int `mapstructure:"rate_limit"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Env        string `mapstructure:"env"`
	OutputPath string `mapstructure:"output_path"`
}

type AuthConfig struct {
	Mode      string `mapstructure:"mode"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type BlobConfig struct {
	Driver string      `mapstructure:"driver"`
	FSRoot string      `mapstructure:"fs_root"`
	S3     S3Config    `mapstructure:"s3"`
	MinIO  MinIOConfig `mapstructure:"minio"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	PathStyle       bool   `mapstructure:"path_style"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
}

type ReportsConfig struct {
	MinSize      int      `mapstructure:"min_size"`
	MaxSize      int      `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// ObservabilityConfig picks the metrics and tracing exporters. The json
// tracer writes one line per span to TraceOutput, stderr when empty.
type ObservabilityConfig struct {
	Metrics     string `mapstructure:"metrics"`
	Tracing     string `mapstructure:"tracing"`
	TraceOutput string `mapstructure:"trace_output"`
}

// EventsConfig enables the AMQP lifecycle publisher when AMQPURL is set.
type EventsConfig struct {
	AMQPURL  string `mapstructure:"amqp_url"`
	Exchange string `mapstructure:"exchange"`
}

var defaults = map[string]any{
	"server.addr":           ":8080",
	"server.read_timeout":   "15s",
	"server.write_timeout":  "30s",
	"server.rate_limit":     600,
	"log.level":             "info",
	"log.env":               "production",
	"auth.mode":             AuthModeJWT,
	"auth.issuer":           "labflow",
	"storage.driver":        "sqlite",
	"storage.sqlite_path":   "labflow.db",
	"blob.driver":           "fs",
	"blob.fs_root":          "./blobdata",
	"blob.s3.region":        "us-east-1",
	"reports.min_size":      512,
	"reports.max_size":      25 << 20,
	"reports.allowed_types": []string{"application/pdf", "image/png", "image/jpeg"},
	"events.exchange":       "labflow.lifecycle",
	"observability.metrics": MetricsPrometheus,
	"observability.tracing": TracingOTel,
}

// Load reads the configuration. path names an optional config file (yaml,
// json or toml); a missing .env in the working directory is ignored.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only resolves keys viper already knows, and Unmarshal
	// walks the known keys, so every key without a default is bound here.
	for _, key := range []string{
		"log.output_path",
		"auth.jwt_secret",
		"storage.postgres_dsn",
		"blob.s3.bucket", "blob.s3.endpoint", "blob.s3.access_key_id", "blob.s3.secret_access_key", "blob.s3.path_style",
		"blob.minio.endpoint", "blob.minio.access_key", "blob.minio.secret_key", "blob.minio.use_ssl",
		"blob.minio.bucket", "blob.minio.region",
		"events.amqp_url",
		"observability.trace_output",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := readDotEnv(v); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Reports.AllowedTypes = splitList(strings.Join(cfg.Reports.AllowedTypes, ","))
	return cfg, nil
}

// readDotEnv merges LABFLOW_* keys from ./.env when present. They are
// applied as defaults so the real environment still wins.
func readDotEnv(v *viper.Viper) error {
	if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	env := viper.New()
	env.SetConfigFile(".env")
	env.SetConfigType("env")
	if err := env.ReadInConfig(); err != nil {
		return fmt.Errorf("read .env: %w", err)
	}
	known := make(map[string]string)
	for _, key := range v.AllKeys() {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	prefix := strings.ToLower(EnvPrefix) + "_"
	for _, name := range env.AllKeys() {
		trimmed, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		if key, ok := known[trimmed]; ok {
			v.SetDefault(key, env.Get(name))
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects unknown drivers and missing required settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Auth.Mode {
	case AuthModeJWT:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required when auth.mode is jwt"))
		}
	case AuthModeHeader:
	default:
		errs = append(errs, fmt.Errorf("auth.mode must be %q or %q, got %q", AuthModeJWT, AuthModeHeader, c.Auth.Mode))
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 driver"))
		}
	case "minio":
		if c.Blob.MinIO.Endpoint == "" || c.Blob.MinIO.Bucket == "" {
			errs = append(errs, errors.New("blob.minio.endpoint and blob.minio.bucket are required for the minio driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob.driver %q", c.Blob.Driver))
	}
	if c.Reports.MinSize < 0 || c.Reports.MaxSize > 0 && c.Reports.MaxSize < c.Reports.MinSize {
		errs = append(errs, fmt.Errorf("reports size bounds invalid: min %d, max %d", c.Reports.MinSize, c.Reports.MaxSize))
	}
	switch c.Observability.Metrics {
	case "", MetricsPrometheus, MetricsExpvar:
	default:
		errs = append(errs, fmt.Errorf("unknown observability.metrics %q", c.Observability.Metrics))
	}
	switch c.Observability.Tracing {
	case "", TracingOTel, TracingJSON, TracingNone:
	default:
		errs = append(errs, fmt.Errorf("unknown observability.tracing %q", c.Observability.Tracing))
	}
	if len(c.Reports.AllowedTypes) == 0 {
		errs = append(errs, errors.New("reports.allowed_types must not be empty"))
	}
	return errors.Join(errs...)
}
