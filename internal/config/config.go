// Package config provides layered configuration loading for the Vanish
// service. Defaults come from DefaultAppConfig, an optional .env file seeds
// the process environment, and VANISH_* environment variables override both.
// The merged result is validated before it is returned.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variable names before they are
// matched against configuration keys.
const EnvPrefix = "VANISH_"

// Storage drivers.
const (
	DriverLocal  = "local"
	DriverObject = "object"
)

// Config holds the merged runtime configuration.
type Config struct {
	Addr          string `koanf:"addr" validate:"required,ip_port"`
	DataDir       string `koanf:"data_dir" validate:"required,safe_path"`
	StorageDriver string `koanf:"storage_driver" validate:"oneof=local object"`
	BucketURL     string `koanf:"bucket_url" validate:"omitempty,url"`

	DefaultExpiry       time.Duration `koanf:"default_expiry" validate:"gt=0"`
	DefaultMaxDownloads int           `koanf:"default_max_downloads" validate:"min=1"`
	MaxDownloadsCap     int           `koanf:"max_downloads_cap" validate:"min=1"`
	MaxFileSize         ByteSize      `koanf:"max_file_size" validate:"gt=0"`
	AllowedMIME         []string      `koanf:"allowed_mime" validate:"dive,required"`
	AllowedExts         []string      `koanf:"allowed_exts" validate:"dive,required,startswith=."`
	PublicBaseURL       string        `koanf:"public_base_url" validate:"omitempty,url"`

	ReaperInterval  time.Duration `koanf:"reaper_interval" validate:"gt=0"`
	ReaperBatchSize int           `koanf:"reaper_batch_size" validate:"min=1,max=10000"`
	SoftDeleteOnly  bool          `koanf:"soft_delete_only"`
	PurgeAfter      time.Duration `koanf:"purge_after" validate:"gte=0"`
	OrphanGrace     time.Duration `koanf:"orphan_grace" validate:"gt=0"`

	MetricsToken    string        `koanf:"metrics_token"`
	LogLevel        string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat       string        `koanf:"log_format" validate:"oneof=text json"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DefaultAppConfig is the lowest-precedence configuration layer.
var DefaultAppConfig = Config{
	Addr:                ":8080",
	DataDir:             filepath.Join(xdg.DataHome, "vanish"),
	StorageDriver:       DriverLocal,
	DefaultExpiry:       24 * time.Hour,
	DefaultMaxDownloads: 1,
	MaxDownloadsCap:     10,
	MaxFileSize:         50 << 20,
	ReaperInterval:      5 * time.Minute,
	ReaperBatchSize:     200,
	SoftDeleteOnly:      true,
	PurgeAfter:          24 * time.Hour,
	OrphanGrace:         time.Hour,
	LogLevel:            "info",
	LogFormat:           "text",
	ShutdownTimeout:     15 * time.Second,
}

// DBPath returns the SQLite database file location.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "vanish.db") }

// BlobDir returns the root directory of the local storage driver.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// StagingDir returns the directory uploads are spooled to before commit.
func (c *Config) StagingDir() string { return filepath.Join(c.DataDir, "staging") }

var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
}

var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
		},
	}), nil)
}

var registerValidators = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	return v.RegisterValidation("safe_path", validSafePath)
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set in the environment are left unchanged.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load merges defaults and the environment, then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				StringToByteSize(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if cfg.DefaultMaxDownloads > cfg.MaxDownloadsCap {
		return nil, errors.New("default_max_downloads must not exceed max_downloads_cap")
	}
	if cfg.StorageDriver == DriverObject && cfg.BucketURL == "" {
		return nil, errors.New("bucket_url is required when storage_driver is object")
	}
	return &cfg, nil
}

// normalize lower-cases and trims list entries and drops empty ones, so an
// empty environment value clears a list.
func (c *Config) normalize() {
	c.AllowedMIME = cleanList(c.AllowedMIME)
	c.AllowedExts = cleanList(c.AllowedExts)
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// validIPPort accepts "host:port" where host is empty or a literal IP
// (IPv6 bracketed) and port is 1-65535.
func validIPPort(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return false
	}
	if host != "" && net.ParseIP(host) == nil {
		return false
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// validSafePath rejects empty paths, the filesystem root, the current
// directory and any path containing a ".." segment.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if strings.TrimSpace(p) == "" {
		return false
	}
	switch filepath.Clean(p) {
	case ".", string(filepath.Separator):
		return false
	}
	for _, seg := range strings.FieldsFunc(filepath.ToSlash(p), func(r rune) bool { return r == '/' }) {
		if seg == ".." {
			return false
		}
	}
	return true
}
