// Package config loads ffenv configuration.
//
// Precedence, highest first: runtime overrides, FFENV_* environment
// variables, the ffenv.yaml config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "FFENV"

	// ConfigName is the config file base name searched for.
	ConfigName = "ffenv"
)

// Storage backends.
const (
	BackendNone = "none"
	BackendFile = "file"
	BackendS3   = "s3"
)

// Config is the complete ffenv configuration.
type Config struct {
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// WorkspaceConfig locates the tiers and the tool.
type WorkspaceConfig struct {
	Root         string `mapstructure:"root"`
	Tool         string `mapstructure:"tool"`
	ToolLogLevel string `mapstructure:"tool_log_level"`
}

// StorageConfig selects the durable backend of the permanent tier.
type StorageConfig struct {
	Backend        string  `mapstructure:"backend"`
	Dir            string  `mapstructure:"dir"`
	Bucket         string  `mapstructure:"bucket"`
	Prefix         string  `mapstructure:"prefix"`
	Region         string  `mapstructure:"region"`
	Endpoint       string  `mapstructure:"endpoint"`
	Profile        string  `mapstructure:"profile"`
	ForcePathStyle bool    `mapstructure:"force_path_style"`
	RateLimit      float64 `mapstructure:"rate_limit"`
}

// LoggingConfig configures the process loggers.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile forces Load to read path instead of searching for ffenv.yaml.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration. Each override is a nested map keyed like the
// config file; later overrides win.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	configMu.RLock()
	file := configFile
	configMu.RUnlock()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		for _, p := range getConfigPaths() {
			v.AddConfigPath(p)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendNone, BackendFile:
	case BackendS3:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.RateLimit < 0 {
		return errors.New("storage.rate_limit must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Workspace.Root) == "" {
		return errors.New("workspace.root is required")
	}
	return nil
}

// StoreDir returns the file backend directory, defaulting under the
// workspace root.
func (c *Config) StoreDir() string {
	if c.Storage.Dir != "" {
		return c.Storage.Dir
	}
	return filepath.Join(c.Workspace.Root, "store")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", defaultRoot())
	v.SetDefault("workspace.tool", "ffmpeg")
	v.SetDefault("workspace.tool_log_level", "trace")

	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.dir", "")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "permanent")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.profile", "")
	v.SetDefault("storage.force_path_style", false)
	v.SetDefault("storage.rate_limit", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
}

func defaultRoot() string {
	if dir := gfconfig.GetAppDataDir(ConfigName); dir != "" {
		return filepath.Join(dir, "workspace")
	}
	return filepath.Join(os.TempDir(), ConfigName)
}

// getConfigPaths lists the directories searched for ffenv.yaml.
func getConfigPaths() []string {
	paths := []string{"."}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, ConfigName))
	}
	return paths
}

// getEnvSpecs lists the short environment variable names. Every other key is
// reachable through its full name, e.g. FFENV_STORAGE_BUCKET.
func getEnvSpecs() []EnvSpec {
	specs := []EnvSpec{
		{Name: "ROOT", Path: "workspace.root"},
		{Name: "TOOL", Path: "workspace.tool"},
		{Name: "BACKEND", Path: "storage.backend"},
		{Name: "BUCKET", Path: "storage.bucket"},
		{Name: "ENDPOINT", Path: "storage.endpoint"},
		{Name: "RATE_LIMIT", Path: "storage.rate_limit"},
		{Name: "LOG_LEVEL", Path: "logging.level"},
		{Name: "LOG_PROFILE", Path: "logging.profile"},
		{Name: "HOST", Path: "server.host"},
		{Name: "PORT", Path: "server.port"},
		{Name: "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: "METRICS_ENABLED", Path: "metrics.enabled"},
	}
	for i := range specs {
		specs[i].Name = EnvPrefix + "_" + specs[i].Name
	}
	return specs
}

// flatten turns a nested override map into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
