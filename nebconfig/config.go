// Package nebconfig loads NebulaStore's configuration from a YAML file,
// environment variables (NEBULASTORE_ prefix), and built-in defaults: an
// environment variable overrides the file's value for a key the file sets,
// and the file overrides the defaults.
package nebconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nebulastore/nebulastore/internal/bytesize"
)

// Config is NebulaStore's complete static configuration, loaded once at
// startup. Every field maps one-for-one onto a named configuration key.
type Config struct {
	StorageDirectory string `mapstructure:"storage_directory" yaml:"storage_directory"`
	ChannelCount     int    `mapstructure:"channel_count" yaml:"channel_count"`

	EntityCacheThresholdBytes bytesize.ByteSize `mapstructure:"entity_cache_threshold_bytes" yaml:"entity_cache_threshold_bytes"`
	EntityCacheTimeout        time.Duration     `mapstructure:"entity_cache_timeout_ms" yaml:"entity_cache_timeout_ms"`

	DataFileMinSize bytesize.ByteSize `mapstructure:"data_file_min_size" yaml:"data_file_min_size"`
	DataFileMaxSize bytesize.ByteSize `mapstructure:"data_file_max_size" yaml:"data_file_max_size"`

	HousekeepingOnStartup  bool          `mapstructure:"housekeeping_on_startup" yaml:"housekeeping_on_startup"`
	HousekeepingInterval   time.Duration `mapstructure:"housekeeping_interval_ms" yaml:"housekeeping_interval_ms"`
	HousekeepingTimeBudget time.Duration `mapstructure:"housekeeping_time_budget_ns" yaml:"housekeeping_time_budget_ns"`

	ValidateOnStartup bool   `mapstructure:"validate_on_startup" yaml:"validate_on_startup"`
	BackupDirectory   string `mapstructure:"backup_directory" yaml:"backup_directory,omitempty"`

	UseAfs              bool   `mapstructure:"use_afs" yaml:"use_afs"`
	AfsStorageType      string `mapstructure:"afs_storage_type" yaml:"afs_storage_type"`
	AfsConnectionString string `mapstructure:"afs_connection_string" yaml:"afs_connection_string"`
	AfsUseCache         bool   `mapstructure:"afs_use_cache" yaml:"afs_use_cache"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LoggingConfig controls the structured logger, independent of the storage
// engine's own configuration keys.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

const envPrefix = "NEBULASTORE"

// GetDefaultConfig returns a Config populated entirely from built-in
// defaults, matching spec.md §6's configuration key defaults.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills any zero-valued field with spec.md §6's default,
// leaving explicitly set values untouched.
func ApplyDefaults(cfg *Config) {
	if cfg.StorageDirectory == "" {
		cfg.StorageDirectory = defaultStorageDirectory()
	}
	if cfg.ChannelCount <= 0 {
		cfg.ChannelCount = runtime.NumCPU()
	}
	if cfg.EntityCacheThresholdBytes == 0 {
		cfg.EntityCacheThresholdBytes = bytesize.GiB
	}
	if cfg.EntityCacheTimeout == 0 {
		cfg.EntityCacheTimeout = 24 * time.Hour
	}
	if cfg.DataFileMaxSize == 0 {
		cfg.DataFileMaxSize = 100 * bytesize.MiB
	}
	if cfg.HousekeepingInterval == 0 {
		cfg.HousekeepingInterval = time.Minute
	}
	if cfg.HousekeepingTimeBudget == 0 {
		cfg.HousekeepingTimeBudget = 10 * time.Millisecond
	}
	if cfg.AfsStorageType == "" {
		cfg.AfsStorageType = "nio"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// Validate checks invariants Load's defaulting can't fix on its own.
func Validate(cfg *Config) error {
	if cfg.ChannelCount < 1 {
		return fmt.Errorf("channel_count must be >= 1, got %d", cfg.ChannelCount)
	}
	if cfg.DataFileMinSize > 0 && cfg.DataFileMaxSize > 0 && cfg.DataFileMinSize > cfg.DataFileMaxSize {
		return fmt.Errorf("data_file_min_size (%d) exceeds data_file_max_size (%d)", cfg.DataFileMinSize, cfg.DataFileMaxSize)
	}
	switch strings.ToUpper(cfg.Logging.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG, INFO, WARN, ERROR, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}
	if cfg.UseAfs {
		switch cfg.AfsStorageType {
		case "nio", "s3":
		default:
			return fmt.Errorf("AFS storage type '%s' is not supported", cfg.AfsStorageType)
		}
	}
	return nil
}

// Load reads configuration from configPath (YAML), layering environment
// variables over it, and built-in defaults under it. Environment variables
// are read only for keys the file sets. An absent file is not an error: the
// caller gets pure defaults, and no environment variable is applied.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		byteSizeHookFunc(),
	)
	if found {
		if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else {
		for _, key := range v.AllKeys() {
			applyViperOverride(cfg, key, v)
		}
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyViperOverride decodes one viper key into cfg. Load calls it for each
// key viper lists when no config file was found; viper lists no keys then,
// since AutomaticEnv binds none, so on that path no environment variable
// reaches cfg.
func applyViperOverride(cfg *Config, key string, v *viper.Viper) {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			byteSizeHookFunc(),
		),
		Result: cfg,
	})
	if err != nil {
		return
	}
	_ = decoder.Decode(map[string]interface{}{key: v.Get(key)})
}

// byteSizeHookFunc lets data_file_min_size/data_file_max_size/
// entity_cache_threshold_bytes be written as human-readable strings like
// "100MB" in YAML or an environment variable, parsed the same way
// bytesize.ByteSize.UnmarshalText already parses them for YAML-native
// unmarshaling.
func byteSizeHookFunc() mapstructure.DecodeHookFunc {
	byteSizeType := reflect.TypeOf(bytesize.ByteSize(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != byteSizeType {
			return data, nil
		}
		s, ok := data.(string)
		if !ok {
			return data, nil
		}
		return bytesize.ParseByteSize(s)
	}
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(defaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// SaveConfig writes cfg as YAML to path, creating parent directories as
// needed, matching the teacher's config-save round trip used by `init`.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "nebulastore")
	}
	return "."
}

func defaultStorageDirectory() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".local", "share", "nebulastore")
	}
	return "nebulastore-data"
}

// DefaultConfigPath returns the default config.yaml location, used by
// `nebulastore init` and `MustLoad`.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}

// MustLoad loads configuration from the default location (or configPath, if
// given). An explicitly given configPath that does not exist yields a
// user-facing error pointing at `nebulastore init`; a missing file at the
// default location is not an error, and Load falls back to defaults.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = DefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\nrun: nebulastore init --config %s", configPath, configPath)
	}
	return Load(configPath)
}
