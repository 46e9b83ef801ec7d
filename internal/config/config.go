package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete controller configuration, assembled from CLI
// flags, an optional YAML file, and AUTOPHONE_-prefixed environment
// variables. Precedence follows viper's normal order: flags win, then
// env, then the config file, then these defaults.
type Config struct {
	Serve ServeConfig `mapstructure:"serve"`
	Crash CrashConfig `mapstructure:"crash"`
	Cache CacheConfig `mapstructure:"cache"`
	Log   LogConfig   `mapstructure:"log"`
}

// ServeConfig mirrors the `serve` subcommand's flags.
type ServeConfig struct {
	ClearCache       bool   `mapstructure:"clear_cache"`
	NoReboot         bool   `mapstructure:"no_reboot"`
	IPAddr           string `mapstructure:"ipaddr"`
	Port             int    `mapstructure:"port"`
	RosterPath       string `mapstructure:"cache"`
	TestPath         string `mapstructure:"test_path"`
	EmailConfigPath  string `mapstructure:"emailcfg"`
	DisablePulse     bool   `mapstructure:"disable_pulse"`
	EnableUnittests  bool   `mapstructure:"enable_unittests"`
	OverrideBuildDir string `mapstructure:"override_build_dir"`
}

// CrashConfig configures the sliding-window crash counter: threshold
// and window are externalized rather than hardcoded.
type CrashConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
}

// CacheConfig holds build-cache settings (disk-backed xxhash store).
type CacheConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxSize  int64  `mapstructure:"max_size_mb"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"` // DEBUG, INFO, WARNING, ERROR
	File  string `mapstructure:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Serve: ServeConfig{
			Port:       28001,
			RosterPath: "autophone_cache.json",
			TestPath:   "tests/manifest.ini",
		},
		Crash: CrashConfig{
			Threshold: 3,
			Window:    30 * time.Minute,
		},
		Cache: CacheConfig{
			Dir:      "autophone_builds",
			MaxSize:  4096, // 4GB
			TTLHours: 168,  // 7 days
		},
		Log: LogConfig{
			Level: "INFO",
			File:  "autophone.log",
		},
	}
}

// Load loads configuration from an optional file and the environment.
// A missing config file is not an error: defaults (overridable by flags
// and environment) apply.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("autophone")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/autophone")
		v.AddConfigPath("/etc/autophone")
	}

	v.SetEnvPrefix("AUTOPHONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("serve.ipaddr", cfg.Serve.IPAddr)
	v.SetDefault("serve.port", cfg.Serve.Port)
	v.SetDefault("serve.cache", cfg.Serve.RosterPath)
	v.SetDefault("serve.test_path", cfg.Serve.TestPath)
	v.SetDefault("serve.emailcfg", cfg.Serve.EmailConfigPath)
	v.SetDefault("serve.disable_pulse", cfg.Serve.DisablePulse)
	v.SetDefault("serve.enable_unittests", cfg.Serve.EnableUnittests)
	v.SetDefault("serve.override_build_dir", cfg.Serve.OverrideBuildDir)
	v.SetDefault("serve.clear_cache", cfg.Serve.ClearCache)
	v.SetDefault("serve.no_reboot", cfg.Serve.NoReboot)

	v.SetDefault("crash.threshold", cfg.Crash.Threshold)
	v.SetDefault("crash.window", cfg.Crash.Window)

	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("cache.max_size_mb", cfg.Cache.MaxSize)
	v.SetDefault("cache.ttl_hours", cfg.Cache.TTLHours)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.file", cfg.Log.File)
}

// ValidLogLevel reports whether level is one of the levels allowed on
// the CLI. The caller exits nonzero on an invalid level.
func ValidLogLevel(level string) bool {
	switch level {
	case "ERROR", "WARNING", "DEBUG", "INFO":
		return true
	default:
		return false
	}
}

// WriteExample writes an example config file.
func WriteExample(path string) error {
	example := `# Autophone device-farm controller configuration

serve:
  ipaddr: ""              # empty = autodetect
  port: 28001
  cache: autophone_cache.json
  test_path: tests/manifest.ini
  emailcfg: ""
  disable_pulse: false
  enable_unittests: false
  override_build_dir: ""
  clear_cache: false
  no_reboot: false

crash:
  threshold: 3
  window: 30m

cache:
  dir: autophone_builds
  max_size_mb: 4096
  ttl_hours: 168

log:
  level: INFO              # DEBUG, INFO, WARNING, ERROR
  file: autophone.log
`
	return os.WriteFile(path, []byte(example), 0644)
}
