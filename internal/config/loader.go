// Package config provides configuration loading for the moltgate executor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for moltgate.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("moltgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MOLTGATE_SERVER_LISTEN_ADDR
	viper.SetEnvPrefix("MOLTGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a moltgate config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".moltgate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "moltgate"))
		}
	} else {
		paths = append(paths, "/etc/moltgate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for moltgate.yaml
// or .yml. Returns the full path of the first match, or empty string if
// none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "moltgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every config key that makes sense to override
// via a single environment variable. Slice-valued keys (actions) are left
// to the config file; Viper's env parsing does not cleanly support
// overriding list elements.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.listen_addr")
	_ = viper.BindEnv("server.metrics_addr")
	_ = viper.BindEnv("server.workers")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.name")
	_ = viper.BindEnv("server.version")

	_ = viper.BindEnv("audit.dir")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.cache_size")
	_ = viper.BindEnv("audit.index_path")

	_ = viper.BindEnv("canary.tokens_path")
	_ = viper.BindEnv("canary.trigger_log_path")

	_ = viper.BindEnv("kill_switch.marker_path")
	_ = viper.BindEnv("kill_switch.poll_interval")

	_ = viper.BindEnv("secrets.dir")
	_ = viper.BindEnv("secrets.key_file")
	_ = viper.BindEnv("secrets.binary")

	_ = viper.BindEnv("approval.decider_hash")
	_ = viper.BindEnv("approval.timeout")
	_ = viper.BindEnv("approval.poll_interval")

	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.max_ttl")

	_ = viper.BindEnv("metrics.enabled")
	_ = viper.BindEnv("metrics.path")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config. Note: callers that need CLI
// flags to override DevMode before validation should use LoadConfigRaw
// instead, then call SetDevDefaults/Validate themselves.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply dev defaults or validate. Use this when CLI flags may
// override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found (env vars
// only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
