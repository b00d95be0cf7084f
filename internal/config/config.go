// Package config wires viper-based configuration for the tract CLI
// and library defaults.
//
// Precedence: TRACT_* environment variables > project .tract/config.yaml
// (found by walking up from CWD) > ~/.config/tract/config.yaml >
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	v  *viper.Viper
	mu sync.Mutex
)

// Initialize sets up the configuration singleton. Safe to call more
// than once; later calls re-read the config file.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD to find the project .tract/config.yaml so
	//    commands work from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".tract", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory (~/.config/tract/config.yaml).
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "tract", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file,
	// e.g. TRACT_DB, TRACT_JSON, TRACT_LLM_MODEL.
	v.SetEnvPrefix("TRACT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", "")
	v.SetDefault("tract", "")
	v.SetDefault("json", false)

	v.SetDefault("cache.size", 16)

	v.SetDefault("budget.max", 0)
	v.SetDefault("budget.action", "warn")

	v.SetDefault("tokens.encoding", "cl100k_base")

	v.SetDefault("llm.model", "claude-3-5-haiku-20241022")
	v.SetDefault("llm.max-tokens", 1024)

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max-size-mb", 10)
	v.SetDefault("log.max-backups", 3)
}

func active() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		v = viper.New()
		setDefaults(v)
	}
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return active().GetString(key) }

// GetInt returns an int config value.
func GetInt(key string) int { return active().GetInt(key) }

// GetBool returns a bool config value.
func GetBool(key string) bool { return active().GetBool(key) }

// Set overrides a value for the current process (flag binding).
func Set(key string, value any) { active().Set(key, value) }

// defaultFile is the template written by `tract init`.
type defaultFile struct {
	DB     string `yaml:"db"`
	Cache  struct {
		Size int `yaml:"size"`
	} `yaml:"cache"`
	Budget struct {
		Max    int    `yaml:"max"`
		Action string `yaml:"action"`
	} `yaml:"budget"`
	Tokens struct {
		Encoding string `yaml:"encoding"`
	} `yaml:"tokens"`
	LLM struct {
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"max-tokens"`
	} `yaml:"llm"`
	Log struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// WriteDefault creates dir/.tract/config.yaml with the built-in
// defaults, refusing to overwrite an existing file.
func WriteDefault(dir string) (string, error) {
	tractDir := filepath.Join(dir, ".tract")
	if err := os.MkdirAll(tractDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", tractDir, err)
	}
	path := filepath.Join(tractDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists: %s", path)
	}

	var cfg defaultFile
	cfg.DB = filepath.Join(".tract", "tract.db")
	cfg.Cache.Size = 16
	cfg.Budget.Max = 0
	cfg.Budget.Action = "warn"
	cfg.Tokens.Encoding = "cl100k_base"
	cfg.LLM.Model = "claude-3-5-haiku-20241022"
	cfg.LLM.MaxTokens = 1024
	cfg.Log.Level = "info"

	buf, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// FindDatabasePath locates the tract database: the db config value if
// set, else .tract/tract.db found by walking up from CWD. Returns ""
// when nothing is found.
func FindDatabasePath() string {
	if db := GetString("db"); db != "" {
		return db
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		path := filepath.Join(dir, ".tract", "tract.db")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
