package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const fileName = "config.yaml"

type Config struct {
	DataDir    string `yaml:"-"`
	DBPath     string `yaml:"db_path"`
	RulesDir   string `yaml:"rules_dir"`
	PriorsPath string `yaml:"priors_path"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	Owner      string `yaml:"owner"`
}

// New resolves configuration from defaults, then the data directory's
// config.yaml, then environment variables.
func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("HEALTHGATE_DATA_DIR", filepath.Join(homeDir, ".healthgate"))
	return Load(dataDir)
}

// Load builds the configuration rooted at dataDir.
func Load(dataDir string) (*Config, error) {
	c := &Config{
		DataDir:   dataDir,
		DBPath:    filepath.Join(dataDir, "healthgate.db"),
		RulesDir:  filepath.Join(dataDir, "rules"),
		LogLevel:  "info",
		LogFormat: "text",
		Owner:     "local",
	}

	if err := c.readFile(filepath.Join(dataDir, fileName)); err != nil {
		return nil, err
	}

	c.DBPath = getEnv("HEALTHGATE_DB_PATH", c.DBPath)
	c.RulesDir = getEnv("HEALTHGATE_RULES_DIR", c.RulesDir)
	c.PriorsPath = getEnv("HEALTHGATE_PRIORS", c.PriorsPath)
	c.LogLevel = getEnv("HEALTHGATE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("HEALTHGATE_LOG_FORMAT", c.LogFormat)
	c.Owner = getEnv("HEALTHGATE_OWNER", c.Owner)

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, fmt.Errorf("unsupported log format %q (want text or json)", c.LogFormat)
	}

	return c, nil
}

// readFile overlays non-empty values from path. A missing file is fine.
func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	for _, f := range []struct {
		dst *string
		src string
	}{
		{&c.DBPath, file.DBPath},
		{&c.RulesDir, file.RulesDir},
		{&c.PriorsPath, file.PriorsPath},
		{&c.LogLevel, file.LogLevel},
		{&c.LogFormat, file.LogFormat},
		{&c.Owner, file.Owner},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.DBPath), 0755); err != nil {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
