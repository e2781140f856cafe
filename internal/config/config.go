package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	GatewayURL        string   `yaml:"gatewayURL"`
	LogLevel          string   `yaml:"logLevel"`
	DataDir           string   `yaml:"dataDir"`
	SnapshotBackend   string   `yaml:"snapshotBackend"`
	RedisAddr         string   `yaml:"redisAddr"`
	RedisPassword     string   `yaml:"redisPassword"`
	PollInterval      string   `yaml:"pollInterval"`
	MaxPollAttempts   int      `yaml:"maxPollAttempts"`
	MaxUploadBytes    int64    `yaml:"maxUploadBytes"`
	AllowedExtensions []string `yaml:"allowedExtensions"`
	ChatMode          string   `yaml:"chatMode"`
	IncludeCitations  bool     `yaml:"includeCitations"`
}

// Load reads config from path (defaults to config.yaml) and applies
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("BOOKCHAT_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOOKCHAT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOOKCHAT_DATA_DIR"); v != "" {
		cfg.DataDir = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOOKCHAT_SNAPSHOT_BACKEND"); v != "" {
		cfg.SnapshotBackend = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("BOOKCHAT_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = strings.TrimSpace(v)
	}
	if v := os.Getenv("BOOKCHAT_MAX_POLL_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.MaxPollAttempts = n
		}
	}
	if v := os.Getenv("BOOKCHAT_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("BOOKCHAT_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("BOOKCHAT_CHAT_MODE"); v != "" {
		cfg.ChatMode = strings.TrimSpace(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.SnapshotBackend == "" {
		cfg.SnapshotBackend = "file"
	}
	if cfg.PollInterval == "" {
		cfg.PollInterval = "5s"
	}
	if cfg.MaxPollAttempts == 0 {
		cfg.MaxPollAttempts = 60
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = []string{"pdf", "epub"}
	}
	if cfg.ChatMode == "" {
		cfg.ChatMode = "book_brain"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.GatewayURL == "" {
		return errors.New("config: gatewayURL is required (set in config.yaml or BOOKCHAT_GATEWAY_URL)")
	}
	if cfg.DataDir == "" {
		return errors.New("config: dataDir is required (set in config.yaml or BOOKCHAT_DATA_DIR)")
	}
	switch cfg.SnapshotBackend {
	case "file", "sqlite", "redis":
	default:
		return fmt.Errorf("config: unknown snapshotBackend %q (file, sqlite or redis)", cfg.SnapshotBackend)
	}
	if cfg.SnapshotBackend == "redis" && strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required when snapshotBackend is redis")
	}
	if cfg.MaxPollAttempts < 0 {
		return errors.New("config: maxPollAttempts must be >= 0")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParsePollInterval parses the poll interval duration string.
func ParsePollInterval(s string) (time.Duration, error) {
	if s == "" {
		return 5 * time.Second, nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pollInterval duration: %w", err)
	}
	if dur <= 0 {
		return 0, errors.New("pollInterval must be positive")
	}
	return dur, nil
}
