package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultFile      = "vault.json"
	DefaultProgramID = "0x5ca1ab1e00000000000000000000000000000001"
)

// VaultConfig contains configuration shared by the vault daemons
type VaultConfig struct {
	ProgramID        string        `json:"program_id"`
	APIPort          int           `json:"api_port"`
	APIKey           string        `json:"api_key"`
	DatabaseURL      string        `json:"database_url"`
	SignatureMaxSkew string        `json:"signature_max_skew"` // "30s", "2m", ...
	DevFaucet        bool          `json:"dev_faucet"`
	LogLevel         string        `json:"log_level"`
	LogDir           string        `json:"log_dir"`
	Redis            RedisConfig   `json:"redis"`
	Kafka            KafkaConfig   `json:"kafka"`
	Archive          ArchiveConfig `json:"archive"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

type KafkaConfig struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
}

type ArchiveConfig struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
	Region string `json:"region"`
}

// Program parses ProgramID
func (c *VaultConfig) Program() (common.Address, error) {
	if !common.IsHexAddress(c.ProgramID) {
		return common.Address{}, fmt.Errorf("invalid program_id %q", c.ProgramID)
	}
	return common.HexToAddress(c.ProgramID), nil
}

// MaxSkew parses the signature timestamp window
func (c *VaultConfig) MaxSkew() (time.Duration, error) {
	if c.SignatureMaxSkew == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(c.SignatureMaxSkew)
	if err != nil {
		return 0, fmt.Errorf("invalid signature_max_skew: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("signature_max_skew must be positive")
	}
	return d, nil
}

// Loader handles loading and managing configuration
type Loader struct {
	configDir string
	cache     map[string]*VaultConfig
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return NewLoaderWithDir("configs")
}

// NewLoaderWithDir creates a loader with a custom config directory
func NewLoaderWithDir(dir string) *Loader {
	return &Loader{
		configDir: dir,
		cache:     make(map[string]*VaultConfig),
	}
}

// Load reads the file, applies defaults and then environment overrides.
// A missing file is not an error; the daemons can run from env alone.
func (l *Loader) Load(filename string) (*VaultConfig, error) {
	if cached, exists := l.cache[filename]; exists {
		return cached, nil
	}

	var config VaultConfig
	if err := l.loadJSON(filename, &config); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	l.applyDefaults(&config)
	if err := l.LoadFromEnv(&config); err != nil {
		return nil, err
	}
	if _, err := config.Program(); err != nil {
		return nil, err
	}
	if _, err := config.MaxSkew(); err != nil {
		return nil, err
	}

	l.cache[filename] = &config
	return &config, nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (l *Loader) LoadFromEnv(config *VaultConfig) error {
	str := map[string]*string{
		"VAULT_PROGRAM_ID":   &config.ProgramID,
		"API_KEY":            &config.APIKey,
		"DATABASE_URL":       &config.DatabaseURL,
		"SIGNATURE_MAX_SKEW": &config.SignatureMaxSkew,
		"LOG_LEVEL":          &config.LogLevel,
		"LOG_DIR":            &config.LogDir,
		"REDIS_ADDR":         &config.Redis.Addr,
		"REDIS_PASSWORD":     &config.Redis.Password,
		"REDIS_KEY":          &config.Redis.Key,
		"KAFKA_TOPIC":        &config.Kafka.Topic,
		"ARCHIVE_S3_BUCKET":  &config.Archive.Bucket,
		"ARCHIVE_S3_PREFIX":  &config.Archive.Prefix,
		"AWS_REGION":         &config.Archive.Region,
	}
	for key, dst := range str {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}

	if val := os.Getenv("API_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid API_PORT %q", val)
		}
		config.APIPort = port
	}

	if val := os.Getenv("KAFKA_BROKERS"); val != "" {
		config.Kafka.Brokers = nil
		for _, b := range strings.Split(val, ",") {
			if b = strings.TrimSpace(b); b != "" {
				config.Kafka.Brokers = append(config.Kafka.Brokers, b)
			}
		}
	}

	if val := os.Getenv("DEV_FAUCET"); val != "" {
		config.DevFaucet = val == "true" || val == "1"
	}
	return nil
}

// SaveConfig saves a configuration to file
func (l *Loader) SaveConfig(filename string, config *VaultConfig) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := l.getConfigPath(filename)

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	delete(l.cache, filename)
	return nil
}

// GenerateDefaultConfig writes a starter vault.json
func (l *Loader) GenerateDefaultConfig() error {
	config := &VaultConfig{}
	l.applyDefaults(config)
	config.DevFaucet = true
	config.Redis.Addr = "localhost:6379"
	config.Kafka.Brokers = []string{"localhost:9092"}
	return l.SaveConfig(DefaultFile, config)
}

func (l *Loader) loadJSON(filename string, v interface{}) error {
	data, err := os.ReadFile(l.getConfigPath(filename))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) getConfigPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(l.configDir, filename)
}

func (l *Loader) applyDefaults(config *VaultConfig) {
	if config.ProgramID == "" {
		config.ProgramID = DefaultProgramID
	}
	if config.APIPort == 0 {
		config.APIPort = 8080
	}
	if config.SignatureMaxSkew == "" {
		config.SignatureMaxSkew = "30s"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogDir == "" {
		config.LogDir = "logs"
	}
	if config.Redis.Key == "" {
		config.Redis.Key = "vault:strategies"
	}
	if config.Kafka.Topic == "" {
		config.Kafka.Topic = "vault.events"
	}
	if config.Archive.Prefix == "" {
		config.Archive.Prefix = "vault-events"
	}
	if config.Archive.Region == "" {
		config.Archive.Region = "us-east-1"
	}
}
