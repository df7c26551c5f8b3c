package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied via the accessor helpers.
//
// Example (~/.shieldauth/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8090
// database:
//   path: ~/.shieldauth/shieldauth.db
// generation:
//   provider: openai
//   model: gpt-4o-mini
//   api_key: sk-...
//   timeout_seconds: 120
// retrieval:
//   vector_store_path: ~/.shieldauth/vectors
//   embedding_provider: gemini
//   embedding_model: gemini-embedding-001
//   target_dim: 3072
//   top_k: 5
//
// Notes:
// - If the config file does not exist, Load returns defaults without error.
// - If the config file exists but cannot be parsed, Load returns an error.
// - Port must be between 1 and 65535.

type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Generation GenerationConfig `yaml:"generation"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
}

type ServerConfig struct {
	Host *string `yaml:"host"`
	Port *int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path *string `yaml:"path"`
}

type GenerationConfig struct {
	Provider       *string `yaml:"provider"` // openai, gemini, ollama
	Model          *string `yaml:"model"`
	APIKey         *string `yaml:"api_key"`
	BaseURL        *string `yaml:"base_url"`
	TimeoutSeconds *int    `yaml:"timeout_seconds"`
}

type RetrievalConfig struct {
	VectorStorePath   *string `yaml:"vector_store_path"`
	EmbeddingProvider *string `yaml:"embedding_provider"` // openai, gemini
	EmbeddingModel    *string `yaml:"embedding_model"`
	EmbeddingAPIKey   *string `yaml:"embedding_api_key"`
	TargetDim         *int    `yaml:"target_dim"`
	TopK              *int    `yaml:"top_k"`
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8090

	DefaultGenerationProvider = "openai"
	DefaultGenerationModel    = "gpt-4o-mini"
	DefaultGenerationTimeout  = 120 * time.Second

	DefaultEmbeddingProvider = "gemini"
	DefaultEmbeddingModel    = "gemini-embedding-001"
	DefaultTargetDim         = 3072
	DefaultTopK              = 5
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".shieldauth")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.shieldauth/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	// Validate
	host := cfg.Host()
	if strings.TrimSpace(host) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}

	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}

	if dim := cfg.TargetDim(); dim < 1 {
		return nil, "", fmt.Errorf("invalid retrieval.target_dim %d in %s", dim, configFile)
	}

	return cfg, configFile, nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{
		Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)},
	}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions; the file may hold API keys.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// DatabasePath returns the sqlite file path, defaulting to
// ~/.shieldauth/shieldauth.db.
func (c *AppConfig) DatabasePath() string {
	if c != nil && c.Database.Path != nil && strings.TrimSpace(*c.Database.Path) != "" {
		return *c.Database.Path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "shieldauth.db"
	}
	return filepath.Join(home, ".shieldauth", "shieldauth.db")
}

func (c *AppConfig) GenerationProvider() string {
	if c == nil || c.Generation.Provider == nil || strings.TrimSpace(*c.Generation.Provider) == "" {
		return DefaultGenerationProvider
	}
	return strings.ToLower(strings.TrimSpace(*c.Generation.Provider))
}

func (c *AppConfig) GenerationModel() string {
	if c == nil || c.Generation.Model == nil || strings.TrimSpace(*c.Generation.Model) == "" {
		return DefaultGenerationModel
	}
	return *c.Generation.Model
}

func (c *AppConfig) GenerationAPIKey() string {
	if c != nil && c.Generation.APIKey != nil && *c.Generation.APIKey != "" {
		return *c.Generation.APIKey
	}
	return os.Getenv("SHIELDAUTH_API_KEY")
}

func (c *AppConfig) GenerationBaseURL() string {
	if c == nil || c.Generation.BaseURL == nil {
		return ""
	}
	return strings.TrimSpace(*c.Generation.BaseURL)
}

func (c *AppConfig) GenerationTimeout() time.Duration {
	if c == nil || c.Generation.TimeoutSeconds == nil || *c.Generation.TimeoutSeconds <= 0 {
		return DefaultGenerationTimeout
	}
	return time.Duration(*c.Generation.TimeoutSeconds) * time.Second
}

// VectorStorePath returns the chromem-go persistence directory, defaulting to
// ~/.shieldauth/vectors.
func (c *AppConfig) VectorStorePath() string {
	if c != nil && c.Retrieval.VectorStorePath != nil && strings.TrimSpace(*c.Retrieval.VectorStorePath) != "" {
		return *c.Retrieval.VectorStorePath
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "vectors"
	}
	return filepath.Join(home, ".shieldauth", "vectors")
}

func (c *AppConfig) EmbeddingProvider() string {
	if c == nil || c.Retrieval.EmbeddingProvider == nil || strings.TrimSpace(*c.Retrieval.EmbeddingProvider) == "" {
		return DefaultEmbeddingProvider
	}
	return strings.ToLower(strings.TrimSpace(*c.Retrieval.EmbeddingProvider))
}

func (c *AppConfig) EmbeddingModel() string {
	if c == nil || c.Retrieval.EmbeddingModel == nil || strings.TrimSpace(*c.Retrieval.EmbeddingModel) == "" {
		return DefaultEmbeddingModel
	}
	return *c.Retrieval.EmbeddingModel
}

func (c *AppConfig) EmbeddingAPIKey() string {
	if c != nil && c.Retrieval.EmbeddingAPIKey != nil && *c.Retrieval.EmbeddingAPIKey != "" {
		return *c.Retrieval.EmbeddingAPIKey
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return key
	}
	return c.GenerationAPIKey()
}

func (c *AppConfig) TargetDim() int {
	if c == nil || c.Retrieval.TargetDim == nil {
		return DefaultTargetDim
	}
	return *c.Retrieval.TargetDim
}

func (c *AppConfig) TopK() int {
	if c == nil || c.Retrieval.TopK == nil || *c.Retrieval.TopK <= 0 {
		return DefaultTopK
	}
	return *c.Retrieval.TopK
}

func ptr[T any](v T) *T { return &v }
