package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

const (
	DefaultEconomyModel     = "gpt-4o-mini"
	DefaultPremiumModel     = "gpt-4o"
	DefaultTemperature      = 0.85
	DefaultMaxTokens        = 1024
	DefaultHistoryWindow    = 10
	DefaultEmbeddingModel   = "text-embedding-3-small"
	DefaultEmbeddingTimeout = 15000
	DefaultCallTimeout      = "60s"
	DefaultChunkTimeout     = "20s"
	DefaultPollInterval     = "2s"
	DefaultMaxAttempts      = 5
	DefaultVectorRetention  = 500
	DefaultPruneSchedule    = "0 0 3 * * *"
	DefaultPurgeSchedule    = "0 0 * * * *"
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 8000
	DefaultLogLevel         = "info"
	DefaultBufSize          = 100
)

type Config struct {
	Provider    ProviderConfig    `json:"provider"`
	Models      ModelsConfig      `json:"models"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Store       StoreConfig       `json:"store"`
	Prompts     PromptsConfig     `json:"prompts"`
	Generation  GenerationConfig  `json:"generation"`
	Background  BackgroundConfig  `json:"background"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Channels    ChannelsConfig    `json:"channels"`
	Gateway     GatewayConfig     `json:"gateway"`
	Log         LogConfig         `json:"log"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "openai" (default) or "anthropic"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ModelsConfig struct {
	Economy       string  `json:"economy"`
	Premium       string  `json:"premium"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"maxTokens"`
	HistoryWindow int     `json:"historyWindow"`
}

type EmbeddingConfig struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	BaseURL   string `json:"baseUrl,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type PromptsConfig struct {
	Dir string `json:"dir"`
}

type GenerationConfig struct {
	CallTimeout  string `json:"callTimeout"`
	ChunkTimeout string `json:"chunkTimeout"`
}

type BackgroundConfig struct {
	PollInterval string `json:"pollInterval"`
	MaxAttempts  int    `json:"maxAttempts"`
}

type MaintenanceConfig struct {
	VectorRetention int    `json:"vectorRetention"`
	PruneSchedule   string `json:"pruneSchedule"`
	PurgeSchedule   string `json:"purgeSchedule"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	CORSOrigins []string `json:"corsOrigins,omitempty"`
}

type LogConfig struct {
	Level string `json:"level"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Provider: ProviderConfig{Type: "openai"},
		Models: ModelsConfig{
			Economy:       DefaultEconomyModel,
			Premium:       DefaultPremiumModel,
			Temperature:   DefaultTemperature,
			MaxTokens:     DefaultMaxTokens,
			HistoryWindow: DefaultHistoryWindow,
		},
		Embedding: EmbeddingConfig{
			Model:     DefaultEmbeddingModel,
			TimeoutMs: DefaultEmbeddingTimeout,
		},
		Store:   StoreConfig{DBPath: filepath.Join(dir, "data", "keepsake.db")},
		Prompts: PromptsConfig{Dir: filepath.Join(dir, "prompts")},
		Generation: GenerationConfig{
			CallTimeout:  DefaultCallTimeout,
			ChunkTimeout: DefaultChunkTimeout,
		},
		Background: BackgroundConfig{
			PollInterval: DefaultPollInterval,
			MaxAttempts:  DefaultMaxAttempts,
		},
		Maintenance: MaintenanceConfig{
			VectorRetention: DefaultVectorRetention,
			PruneSchedule:   DefaultPruneSchedule,
			PurgeSchedule:   DefaultPurgeSchedule,
		},
		Gateway: GatewayConfig{
			Host:        DefaultHost,
			Port:        DefaultPort,
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".keepsake")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadConfig reads the config file, then a .env in the working directory, then the
// environment. Later sources win.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnv(cfg)
	fillDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("KEEPSAKE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" || cfg.Provider.Type == "openai" {
			cfg.Provider.Type = "anthropic"
		}
	}
	if p := os.Getenv("KEEPSAKE_PROVIDER"); p != "" {
		cfg.Provider.Type = strings.ToLower(p)
	}
	if url := os.Getenv("KEEPSAKE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if path := os.Getenv("KEEPSAKE_DB_PATH"); path != "" {
		cfg.Store.DBPath = path
	}
	if dir := os.Getenv("KEEPSAKE_PROMPTS_DIR"); dir != "" {
		cfg.Prompts.Dir = dir
	}
	if token := os.Getenv("KEEPSAKE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if key := os.Getenv("KEEPSAKE_EMBEDDING_API_KEY"); key != "" {
		cfg.Embedding.APIKey = key
	}
	if level := os.Getenv("KEEPSAKE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

func fillDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Models.Economy == "" {
		cfg.Models.Economy = def.Models.Economy
	}
	if cfg.Models.Premium == "" {
		cfg.Models.Premium = def.Models.Premium
	}
	if cfg.Models.HistoryWindow <= 0 {
		cfg.Models.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = def.Store.DBPath
	}
	if cfg.Prompts.Dir == "" {
		cfg.Prompts.Dir = def.Prompts.Dir
	}
	if cfg.Background.MaxAttempts <= 0 {
		cfg.Background.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Maintenance.VectorRetention <= 0 {
		cfg.Maintenance.VectorRetention = DefaultVectorRetention
	}
	if cfg.Maintenance.PruneSchedule == "" {
		cfg.Maintenance.PruneSchedule = DefaultPruneSchedule
	}
	if cfg.Maintenance.PurgeSchedule == "" {
		cfg.Maintenance.PurgeSchedule = DefaultPurgeSchedule
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = DefaultPort
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// EmbeddingKey returns the key used for embeddings, falling back to the provider key
// when the provider speaks the OpenAI API.
func (c *Config) EmbeddingKey() string {
	if c.Embedding.APIKey != "" {
		return c.Embedding.APIKey
	}
	if c.Provider.Type == "" || c.Provider.Type == "openai" {
		return c.Provider.APIKey
	}
	return ""
}

func (g GenerationConfig) Timeouts() (call, chunk time.Duration) {
	return parseDuration(g.CallTimeout, DefaultCallTimeout), parseDuration(g.ChunkTimeout, DefaultChunkTimeout)
}

func (b BackgroundConfig) Interval() time.Duration {
	return parseDuration(b.PollInterval, DefaultPollInterval)
}

func parseDuration(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(fallback)
	return d
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func NewLogger(level string) *log.Logger {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
}
