package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	defaultDBPath        = "chatcore.db"
	defaultFlushWindow   = time.Second
	defaultWorkerThreads = 2
	defaultSSEBatchSize  = 256
	defaultHTTPAddr      = "127.0.0.1:8080"

	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
	defaultGeminiModel   = "gemini-1.5-flash-latest"
)

type BotKind string

const (
	BotOpenAI   BotKind = "openai"
	BotPolestar BotKind = "polestar"
	BotGemini   BotKind = "gemini"
)

// Bot is one entry of the bot catalog.
type Bot struct {
	ID           int64    `toml:"id" json:"id"`
	Name         string   `toml:"name" json:"name"`
	Kind         BotKind  `toml:"kind" json:"kind"`
	Model        string   `toml:"model" json:"model"`
	BaseURL      string   `toml:"base_url" json:"base_url,omitempty"`
	APIKey       string   `toml:"api_key" json:"api_key,omitempty"`
	SystemPrompt string   `toml:"system_prompt" json:"system_prompt,omitempty"`
	Temperature  *float64 `toml:"temperature" json:"temperature,omitempty"`
}

// Duration decodes Go duration strings ("1s", "250ms") from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	DBPath        string   `toml:"db_path"`
	FlushWindow   Duration `toml:"flush_window"`
	WorkerThreads int      `toml:"worker_threads"`
	SSEBatchSize  int      `toml:"sse_batch_size"`
	LogLevel      string   `toml:"log_level"`
	LogFormat     string   `toml:"log_format"`
	HTTPAddr      string   `toml:"http_addr"`
	Bots          []Bot    `toml:"bots"`

	OpenAIAPIKey   string `toml:"-"`
	GeminiAPIKey   string `toml:"-"`
	PolestarAPIKey string `toml:"-"`
}

func defaults() Config {
	return Config{
		DBPath:        defaultDBPath,
		FlushWindow:   Duration{defaultFlushWindow},
		WorkerThreads: defaultWorkerThreads,
		SSEBatchSize:  defaultSSEBatchSize,
		LogLevel:      "info",
		LogFormat:     "text",
		HTTPAddr:      defaultHTTPAddr,
	}
}

// Load reads .env, the optional TOML file named by CHATCORE_CONFIG and
// environment overrides, in that order, then validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	cfg := defaults()
	if path := getEnv("CHATCORE_CONFIG", ""); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.fillBots()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.DBPath = getEnv("CHATCORE_DB_PATH", c.DBPath)
	c.LogLevel = getEnv("CHATCORE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("CHATCORE_LOG_FORMAT", c.LogFormat)
	c.HTTPAddr = getEnv("CHATCORE_HTTP_ADDR", c.HTTPAddr)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.GeminiAPIKey)
	c.PolestarAPIKey = getEnv("POLESTAR_API_KEY", c.PolestarAPIKey)

	if v := getEnv("CHATCORE_FLUSH_WINDOW", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CHATCORE_FLUSH_WINDOW %q: %w", v, err)
		}
		c.FlushWindow = Duration{d}
	}
	var err error
	if c.WorkerThreads, err = getEnvAsInt("CHATCORE_WORKER_THREADS", c.WorkerThreads); err != nil {
		return err
	}
	if c.SSEBatchSize, err = getEnvAsInt("CHATCORE_SSE_BATCH_SIZE", c.SSEBatchSize); err != nil {
		return err
	}
	return nil
}

// fillBots supplies each bot without a key from its own provider's
// variable and, when the catalog is empty, registers a default bot per
// configured provider key.
func (c *Config) fillBots() {
	for i := range c.Bots {
		b := &c.Bots[i]
		if b.APIKey != "" {
			continue
		}
		switch b.Kind {
		case BotOpenAI:
			b.APIKey = c.OpenAIAPIKey
		case BotPolestar:
			b.APIKey = c.PolestarAPIKey
		case BotGemini:
			b.APIKey = c.GeminiAPIKey
		}
	}
	if len(c.Bots) > 0 {
		return
	}
	if c.OpenAIAPIKey != "" {
		c.Bots = append(c.Bots, Bot{
			ID: 1, Name: "ChatGPT", Kind: BotOpenAI,
			Model: defaultOpenAIModel, BaseURL: defaultOpenAIBaseURL, APIKey: c.OpenAIAPIKey,
		})
	}
	if c.GeminiAPIKey != "" {
		c.Bots = append(c.Bots, Bot{
			ID: 2, Name: "Gemini", Kind: BotGemini,
			Model: defaultGeminiModel, APIKey: c.GeminiAPIKey,
		})
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path must not be empty"))
	}
	if c.FlushWindow.Duration <= 0 {
		errs = append(errs, fmt.Errorf("flush_window must be positive, got %s", c.FlushWindow.Duration))
	}
	if c.WorkerThreads <= 0 {
		errs = append(errs, fmt.Errorf("worker_threads must be positive, got %d", c.WorkerThreads))
	}
	if c.SSEBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("sse_batch_size must be positive, got %d", c.SSEBatchSize))
	}
	seen := make(map[int64]bool, len(c.Bots))
	for _, b := range c.Bots {
		if seen[b.ID] {
			errs = append(errs, fmt.Errorf("duplicate bot id %d", b.ID))
		}
		seen[b.ID] = true
		switch b.Kind {
		case BotOpenAI, BotPolestar:
			if b.BaseURL == "" {
				errs = append(errs, fmt.Errorf("bot %d: base_url is required for %s", b.ID, b.Kind))
			}
		case BotGemini:
		default:
			errs = append(errs, fmt.Errorf("bot %d: unknown kind %q", b.ID, b.Kind))
		}
	}
	return errors.Join(errs...)
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, valueStr, err)
	}
	return value, nil
}
