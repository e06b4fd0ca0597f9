package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "nutrilens.yaml"

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	PhotoPath  string `yaml:"photo_path"`

	LLMBackend    string        `yaml:"llm_backend"`
	APIKey        string        `yaml:"api_key"`
	ClaudeModel   string        `yaml:"claude_model"`
	ClaudeBaseURL string        `yaml:"claude_base_url"`
	OllamaHost    string        `yaml:"ollama_host"`
	OllamaModel   string        `yaml:"ollama_model"`
	MaxTokens     int           `yaml:"max_tokens"`
	LLMTimeout    time.Duration `yaml:"llm_timeout"`

	// Tariff in USD per million tokens.
	InputRatePerMillion  float64 `yaml:"input_rate_per_million"`
	OutputRatePerMillion float64 `yaml:"output_rate_per_million"`

	GIDataSource       string  `yaml:"gi_data_source"`
	NutrientDataSource string  `yaml:"nutrient_data_source"`
	MatchThreshold     float64 `yaml:"match_threshold"`

	HistoryBackend string `yaml:"history_backend"`
	RedisURL       string `yaml:"redis_url"`

	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`
	LogFormat string `yaml:"log_format"`
}

func defaults() *Config {
	return &Config{
		ListenAddr:           ":8080",
		DBPath:               "nutrilens.db",
		PhotoPath:            "photos",
		LLMBackend:           "claude",
		ClaudeModel:          "claude-sonnet-4-5",
		OllamaHost:           "http://localhost:11434",
		OllamaModel:          "llama3.2-vision",
		MaxTokens:            4096,
		LLMTimeout:           2 * time.Minute,
		InputRatePerMillion:  0.50,
		OutputRatePerMillion: 3.00,
		GIDataSource:         "data/gi_data.csv",
		NutrientDataSource:   "data/usda_foods.json",
		MatchThreshold:       0.4,
		HistoryBackend:       "sqlite",
		RedisURL:             "redis://localhost:6379/0",
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load resolves configuration from built-in defaults, an optional YAML file
// (NUTRILENS_CONFIG, or ./nutrilens.yaml when present), and finally the
// environment, which may itself be seeded from a .env file.
func Load() (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	cfg := defaults()
	if err := loadFile(cfg); err != nil {
		return nil, err
	}

	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.PhotoPath = getEnv("PHOTO_LOCAL_PATH", cfg.PhotoPath)
	cfg.LLMBackend = getEnv("LLM_BACKEND", cfg.LLMBackend)
	cfg.APIKey = getEnv("NUTRILENS_API_KEY", cfg.APIKey)
	cfg.ClaudeModel = getEnv("CLAUDE_MODEL", cfg.ClaudeModel)
	cfg.ClaudeBaseURL = getEnv("CLAUDE_BASE_URL", cfg.ClaudeBaseURL)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OllamaModel = getEnv("OLLAMA_MODEL", cfg.OllamaModel)
	cfg.GIDataSource = getEnv("GI_DATA_SOURCE", cfg.GIDataSource)
	cfg.NutrientDataSource = getEnv("NUTRIENT_DATA_SOURCE", cfg.NutrientDataSource)
	cfg.HistoryBackend = getEnv("HISTORY_BACKEND", cfg.HistoryBackend)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	var err error
	if cfg.MaxTokens, err = getEnvInt("LLM_MAX_TOKENS", cfg.MaxTokens); err != nil {
		return nil, err
	}
	if cfg.LLMTimeout, err = getEnvDuration("LLM_TIMEOUT", cfg.LLMTimeout); err != nil {
		return nil, err
	}
	if cfg.InputRatePerMillion, err = getEnvFloat("INPUT_RATE_PER_MILLION", cfg.InputRatePerMillion); err != nil {
		return nil, err
	}
	if cfg.OutputRatePerMillion, err = getEnvFloat("OUTPUT_RATE_PER_MILLION", cfg.OutputRatePerMillion); err != nil {
		return nil, err
	}
	if cfg.MatchThreshold, err = getEnvFloat("MATCH_THRESHOLD", cfg.MatchThreshold); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(cfg *Config) error {
	path, explicit := os.LookupEnv("NUTRILENS_CONFIG")
	if !explicit {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
