package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"

	BackendPGVector = "pgvector"
	BackendChromem  = "chromem"

	SplitterRecursive = "recursive"
	SplitterSentence  = "sentence"
)

type LLMConfig struct {
	Provider         string  `yaml:"provider"`
	BaseURL          string  `yaml:"base_url"`
	APIKey           string  `yaml:"api_key"`
	Model            string  `yaml:"model"`
	EmbeddingModel   string  `yaml:"embedding_model"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	CondenseQuestion bool    `yaml:"condense_question"`
	HistoryLimit     int     `yaml:"history_limit"`
	CiteSources      bool    `yaml:"cite_sources"`
}

type DatabaseConfig struct {
	URL         string `yaml:"url"`
	TableName   string `yaml:"table_name"`
	VectorDim   int    `yaml:"vector_dim"`
	BatchSize   int    `yaml:"batch_size"`
	SearchLimit int    `yaml:"search_limit"`
}

type IndexConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

type ScraperConfig struct {
	MaxDepth          int           `yaml:"max_depth"`
	RateLimit         float64       `yaml:"rate_limit"`
	IgnorePatterns    []string      `yaml:"ignore_patterns"`
	AllowedExtensions []string      `yaml:"allowed_extensions"`
	Timeout           time.Duration `yaml:"timeout"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	UserAgent         string        `yaml:"user_agent"`
}

type ProcessorConfig struct {
	Splitter        string `yaml:"splitter"`
	ChunkSize       int    `yaml:"chunk_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap"`
	MinChunkLength  int    `yaml:"min_chunk_length"`
	RemoveStopwords bool   `yaml:"remove_stopwords"`
}

type SessionConfig struct {
	Greeting       string        `yaml:"greeting"`
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type UIConfig struct {
	Streaming bool   `yaml:"streaming"`
	Theme     string `yaml:"theme"`
}

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Index     IndexConfig     `yaml:"index"`
	Scraper   ScraperConfig   `yaml:"scraper"`
	Processor ProcessorConfig `yaml:"processor"`
	Session   SessionConfig   `yaml:"session"`
	Server    ServerConfig    `yaml:"server"`
	UI        UIConfig        `yaml:"ui"`
}

func LoadConfig(path string) (*Config, error) {
	return LoadConfigWithOverrides(path, nil)
}

// LoadConfigWithOverrides is LoadConfig with override applied after the
// environment is merged and before defaults are filled in, so that derived
// defaults such as the model follow an overridden provider.
func LoadConfigWithOverrides(path string, override func(*Config)) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/sitechat/config.yaml"),
			"/etc/sitechat/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig(override)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	resolve(&config, override)
	return &config, nil
}

func getDefaultConfig(override func(*Config)) (*Config, error) {
	config := &Config{}
	resolve(config, override)
	return config, nil
}

// resolve layers the environment, then override, then defaults onto config.
func resolve(config *Config, override func(*Config)) {
	mergeWithEnv(config)
	baseURL := config.LLM.BaseURL
	if override != nil {
		override(config)
	}
	// OLLAMA_BASE_URL only names an Ollama host, so it is applied once the
	// provider is settled. An overridden base URL wins over it.
	if config.LLM.BaseURL == baseURL {
		mergeOllamaEnv(config)
	}
	applyDefaults(config)
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = ProviderOllama
	}
	if config.LLM.Model == "" {
		if config.LLM.Provider == ProviderOpenAI {
			config.LLM.Model = "gpt-4o-mini"
		} else {
			config.LLM.Model = "mistral"
		}
	}
	if config.LLM.EmbeddingModel == "" {
		if config.LLM.Provider == ProviderOpenAI {
			config.LLM.EmbeddingModel = "text-embedding-3-small"
		} else {
			config.LLM.EmbeddingModel = "nomic-embed-text:latest"
		}
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" && config.LLM.Provider == ProviderOllama {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.HistoryLimit == 0 {
		config.LLM.HistoryLimit = 10
	}

	if config.Index.Backend == "" {
		config.Index.Backend = BackendChromem
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "documents"
	}
	if config.Database.VectorDim == 0 {
		if config.LLM.Provider == ProviderOpenAI {
			config.Database.VectorDim = 1536
		} else {
			config.Database.VectorDim = 768
		}
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}
	if config.Database.SearchLimit == 0 {
		config.Database.SearchLimit = 4
	}

	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if len(config.Scraper.AllowedExtensions) == 0 {
		config.Scraper.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}
	if config.Scraper.Timeout == 0 {
		config.Scraper.Timeout = 30 * time.Second
	}
	if config.Scraper.ProbeTimeout == 0 {
		config.Scraper.ProbeTimeout = 5 * time.Second
	}

	if config.Processor.Splitter == "" {
		config.Processor.Splitter = SplitterRecursive
	}
	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 200
	}

	if config.Session.Greeting == "" {
		config.Session.Greeting = "Hello! How can I help you?"
	}
	if config.Session.CleanupTimeout == 0 {
		config.Session.CleanupTimeout = 30 * time.Second
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.UI.Theme == "" {
		config.UI.Theme = "default"
	}
}

func mergeOllamaEnv(config *Config) {
	if config.LLM.Provider != "" && config.LLM.Provider != ProviderOllama {
		return
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
}

func mergeWithEnv(config *Config) {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.LLM.APIKey = apiKey
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if backend := os.Getenv("SITECHAT_INDEX_BACKEND"); backend != "" {
		config.Index.Backend = backend
	}
}

// Check joins validation errors into a single startup error.
func Check(errs []ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(joined...))
}
