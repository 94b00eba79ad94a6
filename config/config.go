package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/siherrmann/tipper/core/hunt"
	"github.com/siherrmann/tipper/helper"
	"github.com/siherrmann/tipper/provider"
	"github.com/spf13/viper"
)

// Config holds all configuration of a tipper instance
type Config struct {
	General    GeneralConfig                `mapstructure:"general"`
	Store      StoreConfig                  `mapstructure:"store"`
	Database   helper.DatabaseConfiguration `mapstructure:"database"`
	Embedding  EmbeddingConfig              `mapstructure:"embedding"`
	LLM        provider.OpenAIConfig        `mapstructure:"llm"`
	Extractor  ExtractorConfig              `mapstructure:"extractor"`
	Rules      RulesConfig                  `mapstructure:"rules"`
	Hunt       HuntConfig                   `mapstructure:"hunt"`
	Reputation ReputationConfig             `mapstructure:"reputation"`
	Analyzer   AnalyzerConfig               `mapstructure:"analyzer"`
}

type GeneralConfig struct {
	LogLevel string `mapstructure:"log_level"`
}

// StoreConfig selects where indexed documents live
type StoreConfig struct {
	// Type is memory or postgres
	Type string `mapstructure:"type"`
	// IndexType of the embedding index, hnsw or ivfflat
	IndexType string `mapstructure:"index_type"`
}

// EmbeddingConfig selects the embedder. Provider is local, openai or none.
type EmbeddingConfig struct {
	Provider    string `mapstructure:"provider"`
	Model       string `mapstructure:"model"`
	Dimensions  int    `mapstructure:"dimensions"`
	BatchSize   int    `mapstructure:"batch_size"`
	Concurrency int    `mapstructure:"concurrency"`
}

type ExtractorConfig struct {
	ActorDatabase string   `mapstructure:"actor_database"`
	BenignDomains []string `mapstructure:"benign_domains"`
}

// RuleSourceConfig configures one detection platform. Path wins over URL.
type RuleSourceConfig struct {
	Platform string `mapstructure:"platform"`
	Path     string `mapstructure:"path"`
	URL      string `mapstructure:"url"`
	Token    string `mapstructure:"token"`
}

type RulesConfig struct {
	CacheDir      string             `mapstructure:"cache_dir"`
	Concurrency   int                `mapstructure:"concurrency"`
	SourceTimeout time.Duration      `mapstructure:"source_timeout"`
	Sources       []RuleSourceConfig `mapstructure:"sources"`
}

// ElasticConfig holds the connection shared by all Elasticsearch hunt sources
type ElasticConfig struct {
	Addresses []string `mapstructure:"addresses"`
	APIKey    string   `mapstructure:"api_key"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// HuntSourceConfig is an Elasticsearch hunt source with an optional rate limit in requests per second
type HuntSourceConfig struct {
	hunt.ElasticSourceConfig `mapstructure:",squash"`
	RateLimit                float64 `mapstructure:"rate_limit"`
	Burst                    int     `mapstructure:"burst"`
}

type HuntConfig struct {
	Concurrency     int                `mapstructure:"concurrency"`
	BreakerFailures uint32             `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration      `mapstructure:"breaker_timeout"`
	Lookback        time.Duration      `mapstructure:"lookback"`
	SourceTimeout   time.Duration      `mapstructure:"source_timeout"`
	Background      bool               `mapstructure:"background"`
	Timeout         time.Duration      `mapstructure:"timeout"`
	Elastic         ElasticConfig      `mapstructure:"elastic"`
	Sources         []HuntSourceConfig `mapstructure:"sources"`
}

// ReputationConfig lists known benign values per IOC type, optionally cached in Redis
type ReputationConfig struct {
	Benign   map[string][]string `mapstructure:"benign"`
	RedisURL string              `mapstructure:"redis_url"`
	CacheTTL time.Duration       `mapstructure:"cache_ttl"`
}

type AnalyzerConfig struct {
	SimilarTopK   int           `mapstructure:"similar_top_k"`
	LLMTimeout    time.Duration `mapstructure:"llm_timeout"`
	EnrichTimeout time.Duration `mapstructure:"enrich_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.index_type", "hnsw")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.batch_size", 32)
	v.SetDefault("embedding.concurrency", 4)
	v.SetDefault("llm.timeout", 90*time.Second)
	v.SetDefault("rules.cache_dir", "./rules_cache")
	v.SetDefault("rules.concurrency", 3)
	v.SetDefault("rules.source_timeout", 2*time.Minute)
	v.SetDefault("hunt.concurrency", 5)
	v.SetDefault("hunt.breaker_failures", 5)
	v.SetDefault("hunt.breaker_timeout", time.Minute)
	v.SetDefault("hunt.lookback", 30*24*time.Hour)
	v.SetDefault("hunt.source_timeout", 2*time.Minute)
	v.SetDefault("hunt.timeout", 15*time.Minute)
	v.SetDefault("reputation.cache_ttl", 24*time.Hour)
	v.SetDefault("analyzer.similar_top_k", 10)
	v.SetDefault("analyzer.llm_timeout", 90*time.Second)
	v.SetDefault("analyzer.enrich_timeout", 30*time.Second)
}

// LoadConfig reads the configuration file at path, or config.{json,yaml} from the
// usual directories when path is empty. TIPPER_ prefixed environment variables
// override file values, e.g. TIPPER_LLM_API_KEY. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TIPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, helper.NewError("read config", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, helper.NewError("decode config", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the values viper cannot check by type
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "postgres":
	default:
		return helper.NewError("validate config", fmt.Errorf("store.type must be memory or postgres, got %q", c.Store.Type))
	}
	switch c.Embedding.Provider {
	case "local", "openai", "none":
	default:
		return helper.NewError("validate config", fmt.Errorf("embedding.provider must be local, openai or none, got %q", c.Embedding.Provider))
	}
	for i, source := range c.Rules.Sources {
		if source.Platform == "" {
			return helper.NewError("validate config", fmt.Errorf("rules.sources[%d] has no platform", i))
		}
		if source.Path == "" && source.URL == "" {
			return helper.NewError("validate config", fmt.Errorf("rules source %s needs a path or url", source.Platform))
		}
	}
	for i, source := range c.Hunt.Sources {
		if source.Name == "" || source.Index == "" {
			return helper.NewError("validate config", fmt.Errorf("hunt.sources[%d] needs a name and an index", i))
		}
	}
	return nil
}
