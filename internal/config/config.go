package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/claims"
	"github.com/sells-group/corpus/internal/clearance"
	"github.com/sells-group/corpus/internal/compare"
	"github.com/sells-group/corpus/internal/crawler"
	"github.com/sells-group/corpus/internal/monitoring"
	"github.com/sells-group/corpus/internal/queue"
	"github.com/sells-group/corpus/internal/store"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig       `yaml:"store" mapstructure:"store"`
	Queue     queue.Config      `yaml:"queue" mapstructure:"queue"`
	Claims    claims.Config     `yaml:"claims" mapstructure:"claims"`
	Compare   compare.Config    `yaml:"compare" mapstructure:"compare"`
	Clearance clearance.Config  `yaml:"clearance" mapstructure:"clearance"`
	Audit     audit.Config      `yaml:"audit" mapstructure:"audit"`
	Crawl     crawler.Config    `yaml:"crawl" mapstructure:"crawl"`
	Monitor   monitoring.Config `yaml:"monitor" mapstructure:"monitor"`
	Worker    WorkerConfig      `yaml:"worker" mapstructure:"worker"`
	Anthropic AnthropicConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI    OpenAIConfig      `yaml:"openai" mapstructure:"openai"`
	Server    ServerConfig      `yaml:"server" mapstructure:"server"`
	Log       LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string            `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string            `yaml:"database_url" mapstructure:"database_url"`
	Pool        *store.PoolConfig `yaml:"pool" mapstructure:"pool"`
}

// WorkerConfig configures the built-in LLM worker.
type WorkerConfig struct {
	ServerURL    string        `yaml:"server_url" mapstructure:"server_url"`
	Collection   string        `yaml:"collection" mapstructure:"collection"`
	AuthorID     string        `yaml:"author_id" mapstructure:"author_id"`
	OrgID        string        `yaml:"org_id" mapstructure:"org_id"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Concurrency  int           `yaml:"concurrency" mapstructure:"concurrency"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	DistillModel string `yaml:"distill_model" mapstructure:"distill_model"`
	CompareModel string `yaml:"compare_model" mapstructure:"compare_model"`
}

// OpenAIConfig holds OpenAI API settings, used for embeddings only.
type OpenAIConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets and identities default to empty so their env keys
	// bind through AutomaticEnv.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.default_timeout", "5m")
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("claims.auto_classify", false)
	v.SetDefault("compare.top_k", 5)
	v.SetDefault("compare.review_threshold", 0.2)
	v.SetDefault("compare.skip_comparisons", false)
	v.SetDefault("clearance.cache_ttl", "30s")
	v.SetDefault("audit.buffer_size", 1024)
	v.SetDefault("audit.batch_size", 64)
	v.SetDefault("audit.flush_interval", "2s")
	v.SetDefault("audit.overflow_path", "audit-overflow.jsonl")
	v.SetDefault("crawl.max_pages", 20)
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.requests_per_second", 2)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.fragment_bytes", 8192)
	v.SetDefault("crawl.user_agent", "corpus-crawler/1.0")
	v.SetDefault("monitor.check_interval", "5m")
	v.SetDefault("monitor.webhook_url", "")
	v.SetDefault("monitor.failure_rate_threshold", 0.25)
	v.SetDefault("monitor.contested_rate_threshold", 0.5)
	v.SetDefault("worker.server_url", "http://localhost:8080")
	v.SetDefault("worker.collection", "")
	v.SetDefault("worker.author_id", "")
	v.SetDefault("worker.org_id", "")
	v.SetDefault("worker.poll_interval", "2s")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.distill_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.compare_model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.key", "")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
