package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// ServiceConfig holds the connection settings for one upstream API.
type ServiceConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// RetrievalConfig holds the tunables of the hybrid retrieval pipeline.
type RetrievalConfig struct {
	RerankEnabled bool    `mapstructure:"rerank_enabled"`
	TopK          int     `mapstructure:"top_k"`
	RerankTopN    int     `mapstructure:"rerank_top_n"`
	ChunkSize     int     `mapstructure:"chunk_size"`
	ChunkOverlap  int     `mapstructure:"chunk_overlap"`
	VectorWeight  float64 `mapstructure:"vector_weight"`
	BM25Weight    float64 `mapstructure:"bm25_weight"`
}

// RedisConfig holds the optional cache connection settings.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MinIOConfig holds the optional document archive settings.
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Bucket          string `mapstructure:"bucket_name"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// DatabaseConfig holds the vector store connection settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// DSN renders the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}

type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port string `mapstructure:"port"`
	} `mapstructure:"server"`
	// DataDir holds the durable sidecar files: bm25_index.json,
	// parent_docs.json, tools_config.json, chat_history.db, eda_terms.txt.
	DataDir   string         `mapstructure:"data_dir"`
	Database  DatabaseConfig `mapstructure:"database"`
	Redis     RedisConfig    `mapstructure:"redis"`
	MinIO     MinIOConfig    `mapstructure:"minio"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Tasks     struct {
		Workers int `mapstructure:"workers"`
	} `mapstructure:"tasks"`
	ChatProvider      string `mapstructure:"chat_provider"`
	EmbeddingProvider string `mapstructure:"embedding_provider"`
	Services          struct {
		LLM       ServiceConfig `mapstructure:"llm"`
		Embedding ServiceConfig `mapstructure:"embedding"`
		Reranker  ServiceConfig `mapstructure:"reranker"`
	} `mapstructure:"services"`
}

// LoadConfig reads config.yaml from path when present and overlays
// environment variables. Environment always wins so deployments can run
// without a config file at all.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "edakb")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.bucket_name", "edakb-documents")
	v.SetDefault("retrieval.rerank_enabled", true)
	v.SetDefault("retrieval.top_k", 20)
	v.SetDefault("retrieval.rerank_top_n", 5)
	v.SetDefault("retrieval.chunk_size", 500)
	v.SetDefault("retrieval.chunk_overlap", 100)
	v.SetDefault("retrieval.vector_weight", 0.5)
	v.SetDefault("retrieval.bm25_weight", 0.5)
	v.SetDefault("tasks.workers", 2)
	v.SetDefault("chat_provider", "zhipu")
	v.SetDefault("embedding_provider", "zhipu")

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	// Flat环境变量映射（与历史部署保持一致的变量名）
	envAliases := map[string][]string{
		"server.host":              {"HOST"},
		"server.port":              {"PORT"},
		"data_dir":                 {"DATA_DIR", "CHROMA_PERSIST_DIR"},
		"chat_provider":            {"CHAT_PROVIDER"},
		"embedding_provider":       {"EMBEDDING_PROVIDER"},
		"retrieval.rerank_enabled": {"RERANK_ENABLED"},
		"retrieval.top_k":          {"RETRIEVAL_TOP_K"},
		"retrieval.rerank_top_n":   {"RERANK_TOP_N"},
		"retrieval.chunk_size":     {"CHUNK_SIZE"},
		"retrieval.chunk_overlap":  {"CHUNK_OVERLAP"},
		"retrieval.vector_weight":  {"VECTOR_WEIGHT"},
		"retrieval.bm25_weight":    {"BM25_WEIGHT"},
		"database.host":            {"POSTGRES_HOST"},
		"database.port":            {"POSTGRES_PORT"},
		"database.user":            {"POSTGRES_USER"},
		"database.password":        {"POSTGRES_PASSWORD"},
		"database.dbname":          {"POSTGRES_DB"},
		"redis.enabled":            {"REDIS_ENABLED"},
		"redis.host":               {"REDIS_HOST"},
		"redis.port":               {"REDIS_PORT"},
		"redis.password":           {"REDIS_PASSWORD"},
		"minio.enabled":            {"MINIO_ENABLED"},
		"minio.endpoint":           {"MINIO_ENDPOINT"},
		"minio.access_key_id":      {"MINIO_ACCESS_KEY"},
		"minio.secret_access_key":  {"MINIO_SECRET_KEY"},
		"tasks.workers":            {"TASK_WORKERS"},
	}
	for key, aliases := range envAliases {
		if err := v.BindEnv(append([]string{key}, aliases...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	// 配置文件可选：缺失时纯环境变量运行
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	config.ChatProvider = strings.ToLower(config.ChatProvider)
	config.EmbeddingProvider = strings.ToLower(config.EmbeddingProvider)
	resolveProviders(v, &config)

	return &config, nil
}

// resolveProviders fills the service blocks from the provider-specific
// environment variables, mirroring the historical multi-provider layout:
// CHAT_PROVIDER selects the chat backend, EMBEDDING_PROVIDER selects both
// the embedding and the rerank backend.
func resolveProviders(v *viper.Viper, cfg *Config) {
	env := func(name, fallback string) string {
		if val := v.GetString(name); val != "" {
			return val
		}
		return fallback
	}

	switch cfg.ChatProvider {
	case "deepseek":
		cfg.Services.LLM = ServiceConfig{
			BaseURL: env("DEEPSEEK_API_BASE", "https://api.deepseek.com/v1"),
			APIKey:  env("DEEPSEEK_API_KEY", ""),
			Model:   env("DEEPSEEK_MODEL", "deepseek-chat"),
		}
	case "openai":
		cfg.Services.LLM = ServiceConfig{
			BaseURL: env("OPENAI_API_BASE", "https://api.openai.com/v1"),
			APIKey:  env("OPENAI_API_KEY", ""),
			Model:   env("OPENAI_MODEL", "gpt-4-turbo"),
		}
	case "siliconflow":
		cfg.Services.LLM = ServiceConfig{
			BaseURL: env("SILICONFLOW_API_BASE", "https://api.siliconflow.cn/v1"),
			APIKey:  env("SILICONFLOW_API_KEY", ""),
			Model:   env("SILICONFLOW_CHAT_MODEL", "deepseek-ai/DeepSeek-V3"),
		}
	default: // zhipu
		cfg.Services.LLM = ServiceConfig{
			BaseURL: env("ZHIPU_API_BASE", "https://open.bigmodel.cn/api/paas/v4"),
			APIKey:  env("ZHIPU_API_KEY", ""),
			Model:   env("ZHIPU_CHAT_MODEL", "glm-4-flash"),
		}
	}

	switch cfg.EmbeddingProvider {
	case "siliconflow":
		cfg.Services.Embedding = ServiceConfig{
			BaseURL: env("SILICONFLOW_API_BASE", "https://api.siliconflow.cn/v1"),
			APIKey:  env("SILICONFLOW_API_KEY", ""),
			Model:   env("SILICONFLOW_EMBEDDING_MODEL", "BAAI/bge-m3"),
		}
		cfg.Services.Reranker = ServiceConfig{
			BaseURL: cfg.Services.Embedding.BaseURL,
			APIKey:  cfg.Services.Embedding.APIKey,
			Model:   env("SILICONFLOW_RERANK_MODEL", "BAAI/bge-reranker-v2-m3"),
		}
	default: // zhipu
		cfg.Services.Embedding = ServiceConfig{
			BaseURL: env("ZHIPU_API_BASE", "https://open.bigmodel.cn/api/paas/v4"),
			APIKey:  env("ZHIPU_API_KEY", ""),
			Model:   env("ZHIPU_EMBEDDING_MODEL", "embedding-2"),
		}
		cfg.Services.Reranker = ServiceConfig{
			BaseURL: cfg.Services.Embedding.BaseURL,
			APIKey:  cfg.Services.Embedding.APIKey,
			Model:   env("RERANK_MODEL", "embedding-rank"),
		}
	}
}
