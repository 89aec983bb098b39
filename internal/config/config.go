package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MySQLConfig holds the relational database connection settings.
type MySQLConfig struct {
	Address         string `yaml:"address"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime int    `yaml:"connMaxLifetime"` // seconds
}

// RedisConfig holds the Redis connection settings (rate limiter backend).
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MilvusConfig holds the vector index connection settings.
type MilvusConfig struct {
	Address    string `yaml:"address"`
	Collection string `yaml:"collection"`
	Dim        int    `yaml:"dim"` // embedding dimensionality
}

// MinIOConfig holds the object storage settings for uploaded rulebooks.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Secure    bool   `yaml:"secure"`
}

// MongoConfig holds the task audit store settings.
type MongoConfig struct {
	Address    string `yaml:"address"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// KafkaConfig holds the pipeline event publisher settings. The events
// topic is consumed by the n8n workflow intake.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// OpenRouterConfig holds the LLM/embedding provider settings. Any
// OpenAI-compatible endpoint works.
type OpenRouterConfig struct {
	APIKey         string `yaml:"apiKey"`
	BaseURL        string `yaml:"baseURL"`
	EmbeddingModel string `yaml:"embeddingModel"`
	ChatModel      string `yaml:"chatModel"`
}

// OCRConfig holds the Tesseract sidecar settings.
type OCRConfig struct {
	Endpoint       string `yaml:"endpoint"`
	Language       string `yaml:"language"`
	MaxConcurrent  int    `yaml:"maxConcurrent"`  // bounded OCR operations, default 2
	TimeoutSeconds int    `yaml:"timeoutSeconds"` // per-page request timeout
}

// PDFParserConfig holds the table extraction sidecar settings.
type PDFParserConfig struct {
	Endpoint       string `yaml:"endpoint"`
	UseCamelot     bool   `yaml:"useCamelot"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// PipelineConfig holds the ingestion pipeline tuning knobs.
type PipelineConfig struct {
	ChunkSize        int     `yaml:"chunkSize"`        // characters per chunk, default 512
	ChunkOverlap     int     `yaml:"chunkOverlap"`     // characters of overlap, default 50
	DensityThreshold float64 `yaml:"densityThreshold"` // chars/page below which OCR kicks in
	Workers          int     `yaml:"workers"`          // background worker pool size
	StorageRoot      string  `yaml:"storageRoot"`      // object key prefix for uploads
	CacheDir         string  `yaml:"cacheDir"`         // local dir where files are materialized for extraction
	SearchLimit      int     `yaml:"searchLimit"`      // default top-K for retrieval
}

// AuthConfig holds login/JWT settings.
type AuthConfig struct {
	JwtSecret string `yaml:"jwtSecret"`
	TokenTTL  int    `yaml:"tokenTTL"` // seconds
}

// RateLimiterConfig configures the per-user Redis token bucket.
type RateLimiterConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Rate     float64 `yaml:"rate"` // tokens per second
	Capacity int     `yaml:"capacity"`
}

// LoggerConfig selects the log level.
type LoggerConfig struct {
	Level string `yaml:"level"`
}

// AppInfo carries basic application metadata.
type AppInfo struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	ListenAddr  string `yaml:"listenAddr"`
}

// AppConfig is the root of the YAML configuration file.
type AppConfig struct {
	App         AppInfo           `yaml:"app"`
	Auth        AuthConfig        `yaml:"auth"`
	Logger      LoggerConfig      `yaml:"logger"`
	MySQL       MySQLConfig       `yaml:"mysql"`
	Redis       RedisConfig       `yaml:"redis"`
	Milvus      MilvusConfig      `yaml:"milvus"`
	MinIO       MinIOConfig       `yaml:"minio"`
	Mongo       MongoConfig       `yaml:"mongodb"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	OpenRouter  OpenRouterConfig  `yaml:"openrouter"`
	OCR         OCRConfig         `yaml:"ocr"`
	PDFParser   PDFParserConfig   `yaml:"pdfParser"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	RateLimiter RateLimiterConfig `yaml:"rateLimiter"`
}

// LoadConfig reads and parses the YAML configuration file at path.
// Defaults are applied for the pipeline knobs that have sensible
// universal values.
func LoadConfig(path string) (*AppConfig, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file '%s': %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(yamlFile, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Pipeline.ChunkSize == 0 {
		cfg.Pipeline.ChunkSize = 512
	}
	if cfg.Pipeline.ChunkOverlap == 0 {
		cfg.Pipeline.ChunkOverlap = 50
	}
	if cfg.Pipeline.DensityThreshold == 0 {
		cfg.Pipeline.DensityThreshold = 100
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
	if cfg.Pipeline.SearchLimit == 0 {
		cfg.Pipeline.SearchLimit = 10
	}
	if cfg.OCR.MaxConcurrent == 0 {
		cfg.OCR.MaxConcurrent = 2
	}
	if cfg.OCR.TimeoutSeconds == 0 {
		cfg.OCR.TimeoutSeconds = 60
	}
	if cfg.PDFParser.TimeoutSeconds == 0 {
		cfg.PDFParser.TimeoutSeconds = 120
	}
	if cfg.Milvus.Dim == 0 {
		cfg.Milvus.Dim = 1536
	}
	if cfg.App.ListenAddr == "" {
		cfg.App.ListenAddr = ":8080"
	}
}
