package config

import "time"

// Config is the root configuration for the AI infrastructure service.
// Values come from struct defaults overridden by REQFORGE_* environment
// variables; the provider list may also be supplied as JSON via
// REQFORGE_PROVIDERS.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Log       LogConfig        `koanf:"log"`
	Router    RouterConfig     `koanf:"router"`
	Providers []ProviderConfig `koanf:"providers"`
	Embedding EmbeddingConfig  `koanf:"embedding"`
	Search    SearchConfig     `koanf:"search"`
	Cache     CacheConfig      `koanf:"cache"`
	Queue     QueueConfig      `koanf:"queue"`
	Redis     RedisConfig      `koanf:"redis"`
	Postgres  PostgresConfig   `koanf:"postgres"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"             validate:"required"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// RouterConfig tunes retry, failover, and health tracking for provider calls.
type RouterConfig struct {
	MaxAttempts        int           `koanf:"max_attempts"        validate:"min=1"`
	InitialBackoff     time.Duration `koanf:"initial_backoff"`
	MaxBackoff         time.Duration `koanf:"max_backoff"`
	CallTimeout        time.Duration `koanf:"call_timeout"`
	FailureWindow      time.Duration `koanf:"failure_window"`
	DegradedThreshold  float64       `koanf:"degraded_threshold"  validate:"gt=0,lte=1"`
	DownAfterFatals    int           `koanf:"down_after_fatals"   validate:"min=1"`
	RecoveryCooldown   time.Duration `koanf:"recovery_cooldown"`
	MinWindowSamples   int           `koanf:"min_window_samples"  validate:"min=1"`
	DefaultConcurrency int           `koanf:"default_concurrency" validate:"min=1"`
}

// ProviderConfig describes one configured LLM/embedding provider.
type ProviderConfig struct {
	Name            string   `koanf:"name"               json:"name"               validate:"required"`
	Kind            string   `koanf:"kind"               json:"kind"               validate:"oneof=openai anthropic ollama mock"`
	Model           string   `koanf:"model"              json:"model"              validate:"required"`
	APIKey          string   `koanf:"api_key"            json:"api_key"`
	APIURL          string   `koanf:"api_url"            json:"api_url"`
	Capabilities    []string `koanf:"capabilities"       json:"capabilities"       validate:"min=1,dive,oneof=completion embedding"`
	Priority        int      `koanf:"priority"           json:"priority"`
	InputCostPer1K  string   `koanf:"input_cost_per_1k"  json:"input_cost_per_1k"`
	OutputCostPer1K string   `koanf:"output_cost_per_1k" json:"output_cost_per_1k"`
	ChargesFailures bool     `koanf:"charges_failures"   json:"charges_failures"`
	Concurrency     int      `koanf:"concurrency"        json:"concurrency"`
	RequestsPerMin  float64  `koanf:"requests_per_min"   json:"requests_per_min"`
}

type EmbeddingConfig struct {
	Model        string `koanf:"model"         validate:"required"`
	Dimension    int    `koanf:"dimension"     validate:"min=1"`
	ChunkSize    int    `koanf:"chunk_size"    validate:"min=1"`
	ChunkOverlap int    `koanf:"chunk_overlap" validate:"min=0"`
	BatchSize    int    `koanf:"batch_size"    validate:"min=1"`
}

type SearchConfig struct {
	VectorWeight   float64 `koanf:"vector_weight"    validate:"gte=0,lte=1"`
	LexicalWeight  float64 `koanf:"lexical_weight"   validate:"gte=0,lte=1"`
	QueryCacheSize int     `koanf:"query_cache_size" validate:"min=1"`
}

type CacheConfig struct {
	MemoryTTL      time.Duration `koanf:"memory_ttl"`
	RedisTTL       time.Duration `koanf:"redis_ttl"`
	MemoryMaxItems int64         `koanf:"memory_max_items" validate:"min=1"`
}

type QueueConfig struct {
	Workers    int `koanf:"workers"     validate:"min=1"`
	BufferSize int `koanf:"buffer_size" validate:"min=1"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type PostgresConfig struct {
	Enabled bool   `koanf:"enabled"`
	DSN     string `koanf:"dsn"`
}

// Default returns the baseline configuration before environment overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8085",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Router: RouterConfig{
			MaxAttempts:        3,
			InitialBackoff:     200 * time.Millisecond,
			MaxBackoff:         5 * time.Second,
			CallTimeout:        60 * time.Second,
			FailureWindow:      time.Minute,
			DegradedThreshold:  0.5,
			DownAfterFatals:    3,
			RecoveryCooldown:   30 * time.Second,
			MinWindowSamples:   5,
			DefaultConcurrency: 8,
		},
		Embedding: EmbeddingConfig{
			Model:        "text-embedding-3-small",
			Dimension:    1536,
			ChunkSize:    800,
			ChunkOverlap: 120,
			BatchSize:    16,
		},
		Search: SearchConfig{
			VectorWeight:   0.7,
			LexicalWeight:  0.3,
			QueryCacheSize: 256,
		},
		Cache: CacheConfig{
			MemoryTTL:      5 * time.Minute,
			RedisTTL:       time.Hour,
			MemoryMaxItems: 10_000,
		},
		Queue: QueueConfig{
			Workers:    4,
			BufferSize: 256,
		},
	}
}
