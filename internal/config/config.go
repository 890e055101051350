package config

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds minimal runtime configuration. Extend as needed.
type Config struct {
	// Server
	Port      int    `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"` // "json" or "text"

	// Assets: bundled read-only files and the writable copy target
	AssetDir string `env:"ASSET_DIR" envDefault:"assets"`
	DataDir  string `env:"DATA_DIR" envDefault:"data"`

	// Models
	ImageModel       string        `env:"IMAGE_MODEL" envDefault:"clip_image_encoder.wasm"`
	TextModel        string        `env:"TEXT_MODEL" envDefault:"clip_text_encoder.wasm"`
	ImageSize        int           `env:"IMAGE_SIZE" envDefault:"224"`
	InferenceTimeout time.Duration `env:"INFERENCE_TIMEOUT" envDefault:"30s"`
	MaxMemoryPages   uint32        `env:"WASM_MAX_MEMORY_PAGES" envDefault:"4096"` // 64KB pages

	// Reference embedding cache
	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"memory"` // "memory", "redis" or "none"
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"1h"`
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
