package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
)

// RuntimeConfig holds configuration for the WASM runtime.
type RuntimeConfig struct {
	// MaxMemoryPages is the maximum number of 64KB WASM memory pages.
	// Default 4096 = 256MB, enough for a ViT-B/32 sized guest.
	MaxMemoryPages uint32
	// CallTimeout bounds a single forward call.
	CallTimeout time.Duration
}

// DefaultRuntimeConfig returns a RuntimeConfig with sensible defaults.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MaxMemoryPages: 4096,
		CallTimeout:    30 * time.Second,
	}
}

// Runtime wraps a wazero.Runtime shared by every loaded module.
type Runtime struct {
	inner  wazero.Runtime
	config RuntimeConfig
	logger *slog.Logger
}

// NewRuntime creates a new WASM runtime. The caller must call Close when done.
func NewRuntime(ctx context.Context, cfg RuntimeConfig, logger *slog.Logger) *Runtime {
	defaults := DefaultRuntimeConfig()
	if cfg.MaxMemoryPages == 0 {
		cfg.MaxMemoryPages = defaults.MaxMemoryPages
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaults.CallTimeout
	}

	// A module whose call context expires is closed by wazero and stays closed.
	rtCfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(cfg.MaxMemoryPages)

	logger.Info("wasm runtime created",
		"max_memory_pages", cfg.MaxMemoryPages,
		"max_memory_mb", cfg.MaxMemoryPages*64/1024,
		"call_timeout", cfg.CallTimeout,
	)

	return &Runtime{
		inner:  wazero.NewRuntimeWithConfig(ctx, rtCfg),
		config: cfg,
		logger: logger,
	}
}

// Close releases all resources held by the runtime, including loaded modules.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.inner.Close(ctx); err != nil {
		return fmt.Errorf("close wasm runtime: %w", err)
	}
	r.logger.Info("wasm runtime closed")
	return nil
}
