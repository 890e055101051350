package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"clip-query/internal/assets"
	"clip-query/internal/cache"
	"clip-query/internal/config"
	"clip-query/internal/embeddings"
	"clip-query/internal/inference"
	"clip-query/internal/logger"
	"clip-query/internal/query"
	"clip-query/internal/retry"
)

// ErrUnavailable is returned for queries when the models failed to load.
var ErrUnavailable = errors.New("model unavailable")

const redisConnectAttempts = 3

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config     config.Config
	Log        *slog.Logger
	Assets     fs.FS
	Cache      cache.Cache
	Runtime    *inference.Runtime
	Dispatcher *query.Dispatcher
	// LoadErr records why the models could not be loaded. Dispatcher is nil when set.
	LoadErr error
}

// Dispatch runs a query, or reports ErrUnavailable when no models are loaded.
func (d Deps) Dispatch(ctx context.Context, word string) (query.Result, error) {
	if d.Dispatcher == nil {
		if d.LoadErr != nil {
			return query.Result{}, fmt.Errorf("%w: %v", ErrUnavailable, d.LoadErr)
		}
		return query.Result{}, ErrUnavailable
	}
	return d.Dispatcher.Run(ctx, word)
}

// Close releases the inference runtime and the cache.
func (d Deps) Close(ctx context.Context) error {
	var errs []error
	if d.Runtime != nil {
		errs = append(errs, d.Runtime.Close(ctx))
	}
	if d.Cache != nil {
		errs = append(errs, d.Cache.Close())
	}
	return errors.Join(errs...)
}

// LoadConfig loads env (tolerating a missing .env file), config and the logger.
func LoadConfig(envFiles ...string) (config.Config, *slog.Logger) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Default().Warn("failed to load environment file", "err", err)
	}
	cfg := config.Load()
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat)
}

// Build loads env, config, and shared components. A model that fails to load
// does not fail Build: it is recorded in LoadErr and queries are refused.
func Build(ctx context.Context) (Deps, error) {
	cfg, log := LoadConfig()
	return BuildWith(ctx, cfg, log)
}

// BuildWith is Build with an explicit configuration.
func BuildWith(ctx context.Context, cfg config.Config, log *slog.Logger) (Deps, error) {
	deps := Deps{
		Config: cfg,
		Log:    log,
		Assets: os.DirFS(cfg.AssetDir),
	}

	c, err := buildCache(ctx, cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize cache: %w", err)
	}
	deps.Cache = c

	deps.Runtime = inference.NewRuntime(ctx, inference.RuntimeConfig{
		MaxMemoryPages: cfg.MaxMemoryPages,
		CallTimeout:    cfg.InferenceTimeout,
	}, log)

	embedder, digest, err := buildEmbedder(ctx, cfg, deps.Assets, deps.Runtime)
	if err != nil {
		log.Error("failed to load models; queries are disabled", "err", err)
		deps.LoadErr = err
		return deps, nil
	}

	deps.Dispatcher = query.NewDispatcher(embedder, deps.Assets, log, query.Options{
		Cache:       c,
		CacheTTL:    cfg.CacheTTL,
		ModelDigest: digest,
	})
	log.Info("models loaded", "image_model", cfg.ImageModel, "image_digest", digest, "text_model", cfg.TextModel)
	return deps, nil
}

// buildEmbedder loads both models and returns the image model digest used to
// key cached reference embeddings.
func buildEmbedder(ctx context.Context, cfg config.Config, src fs.FS, rt *inference.Runtime) (*embeddings.CLIPEmbedder, string, error) {
	imagePath, err := assets.Materialize(src, cfg.ImageModel, cfg.DataDir)
	if err != nil {
		return nil, "", err
	}
	textPath, err := assets.Materialize(src, cfg.TextModel, cfg.DataDir)
	if err != nil {
		return nil, "", err
	}

	imageModule, err := inference.Load(ctx, rt, imagePath)
	if err != nil {
		return nil, "", err
	}
	textModule, err := inference.Load(ctx, rt, textPath)
	if err != nil {
		_ = imageModule.Close(ctx)
		return nil, "", err
	}

	return embeddings.NewCLIPEmbedder(
		embeddings.NewImageEncoder(imageModule, cfg.ImageSize),
		embeddings.NewTextEncoder(textModule),
	), imageModule.Digest(), nil
}

func buildCache(ctx context.Context, cfg config.Config, log *slog.Logger) (cache.Cache, error) {
	switch cfg.CacheProvider {
	case "memory", "":
		log.Info("using in-memory embedding cache")
		return cache.NewMemoryCache(), nil
	case "none":
		log.Info("embedding cache disabled")
		return cache.NewNoOpCache(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when CACHE_PROVIDER=redis")
		}
		var rc *cache.RedisCache
		err := retry.Do(ctx, redisConnectAttempts, 200*time.Millisecond, 2*time.Second, func(attempt int) error {
			var err error
			rc, err = cache.NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword)
			if err != nil {
				log.Warn("redis connect attempt failed", "attempt", attempt+1, "err", err)
			}
			return err
		})
		if err == nil {
			log.Info("using Redis embedding cache", "addr", cfg.RedisAddr)
			return rc, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("redis unavailable, caching disabled", "err", err)
		return cache.NewNoOpCache(), nil
	default:
		return nil, fmt.Errorf("invalid CACHE_PROVIDER: %s (valid options: memory, redis, none)", cfg.CacheProvider)
	}
}
