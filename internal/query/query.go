package query

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"clip-query/internal/assets"
	"clip-query/internal/cache"
	"clip-query/internal/embeddings"
	"clip-query/internal/tokens"
)

var ErrInvalidQuery = errors.New("invalid query")

// Reference is a labelled sample image bundled with the application.
type Reference struct {
	Label string
	Asset string
}

// DefaultReferences are the five sample images, one per supported word.
func DefaultReferences() []Reference {
	return []Reference{
		{Label: "Cat", Asset: "cat.jpg"},
		{Label: "Dog", Asset: "dog.jpg"},
		{Label: "Flower", Asset: "flower.jpg"},
		{Label: "Fruit", Asset: "fruit.jpg"},
		{Label: "Horse", Asset: "horse.jpg"},
	}
}

type Score struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

type Result struct {
	ID     uuid.UUID `json:"id"`
	Query  string    `json:"query"`
	Scores []Score   `json:"scores"`
}

// Report renders the result the way the demo screen shows it.
func (r Result) Report() string {
	lines := []string{"Query: " + r.Query, ""}
	for _, s := range r.Scores {
		lines = append(lines, fmt.Sprintf("%s similarity: %.4f", s.Label, s.Score))
	}
	return strings.Join(lines, "\n")
}

// Options tunes a Dispatcher. Zero values fall back to the defaults.
type Options struct {
	References []Reference
	Cache      cache.Cache
	CacheTTL   time.Duration
	// ModelDigest identifies the image encoder weights in cache keys.
	ModelDigest string
}

// Dispatcher validates a query word and scores it against the reference images.
// It is built once at startup and shared; Run calls are serialized.
type Dispatcher struct {
	mu       sync.Mutex
	embedder embeddings.Embedder
	assets   fs.FS
	refs     []Reference
	cache    cache.Cache
	cacheTTL time.Duration
	model    string
	validate *validator.Validate
	oneOf    string
	log      *slog.Logger
}

func NewDispatcher(embedder embeddings.Embedder, assetFS fs.FS, log *slog.Logger, opts Options) *Dispatcher {
	if opts.References == nil {
		opts.References = DefaultReferences()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewNoOpCache()
	}
	return &Dispatcher{
		embedder: embedder,
		assets:   assetFS,
		refs:     opts.References,
		cache:    opts.Cache,
		cacheTTL: opts.CacheTTL,
		model:    opts.ModelDigest,
		validate: validator.New(),
		oneOf:    "required,oneof=" + strings.Join(tokens.Words(), " "),
		log:      log,
	}
}

// Words is the allow-list of query words.
func (d *Dispatcher) Words() []string {
	return tokens.Words()
}

// Validate canonicalizes word and checks it against the allow-list.
func (d *Dispatcher) Validate(word string) (string, error) {
	w := tokens.Canonical(word)
	if err := d.validate.Var(w, d.oneOf); err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidQuery, Hint())
	}
	return w, nil
}

// Hint is the message shown to a user whose word was rejected.
func Hint() string {
	return "please enter a valid query: " + joinWords(tokens.Words())
}

func joinWords(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	case 2:
		return words[0] + " or " + words[1]
	}
	return strings.Join(words[:len(words)-1], ", ") + ", or " + words[len(words)-1]
}

// Run scores word against every reference image. Invalid words are rejected
// before any inference call.
func (d *Dispatcher) Run(ctx context.Context, word string) (Result, error) {
	w, err := d.Validate(word)
	if err != nil {
		return Result{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	refVecs := make([]embeddings.Vector, len(d.refs))
	for i, ref := range d.refs {
		vec, err := d.referenceEmbedding(ctx, ref)
		if err != nil {
			return Result{}, fmt.Errorf("embed reference %s: %w", ref.Label, err)
		}
		refVecs[i] = vec
	}
	d.log.Debug("encoded reference images", "count", len(refVecs))

	textVec, err := d.embedder.EmbedText(ctx, w)
	if err != nil {
		return Result{}, fmt.Errorf("embed query %q: %w", w, err)
	}

	res := Result{ID: uuid.New(), Query: w, Scores: make([]Score, len(d.refs))}
	for i, ref := range d.refs {
		score, err := embeddings.CosineSimilarity(refVecs[i], textVec)
		if err != nil {
			return Result{}, fmt.Errorf("score %s: %w", ref.Label, err)
		}
		res.Scores[i] = Score{Label: ref.Label, Score: score}
	}

	d.log.Info("query scored", "id", res.ID, "query", w, "duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (d *Dispatcher) referenceEmbedding(ctx context.Context, ref Reference) (embeddings.Vector, error) {
	data, err := assets.ReadAsset(d.assets, ref.Asset)
	if err != nil {
		return nil, err
	}

	key := cache.EmbeddingKey(d.model, data)
	if cached, err := d.cache.GetEmbedding(ctx, key); err != nil {
		d.log.Warn("embedding cache read failed", "asset", ref.Asset, "err", err)
	} else if cached != nil {
		return cached, nil
	}

	vec, err := d.embedder.EmbedImage(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := d.cache.SetEmbedding(ctx, key, vec, d.cacheTTL); err != nil {
		// Log cache write failure but don't fail the request
		d.log.Warn("embedding cache write failed", "asset", ref.Asset, "err", err)
	}
	return vec, nil
}
