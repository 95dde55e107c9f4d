package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/starford/ansuz/internal/apperr"
)

// Config tunes the gateway.
type Config struct {
	// BatchSize is the maximum number of texts per provider request.
	BatchSize int
	// MaxInFlight caps concurrent provider requests across all callers.
	MaxInFlight int
	// RequestsPerSecond limits provider requests; 0 disables the limit.
	RequestsPerSecond float64
	Retry             apperr.RetryPolicy
	// CacheSize is the number of query vectors kept in memory; 0 disables the cache.
	CacheSize int
	// BreakerFailures consecutive transient failures open the circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       64,
		MaxInFlight:     2,
		Retry:           apperr.DefaultRetryPolicy(),
		CacheSize:       256,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Batch is the result of EmbedBatch.
type Batch struct {
	Vectors [][]float32
	Model   string
}

// Gateway wraps a Provider with batching, a shared in-flight cap, rate
// limiting, retries and a circuit breaker. A batch either embeds completely
// or fails as a whole.
type Gateway struct {
	provider Provider
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	cache    *lru.Cache[string, []float32]
	log      *slog.Logger
}

// NewGateway wraps p. Zero config fields fall back to DefaultConfig.
func NewGateway(p Provider, cfg Config, log *slog.Logger) (*Gateway, error) {
	if p == nil {
		return nil, apperr.Validation("embedding: provider is required")
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "embedding"), slog.String("provider", p.Name()))

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	g := &Gateway{
		provider: p,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		limiter:  rate.NewLimiter(limit, cfg.MaxInFlight),
		log:      log,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding-" + p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !apperr.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("embedding: circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedding: query cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

// Model returns the model tag of the wrapped provider.
func (g *Gateway) Model() string { return g.provider.Model() }

// Name returns the wrapped provider's name.
func (g *Gateway) Name() string { return g.provider.Name() }

// EmbedBatch embeds texts in order. Sub-batches run concurrently but each
// holds an in-flight slot, so callers beyond the cap wait rather than fail.
// Any failure fails the whole call and no vectors are returned.
func (g *Gateway) EmbedBatch(ctx context.Context, texts []string) (Batch, error) {
	model := g.provider.Model()
	if len(texts) == 0 {
		return Batch{Model: model}, nil
	}

	out := make([][]float32, len(texts))
	eg, egCtx := errgroup.WithContext(ctx)
	for start := 0; start < len(texts); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(texts))
		eg.Go(func() error {
			vecs, err := g.embed(egCtx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Batch{}, err
	}
	return Batch{Vectors: out, Model: model}, nil
}

// EmbedQuery embeds a single search query, consulting the LRU cache first.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := g.provider.Model() + "\x00" + text
	if g.cache != nil {
		if v, ok := g.cache.Get(key); ok {
			return v, nil
		}
	}
	b, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if g.cache != nil {
		g.cache.Add(key, b.Vectors[0])
	}
	return b.Vectors[0], nil
}

func (g *Gateway) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	var vecs [][]float32
	err := apperr.Retry(ctx, g.cfg.Retry, func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		res, err := g.breaker.Execute(func() (interface{}, error) {
			return g.provider.Embed(ctx, texts)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &apperr.ProviderError{Provider: g.provider.Name(), Err: err}
		}
		if err != nil {
			if apperr.IsRetryable(err) {
				g.log.Warn("embedding: request failed, retrying",
					slog.Int("texts", len(texts)),
					slog.String("error", err.Error()))
			}
			return err
		}
		vecs, _ = res.([][]float32)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(vecs) != len(texts) {
		return nil, &apperr.ProviderError{
			Provider: g.provider.Name(),
			Err:      fmt.Errorf("got %d vectors for %d texts", len(vecs), len(texts)),
		}
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, &apperr.ProviderError{
				Provider: g.provider.Name(),
				Err:      fmt.Errorf("empty vector at position %d", i),
			}
		}
	}
	return vecs, nil
}
