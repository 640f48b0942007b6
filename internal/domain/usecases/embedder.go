package usecases

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/0xcro3dile/docchat-go/internal/domain/apperrors"
	"github.com/0xcro3dile/docchat-go/internal/domain/ports"
)

// EmbedderConfig controls batching of embedding calls.
type EmbedderConfig struct {
	BatchSize   int
	Concurrency int
	Timeout     time.Duration // per batch call
	RetryDelay  time.Duration // pause before the single retry
}

// BatchEmbedder splits inputs into bounded batches and retries a failed
// batch once before giving up.
type BatchEmbedder struct {
	svc ports.EmbeddingService
	cfg EmbedderConfig
	obs ports.PipelineObserver
	log zerolog.Logger
}

// NewBatchEmbedder wraps svc. Zero config values select defaults.
func NewBatchEmbedder(svc ports.EmbeddingService, cfg EmbedderConfig, obs ports.PipelineObserver) *BatchEmbedder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &BatchEmbedder{
		svc: svc,
		cfg: cfg,
		obs: observerOrNoop(obs),
		log: log.With().Str("component", "embedder").Logger(),
	}
}

// Embed returns one vector per text, in input order.
func (e *BatchEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for lo := 0; lo < len(texts); lo += e.cfg.BatchSize {
		hi := min(lo+e.cfg.BatchSize, len(texts))
		batch := lo / e.cfg.BatchSize
		lo := lo
		g.Go(func() error {
			vecs, err := e.embedBatch(gctx, batch, texts[lo:hi])
			if err != nil {
				return err
			}
			copy(out[lo:hi], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dim := len(out[0])
	for i, v := range out {
		if len(v) == 0 || len(v) != dim {
			return nil, apperrors.ErrEmbeddingFailed.Wrapf(nil, "vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	return out, nil
}

func (e *BatchEmbedder) embedBatch(ctx context.Context, batch int, texts []string) ([][]float32, error) {
	var (
		vecs     [][]float32
		attempts int
	)
	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		start := time.Now()
		v, err := e.svc.EmbedBatch(callCtx, texts)
		if err == nil && len(v) != len(texts) {
			err = fmt.Errorf("got %d vectors for %d texts", len(v), len(texts))
		}
		e.obs.EmbeddingBatch(err == nil, time.Since(start).Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			e.log.Warn().Err(err).Int("batch", batch).Int("attempt", attempts).Msg("embedding batch failed")
			return err
		}
		vecs = v
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(e.cfg.RetryDelay), 1)
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, apperrors.ErrEmbeddingFailed.Wrapf(err, "embed batch %d (%d texts, %d attempts)", batch, len(texts), attempts)
	}
	return vecs, nil
}
