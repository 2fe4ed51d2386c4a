// Package embed maps text to fixed-dimension vectors through a pluggable
// provider, with batching, bounded retries and dimension checks.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"docqa/internal/retry"
)

var (
	// ErrEmbeddingUnavailable means the provider kept failing after retries.
	ErrEmbeddingUnavailable = errors.New("embedding capability unavailable")
	// ErrDimensionMismatch is a fatal configuration error: the provider
	// returns vectors of a different size than the index expects.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider is the raw embedding capability.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Dimension   int
	BatchSize   int
	Concurrency int
	Retry       retry.Policy
}

type Service struct {
	provider Provider
	opts     Options

	mu    sync.RWMutex
	fatal error
}

func NewService(p Provider, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Service{provider: p, opts: opts}
}

func (s *Service) Dimension() int {
	return s.opts.Dimension
}

// Err returns the configuration error that disabled the service, if any.
// Once a provider has returned a vector of the wrong size every later call
// fails with the same error until the process is restarted.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatal
}

func (s *Service) latch(err error) {
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
}

// Verify embeds a short sample text once, without retries, and checks the
// vector size. A mismatch is returned as ErrDimensionMismatch and latched;
// any other failure is wrapped in ErrEmbeddingUnavailable.
func (s *Service) Verify(ctx context.Context) error {
	res, err := s.provider.EmbedBatch(ctx, []string{"dimension check"})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(res) != 1 {
		return fmt.Errorf("%w: provider returned %d vectors for 1 input", ErrEmbeddingUnavailable, len(res))
	}
	if err := s.checkDimension(res[0]); err != nil {
		s.latch(err)
		return err
	}
	return nil
}

func (s *Service) checkDimension(v []float32) error {
	if s.opts.Dimension > 0 && len(v) != s.opts.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.opts.Dimension)
	}
	return nil
}

func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per input, in input order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for start := 0; start < len(texts); start += s.opts.BatchSize {
		end := min(start+s.opts.BatchSize, len(texts))
		g.Go(func() error {
			vecs, err := s.embedWithRetry(gctx, texts[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vecs)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var vecs [][]float32
	err := retry.Do(ctx, s.opts.Retry, "embed", func() error {
		res, err := s.provider.EmbedBatch(ctx, batch)
		if err != nil {
			return err
		}
		if len(res) != len(batch) {
			return fmt.Errorf("provider returned %d vectors for %d inputs", len(res), len(batch))
		}
		for _, v := range res {
			if err := s.checkDimension(v); err != nil {
				return retry.Permanent(err)
			}
		}
		vecs = res
		return nil
	})
	switch {
	case err == nil:
		return vecs, nil
	case errors.Is(err, ErrDimensionMismatch):
		s.latch(err)
		slog.ErrorContext(ctx, "fatal embedding configuration error", "error", err)
		return nil, err
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
}
