// Package scheduler partitions work items into sequential batches and
// concurrency-limited chunks, pacing individual calls through a rate
// limiter.
//
// The two-level structure bounds peak in-flight requests to the chunk size
// while letting an operator pace large suites (batch size plus inter-batch
// delay) independently of raw concurrency.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hasura/evalset/internal/ratelimit"
)

// Scheduler holds the pacing configuration for Process.
type Scheduler struct {
	batchSize   int
	concurrency int
	batchDelay  time.Duration
	limiter     *ratelimit.Limiter
	sleep       func(time.Duration)
	logger      *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLimiter wraps every processor call with the given rate limiter.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Scheduler) {
		s.limiter = l
	}
}

// WithBatchDelay inserts a delay between batches (not after the last one).
func WithBatchDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.batchDelay = d
	}
}

// WithSleep replaces the inter-batch sleep function, for tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(s *Scheduler) {
		s.sleep = fn
	}
}

// WithLogger sets the logger used for batch progress diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// New creates a Scheduler with the given batch size and concurrency limit.
// Values below 1 are clamped to 1.
func New(batchSize, concurrency int, opts ...Option) *Scheduler {
	if batchSize < 1 {
		batchSize = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	s := &Scheduler{
		batchSize:   batchSize,
		concurrency: concurrency,
		sleep:       time.Sleep,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process runs fn for every item and returns the results in input order,
// along with an index-aligned error slice. Batches run strictly
// sequentially; within a batch, each chunk of up to the concurrency limit is
// issued all at once and awaited together before the next chunk starts.
// A failing item never aborts the rest of the suite — its error is captured
// at its index.
func Process[T, R any](ctx context.Context, s *Scheduler, items []T, fn func(context.Context, T) (R, error)) ([]R, []error) {
	results := make([]R, len(items))
	errs := make([]error, len(items))

	numBatches := (len(items) + s.batchSize - 1) / s.batchSize

	for b := 0; b < numBatches; b++ {
		lo := b * s.batchSize
		hi := min(lo+s.batchSize, len(items))
		s.logger.Debug("starting batch", "batch", b+1, "batches", numBatches, "items", hi-lo)

		for lo < hi {
			chunkHi := min(lo+s.concurrency, hi)

			// Issue the whole chunk before awaiting any of it. Completion
			// order within the chunk is not meaningful to callers.
			g := &errgroup.Group{}
			for i := lo; i < chunkHi; i++ {
				i := i
				g.Go(func() error {
					results[i], errs[i] = invoke(ctx, s, items[i], fn)
					return nil
				})
			}
			g.Wait() //nolint:errcheck // item errors are captured per index

			lo = chunkHi
		}

		if b < numBatches-1 && s.batchDelay > 0 {
			s.sleep(s.batchDelay)
		}
	}

	return results, errs
}

func invoke[T, R any](ctx context.Context, s *Scheduler, item T, fn func(context.Context, T) (R, error)) (R, error) {
	if s.limiter == nil {
		return fn(ctx, item)
	}
	return ratelimit.Enqueue(s.limiter, func() (R, error) {
		return fn(ctx, item)
	})
}
