// Package pull pulls a set of images with bounded parallelism, per-image
// retry with exponential backoff, and no retries for local configuration
// failures.
package pull

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/baker-street/bakerst-install/utils/imagepull"
	"github.com/baker-street/bakerst-install/utils/metrics"
)

const (
	// DefaultConcurrency caps simultaneous pulls.
	DefaultConcurrency = 4
	// DefaultMaxAttempts is the attempt ceiling per image.
	DefaultMaxAttempts = 3
)

// Puller performs a single pull of one image.
type Puller interface {
	Pull(ctx context.Context, image string) (time.Duration, error)
}

// PullerFunc adapts a function to Puller.
type PullerFunc func(ctx context.Context, image string) (time.Duration, error)

// Pull implements Puller.
func (f PullerFunc) Pull(ctx context.Context, image string) (time.Duration, error) {
	return f(ctx, image)
}

// EventKind classifies a progress event.
type EventKind int

const (
	Started EventKind = iota
	Retrying
	Completed
	Failed
)

func (k EventKind) String() string {
	switch k {
	case Started:
		return "started"
	case Retrying:
		return "retrying"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the event ends work on its image.
func (k EventKind) Terminal() bool {
	return k == Completed || k == Failed
}

// Event is an immutable progress report for one image.
type Event struct {
	Index   int
	Image   string
	Kind    EventKind
	Attempt int
	Elapsed time.Duration
	Backoff time.Duration
	Err     error
}

// Result is the terminal outcome for one image.
type Result struct {
	Index    int
	Image    string
	Elapsed  time.Duration
	Attempts int
	Err      error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency overrides the parallelism limit.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithMaxAttempts overrides the attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithSleep replaces the backoff sleep (tests).
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Coordinator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records attempt outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator runs pulls for a set of images.
type Coordinator struct {
	puller      Puller
	concurrency int
	maxAttempts int
	sleep       func(context.Context, time.Duration) error
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New constructs a Coordinator around puller.
func New(puller Puller, opts ...Option) (*Coordinator, error) {
	if puller == nil {
		return nil, errors.New("puller is required")
	}
	c := &Coordinator{
		puller:      puller,
		concurrency: DefaultConcurrency,
		maxAttempts: DefaultMaxAttempts,
		sleep:       sleepContext,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	return c, nil
}

// EventBuffer is a channel capacity that lets Run finish without a reader
// for images: every event of every attempt fits.
func (c *Coordinator) EventBuffer(images int) int {
	return images * (c.maxAttempts + 1)
}

// Backoff returns the wait after a failed attempt (attempt counted from 1).
func Backoff(attempt int) time.Duration {
	return time.Duration(1<<uint(attempt)) * time.Second
}

// Run pulls every image concurrently, bounded by the parallelism limit, and
// blocks until all have finished. Events are sent on events, which Run does
// not close. Results are indexed like images.
func (c *Coordinator) Run(ctx context.Context, images []string, events chan<- Event) []Result {
	results := make([]Result, len(images))
	sem := semaphore.NewWeighted(int64(c.concurrency))

	var wg sync.WaitGroup
	for i, image := range images {
		wg.Add(1)
		go func(i int, image string) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{Index: i, Image: image, Err: err}
				c.emit(ctx, events, Event{Index: i, Image: image, Kind: Failed, Err: err})
				return
			}
			defer sem.Release(1)
			results[i] = c.pullOne(ctx, i, image, events)
		}(i, image)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) pullOne(ctx context.Context, index int, image string, events chan<- Event) Result {
	logger := c.logger.With(zap.String("image", image))
	c.emit(ctx, events, Event{Index: index, Image: image, Kind: Started, Attempt: 1})

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		elapsed, err := c.puller.Pull(ctx, image)
		if err == nil {
			logger.Info("image pulled", zap.Int("attempt", attempt), zap.Duration("elapsed", elapsed))
			c.metrics.PullAttempt(metrics.OutcomeSuccess, elapsed)
			c.emit(ctx, events, Event{Index: index, Image: image, Kind: Completed, Attempt: attempt, Elapsed: elapsed})
			return Result{Index: index, Image: image, Elapsed: elapsed, Attempts: attempt}
		}
		lastErr = errors.New(strings.TrimSpace(err.Error()))

		var local imagepull.LocalConfigError
		if errors.As(imagepull.Classify(err), &local) {
			terminal := imagepull.LocalConfigError{Err: errors.New(strings.TrimSpace(local.Err.Error()))}
			logger.Warn("image pull failed with local configuration error", zap.Int("attempt", attempt), zap.Error(err))
			c.metrics.PullAttempt(metrics.OutcomeLocalConfig, 0)
			c.emit(ctx, events, Event{Index: index, Image: image, Kind: Failed, Attempt: attempt, Err: terminal})
			return Result{Index: index, Image: image, Attempts: attempt, Err: terminal}
		}
		if attempt == c.maxAttempts {
			c.metrics.PullAttempt(metrics.OutcomeFailed, 0)
			break
		}

		wait := Backoff(attempt)
		logger.Info("image pull failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		c.metrics.PullAttempt(metrics.OutcomeRetry, 0)
		c.emit(ctx, events, Event{Index: index, Image: image, Kind: Retrying, Attempt: attempt + 1, Backoff: wait, Err: lastErr})
		if err := c.sleep(ctx, wait); err != nil {
			lastErr = fmt.Errorf("%v (interrupted: %w)", lastErr, err)
			c.emit(ctx, events, Event{Index: index, Image: image, Kind: Failed, Attempt: attempt, Err: lastErr})
			return Result{Index: index, Image: image, Attempts: attempt, Err: lastErr}
		}
	}

	logger.Error("image pull failed", zap.Int("attempts", c.maxAttempts), zap.Error(lastErr))
	c.emit(ctx, events, Event{Index: index, Image: image, Kind: Failed, Attempt: c.maxAttempts, Err: lastErr})
	return Result{Index: index, Image: image, Attempts: c.maxAttempts, Err: lastErr}
}

// emit delivers ev unless nobody is listening anymore.
func (c *Coordinator) emit(ctx context.Context, events chan<- Event, ev Event) {
	if events == nil {
		return
	}
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
