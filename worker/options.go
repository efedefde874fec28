package worker

import (
	"log/slog"
	"time"

	"github.com/gogpu/bcemu/internal/kernel"
	"github.com/gogpu/bcemu/internal/parallel"
)

// DefaultFenceTimeout bounds the wait for one decompression submission.
const DefaultFenceTimeout = 5 * time.Second

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log.Store(l)
		}
	}
}

// WithFenceTimeout sets how long a GPU submission may take.
func WithFenceTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithPool makes CPU decodes spread block rows over pool. The caller keeps
// ownership of pool.
func WithPool(pool *parallel.Pool) Option {
	return func(w *Worker) {
		w.pool = pool
	}
}

// WithCache shares a pipeline cache between workers.
func WithCache(c *kernel.Cache) Option {
	return func(w *Worker) {
		w.cache = c
	}
}

// WithRetainPayloads keeps captured uploads after a successful
// decompression instead of releasing them.
func WithRetainPayloads(retain bool) Option {
	return func(w *Worker) {
		w.retain = retain
	}
}
