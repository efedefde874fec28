package shim

import (
	"log/slog"
	"slices"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/bcemu/registry"
)

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.log.Store(l)
		}
	}
}

// WithTranscoder sets the decoder used for late uploads.
func WithTranscoder(t Transcoder) Option {
	return func(c *Core) {
		c.transcoder = t
	}
}

// WithEnabledFormats restricts emulation to formats. An empty list
// emulates every BC format.
func WithEnabledFormats(formats ...gputypes.TextureFormat) Option {
	return func(c *Core) {
		if len(formats) == 0 {
			c.enabled = nil
			return
		}
		list := slices.Clone(formats)
		c.enabled = func(f gputypes.TextureFormat) bool {
			return slices.Contains(list, f)
		}
	}
}

// WithSettleScope selects which records a submission settles.
func WithSettleScope(s SettleScope) Option {
	return func(c *Core) {
		c.scope = s
	}
}

// WithSettleTimeout bounds the settle step of one submission.
func WithSettleTimeout(d time.Duration) Option {
	return func(c *Core) {
		c.timeout = d
	}
}

// WithDeviceDestroyHook runs fn when a wrapped device is destroyed.
func WithDeviceDestroyHook(fn func(registry.DeviceID)) Option {
	return func(c *Core) {
		c.onDestroy = fn
	}
}
