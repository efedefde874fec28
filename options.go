package bcemu

import (
	"log/slog"
	"slices"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/bcemu/shim"
)

// Option configures a Layer during creation.
//
// Example:
//
//	layer := bcemu.New(
//	    bcemu.WithWorkers(4),
//	    bcemu.WithSubmitTimeout(2*time.Second),
//	)
type Option func(*options)

// options holds the Layer configuration.
type options struct {
	logger         *slog.Logger
	workers        int
	forceCPU       bool
	submitTimeout  time.Duration
	fenceTimeout   time.Duration
	scope          shim.SettleScope
	formats        []gputypes.TextureFormat
	retainPayloads bool
	spirv          bool
}

// WithLogger gives the layer its own logger. Without it the layer follows
// the package logger set with [SetLogger].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithWorkers sets the number of CPU decode workers.
// Zero or a negative value uses GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithForceCPUFallback decodes BC6H and BC7 on the CPU on every device.
func WithForceCPUFallback(force bool) Option {
	return func(o *options) {
		o.forceCPU = force
	}
}

// WithSubmitTimeout bounds the decompression work done before one
// submission. Zero means no bound.
func WithSubmitTimeout(d time.Duration) Option {
	return func(o *options) {
		o.submitTimeout = d
	}
}

// WithFenceTimeout bounds the wait for one GPU decompression to complete.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		o.fenceTimeout = d
	}
}

// WithSettleScope selects which images a submission decompresses.
// The default, [shim.SettleAll], covers every device.
func WithSettleScope(s shim.SettleScope) Option {
	return func(o *options) {
		o.scope = s
	}
}

// WithEnabledFormats restricts emulation to the given BC formats. Other BC
// formats are passed to the device unchanged.
func WithEnabledFormats(formats ...gputypes.TextureFormat) Option {
	return func(o *options) {
		o.formats = slices.Clone(formats)
	}
}

// WithRetainPayloads keeps captured uploads after decompression.
func WithRetainPayloads(retain bool) Option {
	return func(o *options) {
		o.retainPayloads = retain
	}
}

// WithSPIRV hands compute kernels to devices as SPIR-V instead of WGSL.
// Vulkan devices need it.
func WithSPIRV(enabled bool) Option {
	return func(o *options) {
		o.spirv = enabled
	}
}
