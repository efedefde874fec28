// Package dispatch decides when and how an emulated image is decompressed.
//
// The Dispatcher owns the per-image state machine on top of a
// registry.Registry: Registered -> Decompressing -> Decompressed. Exactly one
// caller wins the first transition and runs the worker; everybody else
// returns immediately. Worker calls happen outside the registry lock.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/bcemu/registry"
)

// Dispatcher errors.
var (
	// ErrDecompressionFailed is returned when the worker could not produce
	// valid contents. The image stays in Decompressing and every later call
	// for it returns this error again.
	ErrDecompressionFailed = errors.New("dispatch: decompression failed")

	// ErrStateViolation is returned when the final transition to
	// Decompressed is rejected, which means the state machine was broken.
	ErrStateViolation = errors.New("dispatch: state machine violation")

	// ErrUnsupportedFormat is the cause recorded for records whose format is
	// not a BC format.
	ErrUnsupportedFormat = errors.New("dispatch: unsupported format")
)

// Stats counts dispatcher activity.
type Stats struct {
	SimpleGPU      uint64
	HighQualityGPU uint64
	HighQualityCPU uint64
	Failed         uint64
	Violations     uint64
}

// Dispatched returns the number of worker invocations.
func (s Stats) Dispatched() uint64 {
	return s.SimpleGPU + s.HighQualityGPU + s.HighQualityCPU
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger. A nil logger keeps the default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log.Store(l)
		}
	}
}

// WithProbe sets the capability probe used to pick the high-quality path.
func WithProbe(p CapabilityProbe) Option {
	return func(d *Dispatcher) {
		d.probe = p
	}
}

// WithForceCPUFallback makes every high-quality image take the CPU path.
func WithForceCPUFallback(force bool) Option {
	return func(d *Dispatcher) {
		d.forceCPU = force
	}
}

// Dispatcher schedules decompression for registered images.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	reg      *registry.Registry
	worker   Worker
	probe    CapabilityProbe
	forceCPU bool
	log      atomic.Pointer[slog.Logger]

	// preferCPU caches the high-quality path choice per device.
	pathMu    sync.Mutex
	preferCPU map[registry.DeviceID]bool

	// failed holds the worker error of every image stuck in Decompressing.
	failMu sync.Mutex
	failed map[registry.ImageID]error

	simpleGPU  atomic.Uint64
	hqGPU      atomic.Uint64
	hqCPU      atomic.Uint64
	failures   atomic.Uint64
	violations atomic.Uint64
}

// New creates a dispatcher over reg that runs work on worker.
func New(reg *registry.Registry, worker Worker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:       reg,
		worker:    worker,
		preferCPU: make(map[registry.DeviceID]bool),
		failed:    make(map[registry.ImageID]error),
	}
	d.log.Store(slog.New(nopHandler{}))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetLogger replaces the dispatcher logger. A nil logger silences it.
func (d *Dispatcher) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	d.log.Store(l)
}

func (d *Dispatcher) logger() *slog.Logger { return d.log.Load() }

// EnsureDecompressed makes sure the image identified by id is, or is being,
// decompressed.
//
// It returns nil when the image is already decompressed, when this call
// decompressed it, or when another caller owns the in-flight decompression.
// It returns an error matching registry.ErrUnknownImage for identities that
// were never registered and ErrDecompressionFailed when the worker failed,
// now or on an earlier call.
func (d *Dispatcher) EnsureDecompressed(ctx context.Context, id registry.ImageID) error {
	rec, ok := d.reg.Lookup(id)
	if !ok {
		d.logger().Warn("bcemu: ensure on unknown image", "image", id)
		return fmt.Errorf("%w: %d", registry.ErrUnknownImage, id)
	}
	if rec.State == registry.StateDecompressed {
		return nil
	}

	if rec.State == registry.StateRegistered {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if err := d.reg.Transition(id, registry.StateRegistered, registry.StateDecompressing); err != nil {
		if errors.Is(err, registry.ErrStaleState) {
			if cause := d.failure(id); cause != nil {
				return fmt.Errorf("%w: image %d: %w", ErrDecompressionFailed, id, cause)
			}
			return nil
		}
		// Removed between Lookup and Transition.
		d.logger().Warn("bcemu: ensure on unknown image", "image", id)
		return err
	}

	// The image is committed; its work runs to completion even when ctx ends.
	job := JobFor(rec)
	path, err := d.run(context.WithoutCancel(ctx), job)
	if err != nil {
		d.recordFailure(id, err)
		d.failures.Add(1)
		d.logger().Error("bcemu: decompression failed", "image", id, "format", rec.Format, "path", path, "error", err)
		return fmt.Errorf("%w: image %d: %w", ErrDecompressionFailed, id, err)
	}

	if err := d.reg.Transition(id, registry.StateDecompressing, registry.StateDecompressed); err != nil {
		if errors.Is(err, registry.ErrUnknownImage) {
			// The image was destroyed while its decompression ran.
			d.logger().Debug("bcemu: image removed during decompression", "image", id)
			return nil
		}
		d.violations.Add(1)
		d.logger().Error("bcemu: state machine violation", "image", id, "error", err)
		return fmt.Errorf("%w: %w", ErrStateViolation, err)
	}

	d.logger().Debug("bcemu: image decompressed", "image", id, "format", rec.Format, "path", path)
	return nil
}

// Force decompresses id synchronously. It is EnsureDecompressed under the
// name used for explicit, administrative requests.
func (d *Dispatcher) Force(ctx context.Context, id registry.ImageID) error {
	return d.EnsureDecompressed(ctx, id)
}

// Settle calls EnsureDecompressed for every record currently in
// StateRegistered that satisfies keep (all of them when keep is nil).
// Failures are joined; processing continues past a failed image. When ctx
// ends, the images not yet started stay Registered and ctx's error is
// joined to the result.
func (d *Dispatcher) Settle(ctx context.Context, keep func(registry.Record) bool) error {
	var errs []error
	for _, id := range d.reg.InState(registry.StateRegistered) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if keep != nil {
			rec, ok := d.reg.Lookup(id)
			if !ok || !keep(rec) {
				continue
			}
		}
		if err := d.EnsureDecompressed(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Forget drops the failure recorded for id. Called when the image is
// destroyed.
func (d *Dispatcher) Forget(id registry.ImageID) {
	d.failMu.Lock()
	delete(d.failed, id)
	d.failMu.Unlock()
}

// Reset drops every recorded failure and cached path choice.
func (d *Dispatcher) Reset() {
	d.failMu.Lock()
	clear(d.failed)
	d.failMu.Unlock()

	d.pathMu.Lock()
	clear(d.preferCPU)
	d.pathMu.Unlock()
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		SimpleGPU:      d.simpleGPU.Load(),
		HighQualityGPU: d.hqGPU.Load(),
		HighQualityCPU: d.hqCPU.Load(),
		Failed:         d.failures.Load(),
		Violations:     d.violations.Load(),
	}
}

// PathFor reports the path the dispatcher would use for an image of the
// given family on device.
func (d *Dispatcher) PathFor(family Family, device registry.DeviceID) Path {
	switch family {
	case FamilySimpleBlock:
		return PathSimpleGPU
	case FamilyHighQuality:
		if d.preferCPUFallback(device) {
			return PathHighQualityCPU
		}
		return PathHighQualityGPU
	default:
		return PathNone
	}
}

func (d *Dispatcher) run(ctx context.Context, job Job) (Path, error) {
	family := Classify(job.Format)
	path := d.PathFor(family, job.Device)

	switch path {
	case PathSimpleGPU:
		d.simpleGPU.Add(1)
		return path, d.worker.SimpleBlock(ctx, job)
	case PathHighQualityGPU:
		d.hqGPU.Add(1)
		return path, d.worker.HighQuality(ctx, job, false)
	case PathHighQualityCPU:
		d.hqCPU.Add(1)
		return path, d.worker.HighQuality(ctx, job, true)
	default:
		return path, fmt.Errorf("%w: %s", ErrUnsupportedFormat, job.Format)
	}
}

// preferCPUFallback returns the cached high-quality path choice for device,
// probing it on first use.
func (d *Dispatcher) preferCPUFallback(device registry.DeviceID) bool {
	d.pathMu.Lock()
	v, ok := d.preferCPU[device]
	d.pathMu.Unlock()
	if ok {
		return v
	}

	prefer := d.forceCPU
	if !prefer && d.probe != nil {
		prefer = !d.probe.HighQualityCompute(device)
	}

	d.pathMu.Lock()
	defer d.pathMu.Unlock()
	if v, ok := d.preferCPU[device]; ok {
		return v
	}
	d.preferCPU[device] = prefer
	d.logger().Info("bcemu: high-quality path selected", "device", device, "cpu_fallback", prefer)
	return prefer
}

// recordFailure keeps err for id unless the image was removed while its
// worker ran.
func (d *Dispatcher) recordFailure(id registry.ImageID, err error) {
	d.failMu.Lock()
	d.failed[id] = err
	d.failMu.Unlock()

	if _, ok := d.reg.Lookup(id); !ok {
		d.Forget(id)
	}
}

func (d *Dispatcher) failure(id registry.ImageID) error {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	return d.failed[id]
}
