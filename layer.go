package bcemu

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/kernel"
	"github.com/gogpu/bcemu/internal/parallel"
	"github.com/gogpu/bcemu/internal/payload"
	"github.com/gogpu/bcemu/registry"
	"github.com/gogpu/bcemu/shim"
	"github.com/gogpu/bcemu/worker"
)

// Stats is a snapshot of layer activity.
type Stats struct {
	Registered     int
	Decompressing  int
	Decompressed   int
	PayloadBytes   int
	Dispatch       dispatch.Stats
	PipelineHits   uint64
	PipelineMisses uint64
}

// Layer is one instance of the emulation layer. Devices opened through the
// same Layer share its registry and decode workers.
//
// Layer is safe for concurrent use.
type Layer struct {
	reg    *registry.Registry
	store  *payload.Store
	pool   *parallel.Pool
	worker *worker.Worker
	disp   *dispatch.Dispatcher
	core   *shim.Core

	followsPackage bool
	closeOnce      sync.Once
}

// New creates a layer.
func New(opts ...Option) *Layer {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = Logger()
	}

	l := &Layer{
		reg:            registry.New(),
		store:          payload.NewStore(),
		pool:           parallel.NewPool(o.workers),
		followsPackage: o.logger == nil,
	}
	l.worker = worker.New(l.store,
		worker.WithLogger(log),
		worker.WithPool(l.pool),
		worker.WithCache(kernel.NewCache(kernel.WithSPIRV(o.spirv))),
		worker.WithFenceTimeout(o.fenceTimeout),
		worker.WithRetainPayloads(o.retainPayloads),
	)
	l.disp = dispatch.New(l.reg, l.worker,
		dispatch.WithLogger(log),
		dispatch.WithProbe(l.worker),
		dispatch.WithForceCPUFallback(o.forceCPU),
	)
	l.core = shim.NewCore(l.reg, l.disp, l.store,
		shim.WithLogger(log),
		shim.WithTranscoder(l.worker),
		shim.WithEnabledFormats(o.formats...),
		shim.WithSettleScope(o.scope),
		shim.WithSettleTimeout(o.submitTimeout),
		shim.WithDeviceDestroyHook(l.deviceDestroyed),
	)
	if l.followsPackage {
		follow(l)
	}

	log.Info("bcemu: layer created",
		"version", Version,
		"workers", l.pool.Workers(),
		"force_cpu_fallback", o.forceCPU,
		"settle_scope", o.scope,
		"submit_timeout", o.submitTimeout)
	return l
}

// SetLogger replaces the logger of every component of the layer.
// A nil logger silences the layer.
func (l *Layer) SetLogger(log *slog.Logger) {
	l.worker.SetLogger(log)
	l.disp.SetLogger(log)
	l.core.SetLogger(log)
}

// ExposeAdapter wraps an enumerated adapter. The returned adapter reports
// BC formats as supported, advertises BC compression, and opens devices
// that are already wrapped by the layer.
func (l *Layer) ExposeAdapter(e hal.ExposedAdapter) hal.ExposedAdapter {
	caps := worker.CapabilitiesOf(e)
	return l.core.ExposeAdapter(e, func(od hal.OpenDevice) (hal.OpenDevice, error) {
		dev, q := l.WrapDevice(od.Device, od.Queue, caps)
		return hal.OpenDevice{Device: dev, Queue: q}, nil
	})
}

// WrapDevice wraps a device opened outside the layer together with its
// queue. caps describes the adapter the device was opened on. Wrapping the
// same device again returns the existing decorators.
func (l *Layer) WrapDevice(dev hal.Device, queue hal.Queue, caps worker.Capabilities) (*shim.Device, *shim.Queue) {
	id := l.core.NextDeviceID()
	d := l.core.WrapDevice(id, dev)
	q := l.core.WrapQueue(d.ID(), queue)
	if d.ID() == id {
		l.worker.AttachDevice(id, d.Unwrap(), q.Unwrap(), caps)
	}
	return d, q
}

// Emulates reports whether textures of format are emulated by the layer.
func (l *Layer) Emulates(format gputypes.TextureFormat) bool {
	return l.core.Emulates(format)
}

// Force decompresses one image now.
func (l *Layer) Force(ctx context.Context, id registry.ImageID) error {
	return l.disp.Force(ctx, id)
}

// Settle decompresses every Registered image.
func (l *Layer) Settle(ctx context.Context) error {
	return l.disp.Settle(ctx, nil)
}

// Unregister forgets an image. The backing texture is left alone.
func (l *Layer) Unregister(id registry.ImageID) {
	l.core.Release(id)
}

// Lookup returns the record of one image.
func (l *Layer) Lookup(id registry.ImageID) (registry.Record, bool) {
	return l.reg.Lookup(id)
}

// Snapshot returns every record ordered by identity.
func (l *Layer) Snapshot() []registry.Record {
	return l.reg.Snapshot()
}

// Stats returns a snapshot of layer activity.
func (l *Layer) Stats() Stats {
	s := Stats{
		PayloadBytes: l.store.Bytes(),
		Dispatch:     l.disp.Stats(),
	}
	for _, rec := range l.reg.Snapshot() {
		switch rec.State {
		case registry.StateRegistered:
			s.Registered++
		case registry.StateDecompressing:
			s.Decompressing++
		case registry.StateDecompressed:
			s.Decompressed++
		}
	}
	s.PipelineHits, s.PipelineMisses = l.worker.Pipelines()
	return s
}

// ProcTable returns a name-based resolver table for hosts that call through
// function values. instanceNext and deviceNext resolve the names the layer
// does not replace.
func (l *Layer) ProcTable(instanceNext, deviceNext shim.Resolver) *shim.ProcTable {
	return l.core.ProcTable(instanceNext, deviceNext)
}

// Close drops every record, captured upload and cached pipeline and stops
// the decode workers. Devices stay usable; textures created before Close
// keep whatever contents they had.
func (l *Layer) Close() {
	l.closeOnce.Do(func() {
		if l.followsPackage {
			unfollow(l)
		}
		l.reg.Clear()
		l.store.Clear()
		l.disp.Reset()
		l.worker.Close()
		l.pool.Close()
		l.core.Logger().Info("bcemu: layer closed")
	})
}

// deviceDestroyed drops everything the layer holds for a destroyed device.
func (l *Layer) deviceDestroyed(id registry.DeviceID) {
	l.worker.DetachDevice(id)
	for _, rec := range l.reg.Snapshot() {
		if rec.Device == id {
			l.core.Release(rec.ID)
		}
	}
}
