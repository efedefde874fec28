// Package worker performs the actual decompression of emulated textures.
//
// A Worker is attached to every device that owns emulated textures. It
// turns the compressed uploads captured for an image into RGBA8 contents of
// the image's backing texture, either with a compute kernel or by decoding
// on the CPU and writing through the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/internal/kernel"
	"github.com/gogpu/bcemu/internal/parallel"
	"github.com/gogpu/bcemu/internal/payload"
	"github.com/gogpu/bcemu/registry"
)

// Worker errors.
var (
	ErrUnknownDevice = errors.New("worker: device not attached")
	ErrTimeout       = errors.New("worker: timed out waiting for GPU")
)

// device is an attached device and the queue used for its uploads.
type device struct {
	id     registry.DeviceID
	dev    hal.Device
	queue  hal.Queue
	tuning Tuning

	// mu serializes queue access from concurrent decompressions.
	mu sync.Mutex
}

// Worker implements dispatch.Worker and dispatch.CapabilityProbe.
//
// Worker is safe for concurrent use.
type Worker struct {
	store   *payload.Store
	cache   *kernel.Cache
	pool    *parallel.Pool
	timeout time.Duration
	retain  bool
	log     atomic.Pointer[slog.Logger]

	mu      sync.RWMutex
	devices map[registry.DeviceID]*device
}

var (
	_ dispatch.Worker          = (*Worker)(nil)
	_ dispatch.CapabilityProbe = (*Worker)(nil)
)

// New creates a worker that reads captured uploads from store.
func New(store *payload.Store, opts ...Option) *Worker {
	w := &Worker{
		store:   store,
		timeout: DefaultFenceTimeout,
		devices: make(map[registry.DeviceID]*device),
	}
	w.log.Store(slog.New(nopHandler{}))
	for _, opt := range opts {
		opt(w)
	}
	if w.cache == nil {
		w.cache = kernel.NewCache()
	}
	return w
}

// SetLogger replaces the worker logger. A nil logger silences it.
func (w *Worker) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	w.log.Store(l)
}

func (w *Worker) logger() *slog.Logger { return w.log.Load() }

// AttachDevice makes the device identified by id available to jobs and
// returns the tuning chosen for it.
func (w *Worker) AttachDevice(id registry.DeviceID, dev hal.Device, queue hal.Queue, caps Capabilities) Tuning {
	t := Tune(caps)
	w.mu.Lock()
	w.devices[id] = &device{id: id, dev: dev, queue: queue, tuning: t}
	w.mu.Unlock()

	w.logger().Info("bcemu: device tuning",
		"device", id,
		"adapter", t.Adapter,
		"type", t.Type,
		"backend", t.Backend,
		"compute", t.Compute,
		"prefer_cpu", t.PreferCPU,
		"decode_parallelism", t.DecodeParallelism)
	return t
}

// DetachDevice forgets the device and destroys its cached pipelines.
func (w *Worker) DetachDevice(id registry.DeviceID) {
	w.mu.Lock()
	delete(w.devices, id)
	w.mu.Unlock()
	w.cache.Release(id)
}

// Tuning returns the tuning of an attached device.
func (w *Worker) Tuning(id registry.DeviceID) (Tuning, bool) {
	d, err := w.device(id)
	if err != nil {
		return Tuning{}, false
	}
	return d.tuning, true
}

func (w *Worker) device(id registry.DeviceID) (*device, error) {
	w.mu.RLock()
	d, ok := w.devices[id]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, id)
	}
	return d, nil
}

// HighQualityCompute reports whether BC6H and BC7 images of the device
// should decode on the GPU.
func (w *Worker) HighQualityCompute(id registry.DeviceID) bool {
	d, err := w.device(id)
	if err != nil {
		return false
	}
	return d.tuning.Compute && !d.tuning.PreferCPU
}

// SimpleBlock decompresses a BC1-BC5 image. Devices without compute
// decode on the CPU.
func (w *Worker) SimpleBlock(ctx context.Context, job dispatch.Job) error {
	d, err := w.device(job.Device)
	if err != nil {
		return err
	}
	regions := w.store.Seal(job.Image)
	if len(regions) == 0 {
		w.logger().Debug("bcemu: no payload captured", "job", job)
		return nil
	}

	if d.tuning.Compute {
		err = w.decodeGPU(ctx, d, job, kernel.Simple(), regions)
	} else {
		err = w.decodeCPU(ctx, d, job, regions)
	}
	if err != nil {
		return err
	}
	w.release(job.Image)
	return nil
}

// HighQuality decompresses a BC6H or BC7 image. The GPU path needs a
// kernel registered with kernel.RegisterHighQuality; without one the CPU
// decoder is used.
func (w *Worker) HighQuality(ctx context.Context, job dispatch.Job, preferCPUFallback bool) error {
	d, err := w.device(job.Device)
	if err != nil {
		return err
	}
	regions := w.store.Seal(job.Image)
	if len(regions) == 0 {
		w.logger().Debug("bcemu: no payload captured", "job", job)
		return nil
	}

	k, kerr := kernel.For(job.Format)
	switch {
	case preferCPUFallback || !d.tuning.Compute:
		err = w.decodeCPU(ctx, d, job, regions)
	case kerr != nil:
		w.logger().Debug("bcemu: no GPU kernel, decoding on CPU", "job", job)
		err = w.decodeCPU(ctx, d, job, regions)
	default:
		err = w.decodeGPU(ctx, d, job, k, regions)
	}
	if err != nil {
		return err
	}
	w.release(job.Image)
	return nil
}

// Transcode decodes one region uploaded after the image was decompressed
// and writes it to the backing texture.
func (w *Worker) Transcode(ctx context.Context, job dispatch.Job, r payload.Region) error {
	d, err := w.device(job.Device)
	if err != nil {
		return err
	}
	return w.decodeCPU(ctx, d, job, []payload.Region{r})
}

func (w *Worker) release(id registry.ImageID) {
	if !w.retain {
		w.store.Drop(id)
	}
}

// Close destroys all cached pipelines and detaches every device.
func (w *Worker) Close() {
	w.mu.Lock()
	clear(w.devices)
	w.mu.Unlock()
	w.cache.Close()
}

// Pipelines returns the pipeline cache hit and miss counts.
func (w *Worker) Pipelines() (hits, misses uint64) {
	return w.cache.Stats()
}

func regionExtent(r payload.Region) *hal.Extent3D {
	return &hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: 1}
}

// blocksSize rounds the packed block size up to whole words.
func blocksSize(n int) uint64 {
	return uint64(n+3) &^ 3
}

// outputPitch is the row pitch of the RGBA8 staging buffer, aligned for
// buffer to texture copies.
func outputPitch(width uint32) uint32 {
	const align = 256
	row := bcn.Blocks(width) * bcn.BlockDim * bcn.TexelBytes
	return (row + align - 1) &^ (align - 1)
}
