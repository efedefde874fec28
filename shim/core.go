// Package shim intercepts HAL calls so compressed BC textures work on
// devices that cannot sample them.
//
// Decorators wrap a hal.Adapter, hal.Device and hal.Queue. Creating a BC
// texture creates an RGBA8 texture instead and registers it; uploads to it
// are captured; every submission first settles pending decompressions. The
// application sees only the interfaces it asked for.
package shim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/internal/payload"
	"github.com/gogpu/bcemu/registry"
)

// ErrNoTranscoder is returned for late uploads when no Transcoder is set.
var ErrNoTranscoder = errors.New("shim: no transcoder for late upload")

// Transcoder decodes uploads that arrive after an image left Registered.
type Transcoder interface {
	Transcode(ctx context.Context, job dispatch.Job, r payload.Region) error
}

// SettleScope selects which records a submission settles.
type SettleScope int

const (
	// SettleAll settles every Registered record of every device.
	SettleAll SettleScope = iota
	// SettleDevice settles only records of the submitting queue's device.
	SettleDevice
)

func (s SettleScope) String() string {
	switch s {
	case SettleAll:
		return "all"
	case SettleDevice:
		return "device"
	}
	return fmt.Sprintf("SettleScope(%d)", int(s))
}

// ParseSettleScope parses "all" or "device".
func ParseSettleScope(s string) (SettleScope, error) {
	switch s {
	case "", "all":
		return SettleAll, nil
	case "device":
		return SettleDevice, nil
	}
	return 0, fmt.Errorf("shim: unknown settle scope %q", s)
}

// Core is the state shared by all decorators of one layer.
//
// Core is safe for concurrent use.
type Core struct {
	reg        *registry.Registry
	disp       *dispatch.Dispatcher
	store      *payload.Store
	transcoder Transcoder
	enabled    func(gputypes.TextureFormat) bool
	scope      SettleScope
	timeout    time.Duration
	onDestroy  func(registry.DeviceID)
	log        atomic.Pointer[slog.Logger]

	images  atomic.Uint64
	devices atomic.Uint64

	mu       sync.RWMutex
	byDevice map[hal.Device]*Device
	byQueue  map[hal.Queue]*Queue
}

// NewCore creates the shared state over reg, disp and store.
func NewCore(reg *registry.Registry, disp *dispatch.Dispatcher, store *payload.Store, opts ...Option) *Core {
	c := &Core{
		reg:      reg,
		disp:     disp,
		store:    store,
		byDevice: make(map[hal.Device]*Device),
		byQueue:  make(map[hal.Queue]*Queue),
	}
	c.log.Store(slog.New(nopHandler{}))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLogger replaces the logger. A nil logger silences it.
func (c *Core) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	c.log.Store(l)
}

// Logger returns the current logger.
func (c *Core) Logger() *slog.Logger { return c.log.Load() }

func (c *Core) logger() *slog.Logger { return c.log.Load() }

// Emulates reports whether textures of format are emulated.
func (c *Core) Emulates(format gputypes.TextureFormat) bool {
	if !bcn.IsCompressed(format) {
		return false
	}
	return c.enabled == nil || c.enabled(format)
}

// NextDeviceID allocates a device identity.
func (c *Core) NextDeviceID() registry.DeviceID {
	return registry.DeviceID(c.devices.Add(1))
}

func (c *Core) nextImageID() registry.ImageID {
	return registry.ImageID(c.images.Add(1))
}

// WrapDevice returns the decorator of dev. Wrapping the same device twice
// returns the first decorator.
func (c *Core) WrapDevice(id registry.DeviceID, dev hal.Device) *Device {
	if d, ok := dev.(*Device); ok {
		return d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.byDevice[dev]; ok {
		return d
	}
	d := &Device{Device: dev, core: c, id: id}
	c.byDevice[dev] = d
	return d
}

// WrapQueue returns the decorator of q, which submits for device id.
func (c *Core) WrapQueue(id registry.DeviceID, q hal.Queue) *Queue {
	if w, ok := q.(*Queue); ok {
		return w
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.byQueue[q]; ok {
		return w
	}
	w := &Queue{Queue: q, core: c, device: id}
	c.byQueue[q] = w
	return w
}

func (c *Core) deviceFor(dev hal.Device) *Device {
	if d, ok := dev.(*Device); ok {
		return d
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byDevice[dev]
}

func (c *Core) queueFor(q hal.Queue) *Queue {
	if w, ok := q.(*Queue); ok {
		return w
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byQueue[q]
}

// forget drops the decorators of the device identified by id.
func (c *Core) forget(id registry.DeviceID) {
	c.mu.Lock()
	for k, d := range c.byDevice {
		if d.id == id {
			delete(c.byDevice, k)
		}
	}
	for k, q := range c.byQueue {
		if q.device == id {
			delete(c.byQueue, k)
		}
	}
	c.mu.Unlock()
}

// Settle decompresses the Registered records a submission on device must
// see, honoring the settle scope.
func (c *Core) Settle(ctx context.Context, device registry.DeviceID) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var keep func(registry.Record) bool
	if c.scope == SettleDevice {
		keep = func(r registry.Record) bool { return r.Device == device }
	}
	return c.disp.Settle(ctx, keep)
}

// Release forgets everything known about an image.
func (c *Core) Release(id registry.ImageID) {
	c.reg.Remove(id)
	c.disp.Forget(id)
	c.store.Forget(id)
}
