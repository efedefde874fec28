package shim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/payload"
)

// events is an ordered log shared by the fakes of one test.
type events struct {
	mu   sync.Mutex
	list []string
}

func (e *events) add(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, fmt.Sprintf(format, args...))
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.list...)
}

type testTexture struct {
	noop.Texture
	id int
}

type testAdapter struct {
	noop.Adapter
	opened []gputypes.Features
}

func (a *testAdapter) TextureFormatCapabilities(format gputypes.TextureFormat) hal.TextureFormatCapabilities {
	if format == gputypes.TextureFormatRGBA8Unorm {
		return hal.TextureFormatCapabilities{Flags: hal.TextureFormatCapabilitySampled | hal.TextureFormatCapabilityStorage}
	}
	return hal.TextureFormatCapabilities{}
}

func (a *testAdapter) Open(features gputypes.Features, limits gputypes.Limits) (hal.OpenDevice, error) {
	a.opened = append(a.opened, features)
	return hal.OpenDevice{Device: &testDevice{name: "opened"}, Queue: &testQueue{name: "opened"}}, nil
}

type viewCall struct {
	texture hal.Texture
	format  gputypes.TextureFormat
}

type testDevice struct {
	noop.Device
	name string
	ev   *events
	fail error

	mu        sync.Mutex
	n         int
	created   []hal.TextureDescriptor
	destroyed []hal.Texture
	views     []viewCall
	encoders  []*testEncoder
}

func (d *testDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d.fail != nil {
		return nil, d.fail
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.n++
	d.created = append(d.created, *desc)
	return &testTexture{id: d.n}, nil
}

func (d *testDevice) DestroyTexture(t hal.Texture) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = append(d.destroyed, t)
}

func (d *testDevice) CreateTextureView(t hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.views = append(d.views, viewCall{texture: t, format: desc.Format})
	return d.Device.CreateTextureView(t, desc)
}

func (d *testDevice) CreateCommandEncoder(*hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := &testEncoder{}
	d.encoders = append(d.encoders, e)
	return e, nil
}

func (d *testDevice) Destroy() {
	if d.ev != nil {
		d.ev.add("destroy %s", d.name)
	}
}

type testEncoder struct {
	noop.CommandEncoder
	copyTargets []hal.Texture
	barriers    []hal.Texture
}

func (e *testEncoder) CopyBufferToTexture(_ hal.Buffer, dst hal.Texture, regions []hal.BufferTextureCopy) {
	e.copyTargets = append(e.copyTargets, dst)
	for _, r := range regions {
		e.copyTargets = append(e.copyTargets, r.TextureBase.Texture)
	}
}

func (e *testEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	for _, b := range barriers {
		e.barriers = append(e.barriers, b.Texture)
	}
}

type testQueue struct {
	noop.Queue
	name string
	ev   *events

	mu     sync.Mutex
	writes []hal.ImageCopyTexture
}

func (q *testQueue) Submit(cmds []hal.CommandBuffer) (uint64, error) {
	if q.ev != nil {
		q.ev.add("submit %s", q.name)
	}
	return q.Queue.Submit(cmds)
}

func (q *testQueue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.writes = append(q.writes, *dst)
	return nil
}

// testWorker logs every decompression it is asked for. With a store it
// takes the captured regions the way the real worker does, after delay.
type testWorker struct {
	ev    *events
	err   error
	store *payload.Store
	delay time.Duration

	mu    sync.Mutex
	taken []payload.Region
}

func (w *testWorker) SimpleBlock(_ context.Context, job dispatch.Job) error {
	w.ev.add("decompress %d", job.Image)
	if w.store != nil {
		time.Sleep(w.delay)
		regions := w.store.Seal(job.Image)
		w.mu.Lock()
		w.taken = append(w.taken, regions...)
		w.mu.Unlock()
	}
	return w.err
}

func (w *testWorker) HighQuality(ctx context.Context, job dispatch.Job, cpu bool) error {
	return w.SimpleBlock(ctx, job)
}

type testTranscoder struct {
	mu      sync.Mutex
	jobs    []dispatch.Job
	regions []payload.Region
}

func (tc *testTranscoder) Transcode(_ context.Context, job dispatch.Job, r payload.Region) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.jobs = append(tc.jobs, job)
	tc.regions = append(tc.regions, r)
	return nil
}
