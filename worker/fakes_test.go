package worker

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// testTexture gives every texture a distinct address.
type testTexture struct {
	noop.Texture
	id int
}

type textureWrite struct {
	texture hal.Texture
	mip     uint32
	origin  hal.Origin3D
	data    []byte
	layout  hal.ImageDataLayout
	size    hal.Extent3D
}

// fakeQueue records texture writes and can stall submissions forever.
type fakeQueue struct {
	noop.Queue
	stall bool

	mu      sync.Mutex
	writes  []textureWrite
	submits int
}

func (q *fakeQueue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.writes = append(q.writes, textureWrite{
		texture: dst.Texture, mip: dst.MipLevel, origin: dst.Origin,
		data: append([]byte(nil), data...), layout: *layout, size: *size,
	})
	return nil
}

func (q *fakeQueue) Submit(cmds []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	q.submits++
	q.mu.Unlock()
	return q.Queue.Submit(cmds)
}

func (q *fakeQueue) PollCompleted() uint64 {
	if q.stall {
		return 0
	}
	return q.Queue.PollCompleted()
}

func (q *fakeQueue) textureWrites() []textureWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]textureWrite(nil), q.writes...)
}

// fakeDevice counts buffers and records what encoders were asked to do.
type fakeDevice struct {
	noop.Device

	created   atomic.Int32
	destroyed atomic.Int32

	mu         sync.Mutex
	dispatches [][3]uint32
	copies     []hal.BufferTextureCopy
	barriers   []hal.TextureBarrier
}

func (d *fakeDevice) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	d.created.Add(1)
	return d.Device.CreateBuffer(desc)
}

func (d *fakeDevice) DestroyBuffer(hal.Buffer) {
	d.destroyed.Add(1)
}

func (d *fakeDevice) CreateCommandEncoder(*hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	return &fakeEncoder{dev: d}, nil
}

type fakeEncoder struct {
	noop.CommandEncoder
	dev *fakeDevice
}

func (e *fakeEncoder) CopyBufferToTexture(_ hal.Buffer, _ hal.Texture, regions []hal.BufferTextureCopy) {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	e.dev.copies = append(e.dev.copies, regions...)
}

func (e *fakeEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	e.dev.mu.Lock()
	defer e.dev.mu.Unlock()
	e.dev.barriers = append(e.dev.barriers, barriers...)
}

func (e *fakeEncoder) BeginComputePass(*hal.ComputePassDescriptor) hal.ComputePassEncoder {
	return &fakePass{dev: e.dev}
}

type fakePass struct {
	noop.ComputePassEncoder
	dev *fakeDevice
}

func (p *fakePass) Dispatch(x, y, z uint32) {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.dev.dispatches = append(p.dev.dispatches, [3]uint32{x, y, z})
}
