package shim

import (
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/internal/payload"
	"github.com/gogpu/bcemu/registry"
)

// Queue settles pending decompressions before every submission and
// captures uploads to emulated textures.
type Queue struct {
	hal.Queue
	core   *Core
	device registry.DeviceID
}

// Unwrap returns the queue underneath.
func (q *Queue) Unwrap() hal.Queue { return q.Queue }

// Device returns the identity of the device the queue belongs to.
func (q *Queue) Device() registry.DeviceID { return q.device }

// Submit decompresses every Registered image, then forwards the command
// buffers unmodified. Decompression failures are logged and never fail the
// submission.
func (q *Queue) Submit(cmds []hal.CommandBuffer) (uint64, error) {
	if err := q.core.Settle(context.Background(), q.device); err != nil {
		q.core.logger().Warn("bcemu: settle before submit", "device", q.device, "error", err)
	}
	return q.Queue.Submit(cmds)
}

// WriteTexture uploads to a texture. Compressed data for an emulated
// texture is captured until its decompression takes the captured regions
// and decoded on the CPU afterwards.
func (q *Queue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	if dst == nil {
		return q.Queue.WriteTexture(dst, data, layout, size)
	}
	t, ok := dst.Texture.(*Texture)
	if !ok {
		return q.Queue.WriteTexture(dst, data, layout, size)
	}

	r, err := captureRegion(t, dst, data, layout, size)
	if err != nil {
		return err
	}

	rec, found := q.core.reg.Lookup(t.image)
	if found && rec.State == registry.StateRegistered && q.core.store.Add(t.image, r) {
		if _, ok := q.core.reg.Lookup(t.image); !ok {
			// Destroyed while capturing.
			q.core.store.Forget(t.image)
			return nil
		}
		q.core.logger().Debug("bcemu: captured upload",
			"image", t.image, "mip", r.MipLevel, "x", r.X, "y", r.Y, "bytes", len(r.Data))
		return nil
	}

	if q.core.transcoder == nil {
		return ErrNoTranscoder
	}
	job := dispatch.Job{
		Image:   t.image,
		Device:  t.device,
		Backing: t.Texture,
		Format:  t.format,
		Extent:  t.extent,
	}
	q.core.logger().Debug("bcemu: late upload", "job", job, "mip", r.MipLevel)
	return q.core.transcoder.Transcode(context.Background(), job, r)
}

// captureRegion copies an upload into a tightly packed region.
func captureRegion(t *Texture, dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) (payload.Region, error) {
	if size == nil {
		return payload.Region{}, fmt.Errorf("shim: upload to image %d without extent", t.image)
	}
	if dst.Origin.X%bcn.BlockDim != 0 || dst.Origin.Y%bcn.BlockDim != 0 {
		return payload.Region{}, fmt.Errorf("%w: (%d,%d)", bcn.ErrUnaligned, dst.Origin.X, dst.Origin.Y)
	}
	var offset uint64
	var pitch uint32
	if layout != nil {
		offset, pitch = layout.Offset, layout.BytesPerRow
	}
	if offset > uint64(len(data)) {
		return payload.Region{}, fmt.Errorf("%w: offset %d past %d bytes", bcn.ErrShortPayload, offset, len(data))
	}
	packed, err := bcn.Pack(t.format, size.Width, size.Height, data[offset:], pitch)
	if err != nil {
		return payload.Region{}, err
	}
	return payload.Region{
		MipLevel: dst.MipLevel,
		X:        dst.Origin.X,
		Y:        dst.Origin.Y,
		Width:    size.Width,
		Height:   size.Height,
		Data:     slices.Clone(packed),
	}, nil
}
