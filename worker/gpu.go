package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/internal/kernel"
	"github.com/gogpu/bcemu/internal/payload"
)

// gpuRegion holds the transient resources of one dispatched region.
type gpuRegion struct {
	region payload.Region
	params kernel.Params
	pitch  uint32
	blocks hal.Buffer
	uni    hal.Buffer
	out    hal.Buffer
	group  hal.BindGroup
}

func (g *gpuRegion) destroy(dev hal.Device) {
	if g.group != nil {
		dev.DestroyBindGroup(g.group)
	}
	for _, b := range []hal.Buffer{g.blocks, g.uni, g.out} {
		if b != nil {
			dev.DestroyBuffer(b)
		}
	}
}

// decodeGPU records one compute dispatch and one buffer to texture copy per
// region into a single command buffer, submits it and waits for it.
func (w *Worker) decodeGPU(ctx context.Context, d *device, job dispatch.Job, k kernel.Kernel, regions []payload.Region) error {
	p, err := w.cache.Get(d.id, d.dev, k)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	staged := make([]*gpuRegion, 0, len(regions))
	defer func() {
		for _, g := range staged {
			g.destroy(d.dev)
		}
	}()
	for _, r := range regions {
		g, err := w.stage(d, job, p, r)
		if g != nil {
			staged = append(staged, g)
		}
		if err != nil {
			return err
		}
	}

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "bcemu_decompress_encoder"})
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("bcemu_decompress"); err != nil {
		return fmt.Errorf("begin encoding: %w", err)
	}

	for _, g := range staged {
		x, y := g.params.Workgroups()
		pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: k.Name})
		pass.SetPipeline(p.Compute)
		pass.SetBindGroup(0, g.group, nil)
		pass.Dispatch(x, y, 1)
		pass.End()

		encoder.TransitionBuffers([]hal.BufferBarrier{{
			Buffer: g.out,
			Usage:  hal.BufferUsageTransition{OldUsage: gputypes.BufferUsageStorage, NewUsage: gputypes.BufferUsageCopySrc},
		}})
		encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: job.Backing,
			Range:   mipRange(g.region.MipLevel),
			Usage:   hal.TextureUsageTransition{OldUsage: 0, NewUsage: gputypes.TextureUsageCopyDst},
		}})
		encoder.CopyBufferToTexture(g.out, job.Backing, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{
				BytesPerRow:  g.pitch,
				RowsPerImage: bcn.Blocks(g.region.Height) * bcn.BlockDim,
			},
			TextureBase: hal.ImageCopyTexture{
				Texture:  job.Backing,
				MipLevel: g.region.MipLevel,
				Origin:   hal.Origin3D{X: g.region.X, Y: g.region.Y},
				Aspect:   gputypes.TextureAspectAll,
			},
			Size: *regionExtent(g.region),
		}})
		encoder.TransitionTextures([]hal.TextureBarrier{{
			Texture: job.Backing,
			Range:   mipRange(g.region.MipLevel),
			Usage:   hal.TextureUsageTransition{OldUsage: gputypes.TextureUsageCopyDst, NewUsage: gputypes.TextureUsageTextureBinding},
		}})
	}

	cmd, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("end encoding: %w", err)
	}
	defer d.dev.FreeCommandBuffer(cmd)

	index, err := d.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := w.wait(ctx, d.queue, index); err != nil {
		return err
	}

	w.logger().Debug("bcemu: GPU decompression done",
		"job", job, "kernel", k.Name, "regions", len(staged), "submission", index)
	return nil
}

// stage creates and fills the buffers and bind group for one region.
func (w *Worker) stage(d *device, job dispatch.Job, p *kernel.Pipeline, r payload.Region) (*gpuRegion, error) {
	packed, err := bcn.Pack(job.Format, r.Width, r.Height, r.Data, r.RowPitch)
	if err != nil {
		return nil, err
	}
	g := &gpuRegion{region: r, pitch: outputPitch(r.Width)}
	g.params = kernel.ParamsFor(job.Format, r.Width, r.Height, g.pitch)
	outSize := uint64(g.pitch) * uint64(g.params.BlocksY*bcn.BlockDim)

	g.blocks, err = d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "bcemu_blocks", Size: blocksSize(len(packed)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return g, fmt.Errorf("create blocks buffer: %w", err)
	}
	g.uni, err = d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "bcemu_params", Size: kernel.ParamsSize,
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return g, fmt.Errorf("create params buffer: %w", err)
	}
	g.out, err = d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "bcemu_texels", Size: outSize,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return g, fmt.Errorf("create texel buffer: %w", err)
	}

	if err := d.queue.WriteBuffer(g.blocks, 0, packed); err != nil {
		return g, fmt.Errorf("upload blocks: %w", err)
	}
	if err := d.queue.WriteBuffer(g.uni, 0, g.params.Bytes()); err != nil {
		return g, fmt.Errorf("upload params: %w", err)
	}

	g.group, err = d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
		Label: "bcemu_bind", Layout: p.BindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: g.uni.NativeHandle(), Size: kernel.ParamsSize}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: g.blocks.NativeHandle(), Size: blocksSize(len(packed))}},
			{Binding: 2, Resource: gputypes.BufferBinding{Buffer: g.out.NativeHandle(), Size: outSize}},
		},
	})
	if err != nil {
		return g, fmt.Errorf("create bind group: %w", err)
	}
	return g, nil
}

// wait polls the queue until submission index completes, ctx ends or the
// fence timeout passes.
func (w *Worker) wait(ctx context.Context, queue hal.Queue, index uint64) error {
	if queue.PollCompleted() >= index {
		return nil
	}
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	tick := time.NewTicker(200 * time.Microsecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: submission %d after %v", ErrTimeout, index, w.timeout)
		case <-tick.C:
			if queue.PollCompleted() >= index {
				return nil
			}
		}
	}
}

func mipRange(level uint32) hal.TextureRange {
	return hal.TextureRange{
		Aspect:          gputypes.TextureAspectAll,
		BaseMipLevel:    level,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	}
}
