package worker

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/internal/payload"
)

// decodeCPU decodes every region on the CPU, then writes the RGBA8 results
// to the backing texture through the queue.
func (w *Worker) decodeCPU(ctx context.Context, d *device, job dispatch.Job, regions []payload.Region) error {
	decoder := bcn.NewDecoder(w.pool)
	texels := make([][]byte, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, d.tuning.DecodeParallelism))
	for i, r := range regions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := decoder.Decode(job.Format, r.Width, r.Height, r.Data, r.RowPitch)
			if err != nil {
				return fmt.Errorf("decode mip %d at (%d,%d): %w", r.MipLevel, r.X, r.Y, err)
			}
			texels[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range regions {
		dst := &hal.ImageCopyTexture{
			Texture:  job.Backing,
			MipLevel: r.MipLevel,
			Origin:   hal.Origin3D{X: r.X, Y: r.Y},
			Aspect:   gputypes.TextureAspectAll,
		}
		layout := &hal.ImageDataLayout{
			BytesPerRow:  r.Width * bcn.TexelBytes,
			RowsPerImage: r.Height,
		}
		if err := d.queue.WriteTexture(dst, texels[i], layout, regionExtent(r)); err != nil {
			return fmt.Errorf("write texture mip %d: %w", r.MipLevel, err)
		}
	}

	w.logger().Debug("bcemu: CPU decompression done", "job", job, "regions", len(regions))
	return nil
}
