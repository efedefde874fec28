package shim

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/registry"
)

// Texture is an emulated BC texture. It embeds the RGBA8 backing texture,
// so it can be handed back to the application as a hal.Texture.
type Texture struct {
	hal.Texture
	image  registry.ImageID
	device registry.DeviceID
	format gputypes.TextureFormat
	extent registry.Extent
}

// Image returns the registry identity of the texture.
func (t *Texture) Image() registry.ImageID { return t.image }

// Format returns the compressed format the application asked for.
func (t *Texture) Format() gputypes.TextureFormat { return t.format }

// Backing returns the real texture.
func (t *Texture) Backing() hal.Texture { return t.Texture }

// Unwrap returns the real texture behind t.
func Unwrap(t hal.Texture) hal.Texture {
	if w, ok := t.(*Texture); ok {
		return w.Texture
	}
	return t
}

// CommandEncoder forwards to the real encoder with emulated textures
// replaced by their backing textures.
type CommandEncoder struct {
	hal.CommandEncoder
	core *Core
}

// TransitionTextures forwards barriers on the backing textures.
func (e *CommandEncoder) TransitionTextures(barriers []hal.TextureBarrier) {
	out := make([]hal.TextureBarrier, len(barriers))
	for i, b := range barriers {
		b.Texture = Unwrap(b.Texture)
		out[i] = b
	}
	e.CommandEncoder.TransitionTextures(out)
}

// CopyBufferToTexture forwards copies into plain textures. Buffers hold
// compressed blocks that do not fit an RGBA8 backing texture, so copies
// into an emulated texture are dropped; upload those with
// Queue.WriteTexture.
func (e *CommandEncoder) CopyBufferToTexture(src hal.Buffer, dst hal.Texture, regions []hal.BufferTextureCopy) {
	if w, ok := dst.(*Texture); ok {
		e.core.logger().Warn("bcemu: buffer copy into emulated texture dropped",
			"image", w.image, "format", w.format, "regions", len(regions))
		return
	}
	e.CommandEncoder.CopyBufferToTexture(src, dst, unwrapCopies(regions))
}

// CopyTextureToBuffer copies out of the backing texture.
func (e *CommandEncoder) CopyTextureToBuffer(src hal.Texture, dst hal.Buffer, regions []hal.BufferTextureCopy) {
	e.CommandEncoder.CopyTextureToBuffer(Unwrap(src), dst, unwrapCopies(regions))
}

// CopyTextureToTexture copies between backing textures.
func (e *CommandEncoder) CopyTextureToTexture(src, dst hal.Texture, regions []hal.TextureCopy) {
	out := make([]hal.TextureCopy, len(regions))
	for i, r := range regions {
		r.SrcBase.Texture = Unwrap(r.SrcBase.Texture)
		r.DstBase.Texture = Unwrap(r.DstBase.Texture)
		out[i] = r
	}
	e.CommandEncoder.CopyTextureToTexture(Unwrap(src), Unwrap(dst), out)
}

func unwrapCopies(regions []hal.BufferTextureCopy) []hal.BufferTextureCopy {
	out := make([]hal.BufferTextureCopy, len(regions))
	for i, r := range regions {
		r.TextureBase.Texture = Unwrap(r.TextureBase.Texture)
		out[i] = r
	}
	return out
}
