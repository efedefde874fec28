package shim

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/registry"
)

// Device substitutes RGBA8 backing textures for BC textures.
type Device struct {
	hal.Device
	core *Core
	id   registry.DeviceID
}

// ID returns the registry identity of the device.
func (d *Device) ID() registry.DeviceID { return d.id }

// Unwrap returns the device underneath.
func (d *Device) Unwrap() hal.Device { return d.Device }

// CreateTexture creates a texture. For an emulated BC format the real
// device creates an RGBA8 texture of the same size, which is registered
// and returned wrapped in a *Texture.
func (d *Device) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if desc == nil || !d.core.Emulates(desc.Format) {
		return d.Device.CreateTexture(desc)
	}

	sub := *desc
	sub.Format = bcn.Uncompressed(desc.Format)
	sub.Usage |= gputypes.TextureUsageCopyDst | gputypes.TextureUsageTextureBinding
	sub.ViewFormats = substituteFormats(desc.ViewFormats)

	backing, err := d.Device.CreateTexture(&sub)
	if err != nil {
		return nil, err
	}

	extent := registry.Extent{Width: desc.Size.Width, Height: desc.Size.Height}
	id := d.core.nextImageID()
	if err := d.core.reg.Register(id, d.id, backing, desc.Format, extent); err != nil {
		// Identities are never reused, so this only fires on a registry bug.
		// The texture still works as plain RGBA8.
		d.core.logger().Error("bcemu: register failed", "image", id, "error", err)
		return backing, nil
	}

	d.core.logger().Debug("bcemu: registered compressed image",
		"image", id, "device", d.id, "format", desc.Format, "backing", sub.Format,
		"width", extent.Width, "height", extent.Height)
	return &Texture{Texture: backing, image: id, device: d.id, format: desc.Format, extent: extent}, nil
}

// DestroyTexture destroys the backing texture and unregisters it.
func (d *Device) DestroyTexture(t hal.Texture) {
	if w, ok := t.(*Texture); ok {
		d.core.Release(w.image)
		d.core.logger().Debug("bcemu: unregistered compressed image", "image", w.image)
		d.Device.DestroyTexture(w.Texture)
		return
	}
	d.Device.DestroyTexture(t)
}

// CreateTextureView creates a view of the backing texture. BC view formats
// are mapped like texture formats.
func (d *Device) CreateTextureView(t hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	if desc != nil && bcn.IsCompressed(desc.Format) {
		if _, ok := t.(*Texture); ok {
			sub := *desc
			sub.Format = bcn.Uncompressed(desc.Format)
			desc = &sub
		}
	}
	return d.Device.CreateTextureView(Unwrap(t), desc)
}

// CreateCommandEncoder returns an encoder that accepts emulated textures.
func (d *Device) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return &CommandEncoder{CommandEncoder: enc, core: d.core}, nil
}

// Destroy destroys the device after the layer forgot it.
func (d *Device) Destroy() {
	d.core.forget(d.id)
	if d.core.onDestroy != nil {
		d.core.onDestroy(d.id)
	}
	d.Device.Destroy()
}

func substituteFormats(formats []gputypes.TextureFormat) []gputypes.TextureFormat {
	if len(formats) == 0 {
		return formats
	}
	out := make([]gputypes.TextureFormat, len(formats))
	for i, f := range formats {
		if bcn.IsCompressed(f) {
			f = bcn.Uncompressed(f)
		}
		out[i] = f
	}
	return out
}
