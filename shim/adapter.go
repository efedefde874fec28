package shim

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// OpenFunc post-processes a freshly opened device, typically by wrapping
// it in the shim decorators.
type OpenFunc func(hal.OpenDevice) (hal.OpenDevice, error)

// Adapter reports BC formats as sampleable.
type Adapter struct {
	hal.Adapter
	core *Core
	open OpenFunc
}

// WrapAdapter returns the decorator of a. When open is non-nil, Open hands
// every new device to it.
func (c *Core) WrapAdapter(a hal.Adapter, open OpenFunc) *Adapter {
	if w, ok := a.(*Adapter); ok {
		return w
	}
	return &Adapter{Adapter: a, core: c, open: open}
}

// Unwrap returns the adapter underneath.
func (a *Adapter) Unwrap() hal.Adapter { return a.Adapter }

// Open opens a device on the real adapter. The BC compression feature is
// stripped from the request because the real device never sees BC formats.
func (a *Adapter) Open(features gputypes.Features, limits gputypes.Limits) (hal.OpenDevice, error) {
	features.Remove(gputypes.FeatureTextureCompressionBC)
	od, err := a.Adapter.Open(features, limits)
	if err != nil || a.open == nil {
		return od, err
	}
	return a.open(od)
}

// TextureFormatCapabilities adds the sampled capability to emulated formats.
func (a *Adapter) TextureFormatCapabilities(format gputypes.TextureFormat) hal.TextureFormatCapabilities {
	caps := a.Adapter.TextureFormatCapabilities(format)
	if a.core.Emulates(format) {
		caps.Flags |= hal.TextureFormatCapabilitySampled
	}
	return caps
}

// ExposeAdapter returns e with its adapter wrapped and the BC compression
// feature advertised.
func (c *Core) ExposeAdapter(e hal.ExposedAdapter, open OpenFunc) hal.ExposedAdapter {
	e.Adapter = c.WrapAdapter(e.Adapter, open)
	e.Features.Insert(gputypes.FeatureTextureCompressionBC)
	return e
}
