package shim

import (
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Entry point names replaced by the proc table.
const (
	ProcDeviceProc         = "DeviceProc"
	ProcFormatCapabilities = "TextureFormatCapabilities"
	ProcCreateTexture      = "CreateTexture"
	ProcSubmit             = "Submit"
)

// Resolver maps an entry point name to a function value, or nil.
type Resolver func(name string) any

// Entry point signatures returned by the proc table.
type (
	FormatCapabilitiesFunc func(hal.Adapter, gputypes.TextureFormat) hal.TextureFormatCapabilities
	CreateTextureFunc      func(hal.Device, *hal.TextureDescriptor) (hal.Texture, error)
	SubmitFunc             func(hal.Queue, []hal.CommandBuffer) (uint64, error)
)

// ProcTable resolves entry points by name for hosts that call through
// function values instead of interfaces. Handles passed to the returned
// functions may be raw HAL objects; those wrapped through the same Core
// take the emulated path and all others are forwarded.
type ProcTable struct {
	core         *Core
	instanceNext Resolver
	deviceNext   Resolver
}

// ProcTable returns a table that falls back to instanceNext and deviceNext
// for names it does not replace. Either may be nil.
func (c *Core) ProcTable(instanceNext, deviceNext Resolver) *ProcTable {
	return &ProcTable{core: c, instanceNext: instanceNext, deviceNext: deviceNext}
}

// InstanceProc resolves instance-level entry points.
func (p *ProcTable) InstanceProc(name string) any {
	switch name {
	case ProcDeviceProc:
		return Resolver(p.DeviceProc)
	case ProcFormatCapabilities:
		return FormatCapabilitiesFunc(p.formatCapabilities)
	}
	return forward(p.instanceNext, name)
}

// DeviceProc resolves device-level entry points.
func (p *ProcTable) DeviceProc(name string) any {
	switch name {
	case ProcCreateTexture:
		return CreateTextureFunc(p.createTexture)
	case ProcSubmit:
		return SubmitFunc(p.submit)
	case ProcFormatCapabilities:
		return FormatCapabilitiesFunc(p.formatCapabilities)
	}
	return forward(p.deviceNext, name)
}

func forward(next Resolver, name string) any {
	if next == nil {
		return nil
	}
	return next(name)
}

func (p *ProcTable) formatCapabilities(a hal.Adapter, format gputypes.TextureFormat) hal.TextureFormatCapabilities {
	return p.core.WrapAdapter(a, nil).TextureFormatCapabilities(format)
}

func (p *ProcTable) createTexture(dev hal.Device, desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d := p.core.deviceFor(dev); d != nil {
		return d.CreateTexture(desc)
	}
	return dev.CreateTexture(desc)
}

func (p *ProcTable) submit(q hal.Queue, cmds []hal.CommandBuffer) (uint64, error) {
	if w := p.core.queueFor(q); w != nil {
		return w.Submit(cmds)
	}
	return q.Submit(cmds)
}
