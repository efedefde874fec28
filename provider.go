package bcemu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/shim"
	"github.com/gogpu/bcemu/worker"
)

// ErrNoHAL is returned by WrapProvider for providers that do not expose
// their HAL device and queue.
var ErrNoHAL = errors.New("bcemu: provider does not expose HAL types")

// halProvider is implemented by device providers that share their HAL
// device and queue.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// Provider is a gpucontext.DeviceProvider whose HAL device and queue are
// wrapped by a Layer. Consumers that take the device through HalDevice
// get BC emulation without further changes.
type Provider struct {
	gpucontext.DeviceProvider
	device *shim.Device
	queue  *shim.Queue
}

// WrapProvider wraps the HAL device and queue of p.
func (l *Layer) WrapProvider(p gpucontext.DeviceProvider) (*Provider, error) {
	hp, ok := p.(halProvider)
	if !ok {
		return nil, ErrNoHAL
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrNoHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrNoHAL)
	}

	d, q := l.WrapDevice(dev, queue, providerCapabilities(p.AdapterInfo()))
	return &Provider{DeviceProvider: p, device: d, queue: q}, nil
}

// HalDevice returns the wrapped HAL device.
func (p *Provider) HalDevice() any { return p.device }

// HalQueue returns the wrapped HAL queue.
func (p *Provider) HalQueue() any { return p.queue }

// providerCapabilities maps provider adapter metadata to worker
// capabilities. Providers do not report compute support, so it is assumed.
func providerCapabilities(info gpucontext.AdapterInfo) worker.Capabilities {
	t := gputypes.DeviceTypeOther
	switch info.Type {
	case gpucontext.AdapterTypeDiscrete:
		t = gputypes.DeviceTypeDiscreteGPU
	case gpucontext.AdapterTypeIntegrated:
		t = gputypes.DeviceTypeIntegratedGPU
	case gpucontext.AdapterTypeSoftware:
		t = gputypes.DeviceTypeCPU
	}
	return worker.Capabilities{
		Compute: true,
		Info:    gputypes.AdapterInfo{Name: info.Name, DeviceType: t},
	}
}
