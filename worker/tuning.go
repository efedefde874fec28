package worker

import (
	"runtime"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Capabilities describes what a device can do for the worker.
type Capabilities struct {
	// Compute reports compute shader support.
	Compute bool

	// Info identifies the adapter the device was opened on.
	Info gputypes.AdapterInfo
}

// CapabilitiesOf derives worker capabilities from an enumerated adapter.
// Only GL adapters publish the compute downlevel flag; every other backend
// has compute.
func CapabilitiesOf(a hal.ExposedAdapter) Capabilities {
	compute := true
	if a.Info.Backend == gputypes.BackendGL {
		compute = a.Capabilities.DownlevelCapabilities.Flags&hal.DownlevelFlagsComputeShaders != 0
	}
	return Capabilities{Compute: compute, Info: a.Info}
}

// Tuning holds the per-device choices made when a device is attached.
type Tuning struct {
	Adapter string
	Type    gputypes.DeviceType
	Backend gputypes.Backend

	// Compute is false when every image of the device decodes on the CPU.
	Compute bool

	// PreferCPU routes BC6H and BC7 to the CPU decoders.
	PreferCPU bool

	// DecodeParallelism bounds concurrent CPU decodes of one image.
	DecodeParallelism int
}

// Tune picks the tuning for caps.
//
// Software and virtual adapters run compute shaders slower than the CPU
// decoders, so they prefer the CPU for high-quality formats. Integrated
// GPUs share cores with the CPU and get half the decode parallelism.
func Tune(caps Capabilities) Tuning {
	t := Tuning{
		Adapter:           caps.Info.Name,
		Type:              caps.Info.DeviceType,
		Backend:           caps.Info.Backend,
		Compute:           caps.Compute,
		DecodeParallelism: runtime.GOMAXPROCS(0),
	}
	switch caps.Info.DeviceType {
	case gputypes.DeviceTypeCPU, gputypes.DeviceTypeVirtualGPU:
		t.PreferCPU = true
	case gputypes.DeviceTypeIntegratedGPU:
		t.DecodeParallelism = max(1, t.DecodeParallelism/2)
	}
	if !caps.Compute {
		t.PreferCPU = true
	}
	return t
}
