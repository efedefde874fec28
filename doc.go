// Package bcemu emulates BC1-BC7 compressed textures on GPUs that cannot
// sample them.
//
// # Overview
//
// bcemu sits between an application and a gogpu/wgpu HAL device. Textures
// created with a BC format are backed by a real RGBA8 texture of the same
// size; the compressed data uploaded to them is captured and decompressed
// into the backing texture before the first submission that could read it.
// The application keeps using BC formats everywhere and never observes the
// substitution.
//
// # Quick Start
//
//	layer := bcemu.New(bcemu.WithWorkers(4))
//	defer layer.Close()
//
//	exposed := layer.ExposeAdapter(adapters[0])
//	od, err := exposed.Adapter.Open(exposed.Features, limits)
//	// od.Device and od.Queue are layer decorators. Use them as usual.
//
// # Architecture
//
// The layer is organized into:
//   - registry: the records of emulated images and their state
//   - dispatch: at-most-once decompression over the registry
//   - worker: GPU compute and CPU decode paths over HAL devices
//   - shim: decorators for hal.Adapter, hal.Device and hal.Queue
//
// Decompression runs synchronously on the goroutine that submits work.
// There is no private scheduler.
//
// # Configuration
//
// Layers are configured with functional options or a TOML settings file,
// see [LoadConfig] and [ConfigFromEnv].
package bcemu

// Version information
const (
	// Version is the current version of the layer
	Version = "0.3.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 3

	// VersionPatch is the patch version
	VersionPatch = 0
)
