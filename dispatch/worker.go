package dispatch

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/registry"
)

// Family groups the BC formats by the worker path that decompresses them.
type Family uint8

// Compression families.
const (
	// FamilyUnsupported is any format the layer does not emulate.
	FamilyUnsupported Family = iota

	// FamilySimpleBlock covers BC1 through BC5: single-pass GPU decode.
	FamilySimpleBlock

	// FamilyHighQuality covers BC6H and BC7: GPU decode when the device
	// supports it, CPU decode with a staged upload otherwise.
	FamilyHighQuality
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilySimpleBlock:
		return "simple-block"
	case FamilyHighQuality:
		return "high-quality"
	default:
		return "unsupported"
	}
}

// Classify returns the compression family of format.
func Classify(format gputypes.TextureFormat) Family {
	switch format {
	case gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureFormatBC1RGBAUnormSrgb,
		gputypes.TextureFormatBC2RGBAUnorm, gputypes.TextureFormatBC2RGBAUnormSrgb,
		gputypes.TextureFormatBC3RGBAUnorm, gputypes.TextureFormatBC3RGBAUnormSrgb,
		gputypes.TextureFormatBC4RUnorm, gputypes.TextureFormatBC4RSnorm,
		gputypes.TextureFormatBC5RGUnorm, gputypes.TextureFormatBC5RGSnorm:
		return FamilySimpleBlock
	case gputypes.TextureFormatBC6HRGBUfloat, gputypes.TextureFormatBC6HRGBFloat,
		gputypes.TextureFormatBC7RGBAUnorm, gputypes.TextureFormatBC7RGBAUnormSrgb:
		return FamilyHighQuality
	default:
		return FamilyUnsupported
	}
}

// Job describes one image handed to a Worker.
type Job struct {
	Image   registry.ImageID
	Device  registry.DeviceID
	Backing hal.Texture
	Format  gputypes.TextureFormat
	Extent  registry.Extent
}

// JobFor builds the job for a registry record.
func JobFor(rec registry.Record) Job {
	return Job{
		Image:   rec.ID,
		Device:  rec.Device,
		Backing: rec.Backing,
		Format:  rec.Format,
		Extent:  rec.Extent,
	}
}

// String formats the job for diagnostics.
func (j Job) String() string {
	return fmt.Sprintf("image %d (%s %dx%d, device %d)", j.Image, j.Format, j.Extent.Width, j.Extent.Height, j.Device)
}

// Worker performs the actual decompression into the backing texture.
//
// Both methods are synchronous: they return only once the decompressed
// contents are ordered before any later submission on the owning device's
// queue. The dispatcher never manages GPU synchronization itself.
type Worker interface {
	// SimpleBlock decompresses a BC1..BC5 image on the GPU.
	SimpleBlock(ctx context.Context, job Job) error

	// HighQuality decompresses a BC6H or BC7 image. When preferCPUFallback
	// is true the worker decodes on the CPU and stages the result.
	HighQuality(ctx context.Context, job Job, preferCPUFallback bool) error
}

// CapabilityProbe reports whether a device can run the high-quality
// compute path.
type CapabilityProbe interface {
	HighQualityCompute(device registry.DeviceID) bool
}

// ProbeFunc adapts a function to CapabilityProbe.
type ProbeFunc func(device registry.DeviceID) bool

// HighQualityCompute calls f(device).
func (f ProbeFunc) HighQualityCompute(device registry.DeviceID) bool { return f(device) }

// Path is the worker path chosen for an image.
type Path uint8

// Worker paths.
const (
	PathNone Path = iota
	PathSimpleGPU
	PathHighQualityGPU
	PathHighQualityCPU
)

// String returns the path name.
func (p Path) String() string {
	switch p {
	case PathSimpleGPU:
		return "simple-gpu"
	case PathHighQualityGPU:
		return "high-quality-gpu"
	case PathHighQualityCPU:
		return "high-quality-cpu"
	default:
		return "none"
	}
}
