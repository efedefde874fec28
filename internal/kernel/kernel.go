// Package kernel holds the compute kernels that decompress BC blocks on the
// GPU and caches the pipelines built from them.
package kernel

import (
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"

	"github.com/gogpu/bcemu/internal/bcn"
)

//go:embed shaders/bc_simple.wgsl
var simpleSource string

// WorkgroupSize is the edge of the square workgroup, in blocks.
const WorkgroupSize = 8

// ParamsSize is the byte size of the uniform block.
const ParamsSize = 32

// Errors returned by the package.
var (
	ErrNoKernel    = errors.New("kernel: no kernel for format")
	ErrEmptySource = errors.New("kernel: empty shader source")
)

// Kernel is a named WGSL compute shader with a "main" entry point and the
// three-binding layout shared by all decompression kernels.
type Kernel struct {
	Name   string
	Source string
}

// Simple returns the built-in BC1-BC5 kernel.
func Simple() Kernel {
	return Kernel{Name: "bc_simple", Source: simpleSource}
}

// Mode values selecting the block layout inside the simple kernel.
const (
	ModeBC1 uint32 = iota + 1
	ModeBC2
	ModeBC3
	ModeBC4
	ModeBC5
)

// ModeFor returns the simple-kernel mode for format and whether the
// channels hold signed values.
func ModeFor(format gputypes.TextureFormat) (mode uint32, signed bool, ok bool) {
	switch format {
	case gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureFormatBC1RGBAUnormSrgb:
		return ModeBC1, false, true
	case gputypes.TextureFormatBC2RGBAUnorm, gputypes.TextureFormatBC2RGBAUnormSrgb:
		return ModeBC2, false, true
	case gputypes.TextureFormatBC3RGBAUnorm, gputypes.TextureFormatBC3RGBAUnormSrgb:
		return ModeBC3, false, true
	case gputypes.TextureFormatBC4RUnorm:
		return ModeBC4, false, true
	case gputypes.TextureFormatBC4RSnorm:
		return ModeBC4, true, true
	case gputypes.TextureFormatBC5RGUnorm:
		return ModeBC5, false, true
	case gputypes.TextureFormatBC5RGSnorm:
		return ModeBC5, true, true
	}
	return 0, false, false
}

// Params is the uniform block read by every decompression kernel.
type Params struct {
	BlocksX  uint32
	BlocksY  uint32
	RowWords uint32
	Mode     uint32
	Signed   bool
}

// ParamsFor fills Params for a width x height region of format whose
// output rows are rowBytes apart.
func ParamsFor(format gputypes.TextureFormat, width, height, rowBytes uint32) Params {
	mode, signed, _ := ModeFor(format)
	return Params{
		BlocksX:  bcn.Blocks(width),
		BlocksY:  bcn.Blocks(height),
		RowWords: rowBytes / 4,
		Mode:     mode,
		Signed:   signed,
	}
}

// Bytes encodes p in the std140 layout of the Params struct.
func (p Params) Bytes() []byte {
	b := make([]byte, ParamsSize)
	binary.LittleEndian.PutUint32(b[0:], p.BlocksX)
	binary.LittleEndian.PutUint32(b[4:], p.BlocksY)
	binary.LittleEndian.PutUint32(b[8:], p.RowWords)
	binary.LittleEndian.PutUint32(b[12:], p.Mode)
	if p.Signed {
		binary.LittleEndian.PutUint32(b[16:], 1)
	}
	return b
}

// Workgroups returns the dispatch size covering p.
func (p Params) Workgroups() (x, y uint32) {
	return (p.BlocksX + WorkgroupSize - 1) / WorkgroupSize, (p.BlocksY + WorkgroupSize - 1) / WorkgroupSize
}

var (
	hqMu      sync.RWMutex
	hqKernels = map[gputypes.TextureFormat]Kernel{}
)

// RegisterHighQuality installs a GPU kernel for a BC6H or BC7 format. The
// kernel reads Params, tightly packed blocks and writes packed RGBA8 texels
// with the same bindings as the simple kernel. A kernel with empty Source
// removes the registration.
func RegisterHighQuality(format gputypes.TextureFormat, k Kernel) error {
	switch format {
	case gputypes.TextureFormatBC6HRGBUfloat, gputypes.TextureFormatBC6HRGBFloat,
		gputypes.TextureFormatBC7RGBAUnorm, gputypes.TextureFormatBC7RGBAUnormSrgb:
	default:
		return fmt.Errorf("kernel: %s is not a high-quality format", format)
	}
	hqMu.Lock()
	defer hqMu.Unlock()
	if k.Source == "" {
		delete(hqKernels, format)
		return nil
	}
	if k.Name == "" {
		k.Name = "bc_hq_" + format.String()
	}
	hqKernels[format] = k
	return nil
}

// HighQuality returns the kernel registered for format.
func HighQuality(format gputypes.TextureFormat) (Kernel, bool) {
	hqMu.RLock()
	defer hqMu.RUnlock()
	k, ok := hqKernels[format]
	return k, ok
}

// For returns the kernel that decompresses format on the GPU.
func For(format gputypes.TextureFormat) (Kernel, error) {
	if _, _, ok := ModeFor(format); ok {
		return Simple(), nil
	}
	if k, ok := HighQuality(format); ok {
		return k, nil
	}
	return Kernel{}, fmt.Errorf("%w: %s", ErrNoKernel, format)
}

// CompileSPIRV compiles WGSL to SPIR-V words.
func CompileSPIRV(source string) ([]uint32, error) {
	if source == "" {
		return nil, ErrEmptySource
	}
	code, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("kernel: compile: %w", err)
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}
