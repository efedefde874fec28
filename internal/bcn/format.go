// Package bcn holds BC block geometry and the CPU block decoders.
package bcn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// Errors returned by this package.
var (
	ErrNotCompressed = errors.New("bcn: not a block-compressed format")
	ErrShortPayload  = errors.New("bcn: payload too short")
	ErrBadPitch      = errors.New("bcn: row pitch smaller than one block row")
	ErrNoDecoder     = errors.New("bcn: no decoder registered for format")
	ErrUnaligned     = errors.New("bcn: region origin is not block aligned")
)

// BlockDim is the width and height of a block in texels.
const BlockDim = 4

// TexelBytes is the size of one decoded RGBA8 texel.
const TexelBytes = 4

// BlockBytes returns the size of one compressed block, or 0 for formats that
// are not block compressed.
func BlockBytes(format gputypes.TextureFormat) uint32 {
	switch format {
	case gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureFormatBC1RGBAUnormSrgb,
		gputypes.TextureFormatBC4RUnorm, gputypes.TextureFormatBC4RSnorm:
		return 8
	case gputypes.TextureFormatBC2RGBAUnorm, gputypes.TextureFormatBC2RGBAUnormSrgb,
		gputypes.TextureFormatBC3RGBAUnorm, gputypes.TextureFormatBC3RGBAUnormSrgb,
		gputypes.TextureFormatBC5RGUnorm, gputypes.TextureFormatBC5RGSnorm,
		gputypes.TextureFormatBC6HRGBUfloat, gputypes.TextureFormatBC6HRGBFloat,
		gputypes.TextureFormatBC7RGBAUnorm, gputypes.TextureFormatBC7RGBAUnormSrgb:
		return 16
	default:
		return 0
	}
}

// formats lists every BC format in declaration order.
var formats = []gputypes.TextureFormat{
	gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureFormatBC1RGBAUnormSrgb,
	gputypes.TextureFormatBC2RGBAUnorm, gputypes.TextureFormatBC2RGBAUnormSrgb,
	gputypes.TextureFormatBC3RGBAUnorm, gputypes.TextureFormatBC3RGBAUnormSrgb,
	gputypes.TextureFormatBC4RUnorm, gputypes.TextureFormatBC4RSnorm,
	gputypes.TextureFormatBC5RGUnorm, gputypes.TextureFormatBC5RGSnorm,
	gputypes.TextureFormatBC6HRGBUfloat, gputypes.TextureFormatBC6HRGBFloat,
	gputypes.TextureFormatBC7RGBAUnorm, gputypes.TextureFormatBC7RGBAUnormSrgb,
}

// Formats returns every BC format.
func Formats() []gputypes.TextureFormat {
	return append([]gputypes.TextureFormat(nil), formats...)
}

// ParseFormat returns the BC format whose name matches s, ignoring case.
// Names are those printed by gputypes, e.g. "BC7RGBAUnormSrgb".
func ParseFormat(s string) (gputypes.TextureFormat, error) {
	for _, f := range formats {
		if strings.EqualFold(f.String(), s) {
			return f, nil
		}
	}
	return gputypes.TextureFormatUndefined, fmt.Errorf("%w: %q", ErrNotCompressed, s)
}

// IsCompressed reports whether format is one of the BC1..BC7 formats.
func IsCompressed(format gputypes.TextureFormat) bool {
	return BlockBytes(format) != 0
}

// Uncompressed returns the 4x8-bit format substituted for a BC format.
// sRGB formats keep their encoding.
func Uncompressed(format gputypes.TextureFormat) gputypes.TextureFormat {
	if format.IsSrgb() {
		return gputypes.TextureFormatRGBA8UnormSrgb
	}
	return gputypes.TextureFormatRGBA8Unorm
}

// Blocks returns the number of blocks needed to cover n texels.
func Blocks(n uint32) uint32 {
	return (n + BlockDim - 1) / BlockDim
}

// RowPitch returns the tightly packed size of one row of blocks.
func RowPitch(format gputypes.TextureFormat, width uint32) uint32 {
	return Blocks(width) * BlockBytes(format)
}

// PayloadSize returns the tightly packed size of a width x height image.
func PayloadSize(format gputypes.TextureFormat, width, height uint32) int {
	return int(RowPitch(format, width)) * int(Blocks(height))
}

// MipExtent returns the size of mip level of a base extent, never below 1.
func MipExtent(width, height, level uint32) (uint32, uint32) {
	return max(width>>level, 1), max(height>>level, 1)
}

// Validate checks that src holds a width x height image with the given row
// pitch. A zero pitch means tightly packed. It returns the effective pitch.
func Validate(format gputypes.TextureFormat, width, height uint32, src []byte, rowPitch uint32) (uint32, error) {
	bb := BlockBytes(format)
	if bb == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotCompressed, format)
	}
	tight := Blocks(width) * bb
	if rowPitch == 0 {
		rowPitch = tight
	}
	if rowPitch < tight {
		return 0, fmt.Errorf("%w: pitch %d < %d", ErrBadPitch, rowPitch, tight)
	}
	rows := Blocks(height)
	if rows == 0 || width == 0 {
		return rowPitch, nil
	}
	need := int(rows-1)*int(rowPitch) + int(tight)
	if len(src) < need {
		return 0, fmt.Errorf("%w: have %d bytes, need %d for %dx%d %s", ErrShortPayload, len(src), need, width, height, format)
	}
	return rowPitch, nil
}

// Pack returns the blocks of src with rows tightly packed. When src already
// is, it is returned unchanged.
func Pack(format gputypes.TextureFormat, width, height uint32, src []byte, rowPitch uint32) ([]byte, error) {
	pitch, err := Validate(format, width, height, src, rowPitch)
	if err != nil {
		return nil, err
	}
	tight := RowPitch(format, width)
	rows := Blocks(height)
	if pitch == tight {
		return src[:int(tight)*int(rows)], nil
	}
	out := make([]byte, int(tight)*int(rows))
	for y := range rows {
		copy(out[y*tight:(y+1)*tight], src[y*pitch:])
	}
	return out, nil
}
