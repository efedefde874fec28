package bcn

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/bcemu/internal/parallel"
)

// BlockDecoder decodes one compressed block into 16 RGBA8 texels, row
// major, 64 bytes in dst.
type BlockDecoder func(dst, block []byte)

var (
	decodersMu sync.RWMutex
	decoders   = map[gputypes.TextureFormat]BlockDecoder{
		gputypes.TextureFormatBC1RGBAUnorm:     DecodeBC1,
		gputypes.TextureFormatBC1RGBAUnormSrgb: DecodeBC1,
		gputypes.TextureFormatBC2RGBAUnorm:     DecodeBC2,
		gputypes.TextureFormatBC2RGBAUnormSrgb: DecodeBC2,
		gputypes.TextureFormatBC3RGBAUnorm:     DecodeBC3,
		gputypes.TextureFormatBC3RGBAUnormSrgb: DecodeBC3,
		gputypes.TextureFormatBC4RUnorm:        DecodeBC4,
		gputypes.TextureFormatBC4RSnorm:        DecodeBC4Signed,
		gputypes.TextureFormatBC5RGUnorm:       DecodeBC5,
		gputypes.TextureFormatBC5RGSnorm:       DecodeBC5Signed,
	}
)

// Register installs dec as the CPU decoder for format, replacing any
// existing one. BC6H and BC7 have no built-in decoder.
func Register(format gputypes.TextureFormat, dec BlockDecoder) error {
	if !IsCompressed(format) {
		return fmt.Errorf("%w: %s", ErrNotCompressed, format)
	}
	decodersMu.Lock()
	defer decodersMu.Unlock()
	if dec == nil {
		delete(decoders, format)
		return nil
	}
	decoders[format] = dec
	return nil
}

// Lookup returns the decoder registered for format.
func Lookup(format gputypes.TextureFormat) (BlockDecoder, bool) {
	decodersMu.RLock()
	defer decodersMu.RUnlock()
	dec, ok := decoders[format]
	return dec, ok
}

// Decoder decodes whole images, spreading block rows over a pool.
type Decoder struct {
	pool *parallel.Pool
}

// NewDecoder returns a Decoder. A nil pool decodes on the calling goroutine.
func NewDecoder(pool *parallel.Pool) *Decoder {
	return &Decoder{pool: pool}
}

// Decode converts a width x height BC image into tightly packed RGBA8.
// A zero rowPitch means the blocks are tightly packed.
func (d *Decoder) Decode(format gputypes.TextureFormat, width, height uint32, src []byte, rowPitch uint32) ([]byte, error) {
	pitch, err := Validate(format, width, height, src, rowPitch)
	if err != nil {
		return nil, err
	}
	dec, ok := Lookup(format)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDecoder, format)
	}

	bb := BlockBytes(format)
	across, down := Blocks(width), Blocks(height)
	dst := make([]byte, int(width)*int(height)*TexelBytes)
	stride := int(width) * TexelBytes

	rows := func(lo, hi int) {
		var texels [BlockDim * BlockDim * TexelBytes]byte
		for by := lo; by < hi; by++ {
			line := src[by*int(pitch):]
			for bx := range int(across) {
				dec(texels[:], line[bx*int(bb):bx*int(bb)+int(bb)])
				storeBlock(dst, stride, texels[:], bx*BlockDim, by*BlockDim, int(width), int(height))
			}
		}
	}

	if d == nil || d.pool == nil || down < 2 {
		rows(0, int(down))
	} else {
		d.pool.Range(int(down), rows)
	}
	return dst, nil
}

// storeBlock copies the visible part of a decoded 4x4 block into dst.
func storeBlock(dst []byte, stride int, texels []byte, x0, y0, width, height int) {
	cols := min(BlockDim, width-x0)
	for ty := range min(BlockDim, height-y0) {
		row := (y0+ty)*stride + x0*TexelBytes
		copy(dst[row:row+cols*TexelBytes], texels[ty*BlockDim*TexelBytes:])
	}
}

// DecodeBC1 decodes a BC1 block. When the first endpoint is not greater
// than the second the block uses three colours and transparent black.
func DecodeBC1(dst, block []byte) {
	decodeColor(dst, block, true)
}

// DecodeBC2 decodes a BC2 block: explicit 4-bit alpha then a colour block.
func DecodeBC2(dst, block []byte) {
	decodeColor(dst, block[8:16], false)
	alpha := binary.LittleEndian.Uint64(block[0:8])
	for i := range 16 {
		dst[i*4+3] = byte((alpha>>(4*i))&0xF) * 17
	}
}

// DecodeBC3 decodes a BC3 block: interpolated alpha then a colour block.
func DecodeBC3(dst, block []byte) {
	decodeColor(dst, block[8:16], false)
	pal, bits := unsignedPalette(block[0:8])
	for i := range 16 {
		dst[i*4+3] = byte(pal[(bits>>(3*i))&7])
	}
}

// DecodeBC4 decodes an unsigned BC4 block into the red channel.
func DecodeBC4(dst, block []byte) {
	pal, bits := unsignedPalette(block[0:8])
	for i := range 16 {
		setTexel(dst, i, byte(pal[(bits>>(3*i))&7]), 0, 0, 255)
	}
}

// DecodeBC4Signed decodes a signed BC4 block. Values in [-1, 1] map to
// [0, 255].
func DecodeBC4Signed(dst, block []byte) {
	pal, bits := signedPalette(block[0:8])
	for i := range 16 {
		setTexel(dst, i, snormByte(pal[(bits>>(3*i))&7]), 0, 0, 255)
	}
}

// DecodeBC5 decodes an unsigned BC5 block into red and green.
func DecodeBC5(dst, block []byte) {
	rp, rb := unsignedPalette(block[0:8])
	gp, gb := unsignedPalette(block[8:16])
	for i := range 16 {
		setTexel(dst, i, byte(rp[(rb>>(3*i))&7]), byte(gp[(gb>>(3*i))&7]), 0, 255)
	}
}

// DecodeBC5Signed decodes a signed BC5 block.
func DecodeBC5Signed(dst, block []byte) {
	rp, rb := signedPalette(block[0:8])
	gp, gb := signedPalette(block[8:16])
	for i := range 16 {
		setTexel(dst, i, snormByte(rp[(rb>>(3*i))&7]), snormByte(gp[(gb>>(3*i))&7]), 0, 255)
	}
}

func setTexel(dst []byte, i int, r, g, b, a byte) {
	dst[i*4+0] = r
	dst[i*4+1] = g
	dst[i*4+2] = b
	dst[i*4+3] = a
}

// expand565 widens a 5:6:5 colour to 8 bits per channel by bit replication.
func expand565(c uint16) (r, g, b int) {
	r5 := int(c>>11) & 31
	g6 := int(c>>5) & 63
	b5 := int(c) & 31
	return r5<<3 | r5>>2, g6<<2 | g6>>4, b5<<3 | b5>>2
}

func decodeColor(dst, block []byte, punchThrough bool) {
	c0 := binary.LittleEndian.Uint16(block[0:2])
	c1 := binary.LittleEndian.Uint16(block[2:4])
	r0, g0, b0 := expand565(c0)
	r1, g1, b1 := expand565(c1)

	var pal [4][4]byte
	pal[0] = [4]byte{byte(r0), byte(g0), byte(b0), 255}
	pal[1] = [4]byte{byte(r1), byte(g1), byte(b1), 255}
	if c0 > c1 || !punchThrough {
		pal[2] = [4]byte{byte((2*r0 + r1) / 3), byte((2*g0 + g1) / 3), byte((2*b0 + b1) / 3), 255}
		pal[3] = [4]byte{byte((r0 + 2*r1) / 3), byte((g0 + 2*g1) / 3), byte((b0 + 2*b1) / 3), 255}
	} else {
		pal[2] = [4]byte{byte((r0 + r1) / 2), byte((g0 + g1) / 2), byte((b0 + b1) / 2), 255}
		pal[3] = [4]byte{0, 0, 0, 0}
	}

	idx := binary.LittleEndian.Uint32(block[4:8])
	for i := range 16 {
		p := pal[(idx>>(2*i))&3]
		copy(dst[i*4:i*4+4], p[:])
	}
}

// indexBits returns the 48 index bits that follow the two endpoints of an
// interpolated single-channel block.
func indexBits(block []byte) uint64 {
	return binary.LittleEndian.Uint64(block[0:8]) >> 16
}

func unsignedPalette(block []byte) ([8]int, uint64) {
	a0, a1 := int(block[0]), int(block[1])
	return interpolate(a0, a1, 0, 255), indexBits(block)
}

func signedPalette(block []byte) ([8]int, uint64) {
	a0, a1 := int(int8(block[0])), int(int8(block[1]))
	// -128 and -127 both mean -1.0.
	a0, a1 = max(a0, -127), max(a1, -127)
	return interpolate(a0, a1, -127, 127), indexBits(block)
}

// interpolate builds the 8-entry palette shared by BC3 alpha, BC4 and BC5.
func interpolate(a0, a1, lo, hi int) [8]int {
	var p [8]int
	p[0], p[1] = a0, a1
	if a0 > a1 {
		for i := 1; i < 7; i++ {
			p[i+1] = ((7-i)*a0 + i*a1) / 7
		}
		return p
	}
	for i := 1; i < 5; i++ {
		p[i+1] = ((5-i)*a0 + i*a1) / 5
	}
	p[6], p[7] = lo, hi
	return p
}

func snormByte(v int) byte {
	return byte((v + 127) * 255 / 254)
}
