// Package preview writes decoded RGBA8 texels as image files.
package preview

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
)

// Preview errors.
var (
	// ErrUnsupportedFormat is returned for file extensions other than
	// .png and .bmp.
	ErrUnsupportedFormat = errors.New("preview: unsupported format")

	// ErrSize is returned when the texel buffer does not match the extent.
	ErrSize = errors.New("preview: texel buffer does not match extent")
)

// Texels is a tightly packed, non-premultiplied RGBA8 image.
type Texels struct {
	Width  int
	Height int
	Pix    []byte
}

// New wraps pix, which must hold exactly width*height RGBA8 texels.
func New(width, height int, pix []byte) (*Texels, error) {
	if width <= 0 || height <= 0 || len(pix) != width*height*4 {
		return nil, fmt.Errorf("%w: %dx%d with %d bytes", ErrSize, width, height, len(pix))
	}
	return &Texels{Width: width, Height: height, Pix: pix}, nil
}

// ToStdImage returns the texels as an *image.NRGBA sharing Pix.
func (t *Texels) ToStdImage() *image.NRGBA {
	return &image.NRGBA{Pix: t.Pix, Stride: t.Width * 4, Rect: image.Rect(0, 0, t.Width, t.Height)}
}

// Save writes the texels to path. The extension picks the encoding.
func (t *Texels) Save(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" && ext != ".bmp" {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("preview: create file: %w", err)
	}
	if err := t.Encode(f, ext[1:]); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Encode writes the texels to w as "png" or "bmp".
func (t *Texels) Encode(w io.Writer, format string) error {
	img := t.ToStdImage()
	switch format {
	case "png":
		if err := png.Encode(w, img); err != nil {
			return fmt.Errorf("preview: encode PNG: %w", err)
		}
	case "bmp":
		if err := bmp.Encode(w, img); err != nil {
			return fmt.Errorf("preview: encode BMP: %w", err)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

// Load reads a PNG or BMP file back into texels.
func Load(path string) (*Texels, error) {
	var decode func(io.Reader) (image.Image, error)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		decode = png.Decode
	case ".bmp":
		decode = bmp.Decode
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("preview: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	img, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("preview: decode: %w", err)
	}
	return fromStdImage(img), nil
}

func fromStdImage(img image.Image) *Texels {
	b := img.Bounds()
	t := &Texels{Width: b.Dx(), Height: b.Dy(), Pix: make([]byte, b.Dx()*b.Dy()*4)}
	if n, ok := img.(*image.NRGBA); ok {
		for y := range t.Height {
			copy(t.Pix[y*t.Width*4:], n.Pix[y*n.Stride:y*n.Stride+t.Width*4])
		}
		return t
	}
	for y := range t.Height {
		for x := range t.Width {
			r, g, bl, a := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*t.Width + x) * 4
			t.Pix[i], t.Pix[i+1], t.Pix[i+2], t.Pix[i+3] = byte(r>>8), byte(g>>8), byte(bl>>8), byte(a>>8)
		}
	}
	return t
}
