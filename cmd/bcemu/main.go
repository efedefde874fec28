// Command bcemu runs BC textures through the emulation layer on a HAL
// backend and reports what happened to each of them.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/bcemu"
	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/internal/preview"
	"github.com/gogpu/bcemu/shim"
)

func main() {
	var (
		backend = flag.String("backend", "", "HAL backend (default: best available)")
		config  = flag.String("config", "", "layer settings file (default: $"+bcemu.ConfigEnv+")")
		count   = flag.Int("count", 4, "images per format")
		width   = flag.Uint("width", 64, "image width")
		height  = flag.Uint("height", 64, "image height")
		formats = flag.String("formats", "BC1RGBAUnorm,BC3RGBAUnorm,BC5RGUnorm,BC7RGBAUnorm", "comma separated BC formats")
		verbose = flag.Bool("v", false, "debug logging")
		dump    = flag.String("dump", "", "directory for previews of the decoded images")
		dumpExt = flag.String("dump-format", "bmp", "preview file format: bmp or png")
	)
	flag.Parse()

	cfg, err := loadConfig(*config)
	if err != nil {
		log.Fatal(err)
	}
	level, err := cfg.Level()
	if err != nil {
		log.Fatal(err)
	}
	if *verbose {
		level = slog.LevelDebug
	}
	bcemu.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts, err := cfg.Options()
	if err != nil {
		log.Fatal(err)
	}
	list, err := parseFormats(*formats)
	if err != nil {
		log.Fatal(err)
	}

	layer := bcemu.New(opts...)
	defer layer.Close()

	name, exposed, err := openAdapter(*backend)
	if err != nil {
		log.Fatal(err)
	}
	exposed = layer.ExposeAdapter(exposed)
	od, err := exposed.Adapter.Open(exposed.Features, exposed.Capabilities.Limits)
	if err != nil {
		log.Fatalf("open device on %s: %v", name, err)
	}
	defer od.Device.Destroy()
	log.Printf("backend %s, adapter %q", name, exposed.Info.Name)

	w, h := uint32(*width), uint32(*height)
	var textures []*shim.Texture
	payloads := make(map[*shim.Texture][]byte)
	for _, format := range list {
		for range *count {
			tex, data, err := createImage(od.Device, od.Queue, format, w, h)
			if err != nil {
				log.Fatalf("%s: %v", format, err)
			}
			textures = append(textures, tex)
			payloads[tex] = data
		}
	}

	if _, err := od.Queue.Submit(nil); err != nil {
		log.Fatalf("submit: %v", err)
	}

	for _, tex := range textures {
		rec, ok := layer.Lookup(tex.Image())
		if !ok {
			fmt.Printf("image %3d  %-18s  unregistered\n", tex.Image(), tex.Format())
			continue
		}
		fmt.Printf("image %3d  %-18s  %dx%d  %s\n", rec.ID, rec.Format, rec.Extent.Width, rec.Extent.Height, rec.State)
	}
	s := layer.Stats()
	fmt.Printf("decompressed %d, failed %d, simple %d, high-quality gpu %d, cpu %d\n",
		s.Decompressed, s.Dispatch.Failed, s.Dispatch.SimpleGPU, s.Dispatch.HighQualityGPU, s.Dispatch.HighQualityCPU)

	if *dump != "" {
		if err := dumpImages(*dump, *dumpExt, textures, payloads, w, h); err != nil {
			log.Fatal(err)
		}
	}

	for _, tex := range textures {
		od.Device.DestroyTexture(tex)
	}
}

func loadConfig(path string) (*bcemu.Config, error) {
	if path != "" {
		return bcemu.LoadConfig(path)
	}
	return bcemu.ConfigFromEnv()
}

func parseFormats(s string) ([]gputypes.TextureFormat, error) {
	var out []gputypes.TextureFormat
	for _, name := range strings.Split(s, ",") {
		f, err := bcn.ParseFormat(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// openAdapter picks a registered HAL backend by name, or the best one, and
// returns its first adapter.
func openAdapter(name string) (string, hal.ExposedAdapter, error) {
	backends := gpucontext.NewRegistry[hal.Backend](
		gpucontext.WithPriority("vulkan", "metal", "dx12", "gl", "empty"),
	)
	for _, variant := range hal.AvailableBackends() {
		b, _ := hal.GetBackend(variant)
		backends.Register(strings.ToLower(variant.String()), func() hal.Backend { return b })
	}

	var b hal.Backend
	if name == "" {
		name = backends.BestName()
		b = backends.Best()
	} else {
		b = backends.Get(strings.ToLower(name))
	}
	if b == nil {
		return "", hal.ExposedAdapter{}, fmt.Errorf("backend %q not available (have %v)", name, backends.Available())
	}

	inst, err := b.CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		return "", hal.ExposedAdapter{}, fmt.Errorf("create %s instance: %w", name, err)
	}
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return "", hal.ExposedAdapter{}, fmt.Errorf("%s: no adapters", name)
	}
	return name, adapters[0], nil
}

// createImage creates one emulated texture and uploads a synthetic
// payload to it.
func createImage(dev hal.Device, q hal.Queue, format gputypes.TextureFormat, w, h uint32) (*shim.Texture, []byte, error) {
	tex, err := dev.CreateTexture(&hal.TextureDescriptor{
		Label:         format.String(),
		Size:          hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return nil, nil, err
	}
	wrapped, ok := tex.(*shim.Texture)
	if !ok {
		return nil, nil, fmt.Errorf("format is not emulated by the layer")
	}

	data := synthesize(format, w, h)
	err = q.WriteTexture(&hal.ImageCopyTexture{Texture: tex, Aspect: gputypes.TextureAspectAll}, data,
		&hal.ImageDataLayout{BytesPerRow: bcn.RowPitch(format, w)},
		&hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1})
	if err != nil {
		return nil, nil, err
	}
	return wrapped, data, nil
}

// synthesize builds a block payload whose endpoints vary across the image.
func synthesize(format gputypes.TextureFormat, w, h uint32) []byte {
	size := bcn.BlockBytes(format)
	bx, by := bcn.Blocks(w), bcn.Blocks(h)
	data := make([]byte, int(size*bx*by))
	for y := range by {
		for x := range bx {
			block := data[(y*bx+x)*size:][:size]
			for i := range block {
				block[i] = byte(x*37 + y*91 + uint32(i)*13)
			}
		}
	}
	return data
}

// dumpImages writes the CPU decode of every payload as an image file.
func dumpImages(dir, ext string, textures []*shim.Texture, payloads map[*shim.Texture][]byte, w, h uint32) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dec := bcn.NewDecoder(nil)
	for _, tex := range textures {
		pix, err := dec.Decode(tex.Format(), w, h, payloads[tex], 0)
		if err != nil {
			log.Printf("image %d: no preview: %v", tex.Image(), err)
			continue
		}
		img, err := preview.New(int(w), int(h), pix)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("image-%03d-%s.%s", tex.Image(), strings.ToLower(tex.Format().String()), ext)
		if err := img.Save(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	log.Printf("previews written to %s", dir)
	return nil
}
