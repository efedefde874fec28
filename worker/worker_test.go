package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/internal/bcn"
	"github.com/gogpu/bcemu/internal/kernel"
	"github.com/gogpu/bcemu/internal/payload"
	"github.com/gogpu/bcemu/registry"
)

var discrete = Capabilities{
	Compute: true,
	Info:    gputypes.AdapterInfo{Name: "test gpu", DeviceType: gputypes.DeviceTypeDiscreteGPU, Backend: gputypes.BackendVulkan},
}

// redBC1 returns n solid red BC1 blocks.
func redBC1(n int) []byte {
	out := make([]byte, 0, n*8)
	for range n {
		out = append(out, 0x00, 0xF8, 0, 0, 0, 0, 0, 0)
	}
	return out
}

type harness struct {
	store *payload.Store
	w     *Worker
	dev   *fakeDevice
	queue *fakeQueue
	tex   *testTexture
}

func newHarness(t *testing.T, caps Capabilities, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: payload.NewStore(),
		dev:   &fakeDevice{},
		queue: &fakeQueue{},
		tex:   &testTexture{id: 1},
	}
	h.w = New(h.store, opts...)
	h.w.AttachDevice(1, h.dev, h.queue, caps)
	t.Cleanup(h.w.Close)
	return h
}

func (h *harness) job(format gputypes.TextureFormat, w, ht uint32) dispatch.Job {
	return dispatch.Job{
		Image:   7,
		Device:  1,
		Backing: h.tex,
		Format:  format,
		Extent:  registry.Extent{Width: w, Height: ht},
	}
}

func TestSimpleBlockGPU(t *testing.T) {
	h := newHarness(t, discrete)
	h.store.Add(7, payload.Region{MipLevel: 0, Width: 8, Height: 8, Data: redBC1(4)})
	h.store.Add(7, payload.Region{MipLevel: 1, Width: 4, Height: 4, Data: redBC1(1)})

	if err := h.w.SimpleBlock(context.Background(), h.job(gputypes.TextureFormatBC1RGBAUnorm, 8, 8)); err != nil {
		t.Fatalf("SimpleBlock: %v", err)
	}

	if diff := cmp.Diff([][3]uint32{{1, 1, 1}, {1, 1, 1}}, h.dev.dispatches); diff != "" {
		t.Errorf("dispatches mismatch (-want +got):\n%s", diff)
	}
	if len(h.dev.copies) != 2 {
		t.Fatalf("copies = %d, want 2", len(h.dev.copies))
	}
	c := h.dev.copies[1]
	if c.TextureBase.MipLevel != 1 || c.Size != (hal.Extent3D{Width: 4, Height: 4, DepthOrArrayLayers: 1}) {
		t.Errorf("mip 1 copy = %+v", c)
	}
	if c.BufferLayout.BytesPerRow != 256 {
		t.Errorf("BytesPerRow = %d, want 256", c.BufferLayout.BytesPerRow)
	}
	if c.TextureBase.Texture != hal.Texture(h.tex) {
		t.Error("copy does not target the backing texture")
	}
	if h.queue.submits != 1 {
		t.Errorf("submits = %d, want 1", h.queue.submits)
	}
	if got := h.dev.created.Load(); got != 6 || h.dev.destroyed.Load() != got {
		t.Errorf("buffers created = %d, destroyed = %d, want 6 and 6", got, h.dev.destroyed.Load())
	}
	if h.store.Has(7) {
		t.Error("payload kept after successful decompression")
	}
	if len(h.queue.textureWrites()) != 0 {
		t.Error("GPU path wrote texels through the queue")
	}

	last := h.dev.barriers[len(h.dev.barriers)-1]
	if last.Usage.NewUsage != gputypes.TextureUsageTextureBinding {
		t.Errorf("final barrier usage = %v, want TextureBinding", last.Usage.NewUsage)
	}
}

func TestSimpleBlockCPUWithoutCompute(t *testing.T) {
	h := newHarness(t, Capabilities{Compute: false})
	h.store.Add(7, payload.Region{Width: 6, Height: 5, Data: redBC1(4)})

	if err := h.w.SimpleBlock(context.Background(), h.job(gputypes.TextureFormatBC1RGBAUnorm, 6, 5)); err != nil {
		t.Fatalf("SimpleBlock: %v", err)
	}
	if len(h.dev.dispatches) != 0 {
		t.Error("CPU path dispatched a kernel")
	}
	writes := h.queue.textureWrites()
	if len(writes) != 1 {
		t.Fatalf("texture writes = %d, want 1", len(writes))
	}
	w := writes[0]
	if len(w.data) != 6*5*4 || w.layout.BytesPerRow != 24 {
		t.Errorf("write has %d bytes and pitch %d, want 120 and 24", len(w.data), w.layout.BytesPerRow)
	}
	if diff := cmp.Diff([]byte{255, 0, 0, 255}, w.data[116:120]); diff != "" {
		t.Errorf("last texel mismatch (-want +got):\n%s", diff)
	}
}

func TestHighQualityCPU(t *testing.T) {
	h := newHarness(t, discrete)
	format := gputypes.TextureFormatBC7RGBAUnorm
	h.store.Add(7, payload.Region{Width: 4, Height: 4, Data: make([]byte, 16)})

	err := h.w.HighQuality(context.Background(), h.job(format, 4, 4), true)
	if !errors.Is(err, bcn.ErrNoDecoder) {
		t.Fatalf("HighQuality without decoder error = %v, want ErrNoDecoder", err)
	}
	if !h.store.Has(7) {
		t.Fatal("payload released after failure")
	}

	gray := func(dst, _ []byte) {
		for i := range dst {
			dst[i] = 0x80
		}
	}
	if err := bcn.Register(format, gray); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bcn.Register(format, nil) })

	if err := h.w.HighQuality(context.Background(), h.job(format, 4, 4), true); err != nil {
		t.Fatalf("HighQuality: %v", err)
	}
	writes := h.queue.textureWrites()
	if len(writes) != 1 || writes[0].data[0] != 0x80 {
		t.Fatalf("expected one gray texture write, got %d writes", len(writes))
	}
}

func TestHighQualityWithoutKernelDecodesOnCPU(t *testing.T) {
	h := newHarness(t, discrete)
	format := gputypes.TextureFormatBC6HRGBUfloat
	if err := bcn.Register(format, func(dst, _ []byte) { clear(dst) }); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = bcn.Register(format, nil) })
	h.store.Add(7, payload.Region{Width: 4, Height: 4, Data: make([]byte, 16)})

	if err := h.w.HighQuality(context.Background(), h.job(format, 4, 4), false); err != nil {
		t.Fatalf("HighQuality: %v", err)
	}
	if len(h.dev.dispatches) != 0 || len(h.queue.textureWrites()) != 1 {
		t.Errorf("dispatches = %d, writes = %d, want 0 and 1", len(h.dev.dispatches), len(h.queue.textureWrites()))
	}
}

func TestHighQualityGPUKernel(t *testing.T) {
	h := newHarness(t, discrete)
	format := gputypes.TextureFormatBC7RGBAUnormSrgb
	if err := kernel.RegisterHighQuality(format, kernel.Kernel{Name: "bc7_test", Source: "// bc7"}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kernel.RegisterHighQuality(format, kernel.Kernel{}) })
	h.store.Add(7, payload.Region{Width: 16, Height: 8, Data: make([]byte, 8*16)})

	if err := h.w.HighQuality(context.Background(), h.job(format, 16, 8), false); err != nil {
		t.Fatalf("HighQuality: %v", err)
	}
	if diff := cmp.Diff([][3]uint32{{1, 1, 1}}, h.dev.dispatches); diff != "" {
		t.Errorf("dispatches mismatch (-want +got):\n%s", diff)
	}
	if hits, misses := h.w.Pipelines(); hits != 0 || misses != 1 {
		t.Errorf("Pipelines() = (%d, %d), want (0, 1)", hits, misses)
	}
}

func TestNoPayloadIsNoop(t *testing.T) {
	h := newHarness(t, discrete)
	if err := h.w.SimpleBlock(context.Background(), h.job(gputypes.TextureFormatBC3RGBAUnorm, 4, 4)); err != nil {
		t.Fatalf("SimpleBlock: %v", err)
	}
	if h.queue.submits != 0 {
		t.Error("submitted work without a payload")
	}
}

func TestUnknownDevice(t *testing.T) {
	w := New(payload.NewStore())
	job := dispatch.Job{Image: 1, Device: 99, Format: gputypes.TextureFormatBC1RGBAUnorm}
	if err := w.SimpleBlock(context.Background(), job); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("SimpleBlock error = %v, want ErrUnknownDevice", err)
	}
	if err := w.HighQuality(context.Background(), job, true); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("HighQuality error = %v, want ErrUnknownDevice", err)
	}
	if w.HighQualityCompute(99) {
		t.Error("HighQualityCompute(unknown) = true")
	}
}

func TestWaitTimeout(t *testing.T) {
	h := newHarness(t, discrete, WithFenceTimeout(10*time.Millisecond))
	h.queue.stall = true
	h.store.Add(7, payload.Region{Width: 4, Height: 4, Data: redBC1(1)})

	err := h.w.SimpleBlock(context.Background(), h.job(gputypes.TextureFormatBC1RGBAUnorm, 4, 4))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SimpleBlock error = %v, want ErrTimeout", err)
	}
	if h.dev.created.Load() != h.dev.destroyed.Load() {
		t.Error("buffers leaked after timeout")
	}
	if !h.store.Has(7) {
		t.Error("payload released after timeout")
	}
}

func TestWaitCanceled(t *testing.T) {
	h := newHarness(t, discrete)
	h.queue.stall = true
	h.store.Add(7, payload.Region{Width: 4, Height: 4, Data: redBC1(1)})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.w.SimpleBlock(ctx, h.job(gputypes.TextureFormatBC1RGBAUnorm, 4, 4))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("SimpleBlock error = %v, want context.Canceled", err)
	}
}

func TestRetainPayloads(t *testing.T) {
	h := newHarness(t, discrete, WithRetainPayloads(true))
	h.store.Add(7, payload.Region{Width: 4, Height: 4, Data: redBC1(1)})
	if err := h.w.SimpleBlock(context.Background(), h.job(gputypes.TextureFormatBC1RGBAUnorm, 4, 4)); err != nil {
		t.Fatal(err)
	}
	if !h.store.Has(7) {
		t.Error("payload released with WithRetainPayloads(true)")
	}
	if h.store.Add(7, payload.Region{Width: 4, Height: 4, Data: redBC1(1)}) {
		t.Error("store accepted an upload after the worker took the regions")
	}
}

func TestTranscode(t *testing.T) {
	h := newHarness(t, discrete)
	r := payload.Region{MipLevel: 2, X: 4, Y: 8, Width: 4, Height: 4, Data: redBC1(1)}
	if err := h.w.Transcode(context.Background(), h.job(gputypes.TextureFormatBC1RGBAUnormSrgb, 16, 16), r); err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	writes := h.queue.textureWrites()
	if len(writes) != 1 {
		t.Fatalf("texture writes = %d, want 1", len(writes))
	}
	if writes[0].mip != 2 || writes[0].origin != (hal.Origin3D{X: 4, Y: 8}) {
		t.Errorf("write at mip %d origin %+v, want mip 2 at (4,8)", writes[0].mip, writes[0].origin)
	}
}

func TestDetachReleasesPipelines(t *testing.T) {
	cache := kernel.NewCache()
	h := newHarness(t, discrete, WithCache(cache))
	h.store.Add(7, payload.Region{Width: 4, Height: 4, Data: redBC1(1)})
	if err := h.w.SimpleBlock(context.Background(), h.job(gputypes.TextureFormatBC1RGBAUnorm, 4, 4)); err != nil {
		t.Fatal(err)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1", cache.Len())
	}
	h.w.DetachDevice(1)
	if cache.Len() != 0 {
		t.Error("DetachDevice kept pipelines")
	}
	if _, ok := h.w.Tuning(1); ok {
		t.Error("Tuning() found a detached device")
	}
}

func TestTune(t *testing.T) {
	tests := []struct {
		name      string
		caps      Capabilities
		preferCPU bool
	}{
		{"discrete", discrete, false},
		{"integrated", Capabilities{Compute: true, Info: gputypes.AdapterInfo{DeviceType: gputypes.DeviceTypeIntegratedGPU}}, false},
		{"software", Capabilities{Compute: true, Info: gputypes.AdapterInfo{DeviceType: gputypes.DeviceTypeCPU}}, true},
		{"virtual", Capabilities{Compute: true, Info: gputypes.AdapterInfo{DeviceType: gputypes.DeviceTypeVirtualGPU}}, true},
		{"no compute", Capabilities{Compute: false, Info: gputypes.AdapterInfo{DeviceType: gputypes.DeviceTypeDiscreteGPU}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tune(tt.caps)
			if got.PreferCPU != tt.preferCPU {
				t.Errorf("PreferCPU = %v, want %v", got.PreferCPU, tt.preferCPU)
			}
			if got.DecodeParallelism < 1 {
				t.Errorf("DecodeParallelism = %d, want >= 1", got.DecodeParallelism)
			}
		})
	}
}

func TestHighQualityComputeProbe(t *testing.T) {
	w := New(payload.NewStore())
	w.AttachDevice(1, &fakeDevice{}, &fakeQueue{}, discrete)
	w.AttachDevice(2, &fakeDevice{}, &fakeQueue{}, Capabilities{Compute: true, Info: gputypes.AdapterInfo{DeviceType: gputypes.DeviceTypeCPU}})

	if !w.HighQualityCompute(1) {
		t.Error("discrete GPU should decode high-quality formats on the GPU")
	}
	if w.HighQualityCompute(2) {
		t.Error("software adapter should prefer the CPU")
	}
}

func TestCapabilitiesOf(t *testing.T) {
	gl := hal.ExposedAdapter{Info: gputypes.AdapterInfo{Backend: gputypes.BackendGL}}
	if CapabilitiesOf(gl).Compute {
		t.Error("GL adapter without the compute flag reported compute")
	}
	gl.Capabilities.DownlevelCapabilities.Flags = hal.DownlevelFlagsComputeShaders
	if !CapabilitiesOf(gl).Compute {
		t.Error("GL adapter with the compute flag reported no compute")
	}
	vk := hal.ExposedAdapter{Info: gputypes.AdapterInfo{Backend: gputypes.BackendVulkan}}
	if !CapabilitiesOf(vk).Compute {
		t.Error("Vulkan adapter reported no compute")
	}
}

func TestOutputPitch(t *testing.T) {
	tests := []struct {
		width, want uint32
	}{
		{1, 256},
		{4, 256},
		{64, 256},
		{65, 512},
		{70, 512},
	}
	for _, tt := range tests {
		if got := outputPitch(tt.width); got != tt.want {
			t.Errorf("outputPitch(%d) = %d, want %d", tt.width, got, tt.want)
		}
	}
}
