package kernel

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/singleflight"

	"github.com/gogpu/bcemu/registry"
)

// ErrNilDevice is returned when a pipeline is requested without a device.
var ErrNilDevice = errors.New("kernel: HAL device is nil")

// Pipeline is a compute pipeline together with the objects it was built from.
type Pipeline struct {
	Module     hal.ShaderModule
	BindLayout hal.BindGroupLayout
	Layout     hal.PipelineLayout
	Compute    hal.ComputePipeline
}

func (p *Pipeline) destroy(device hal.Device) {
	if p.Compute != nil {
		device.DestroyComputePipeline(p.Compute)
	}
	if p.Layout != nil {
		device.DestroyPipelineLayout(p.Layout)
	}
	if p.BindLayout != nil {
		device.DestroyBindGroupLayout(p.BindLayout)
	}
	if p.Module != nil {
		device.DestroyShaderModule(p.Module)
	}
}

type cacheKey struct {
	device registry.DeviceID
	kernel string
}

type cacheEntry struct {
	device   hal.Device
	pipeline *Pipeline
}

// Cache builds pipelines once per device and kernel.
//
// Lookups take a read lock. Concurrent misses for the same key share one
// build through a singleflight group, and the result is published under
// the write lock after a second check.
type Cache struct {
	mu        sync.RWMutex
	pipelines map[cacheKey]*cacheEntry
	builds    singleflight.Group
	spirv     bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithSPIRV makes the cache hand SPIR-V compiled by naga to the device
// instead of WGSL source. Backends that consume SPIR-V directly need this.
func WithSPIRV(enabled bool) CacheOption {
	return func(c *Cache) {
		c.spirv = enabled
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{pipelines: make(map[cacheKey]*cacheEntry)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the pipeline for k on the device identified by id, building
// it on first use.
func (c *Cache) Get(id registry.DeviceID, device hal.Device, k Kernel) (*Pipeline, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if k.Source == "" {
		return nil, ErrEmptySource
	}
	key := cacheKey{device: id, kernel: k.Name}

	c.mu.RLock()
	if e, ok := c.pipelines[key]; ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return e.pipeline, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.builds.Do(strconv.FormatUint(uint64(id), 10)+"/"+k.Name, func() (any, error) {
		c.mu.RLock()
		e, ok := c.pipelines[key]
		c.mu.RUnlock()
		if ok {
			c.hits.Add(1)
			return e.pipeline, nil
		}

		p, err := c.build(device, k)
		if err != nil {
			return nil, err
		}
		c.misses.Add(1)

		c.mu.Lock()
		c.pipelines[key] = &cacheEntry{device: device, pipeline: p}
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pipeline), nil
}

func (c *Cache) build(device hal.Device, k Kernel) (*Pipeline, error) {
	source := hal.ShaderSource{WGSL: k.Source}
	if c.spirv {
		words, err := CompileSPIRV(k.Source)
		if err != nil {
			return nil, err
		}
		source = hal.ShaderSource{SPIRV: words}
	}

	p := &Pipeline{}
	var err error
	p.Module, err = device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  k.Name,
		Source: source,
	})
	if err != nil {
		return nil, fmt.Errorf("kernel: create %s shader: %w", k.Name, err)
	}

	p.BindLayout, err = device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: k.Name + "_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("kernel: create %s bind group layout: %w", k.Name, err)
	}

	p.Layout, err = device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            k.Name + "_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{p.BindLayout},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("kernel: create %s pipeline layout: %w", k.Name, err)
	}

	p.Compute, err = device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   k.Name + "_pipeline",
		Layout:  p.Layout,
		Compute: hal.ComputeState{Module: p.Module, EntryPoint: "main"},
	})
	if err != nil {
		p.destroy(device)
		return nil, fmt.Errorf("kernel: create %s compute pipeline: %w", k.Name, err)
	}
	return p, nil
}

// Release destroys every pipeline built for the device identified by id.
func (c *Cache) Release(id registry.DeviceID) {
	c.mu.Lock()
	var doomed []*cacheEntry
	for key, e := range c.pipelines {
		if key.device == id {
			doomed = append(doomed, e)
			delete(c.pipelines, key)
		}
	}
	c.mu.Unlock()

	for _, e := range doomed {
		e.pipeline.destroy(e.device)
	}
}

// Close destroys all cached pipelines.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := c.pipelines
	c.pipelines = make(map[cacheKey]*cacheEntry)
	c.mu.Unlock()

	for _, e := range entries {
		e.pipeline.destroy(e.device)
	}
}

// Len returns the number of cached pipelines.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pipelines)
}

// Stats returns cache hits and misses.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
