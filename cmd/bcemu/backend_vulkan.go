//go:build vulkan

package main

import _ "github.com/gogpu/wgpu/hal/vulkan"
