package bcemu

import (
	"github.com/gogpu/bcemu/dispatch"
	"github.com/gogpu/bcemu/registry"
)

// Errors reported by the layer. All of them match with errors.Is.
var (
	ErrDuplicateIdentity   = registry.ErrDuplicateIdentity
	ErrUnknownImage        = registry.ErrUnknownImage
	ErrStaleState          = registry.ErrStaleState
	ErrDecompressionFailed = dispatch.ErrDecompressionFailed
	ErrStateViolation      = dispatch.ErrStateViolation
)
