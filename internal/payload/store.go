// Package payload keeps the compressed uploads captured for emulated
// textures until they are decompressed.
package payload

import (
	"slices"
	"sync"

	"github.com/gogpu/bcemu/registry"
)

// Region is one captured upload: a block-aligned rectangle of one mip level.
type Region struct {
	MipLevel uint32
	X, Y     uint32
	Width    uint32
	Height   uint32
	RowPitch uint32
	Data     []byte
}

// Store maps images to their captured regions.
//
// An image is sealed once its decompression has taken the regions; later
// uploads for it are refused and must be decoded on their own.
//
// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	regions map[registry.ImageID][]Region
	sealed  map[registry.ImageID]struct{}
	bytes   int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		regions: make(map[registry.ImageID][]Region),
		sealed:  make(map[registry.ImageID]struct{}),
	}
}

// Add records r for id and reports whether it was accepted. Sealed images
// refuse new regions. A region covering the same rectangle of the same mip
// level replaces the earlier one. The store keeps r.Data as is; callers
// pass a copy they no longer modify.
func (s *Store) Add(id registry.ImageID, r Region) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sealed[id]; ok {
		return false
	}

	list := s.regions[id]
	for i := range list {
		old := &list[i]
		if old.MipLevel == r.MipLevel && old.X == r.X && old.Y == r.Y &&
			old.Width == r.Width && old.Height == r.Height {
			s.bytes += len(r.Data) - len(old.Data)
			*old = r
			return true
		}
	}
	s.regions[id] = append(list, r)
	s.bytes += len(r.Data)
	return true
}

// Regions returns the regions captured for id, ordered by mip level.
func (s *Store) Regions(id registry.ImageID) []Region {
	s.mu.Lock()
	out := slices.Clone(s.regions[id])
	s.mu.Unlock()
	return byMip(out)
}

// Seal returns the regions captured for id, ordered by mip level, and
// refuses every later Add for id until Forget.
func (s *Store) Seal(id registry.ImageID) []Region {
	s.mu.Lock()
	s.sealed[id] = struct{}{}
	out := slices.Clone(s.regions[id])
	s.mu.Unlock()
	return byMip(out)
}

// Sealed reports whether id was sealed.
func (s *Store) Sealed(id registry.ImageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sealed[id]
	return ok
}

func byMip(regions []Region) []Region {
	slices.SortStableFunc(regions, func(a, b Region) int {
		return int(a.MipLevel) - int(b.MipLevel)
	})
	return regions
}

// Has reports whether anything was captured for id.
func (s *Store) Has(id registry.ImageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.regions[id]) > 0
}

// Drop releases the regions of id. Regions kept after decompression are
// released while the seal stays; Forget removes both.
func (s *Store) Drop(id registry.ImageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions[id] {
		s.bytes -= len(r.Data)
	}
	delete(s.regions, id)
}

// Forget releases the regions and the seal of id. Called when the image is
// destroyed.
func (s *Store) Forget(id registry.ImageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions[id] {
		s.bytes -= len(r.Data)
	}
	delete(s.regions, id)
	delete(s.sealed, id)
}

// Clear releases everything.
func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.regions)
	clear(s.sealed)
	s.bytes = 0
	s.mu.Unlock()
}

// Bytes returns the total size of the captured data.
func (s *Store) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}
