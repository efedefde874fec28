// Package registry tracks emulated compressed images and their
// decompression state.
//
// A Record is created when the interception layer substitutes an
// uncompressed backing texture for a BC-format texture, and lives exactly as
// long as that backing texture. The only way a record's state moves forward
// is Transition, which compares and swaps under the registry lock; this is
// what guarantees at most one decompression per image.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Registry errors.
var (
	// ErrDuplicateIdentity is returned by Register when a live record already
	// uses the identity.
	ErrDuplicateIdentity = errors.New("registry: duplicate image identity")

	// ErrUnknownImage is returned for identities that were never registered
	// or have already been removed.
	ErrUnknownImage = errors.New("registry: unknown image")

	// ErrStaleState is returned by Transition when the record is no longer in
	// the expected state. Callers treat it as "someone else handled it".
	ErrStaleState = errors.New("registry: stale state")

	// ErrInvalidTransition is returned when a transition would not move the
	// state forward.
	ErrInvalidTransition = errors.New("registry: invalid state transition")
)

// ImageID identifies an emulated image. It is unique for the lifetime of the
// backing texture and must not be reused after the record is removed while
// another record with the same value is live.
type ImageID uint64

// DeviceID identifies the logical device that owns a backing texture.
type DeviceID uint64

// Extent is the size of the image in texels at creation time.
type Extent struct {
	Width  uint32
	Height uint32
}

// State is the decompression state of a record.
type State uint8

// Record states. The order is significant: a record only ever moves to a
// higher state.
const (
	StateRegistered State = iota
	StateDecompressing
	StateDecompressed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "Registered"
	case StateDecompressing:
		return "Decompressing"
	case StateDecompressed:
		return "Decompressed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Record is a snapshot of one emulated image.
type Record struct {
	ID      ImageID
	Device  DeviceID
	Backing hal.Texture
	Format  gputypes.TextureFormat
	Extent  Extent
	State   State
}

// Registry is the thread-safe store of records keyed by ImageID.
//
// A single mutex covers every operation. Nothing in this package calls out
// while holding it.
type Registry struct {
	mu      sync.Mutex
	records map[ImageID]*Record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[ImageID]*Record)}
}

// Register inserts a record in StateRegistered.
// It fails with ErrDuplicateIdentity if id is already live; the existing
// record is left untouched.
func (r *Registry) Register(id ImageID, device DeviceID, backing hal.Texture, format gputypes.TextureFormat, extent Extent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[id]; ok {
		return fmt.Errorf("%w: image %d already registered as %s", ErrDuplicateIdentity, id, existing.Format)
	}
	r.records[id] = &Record{
		ID:      id,
		Device:  device,
		Backing: backing,
		Format:  format,
		Extent:  extent,
		State:   StateRegistered,
	}
	return nil
}

// Lookup returns a copy of the record for id.
func (r *Registry) Lookup(id ImageID) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Transition moves the record from one state to a later one.
// It fails with ErrStaleState if the current state is not from, and with
// ErrUnknownImage if the record does not exist.
func (r *Registry) Transition(id ImageID, from, to State) error {
	if to <= from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownImage, id)
	}
	if rec.State != from {
		return fmt.Errorf("%w: image %d is %s, want %s", ErrStaleState, id, rec.State, from)
	}
	rec.State = to
	return nil
}

// Remove deletes the record for id. It is a no-op if the record is absent.
func (r *Registry) Remove(id ImageID) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

// Clear removes all records.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.records)
	r.mu.Unlock()
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// InState returns the identities of all records currently in state s,
// in ascending order.
func (r *Registry) InState(s State) []ImageID {
	r.mu.Lock()
	ids := make([]ImageID, 0, len(r.records))
	for id, rec := range r.records {
		if rec.State == s {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Snapshot returns copies of all records ordered by identity.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
