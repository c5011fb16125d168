// Package reloc supplies GPU-visible addresses for generated batches, either
// by reserving an explicit range from the device allocator or by picking a
// provisional address for the submission layer to patch.
package reloc

import (
	"fmt"
	"math/rand"

	"github.com/fxnlabs/gpuload/internal/gpudev"
	"github.com/fxnlabs/gpuload/internal/isa"
)

// Mode selects the addressing strategy.
type Mode int

const (
	// ModeExplicit reserves an address range up front and pins the buffer
	// there; no post-hoc patching is needed.
	ModeExplicit Mode = iota
	// ModePatched picks a provisional address and relies on relocation
	// entries patched at submission time.
	ModePatched
)

func (m Mode) String() string {
	if m == ModeExplicit {
		return "explicit"
	}
	return "patched"
}

const pageSize = 4096

// Resolver hands out GPU addresses under one policy instance. Not safe for
// concurrent use; give each owning thread its own.
type Resolver struct {
	mode     Mode
	aperture uint64
	rng      *rand.Rand
}

// New builds a resolver over an aperture of the given size. The seed pins the
// provisional-address sequence for reproducible runs.
func New(mode Mode, aperture uint64, seed int64) *Resolver {
	if aperture < 4*pageSize {
		panic(fmt.Sprintf("reloc: aperture %#x too small", aperture))
	}
	return &Resolver{
		mode:     mode,
		aperture: aperture,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (r *Resolver) Mode() Mode { return r.mode }

// Placement is the resolver's answer for one buffer: where it should live and
// whether the submitter must pin it there.
type Placement struct {
	Address uint64
	Pinned  bool
}

// Place obtains an address for a buffer of the given size. Explicit mode
// reserves it from the device; patched mode picks a page-aligned
// pseudo-random address in the lower half of the aperture, exercising
// address-space diversity while staying clear of reserved high regions.
func (r *Resolver) Place(dev gpudev.Device, size uint64) (Placement, error) {
	if r.mode == ModeExplicit {
		addr, err := dev.ReserveAddress(size, pageSize)
		if err != nil {
			return Placement{}, fmt.Errorf("reserve batch address: %w", err)
		}
		return Placement{Address: addr, Pinned: true}, nil
	}
	half := r.aperture / 2
	if size >= half {
		panic(fmt.Sprintf("reloc: batch of %#x bytes cannot fit the lower aperture half", size))
	}
	addr := (r.rng.Uint64() % (half - size)) &^ uint64(pageSize-1)
	if addr == 0 {
		addr = pageSize
	}
	return Placement{Address: addr}, nil
}

// BatchRelocs converts the encoder's address slots into self-referential
// relocation entries against the batch object.
func BatchRelocs(slots []isa.RelocSlot, batch gpudev.BufferHandle) []gpudev.Reloc {
	relocs := make([]gpudev.Reloc, 0, len(slots))
	for _, s := range slots {
		relocs = append(relocs, gpudev.Reloc{
			Target: batch,
			Offset: uint64(s.Offset),
			Delta:  uint64(s.Delta),
			Width:  s.Width,
		})
	}
	return relocs
}

// Verify cross-checks the placement the submission layer reported against
// what the caller holds. A pinned buffer must land exactly where it was
// reserved; a patched buffer must stay put once first placed.
func Verify(expected, reported uint64, pinned bool) error {
	if expected == 0 || expected == reported {
		return nil
	}
	if pinned {
		return fmt.Errorf("pinned batch placed at %#x, reserved %#x", reported, expected)
	}
	return fmt.Errorf("batch moved to %#x after placement at %#x", reported, expected)
}
