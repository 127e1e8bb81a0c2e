// Package relocation computes where a statically linked image was placed at
// runtime.
package relocation

import (
	"fmt"

	"github.com/ferros-dev/bootdbg/pkg/elfimage"
)

// PlacementShift is log2 of the loader's placement granularity. The loader
// puts images on 256-byte boundaries; this must change together with it.
const PlacementShift = 8

// PlacementGranularity is the alignment every computed offset has.
const PlacementGranularity = 1 << PlacementShift

// Offset is the signed distance between an image's link-time addresses and
// its runtime addresses.
type Offset int64

// ComputeOffset returns the offset between the live address of the probe
// point and its static address, truncated down to the placement granularity.
// The arithmetic shift floors, so negative distances round towards minus
// infinity.
func ComputeOffset(live, static uint64) Offset {
	d := int64(live - static)
	return Offset((d >> PlacementShift) << PlacementShift)
}

// Residue is the part of the live/static distance dropped by the alignment.
// It is in [0, PlacementGranularity).
func Residue(live, static uint64, o Offset) uint64 {
	return uint64(int64(live-static) - int64(o))
}

// Apply relocates a link-time address.
func (o Offset) Apply(addr uint64) uint64 {
	return addr + uint64(o)
}

func (o Offset) String() string {
	if o < 0 {
		return fmt.Sprintf("-0x%x", uint64(-o))
	}
	return fmt.Sprintf("0x%x", uint64(o))
}

// LoadAddresses are the runtime addresses of an image's sections.
type LoadAddresses struct {
	Text uint64
	Data uint64
}

func (l LoadAddresses) String() string {
	return fmt.Sprintf("text=0x%x data=0x%x", l.Text, l.Data)
}

// Rebase returns the runtime addresses of the given sections.
func Rebase(s elfimage.Sections, o Offset) LoadAddresses {
	return LoadAddresses{
		Text: o.Apply(s.Text),
		Data: o.Apply(s.Data),
	}
}

// ProbeMisalignmentError is returned when a computed base address does not
// have the alignment the loader is known to use, which means the target was
// not halted at the probe point.
type ProbeMisalignmentError struct {
	Offset    Offset
	Alignment uint64
}

func (e *ProbeMisalignmentError) Error() string {
	return fmt.Sprintf("relocation offset %s is not aligned to 0x%x: target was probably not halted at the probe point", e.Offset, e.Alignment)
}

// Check verifies that o is aligned to alignment. An alignment of zero or one
// accepts every offset.
func Check(o Offset, alignment uint64) error {
	if alignment <= 1 {
		return nil
	}
	if uint64(o)%alignment != 0 {
		return &ProbeMisalignmentError{Offset: o, Alignment: alignment}
	}
	return nil
}
