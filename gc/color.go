// ABOUTME: Color values for the tri-color (plus RED) object state machine
// ABOUTME: WHITE and BLACK trade meaning each epoch; GRAY and RED are fixed

package gc

import "sync/atomic"

// Color is the marking state of a collector-managed object. The two epoch
// colors occupy the low bit: in any given cycle one of {0, 1} means WHITE
// (not yet reached) and the other means BLACK (reached), and the collector
// flips the assignment at the end of each cycle rather than recoloring the
// surviving population. GRAY and RED never change meaning.
type Color int32

const (
	// Gray marks an object that has been reached but whose children have
	// not yet been scanned.
	Gray Color = 2
	// Red marks a weak leaf that lost the sweep race: it has been removed
	// from its intern structure and will be reclaimed after the next
	// handshake has flushed any mutator that could still observe it.
	Red Color = 3
)

// String renders a color. The two epoch colors are shown by their stored
// value (COLOR0, COLOR1), since which of them means WHITE depends on the
// epoch.
func (c Color) String() string {
	switch c {
	case Gray:
		return "GRAY"
	case Red:
		return "RED"
	case 0:
		return "COLOR0"
	case 1:
		return "COLOR1"
	}
	return "COLOR?"
}

// atomicColor wraps the single mutable word every managed object carries.
// All transitions are CAS; ordering is relaxed because correctness rests on
// the handshake protocol, not per-object ordering.
type atomicColor struct {
	v atomic.Int32
}

func (a *atomicColor) load() Color { return Color(a.v.Load()) }

func (a *atomicColor) store(c Color) { a.v.Store(int32(c)) }

func (a *atomicColor) cas(old, new Color) bool {
	return a.v.CompareAndSwap(int32(old), int32(new))
}
