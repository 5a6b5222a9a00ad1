// ABOUTME: Object capability interface and the header embedded in every GC object
// ABOUTME: Leaf and weak-leaf behavior are header flags checked on the fast paths

package gc

const (
	// flagLeaf marks an object with no collector-visible fields: shading
	// goes straight WHITE->BLACK and scanning it is a no-op.
	flagLeaf uint8 = 1 << iota
	// flagWeak marks a leaf that supports weak references: weak shades and
	// weak scans ignore it entirely, and its sweep may turn it RED.
	flagWeak
)

// Header is embedded in every collector-managed object. It carries the
// atomic color and the leaf/weak flags, which are fixed at registration
// time, before the object is published to any other goroutine.
type Header struct {
	color atomicColor
	flags uint8
}

// GC returns the embedded header; it is how the collector reaches the
// color word through the Object interface.
func (h *Header) GC() *Header { return h }

// Color reports the current color. It is a relaxed read intended for
// diagnostics and tests; the value may be stale by the time it returns.
func (h *Header) Color() Color { return h.color.load() }

// CASColor attempts the transition old->new on the color word. Exported
// for weak leaves, which race the collector WHITE->RED during sweep and
// upgrade themselves WHITE->BLACK when a mutator re-interns them.
func (h *Header) CASColor(old, new Color) bool { return h.color.cas(old, new) }

// Object is the capability set every collector-managed value implements.
// Constructors must hand the value to a Mutator's Register method (or one
// of its leaf variants) before it escapes.
type Object interface {
	// GC exposes the embedded Header.
	GC() *Header

	// Scan pushes the object's strong children onto the scan context.
	// Implementations load pointer fields with acquire semantics (plain
	// StrongPtr loads) and must skip nil children.
	Scan(ctx *ScanContext)

	// Bytes reports the retained size of the object, for statistics only.
	Bytes() uintptr
}

// Sweeper is implemented by weak leaves that override the default sweep.
// The only weak leaves in the system are interned strings, which race the
// collector WHITE->RED and unlink themselves from the intern set on a win.
type Sweeper interface {
	Object
	Sweep(ctx *SweepContext) Color
}

// Leaf provides the header and no-op Scan for objects without
// collector-visible fields. Embed it and implement Bytes.
type Leaf struct {
	Header
}

// Scan is a no-op: leaves have no children.
func (*Leaf) Scan(*ScanContext) {}
