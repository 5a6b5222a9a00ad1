// ABOUTME: Mutator lifecycle: Enter/Leave, allocation registration, Handshake
// ABOUTME: The Mutator handle is the per-task view of the collector epoch

package gc

import "k8s.io/klog/v2"

// RootEnumerator reports a mutator's transient strong roots by calling
// shade on each of them. The VM registers one enumerating its value stack,
// frames, and open upvalues; the compiler registers one for the functions
// it is assembling. Enumerators run at every acknowledged handshake.
type RootEnumerator func(shade func(Object))

// Mutator is a task's handle on the collector domain. It carries the
// task's view of the epoch, its infant list, and its roots. A Mutator is
// owned by a single goroutine; only the collector ever touches it again,
// and then only through the channel after abandonment.
type Mutator struct {
	white Color
	alloc Color
	dirty bool
	depth int

	infants   Deque[Object]
	roots     []Object
	rootFns   []*rootEntry
	ch        *channel
	shadeFn   func(Object) // cached closure handed to enumerators
	allocated uint64
}

// Enter admits the calling task to the collector domain and returns its
// mutator handle. The task may then allocate, must call Handshake
// periodically, and must call Leave exactly once when done.
func Enter() *Mutator {
	m := &Mutator{depth: 1}
	m.shadeFn = func(obj Object) { m.Shade(obj) }
	ch := newChannel()
	m.ch = ch
	globalCond()
	global.mu.Lock()
	global.entrants = append(global.entrants, ch)
	ch.white = global.white
	ch.alloc = global.alloc
	m.white = global.white
	m.alloc = global.alloc
	global.mu.Unlock()
	global.cond.Broadcast()
	klog.V(4).InfoS("gc: mutator enters collectible state")
	return m
}

// Enter re-enters the domain reentrantly; each call must be matched by a
// Leave.
func (m *Mutator) Enter() {
	if m.ch == nil {
		panic("gc: Enter on a mutator that has left")
	}
	m.depth++
}

// Leave exits one level of the domain. The final Leave orphans the
// mutator's channel: its infants and dirty flag are published for the
// collector to drain, and the handle becomes unusable.
func (m *Mutator) Leave() {
	if m.ch == nil || m.depth <= 0 {
		panic("gc: unbalanced Leave")
	}
	m.depth--
	if m.depth > 0 {
		return
	}
	ch := m.ch
	ch.mu.Lock()
	pending := ch.pending
	ch.pending = false
	ch.abandoned = true
	ch.dirty = m.dirty
	m.dirty = false
	if ch.infants.Empty() {
		ch.infants.Take(&m.infants)
	} else {
		// leaving after acknowledging a handshake but before the
		// collector took the infants: append the stragglers
		ch.infants.Append(&m.infants)
	}
	ch.requestInfants = false
	ch.mu.Unlock()
	if pending {
		ch.cond.Broadcast()
	}
	m.ch = nil
	klog.V(4).InfoS("gc: mutator leaves collectible state")
}

// Handshake is the cooperative safepoint. If the collector has requested
// one, the mutator adopts the channel's latest epoch, publishes its dirty
// flag, hands over infants when asked, and then shades all of its roots.
func (m *Mutator) Handshake() {
	ch := m.ch
	if ch == nil {
		panic("gc: Handshake on a mutator that has left")
	}
	ch.mu.Lock()
	pending := ch.pending
	if pending {
		ch.dirty = m.dirty
		m.dirty = false
		m.white = ch.white
		m.alloc = ch.alloc
		if ch.requestInfants {
			ch.infants.Take(&m.infants)
		}
		ch.requestInfants = false
		ch.pending = false
	}
	ch.mu.Unlock()
	if pending {
		ch.cond.Broadcast()
		for _, r := range m.roots {
			m.Shade(r)
		}
		for _, e := range m.rootFns {
			e.fn(m.shadeFn)
		}
	}
}

// Register attaches a freshly constructed object to the collector: it
// takes the current allocation color and joins the infant list until the
// next handover. The object must not have escaped to another goroutine
// yet.
func (m *Mutator) Register(obj Object) {
	m.register(obj, 0)
}

// RegisterLeaf registers an object that has no collector-visible fields.
func (m *Mutator) RegisterLeaf(obj Object) {
	m.register(obj, flagLeaf)
}

// RegisterWeakLeaf registers a leaf that supports weak references (it may
// be colored RED by the collector during sweep).
func (m *Mutator) RegisterWeakLeaf(obj Object) {
	m.register(obj, flagLeaf|flagWeak)
}

func (m *Mutator) register(obj Object, flags uint8) {
	if m.ch == nil || m.depth <= 0 {
		panic("gc: allocation outside Enter/Leave")
	}
	h := obj.GC()
	h.flags = flags
	h.color.store(m.alloc)
	m.infants.PushBack(obj)
	m.allocated += uint64(obj.Bytes())
}

// Shade marks obj live for this cycle: a WHITE object becomes GRAY (and
// the mutator becomes dirty) so the collector will scan it, except that
// leaves go straight to BLACK. Safe to call with nil.
func (m *Mutator) Shade(obj Object) {
	if obj == nil {
		return
	}
	h := obj.GC()
	if h.flags&flagLeaf != 0 {
		h.color.cas(m.white, m.white^1)
		return
	}
	if h.color.cas(m.white, Gray) {
		m.dirty = true
	}
}

// ShadeWeak shades through a weak slot: weak leaves are left untouched,
// anything else is shaded normally.
func (m *Mutator) ShadeWeak(obj Object) {
	if obj == nil || obj.GC().flags&flagWeak != 0 {
		return
	}
	m.Shade(obj)
}

// AddRoot registers obj to be shaded at every handshake until RemoveRoot.
func (m *Mutator) AddRoot(obj Object) {
	m.roots = append(m.roots, obj)
}

// RemoveRoot drops the first registration of obj.
func (m *Mutator) RemoveRoot(obj Object) {
	for i, r := range m.roots {
		if r == obj {
			m.roots = append(m.roots[:i], m.roots[i+1:]...)
			return
		}
	}
}

type rootEntry struct {
	fn RootEnumerator
}

// AddRootEnumerator registers fn to run at every acknowledged handshake
// and returns a function that unregisters it.
func (m *Mutator) AddRootEnumerator(fn RootEnumerator) (remove func()) {
	e := &rootEntry{fn: fn}
	m.rootFns = append(m.rootFns, e)
	return func() {
		for i, x := range m.rootFns {
			if x == e {
				m.rootFns = append(m.rootFns[:i], m.rootFns[i+1:]...)
				return
			}
		}
	}
}

// White returns the mutator's current WHITE color.
func (m *Mutator) White() Color { return m.white }

// Black returns the mutator's current BLACK color.
func (m *Mutator) Black() Color { return m.white ^ 1 }

// Alloc returns the color currently given to new allocations.
func (m *Mutator) Alloc() Color { return m.alloc }

// AllocatedBytes reports the lifetime bytes this mutator has registered.
func (m *Mutator) AllocatedBytes() uint64 { return m.allocated }
