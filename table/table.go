// ABOUTME: Concurrent open-addressed field/globals table with tombstones
// ABOUTME: Single writer, many readers; growth republishes the entries array

// Package table implements the hash table backing the VM's globals and
// per-instance fields. Keys are interned strings compared by identity;
// values live in atomic cells, so one writer and any number of readers
// may proceed without a lock. A deletion leaves a tombstone (nil key,
// true value) to preserve probe chains; an empty slot is nil key and nil
// value. Growth allocates a fresh GC-managed entries array and publishes
// it atomically with release/acquire ordering.
package table

import (
	"sync/atomic"
	"unsafe"

	"github.com/qetlang/qet/gc"
	"github.com/qetlang/qet/intern"
	"github.com/qetlang/qet/value"
)

const maxLoadNum, maxLoadDen = 3, 4 // load factor 0.75

// tombstone is the boxed true value written when a key is deleted.
var tombstone = value.Bool(true)

// entry is one slot: a key cell and a value cell, both atomic.
type entry struct {
	key atomic.Pointer[intern.SNode]
	val atomic.Pointer[value.Value]
}

// entries is the GC-managed backing array; it is immutable in shape once
// published, only its cells change.
type entries struct {
	gc.Header
	slots []entry
}

// Scan pushes each occupied slot: keys are shaded without recursion
// (they are leaves) and values are pushed strongly through their cells.
func (e *entries) Scan(ctx *gc.ScanContext) {
	for i := range e.slots {
		s := &e.slots[i]
		if k := s.key.Load(); k != nil {
			ctx.Push(k)
		}
		if v := s.val.Load(); v != nil {
			v.Scan(ctx)
		}
	}
}

func (e *entries) Bytes() uintptr {
	return unsafe.Sizeof(*e) + uintptr(len(e.slots))*unsafe.Sizeof(entry{})
}

// Table maps interned strings to values. The zero state (before the
// first Set) has no backing array. Writes must all come from the owning
// mutator; reads may come from anywhere.
type Table struct {
	gc.Header
	entries gc.StrongPtr[entries]
	count   int // occupied slots including tombstones; writer-owned
}

// New creates an empty table registered with m.
func New(m *gc.Mutator) *Table {
	t := &Table{}
	m.Register(t)
	return t
}

// Scan pushes the entries array.
func (t *Table) Scan(ctx *gc.ScanContext) {
	if e := t.entries.Load(); e != nil {
		ctx.Push(e)
	}
}

func (t *Table) Bytes() uintptr { return unsafe.Sizeof(*t) }

// findSlot probes for key, returning the entry holding it or the first
// reusable slot (tombstone if one was passed, else the empty slot).
func findSlot(slots []entry, key *intern.SNode) *entry {
	mask := uint64(len(slots) - 1)
	idx := key.Hash() & mask
	var grave *entry
	for {
		e := &slots[idx]
		k := e.key.Load()
		if k == nil {
			if v := e.val.Load(); v == nil {
				// empty slot terminates the probe chain
				if grave != nil {
					return grave
				}
				return e
			}
			// tombstone: remember the first, keep probing
			if grave == nil {
				grave = e
			}
		} else if k == key {
			return e
		}
		idx = (idx + 1) & mask
	}
}

// Get returns the value bound to key.
func (t *Table) Get(key *intern.SNode) (value.Value, bool) {
	e := t.entries.Load()
	if e == nil {
		return value.Nil(), false
	}
	s := findSlot(e.slots, key)
	if s.key.Load() == nil {
		return value.Nil(), false
	}
	v := s.val.Load()
	if v == nil {
		return value.Nil(), false
	}
	return *v, true
}

// Set binds key to v, reporting whether the key was absent. The stored
// key and value, and any displaced value, are shaded.
func (t *Table) Set(m *gc.Mutator, key *intern.SNode, v value.Value) bool {
	e := t.entries.Load()
	if e == nil || (t.count+1)*maxLoadDen > len(e.slots)*maxLoadNum {
		e = t.grow(m, e)
	}
	s := findSlot(e.slots, key)
	isNew := s.key.Load() == nil
	if isNew && s.val.Load() == nil {
		t.count++
	}
	box := v
	m.Shade(key)
	v.Shade(m)
	if old := s.val.Load(); old != nil {
		old.Shade(m)
	}
	// value first: a concurrent reader must never observe the key with a
	// stale cell
	s.val.Store(&box)
	s.key.Store(key)
	return isNew
}

// Delete removes key, leaving a tombstone so probe chains stay intact.
func (t *Table) Delete(m *gc.Mutator, key *intern.SNode) bool {
	e := t.entries.Load()
	if e == nil {
		return false
	}
	s := findSlot(e.slots, key)
	k := s.key.Load()
	if k == nil {
		return false
	}
	// snapshot barrier on the displaced references
	m.Shade(k)
	if old := s.val.Load(); old != nil {
		old.Shade(m)
	}
	s.key.Store(nil)
	s.val.Store(&tombstone)
	return true
}

// AddAll copies every binding of from into t; existing keys are
// overwritten (subclass tables shadow inherited methods this way).
func (t *Table) AddAll(m *gc.Mutator, from *Table) {
	e := from.entries.Load()
	if e == nil {
		return
	}
	for i := range e.slots {
		s := &e.slots[i]
		k := s.key.Load()
		if k == nil {
			continue
		}
		if v := s.val.Load(); v != nil {
			t.Set(m, k, *v)
		}
	}
}

// grow allocates a larger entries array, rehashes the live bindings into
// it, and publishes it with the write barrier.
func (t *Table) grow(m *gc.Mutator, old *entries) *entries {
	capacity := 8
	if old != nil {
		capacity = len(old.slots) * 2
	}
	ne := &entries{slots: make([]entry, capacity)}
	m.Register(ne)
	t.count = 0
	if old != nil {
		for i := range old.slots {
			s := &old.slots[i]
			k := s.key.Load()
			if k == nil {
				continue // drops tombstones
			}
			v := s.val.Load()
			d := findSlot(ne.slots, k)
			d.key.Store(k)
			d.val.Store(v)
			t.count++
		}
	}
	t.entries.Store(m, ne)
	return ne
}
