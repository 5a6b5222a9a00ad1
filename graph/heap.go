// ABOUTME: Captures the live object population reachable from a root set
// ABOUTME: Objects are their own identities; no parallel node structures

// Package graph answers "what is keeping this object alive" questions
// about the collector's population. Capture walks the scan edges from a
// root set without disturbing colors and indexes the reachable objects;
// dominance, retained-size, and paths-to-roots queries then run directly
// against the captured gc.Object identities, reading sizes and kinds
// through the object interface rather than copying them into a parallel
// node structure.
package graph

import (
	"fmt"

	"github.com/qetlang/qet/gc"
)

// Heap is a captured view of the objects reachable from a root set. The
// objects themselves are the identities; the Heap only records the edge
// structure observed during the walk. A Heap is immutable once built and
// safe for concurrent readers.
type Heap struct {
	objects []gc.Object       // discovery order
	index   map[gc.Object]int // object -> position in objects
	refs    [][]int           // scan edges, by position
	rootIdx []int
}

// Capture walks everything reachable from roots through scan edges and
// indexes it. The walk is advisory with respect to running mutators: it
// observes some interleaving of their writes, which is adequate for
// debugging but is not a consistent snapshot.
func Capture(roots []gc.Object) *Heap {
	h := &Heap{index: make(map[gc.Object]int)}
	add := func(obj gc.Object) int {
		i, ok := h.index[obj]
		if !ok {
			i = len(h.objects)
			h.index[obj] = i
			h.objects = append(h.objects, obj)
			h.refs = append(h.refs, nil)
		}
		return i
	}
	gc.Walk(roots, func(parent, child gc.Object) {
		ci := add(child)
		if parent == nil {
			h.rootIdx = append(h.rootIdx, ci)
			return
		}
		pi := h.index[parent] // parents are always discovered first
		h.refs[pi] = append(h.refs[pi], ci)
	})
	return h
}

// Len returns the number of captured objects.
func (h *Heap) Len() int { return len(h.objects) }

// Contains reports whether obj was reachable at capture time.
func (h *Heap) Contains(obj gc.Object) bool {
	_, ok := h.index[obj]
	return ok
}

// Roots returns the captured root objects.
func (h *Heap) Roots() []gc.Object {
	out := make([]gc.Object, len(h.rootIdx))
	for i, r := range h.rootIdx {
		out[i] = h.objects[r]
	}
	return out
}

// Objects calls fn for every captured object in discovery order.
func (h *Heap) Objects(fn func(gc.Object)) {
	for _, obj := range h.objects {
		fn(obj)
	}
}

// References returns the objects obj was seen referencing.
func (h *Heap) References(obj gc.Object) []gc.Object {
	i, ok := h.index[obj]
	if !ok {
		return nil
	}
	out := make([]gc.Object, len(h.refs[i]))
	for j, c := range h.refs[i] {
		out[j] = h.objects[c]
	}
	return out
}

// Kind describes an object by its concrete Go type.
func Kind(obj gc.Object) string { return fmt.Sprintf("%T", obj) }

// preds builds the deduplicated reverse-edge lists.
func (h *Heap) preds() [][]int {
	preds := make([][]int, len(h.objects))
	seen := make(map[[2]int]bool)
	for p, cs := range h.refs {
		for _, c := range cs {
			k := [2]int{p, c}
			if seen[k] {
				continue
			}
			seen[k] = true
			preds[c] = append(preds[c], p)
		}
	}
	return preds
}
