// ABOUTME: Michael-Scott queue over GC-managed nodes
// ABOUTME: The collector's deferred reclamation bounds ABA reuse

// Package lockfree provides a Michael-Scott queue and a Treiber stack
// whose nodes are collector-managed objects. Neither is on the
// interpreter's hot path; they exist for concurrent work that wants
// ABA-safe CAS structures without hazard pointers, which the collector's
// deferred-free guarantee provides for free. Element values are treated
// as opaque: values that reference GC objects must be kept live by their
// producers or consumers.
package lockfree

import (
	"unsafe"

	"github.com/qetlang/qet/gc"
)

type qnode[T any] struct {
	gc.Header
	next  gc.StrongPtr[qnode[T]]
	value T
}

func (n *qnode[T]) Scan(ctx *gc.ScanContext) {
	if p := n.next.Load(); p != nil {
		ctx.Push(p)
	}
}

func (n *qnode[T]) Bytes() uintptr { return unsafe.Sizeof(*n) }

// Queue is an unbounded multi-producer multi-consumer FIFO queue.
type Queue[T any] struct {
	gc.Header
	head gc.StrongPtr[qnode[T]]
	tail gc.StrongPtr[qnode[T]]
}

// NewQueue creates an empty queue holding the usual sentinel node.
func NewQueue[T any](m *gc.Mutator) *Queue[T] {
	q := &Queue[T]{}
	s := &qnode[T]{}
	m.Register(s)
	q.head.Init(m, s)
	q.tail.Init(m, s)
	m.Register(q)
	return q
}

// Scan pushes the head and the tail; the node chain carries the rest.
func (q *Queue[T]) Scan(ctx *gc.ScanContext) {
	if p := q.head.Load(); p != nil {
		ctx.Push(p)
	}
	if p := q.tail.Load(); p != nil {
		ctx.Push(p)
	}
}

func (q *Queue[T]) Bytes() uintptr { return unsafe.Sizeof(*q) }

// Push appends v.
func (q *Queue[T]) Push(m *gc.Mutator, v T) {
	n := &qnode[T]{value: v}
	m.Register(n)
	b := q.tail.Load()
	for {
		if b.next.CompareAndSwap(m, nil, n) {
			// linearized; advancing tail is best-effort
			q.tail.CompareAndSwap(m, b, n)
			return
		}
		// tail is lagging: help it forward and retry there
		next := b.next.Load()
		if next != nil && q.tail.CompareAndSwap(m, b, next) {
			b = next
		} else {
			b = q.tail.Load()
		}
	}
}

// Pop removes the oldest element, reporting false on an empty queue.
func (q *Queue[T]) Pop(m *gc.Mutator) (T, bool) {
	for {
		h := q.head.Load()
		next := h.next.Load()
		if next == nil {
			// only the sentinel remains
			var zero T
			return zero, false
		}
		if q.head.CompareAndSwap(m, h, next) {
			return next.value, true
		}
	}
}
