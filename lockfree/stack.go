// ABOUTME: Treiber stack over GC-managed nodes
// ABOUTME: Classic CAS push/pop; reclamation is the collector's problem

package lockfree

import (
	"unsafe"

	"github.com/qetlang/qet/gc"
)

type snode[T any] struct {
	gc.Header
	next  gc.StrongPtr[snode[T]]
	value T
}

func (n *snode[T]) Scan(ctx *gc.ScanContext) {
	if p := n.next.Load(); p != nil {
		ctx.Push(p)
	}
}

func (n *snode[T]) Bytes() uintptr { return unsafe.Sizeof(*n) }

// Stack is an unbounded multi-producer multi-consumer LIFO stack.
type Stack[T any] struct {
	gc.Header
	head gc.StrongPtr[snode[T]]
}

// NewStack creates an empty stack.
func NewStack[T any](m *gc.Mutator) *Stack[T] {
	s := &Stack[T]{}
	m.Register(s)
	return s
}

// Scan pushes the head; the node chain carries the rest.
func (s *Stack[T]) Scan(ctx *gc.ScanContext) {
	if p := s.head.Load(); p != nil {
		ctx.Push(p)
	}
}

func (s *Stack[T]) Bytes() uintptr { return unsafe.Sizeof(*s) }

// Push makes v the new top.
func (s *Stack[T]) Push(m *gc.Mutator, v T) {
	n := &snode[T]{value: v}
	m.Register(n)
	for {
		h := s.head.Load()
		n.next.Store(m, h)
		if s.head.CompareAndSwap(m, h, n) {
			return
		}
	}
}

// Pop removes the top element, reporting false on an empty stack.
func (s *Stack[T]) Pop(m *gc.Mutator) (T, bool) {
	for {
		h := s.head.Load()
		if h == nil {
			var zero T
			return zero, false
		}
		next := h.next.Load()
		if s.head.CompareAndSwap(m, h, next) {
			return h.value, true
		}
	}
}
