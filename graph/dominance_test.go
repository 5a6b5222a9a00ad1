// ABOUTME: Tests for dominator computation and retained sizes
// ABOUTME: Covers chains, diamonds, cycles, and multi-root sharing

package graph

import (
	"testing"

	"github.com/qetlang/qet/gc"
)

func TestDominatorsChain(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	a := newCell(m, "a", 1)
	b := newCell(m, "b", 1)
	c := newCell(m, "c", 1)
	link(a, b)
	link(b, c)

	d := Capture([]gc.Object{a}).Dominance()

	if _, ok := d.Dominator(a); ok {
		t.Error("a root has no dominator below the virtual root")
	}
	if dom, ok := d.Dominator(b); !ok || dom != gc.Object(a) {
		t.Errorf("Dominator(b) = %v, want a", dom)
	}
	if dom, ok := d.Dominator(c); !ok || dom != gc.Object(b) {
		t.Errorf("Dominator(c) = %v, want b", dom)
	}
	if !d.Dominates(a, c) {
		t.Error("a should dominate c through the chain")
	}
	if !d.Dominates(c, c) {
		t.Error("an object dominates itself")
	}
}

func TestDominatorsDiamond(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	top := newCell(m, "top", 1)
	left := newCell(m, "left", 1)
	right := newCell(m, "right", 1)
	join := newCell(m, "join", 1)
	link(top, left, right)
	link(left, join)
	link(right, join)

	d := Capture([]gc.Object{top}).Dominance()

	if dom, ok := d.Dominator(join); !ok || dom != gc.Object(top) {
		t.Errorf("Dominator(join) = %v, want top (where the paths split)", dom)
	}
	if d.Dominates(left, join) {
		t.Error("left must not dominate the shared join")
	}
	if !d.Dominates(top, join) {
		t.Error("top must dominate the shared join")
	}
}

func TestDominatorsCycle(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	a := newCell(m, "a", 1)
	b := newCell(m, "b", 1)
	c := newCell(m, "c", 1)
	link(a, b)
	link(b, c)
	link(c, b) // back edge

	d := Capture([]gc.Object{a}).Dominance()

	if dom, ok := d.Dominator(b); !ok || dom != gc.Object(a) {
		t.Errorf("Dominator(b) = %v, want a", dom)
	}
	if dom, ok := d.Dominator(c); !ok || dom != gc.Object(b) {
		t.Errorf("Dominator(c) = %v, want b despite the back edge", dom)
	}
}

func TestDominatorsMultipleRoots(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	r1 := newCell(m, "r1", 1)
	r2 := newCell(m, "r2", 1)
	shared := newCell(m, "shared", 1)
	link(r1, shared)
	link(r2, shared)

	d := Capture([]gc.Object{r1, r2}).Dominance()

	if _, ok := d.Dominator(shared); ok {
		t.Error("an object reachable through disjoint roots is dominated only by the virtual root")
	}
	if d.Dominates(r1, shared) || d.Dominates(r2, shared) {
		t.Error("neither root alone dominates the shared object")
	}
}

func TestRetainedChain(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	a := newCell(m, "a", 10)
	b := newCell(m, "b", 10)
	c := newCell(m, "c", 10)
	link(a, b)
	link(b, c)

	retained := Capture([]gc.Object{a}).Dominance().Retained()

	if retained[a] != 30 {
		t.Errorf("retained(a) = %d, want 30", retained[a])
	}
	if retained[b] != 20 {
		t.Errorf("retained(b) = %d, want 20", retained[b])
	}
	if retained[c] != 10 {
		t.Errorf("retained(c) = %d, want 10", retained[c])
	}
}

func TestRetainedShared(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	top := newCell(m, "top", 1)
	left := newCell(m, "left", 2)
	right := newCell(m, "right", 3)
	join := newCell(m, "join", 100)
	link(top, left, right)
	link(left, join)
	link(right, join)

	retained := Capture([]gc.Object{top}).Dominance().Retained()

	if retained[left] != 2 {
		t.Errorf("retained(left) = %d, want 2 (shared child not retained)", retained[left])
	}
	if retained[right] != 3 {
		t.Errorf("retained(right) = %d, want 3 (shared child not retained)", retained[right])
	}
	if retained[top] != 106 {
		t.Errorf("retained(top) = %d, want 106", retained[top])
	}
}
