// ABOUTME: Tests for mutator lifecycle, shading, and collector cycles
// ABOUTME: A single free-running collector is shared by the whole package

package gc

import (
	"os"
	"testing"
	"time"
)

// testNode is a linked object with one strong field and a fixed size.
type testNode struct {
	Header
	next StrongPtr[testNode]
	id   int
}

func (n *testNode) Scan(ctx *ScanContext) {
	if p := n.next.Load(); p != nil {
		ctx.Push(p)
	}
}

func (n *testNode) Bytes() uintptr { return 64 }

// testLeaf is a childless object.
type testLeaf struct {
	Leaf
}

func (l *testLeaf) Bytes() uintptr { return 16 }

func TestMain(m *testing.M) {
	go Collect()
	os.Exit(m.Run())
}

// pump drives handshakes until n more cycles have completed. Safepoints
// are the mutator's obligation (the collector waits forever otherwise),
// so the test loop is itself the interpreter stand-in.
func pump(t *testing.T, m *Mutator, n uint64) {
	t.Helper()
	target := Cycles() + n
	deadline := time.Now().Add(30 * time.Second)
	for Cycles() < target {
		m.Handshake()
		if time.Now().After(deadline) {
			t.Fatalf("collector did not advance %d cycles", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEnterLeaveReentrant(t *testing.T) {
	m := Enter()
	m.Enter()
	m.Leave()
	obj := &testLeaf{}
	m.RegisterLeaf(obj) // still inside the outer Enter
	m.Leave()
}

func TestRegisterOutsideDomainPanics(t *testing.T) {
	m := Enter()
	m.Leave()
	defer func() {
		if recover() == nil {
			t.Error("Register after final Leave should panic")
		}
	}()
	m.Register(&testNode{})
}

func TestUnbalancedLeavePanics(t *testing.T) {
	m := Enter()
	m.Leave()
	defer func() {
		if recover() == nil {
			t.Error("second Leave should panic")
		}
	}()
	m.Leave()
}

func TestAllocationColor(t *testing.T) {
	m := Enter()
	defer m.Leave()
	m.Handshake()
	obj := &testNode{}
	m.Register(obj)
	if got := obj.GC().Color(); got != m.Alloc() {
		t.Errorf("fresh object color = %v, want ALLOC %v", got, m.Alloc())
	}
}

func TestShadeLeafGoesBlack(t *testing.T) {
	m := Enter()
	defer m.Leave()
	leaf := &testLeaf{}
	m.RegisterLeaf(leaf)
	// force it white for the current local epoch, then shade
	leaf.GC().color.store(m.White())
	m.Shade(leaf)
	if got := leaf.GC().Color(); got != m.Black() {
		t.Errorf("shaded leaf color = %v, want BLACK %v", got, m.Black())
	}
	if m.dirty {
		t.Error("shading a leaf must not set dirty")
	}
}

func TestShadeObjectGoesGrayAndDirty(t *testing.T) {
	m := Enter()
	defer m.Leave()
	obj := &testNode{}
	m.Register(obj)
	obj.GC().color.store(m.White())
	m.dirty = false
	m.Shade(obj)
	if got := obj.GC().Color(); got != Gray {
		t.Errorf("shaded object color = %v, want GRAY", got)
	}
	if !m.dirty {
		t.Error("shading white->gray must set dirty")
	}
}

func TestCollectorAdvances(t *testing.T) {
	m := Enter()
	defer m.Leave()
	pump(t, m, 2)
}

func TestGarbageIsFreed(t *testing.T) {
	m := Enter()
	defer m.Leave()

	const n = 100
	before := ReadStats().FreedObjects
	for i := 0; i < n; i++ {
		m.Register(&testNode{id: i})
	}
	// Nothing roots these nodes; after the infants are handed over and a
	// full epoch has elapsed they must all be swept.
	pump(t, m, 4)
	after := ReadStats().FreedObjects
	if after-before < n {
		t.Errorf("freed %d objects, want at least %d", after-before, n)
	}
}

func TestRootedObjectsSurvive(t *testing.T) {
	m := Enter()
	defer m.Leave()

	head := &testNode{id: 0}
	m.Register(head)
	m.AddRoot(head)
	defer m.RemoveRoot(head)
	cur := head
	for i := 1; i < 50; i++ {
		n := &testNode{id: i}
		m.Register(n)
		cur.next.Store(m, n)
		cur = n
	}

	pump(t, m, 3)

	// the whole chain must still be intact and reachable
	count := 0
	for p := head; p != nil; p = p.next.Load() {
		if p.id != count {
			t.Fatalf("node %d has id %d", count, p.id)
		}
		count++
	}
	if count != 50 {
		t.Errorf("chain length = %d, want 50", count)
	}
}

func TestBarrierKeepsDetachedSubchainAlive(t *testing.T) {
	m := Enter()
	defer m.Leave()

	// a -> b -> c rooted at a; detach b mid-cycle and re-attach c
	// directly: the snapshot barrier shades the displaced b, so nothing
	// reachable at cycle start may be prematurely swept.
	a := &testNode{id: 1}
	b := &testNode{id: 2}
	c := &testNode{id: 3}
	m.Register(a)
	m.Register(b)
	m.Register(c)
	a.next.Init(m, b)
	b.next.Init(m, c)
	m.AddRoot(a)
	defer m.RemoveRoot(a)

	for i := 0; i < 100; i++ {
		a.next.Store(m, c)
		m.Handshake()
		a.next.Store(m, b)
		m.Handshake()
	}
	pump(t, m, 2)

	if a.next.Load() != b || b.next.Load() != c {
		t.Error("chain corrupted by collection")
	}
}

func TestEpochRelabelPreservesSurvivors(t *testing.T) {
	m := Enter()
	defer m.Leave()

	obj := &testNode{id: 9}
	m.Register(obj)
	m.AddRoot(obj)
	defer m.RemoveRoot(obj)

	pump(t, m, 1)
	c1 := obj.GC().Color()
	pump(t, m, 1)
	c2 := obj.GC().Color()
	// Retained objects keep their stored epoch bit; only its meaning
	// flips. Between quiescent points the observed color is one of the
	// two epoch values or GRAY, never RED.
	for _, c := range []Color{c1, c2} {
		if c == Red {
			t.Fatalf("live object observed RED")
		}
	}
}

func TestWalkVisitsReachableGraph(t *testing.T) {
	m := Enter()
	defer m.Leave()

	a := &testNode{id: 1}
	b := &testNode{id: 2}
	c := &testNode{id: 3}
	m.Register(a)
	m.Register(b)
	m.Register(c)
	a.next.Init(m, b)
	b.next.Init(m, c)

	seen := map[int]bool{}
	edges := 0
	Walk([]Object{a}, func(parent, child Object) {
		if n, ok := child.(*testNode); ok {
			seen[n.id] = true
		}
		if parent != nil {
			edges++
		}
	})
	if !seen[1] || !seen[2] || !seen[3] {
		t.Errorf("walk missed nodes: %v", seen)
	}
	if edges != 2 {
		t.Errorf("walk found %d edges, want 2", edges)
	}
}

func TestLeaveHandsOverInfants(t *testing.T) {
	before := ReadStats().FreedObjects
	m2 := Enter()
	for i := 0; i < 25; i++ {
		m2.Register(&testNode{id: i})
	}
	m2.Leave() // orphans the channel; collector drains the infants

	m := Enter()
	defer m.Leave()
	pump(t, m, 4)
	after := ReadStats().FreedObjects
	if after-before < 25 {
		t.Errorf("freed %d objects after abandoning mutator, want at least 25", after-before)
	}
}
