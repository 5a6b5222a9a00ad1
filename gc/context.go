// ABOUTME: Scan and sweep contexts passed through the object capability set
// ABOUTME: Also provides Walk, a color-neutral traversal for introspection

package gc

// ScanContext carries the collector's view of the epoch and the gray
// worklist while marking. Object Scan methods call Push for each strong
// child and PushWeak for weak slots.
//
// A ScanContext may instead be in capture mode (see Walk), in which case
// Push records edges without touching any color.
type ScanContext struct {
	white Color
	stack []Object

	// capture-mode state; nil during collection
	captured []Object
}

// White returns the WHITE color of the current epoch.
func (c *ScanContext) White() Color { return c.white }

// Black returns the BLACK color of the current epoch.
func (c *ScanContext) Black() Color { return c.white ^ 1 }

// Push schedules a strong child. A WHITE object transitions to BLACK and
// is queued so its own children get scanned; a leaf transitions without
// queueing. GRAY and BLACK objects are left alone. nil is ignored.
func (c *ScanContext) Push(obj Object) {
	if obj == nil {
		return
	}
	if c.white == capturing {
		c.captured = append(c.captured, obj)
		return
	}
	h := obj.GC()
	if h.flags&flagLeaf != 0 {
		h.color.cas(c.white, c.Black())
		return
	}
	if h.color.cas(c.white, c.Black()) {
		c.stack = append(c.stack, obj)
	}
}

// PushWeak schedules a weak slot. Weak leaves are ignored entirely (this
// is what makes the intern set weak); anything else is pushed normally.
func (c *ScanContext) PushWeak(obj Object) {
	if obj == nil {
		return
	}
	if obj.GC().flags&flagWeak != 0 {
		if c.white == capturing {
			c.captured = append(c.captured, obj)
		}
		return
	}
	c.Push(obj)
}

// process drains the gray worklist: every queued object is already BLACK
// and is asked to scan its children, which may queue more work.
func (c *ScanContext) process() {
	for len(c.stack) > 0 {
		obj := c.stack[len(c.stack)-1]
		c.stack = c.stack[:len(c.stack)-1]
		obj.Scan(c)
	}
}

// SweepContext carries the epoch during the sweep sub-phase plus the
// collector's own mutator handle, which weak leaves need because
// unlinking from the intern set allocates trie nodes.
type SweepContext struct {
	white Color
	m     *Mutator
}

// White returns the WHITE color of the current epoch.
func (c *SweepContext) White() Color { return c.white }

// Black returns the BLACK color of the current epoch.
func (c *SweepContext) Black() Color { return c.white ^ 1 }

// Mutator returns the collector's mutator handle for use during sweep.
func (c *SweepContext) Mutator() *Mutator { return c.m }

// capturing is an out-of-band WHITE value that switches a ScanContext
// into edge-capture mode: no CAS can succeed against it, and Push/PushWeak
// record children instead of coloring them.
const capturing Color = -1

// Walk traverses every object reachable from roots through scan edges
// without disturbing colors, invoking visit for each discovered edge.
// Roots are reported with a nil parent. Traversal does not recurse into
// leaves. The walk is advisory: it reads fields the mutators may be
// concurrently rewriting, so it sees some consistent-enough interleaving,
// not a snapshot.
func Walk(roots []Object, visit func(parent, child Object)) {
	ctx := &ScanContext{white: capturing, captured: make([]Object, 0, 16)}
	seen := make(map[Object]bool)
	queue := make([]Object, 0, len(roots))
	for _, r := range roots {
		if r == nil || seen[r] {
			continue
		}
		seen[r] = true
		visit(nil, r)
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		obj := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		ctx.captured = ctx.captured[:0]
		obj.Scan(ctx)
		for _, child := range ctx.captured {
			visit(obj, child)
			if !seen[child] {
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}
}
