// ABOUTME: Dominator tree and retained sizes over a captured heap
// ABOUTME: Iterative Cooper-Harvey-Kennedy dominance on reverse postorder

package graph

import "github.com/qetlang/qet/gc"

// virtualRoot stands for the imaginary node above all capture roots. It
// is the immediate dominator of every root and of any object reachable
// through two disjoint roots.
const virtualRoot = -1

// unset marks an index whose dominator has not been computed yet.
const unset = -2

// Dominance is the dominator tree of a captured heap: for every object,
// the unique nearest object through which all paths from the roots pass.
type Dominance struct {
	h    *Heap
	idom []int // immediate dominator by position; virtualRoot at the top
	rpo  []int // positions in reverse postorder
	rank []int // reverse-postorder rank by position
}

// Dominance computes the dominator tree with the iterative two-finger
// algorithm of Cooper, Harvey and Kennedy, which converges in a few
// passes over the objects in reverse postorder.
func (h *Heap) Dominance() *Dominance {
	n := len(h.objects)
	d := &Dominance{
		h:    h,
		idom: make([]int, n),
		rank: make([]int, n),
	}

	// postorder DFS over the scan edges, iterative to survive deep chains
	post := make([]int, 0, n)
	state := make([]uint8, n) // 0 unvisited, 1 open, 2 finished
	type frame struct{ node, next int }
	var stack []frame
	for _, r := range h.rootIdx {
		if state[r] != 0 {
			continue
		}
		state[r] = 1
		stack = append(stack, frame{node: r})
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(h.refs[top.node]) {
				c := h.refs[top.node][top.next]
				top.next++
				if state[c] == 0 {
					state[c] = 1
					stack = append(stack, frame{node: c})
				}
				continue
			}
			post = append(post, top.node)
			state[top.node] = 2
			stack = stack[:len(stack)-1]
		}
	}

	d.rpo = make([]int, len(post))
	for i, node := range post {
		d.rpo[len(post)-1-i] = node
	}
	for rank, node := range d.rpo {
		d.rank[node] = rank
	}

	isRoot := make([]bool, n)
	for _, r := range h.rootIdx {
		isRoot[r] = true
	}
	preds := h.preds()

	for i := range d.idom {
		d.idom[i] = unset
	}
	for changed := true; changed; {
		changed = false
		for _, b := range d.rpo {
			next := unset
			if isRoot[b] {
				// every root has an implicit edge from the virtual root
				next = virtualRoot
			}
			for _, p := range preds[b] {
				if d.idom[p] == unset {
					continue // not processed yet this round
				}
				if next == unset {
					next = p
				} else {
					next = d.intersect(next, p)
				}
			}
			if next != d.idom[b] {
				d.idom[b] = next
				changed = true
			}
		}
	}
	return d
}

// intersect walks the two dominator chains toward the virtual root until
// they meet.
func (d *Dominance) intersect(a, b int) int {
	rank := func(i int) int {
		if i == virtualRoot {
			return -1
		}
		return d.rank[i]
	}
	for a != b {
		for rank(a) > rank(b) {
			a = d.idom[a]
		}
		for rank(b) > rank(a) {
			b = d.idom[b]
		}
	}
	return a
}

// Dominator returns obj's immediate dominator. ok is false when obj is
// dominated only by the virtual root (a capture root, or an object
// reachable through disjoint roots) or was not captured at all.
func (d *Dominance) Dominator(obj gc.Object) (dom gc.Object, ok bool) {
	i, present := d.h.index[obj]
	if !present || d.idom[i] == virtualRoot {
		return nil, false
	}
	return d.h.objects[d.idom[i]], true
}

// Dominates reports whether every path from the roots to obj passes
// through dom. An object dominates itself.
func (d *Dominance) Dominates(dom, obj gc.Object) bool {
	di, ok := d.h.index[dom]
	if !ok {
		return false
	}
	i, ok := d.h.index[obj]
	if !ok {
		return false
	}
	for {
		if i == di {
			return true
		}
		i = d.idom[i]
		if i == virtualRoot {
			return false
		}
	}
}

// Retained computes each object's retained size: its own Bytes plus the
// Bytes of everything that would become unreachable were it removed,
// which is exactly the subtree it dominates. Sizes are read through the
// object interface at query time.
func (d *Dominance) Retained() map[gc.Object]uint64 {
	retained := make([]uint64, len(d.h.objects))
	for i, obj := range d.h.objects {
		retained[i] = uint64(obj.Bytes())
	}
	// an immediate dominator always precedes its subtree in reverse
	// postorder, so one backward sweep accumulates children into parents
	// before parents flow further up
	for i := len(d.rpo) - 1; i >= 0; i-- {
		node := d.rpo[i]
		if p := d.idom[node]; p != virtualRoot {
			retained[p] += retained[node]
		}
	}
	out := make(map[gc.Object]uint64, len(retained))
	for i, obj := range d.h.objects {
		out[obj] = retained[i]
	}
	return out
}
