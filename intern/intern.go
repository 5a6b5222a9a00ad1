// ABOUTME: Lock-free ctrie used as the weak intern set for byte strings
// ABOUTME: Prokopec-style CAS on INode main pointers with tomb contraction

// Package intern provides the canonical mapping from byte-string contents
// to a unique *SNode. The set is a concurrent hash-array-mapped trie
// consuming 6 hash bits per level; all structural mutation is a CAS on
// some INode's main pointer, and any failed CAS restarts from the root.
//
// The trie is weak: it is scanned weakly by the collector, so an SNode
// that no strong reference reaches is turned RED during sweep and unlinks
// itself. A lookup that observes a RED node treats it as absent and
// installs a fresh node beside it.
package intern

import (
	"math/bits"
	"sync"
	"unsafe"

	"github.com/qetlang/qet/gc"
)

// branch is a slot of a CNode: either an *inode (sub-trie) or an *SNode.
type branch interface {
	gc.Object
	branchNode()
}

// mainNode wraps the node an inode points at; exactly one field is set.
// A fresh wrapper is installed by every structural CAS, so the wrapper's
// identity doubles as the CAS expected value.
type mainNode struct {
	gc.Header
	cn *cNode
	ln *lNode
	tn *tNode
}

func (mn *mainNode) Scan(ctx *gc.ScanContext) {
	switch {
	case mn.cn != nil:
		ctx.Push(mn.cn)
	case mn.ln != nil:
		ctx.Push(mn.ln)
	case mn.tn != nil:
		ctx.Push(mn.tn)
	}
}

func (mn *mainNode) Bytes() uintptr { return unsafe.Sizeof(*mn) }

// inode is the indirection node: structure above and below it changes only
// by CAS on its main pointer.
type inode struct {
	gc.Header
	main gc.StrongPtr[mainNode]
}

func (i *inode) branchNode() {}

func (i *inode) Scan(ctx *gc.ScanContext) {
	if mn := i.main.Load(); mn != nil {
		ctx.Push(mn)
	}
}

func (i *inode) Bytes() uintptr { return unsafe.Sizeof(*i) }

// cNode is a bitmap-indexed array of up to 64 branches.
type cNode struct {
	gc.Header
	bmp uint64
	arr []branch
}

// Scan pushes branches weakly: INodes are traversed, SNodes are skipped,
// which is how the set's weak semantics arise.
func (c *cNode) Scan(ctx *gc.ScanContext) {
	for _, b := range c.arr {
		ctx.PushWeak(b)
	}
}

func (c *cNode) Bytes() uintptr {
	return unsafe.Sizeof(*c) + uintptr(len(c.arr))*unsafe.Sizeof(branch(nil))
}

// tNode is a tomb wrapping a single SNode, signalling that the enclosing
// inode should be contracted by the next operation that observes it.
type tNode struct {
	gc.Header
	sn *SNode
}

func (t *tNode) Scan(ctx *gc.ScanContext) { ctx.Push(t.sn) }

func (t *tNode) Bytes() uintptr { return unsafe.Sizeof(*t) }

// lNode is a persistent list bucket for full 64-bit hash collisions.
type lNode struct {
	gc.Header
	sn   *SNode
	next *lNode
}

func (l *lNode) Scan(ctx *gc.ScanContext) {
	ctx.PushWeak(l.sn)
	if l.next != nil {
		ctx.Push(l.next)
	}
}

func (l *lNode) Bytes() uintptr { return unsafe.Sizeof(*l) }

// Trie is a weak intern set. Create one with New and pin it with
// gc.AddRoot (Default does both for the package-wide set).
type Trie struct {
	gc.Header
	root *inode
}

// Scan pushes the root strongly; the weakness lives in cNode scans.
func (t *Trie) Scan(ctx *gc.ScanContext) { ctx.Push(t.root) }

func (t *Trie) Bytes() uintptr { return unsafe.Sizeof(*t) }

// New creates an empty intern set. The caller must keep it reachable,
// normally via gc.AddRoot.
func New(m *gc.Mutator) *Trie {
	t := &Trie{}
	cn := &cNode{}
	m.Register(cn)
	mn := &mainNode{cn: cn}
	m.Register(mn)
	r := &inode{}
	m.Register(r)
	r.main.Init(m, mn)
	t.root = r
	m.Register(t)
	return t
}

var (
	defaultOnce sync.Once
	defaultTrie *Trie
)

// Default returns the process-wide intern set, creating and rooting it on
// first use.
func Default(m *gc.Mutator) *Trie {
	defaultOnce.Do(func() {
		defaultTrie = New(m)
		gc.AddRoot(defaultTrie)
	})
	return defaultTrie
}

// Intern returns the canonical SNode for b in the process-wide set.
func Intern(m *gc.Mutator, b []byte) *SNode {
	return Default(m).Intern(m, b)
}

// InternString is Intern for a string payload.
func InternString(m *gc.Mutator, s string) *SNode {
	return Default(m).Intern(m, []byte(s))
}

// Intern returns the canonical SNode whose contents equal b, installing a
// new node if none is present (or if the only equivalent node has already
// been condemned RED by the collector).
func (t *Trie) Intern(m *gc.Mutator, b []byte) *SNode {
	q := makeQuery(b)
	for {
		if sn, ok := t.emplace(m, t.root, q, 0, nil); ok {
			return sn
		}
	}
}

// remove erases sn from the trie by pointer identity. Called by the
// collector when it wins the WHITE->RED race, and harmless if the node
// has already been displaced.
func (t *Trie) remove(m *gc.Mutator, sn *SNode) {
	for {
		if _, ok := t.erase(m, t.root, sn, 0, nil); ok {
			return
		}
	}
}

// flagpos computes the bitmap flag and the packed array position for a
// hash at the given level.
func flagpos(hash uint64, lev uint, bmp uint64) (flag uint64, pos int) {
	idx := (hash >> lev) & 63
	flag = uint64(1) << idx
	pos = bits.OnesCount64(bmp & (flag - 1))
	return flag, pos
}

func (t *Trie) newSNode(m *gc.Mutator, q query) *SNode {
	sn := &SNode{hash: q.hash, text: q.text, owner: t}
	m.RegisterWeakLeaf(sn)
	return sn
}

func newMain(m *gc.Mutator, cn *cNode, ln *lNode, tn *tNode) *mainNode {
	mn := &mainNode{cn: cn, ln: ln, tn: tn}
	m.Register(mn)
	return mn
}

func newINode(m *gc.Mutator, mn *mainNode) *inode {
	in := &inode{}
	m.Register(in)
	in.main.Init(m, mn)
	return in
}

// inserted returns a copy of cn with child added under flag at pos. The
// surviving branches of the copy are shaded weakly, as any trie node copy
// must be.
func (c *cNode) inserted(m *gc.Mutator, flag uint64, pos int, child branch) *cNode {
	n := len(c.arr)
	arr := make([]branch, n+1)
	copy(arr, c.arr[:pos])
	arr[pos] = child
	copy(arr[pos+1:], c.arr[pos:])
	nc := &cNode{bmp: c.bmp | flag, arr: arr}
	m.Register(nc)
	for _, b := range arr {
		m.ShadeWeak(b)
	}
	return nc
}

// updated returns a copy of cn with the branch at pos replaced.
func (c *cNode) updated(m *gc.Mutator, pos int, child branch) *cNode {
	arr := make([]branch, len(c.arr))
	copy(arr, c.arr)
	arr[pos] = child
	nc := &cNode{bmp: c.bmp, arr: arr}
	m.Register(nc)
	for _, b := range arr {
		m.ShadeWeak(b)
	}
	return nc
}

// removed returns a copy of cn without the branch at pos.
func (c *cNode) removed(m *gc.Mutator, pos int, flag uint64) *cNode {
	arr := make([]branch, len(c.arr)-1)
	copy(arr, c.arr[:pos])
	copy(arr[pos:], c.arr[pos+1:])
	nc := &cNode{bmp: c.bmp &^ flag, arr: arr}
	m.Register(nc)
	for _, b := range arr {
		m.ShadeWeak(b)
	}
	return nc
}

// makeCNode builds the smallest structure distinguishing two SNodes from
// lev downward: a two-branch cNode where their hash slices differ, a
// deeper chain where they collide, and an lNode bucket when all 64 bits
// collide.
func makeCNode(m *gc.Mutator, sn1, sn2 *SNode, lev uint) *mainNode {
	if lev >= 64 {
		d := &lNode{sn: sn1}
		m.Register(d)
		e := &lNode{sn: sn2, next: d}
		m.Register(e)
		return newMain(m, nil, e, nil)
	}
	a1 := (sn1.hash >> lev) & 63
	a2 := (sn2.hash >> lev) & 63
	if a1 != a2 {
		cn := &cNode{bmp: 1<<a1 | 1<<a2}
		if a1 < a2 {
			cn.arr = []branch{sn1, sn2}
		} else {
			cn.arr = []branch{sn2, sn1}
		}
		m.Register(cn)
		return newMain(m, cn, nil, nil)
	}
	sub := newINode(m, makeCNode(m, sn1, sn2, lev+6))
	cn := &cNode{bmp: 1 << a1, arr: []branch{sub}}
	m.Register(cn)
	return newMain(m, cn, nil, nil)
}

// entomb wraps sn in a tomb main node.
func entomb(m *gc.Mutator, sn *SNode) *mainNode {
	tn := &tNode{sn: sn}
	m.Register(tn)
	return newMain(m, nil, nil, tn)
}

// toContracted turns a single-SNode cNode into a tomb so the parent can
// splice it out; anything else passes through.
func toContracted(m *gc.Mutator, cn *cNode, lev uint) *mainNode {
	if lev == 0 || len(cn.arr) > 1 {
		return newMain(m, cn, nil, nil)
	}
	if sn, ok := cn.arr[0].(*SNode); ok {
		return entomb(m, sn)
	}
	return newMain(m, cn, nil, nil)
}

// resurrect recovers the live branch behind b: an inode whose main is a
// tomb yields the entombed SNode.
func resurrect(b branch) branch {
	if in, ok := b.(*inode); ok {
		if mn := in.main.Load(); mn != nil && mn.tn != nil {
			return mn.tn.sn
		}
	}
	return b
}

// toCompressed rebuilds cn resurrecting every branch, then contracts.
func toCompressed(m *gc.Mutator, cn *cNode, lev uint) *mainNode {
	arr := make([]branch, len(cn.arr))
	for i, b := range cn.arr {
		arr[i] = resurrect(b)
		m.ShadeWeak(arr[i])
	}
	nc := &cNode{bmp: cn.bmp, arr: arr}
	m.Register(nc)
	return toContracted(m, nc, lev)
}

// clean replaces i's main cNode with its compression; failures are left
// for the next visitor.
func clean(m *gc.Mutator, i *inode, lev uint) {
	mn := i.main.Load()
	if mn != nil && mn.cn != nil {
		i.main.CompareAndSwap(m, mn, toCompressed(m, mn.cn, lev))
	}
}

// cleanParent contracts away an inode whose main has become a tomb.
func cleanParent(m *gc.Mutator, p, i *inode, hash uint64, lev uint) {
	for {
		mn := i.main.Load()
		pm := p.main.Load()
		if pm == nil || pm.cn == nil {
			return
		}
		cn := pm.cn
		flag, pos := flagpos(hash, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			return
		}
		if b, ok := cn.arr[pos].(*inode); !ok || b != i {
			return
		}
		if mn == nil || mn.tn == nil {
			return
		}
		ncn := cn.updated(m, pos, mn.tn.sn)
		if p.main.CompareAndSwap(m, pm, toContracted(m, ncn, lev)) {
			return
		}
	}
}

// emplace descends from i at lev looking for q. It returns (node, true)
// on success and (nil, false) when a CAS failure requires a restart from
// the root.
func (t *Trie) emplace(m *gc.Mutator, i *inode, q query, lev uint, parent *inode) (*SNode, bool) {
	mn := i.main.Load()
	switch {
	case mn.cn != nil:
		cn := mn.cn
		flag, pos := flagpos(q.hash, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			// empty slot: install a fresh SNode
			sn := t.newSNode(m, q)
			desired := newMain(m, cn.inserted(m, flag, pos, sn), nil, nil)
			if i.main.CompareAndSwap(m, mn, desired) {
				return sn, true
			}
			return nil, false
		}
		switch b := cn.arr[pos].(type) {
		case *inode:
			return t.emplace(m, b, q, lev+6, i)
		case *SNode:
			if b.equivalent(q) {
				// attempt the WHITE->BLACK upgrade; only a RED node
				// (already condemned) cannot be revived
				b.GC().CASColor(m.White(), m.Black())
				if b.GC().Color() != gc.Red {
					return b, true
				}
				// condemned: replace it with a fresh equivalent node
				sn := t.newSNode(m, q)
				desired := newMain(m, cn.updated(m, pos, sn), nil, nil)
				if i.main.CompareAndSwap(m, mn, desired) {
					return sn, true
				}
				return nil, false
			}
			// distinct string in the slot: grow a level
			sn := t.newSNode(m, q)
			sub := newINode(m, makeCNode(m, b, sn, lev+6))
			desired := newMain(m, cn.updated(m, pos, sub), nil, nil)
			if i.main.CompareAndSwap(m, mn, desired) {
				return sn, true
			}
			return nil, false
		}
		panic("intern: impossible branch kind")

	case mn.tn != nil:
		if parent != nil {
			clean(m, parent, lev-6)
		}
		return nil, false

	case mn.ln != nil:
		// collision bucket: find an equivalent node first
		for l := mn.ln; l != nil; l = l.next {
			if l.sn.equivalent(q) {
				l.sn.GC().CASColor(m.White(), m.Black())
				if l.sn.GC().Color() != gc.Red {
					return l.sn, true
				}
				// condemned: rebuild the bucket with a replacement
				sn := t.newSNode(m, q)
				nl := listReplaced(m, mn.ln, l.sn, sn)
				if i.main.CompareAndSwap(m, mn, newMain(m, nil, nl, nil)) {
					return sn, true
				}
				return nil, false
			}
		}
		sn := t.newSNode(m, q)
		nl := &lNode{sn: sn, next: mn.ln}
		m.Register(nl)
		m.ShadeWeak(mn.ln)
		if i.main.CompareAndSwap(m, mn, newMain(m, nil, nl, nil)) {
			return sn, true
		}
		return nil, false
	}
	panic("intern: inode with empty main")
}

// listReplaced rebuilds a bucket with old swapped for new, preserving the
// immutability of the shared tail.
func listReplaced(m *gc.Mutator, head *lNode, old, new *SNode) *lNode {
	if head == nil {
		return nil
	}
	if head.sn == old {
		nl := &lNode{sn: new, next: head.next}
		m.Register(nl)
		return nl
	}
	nl := &lNode{sn: head.sn, next: listReplaced(m, head.next, old, new)}
	m.Register(nl)
	return nl
}

// listRemoved rebuilds a bucket without the node equal to sn by identity.
func listRemoved(m *gc.Mutator, head *lNode, sn *SNode) (*lNode, bool) {
	if head == nil {
		return nil, false
	}
	if head.sn == sn {
		return head.next, true
	}
	tail, found := listRemoved(m, head.next, sn)
	if !found {
		return head, false
	}
	nl := &lNode{sn: head.sn, next: tail}
	m.Register(nl)
	return nl, true
}

// erase removes sn (by identity) from the subtree at i. The boolean is
// false when a failed CAS requires a restart.
func (t *Trie) erase(m *gc.Mutator, i *inode, sn *SNode, lev uint, parent *inode) (removed bool, ok bool) {
	mn := i.main.Load()
	switch {
	case mn.cn != nil:
		cn := mn.cn
		flag, pos := flagpos(sn.hash, lev, cn.bmp)
		if cn.bmp&flag == 0 {
			return false, true
		}
		switch b := cn.arr[pos].(type) {
		case *inode:
			removed, ok = t.erase(m, b, sn, lev+6, i)
			if removed && ok {
				// the child may have collapsed to a tomb; contract it
				if cm := b.main.Load(); cm != nil && cm.tn != nil {
					cleanParent(m, i, b, sn.hash, lev)
				}
			}
			return removed, ok
		case *SNode:
			if b != sn {
				return false, true
			}
			ncn := cn.removed(m, pos, flag)
			if i.main.CompareAndSwap(m, mn, toContracted(m, ncn, lev)) {
				return true, true
			}
			return false, false
		}
		panic("intern: impossible branch kind")

	case mn.tn != nil:
		if parent != nil {
			clean(m, parent, lev-6)
		}
		return false, false

	case mn.ln != nil:
		nl, found := listRemoved(m, mn.ln, sn)
		if !found {
			return false, true
		}
		var desired *mainNode
		if nl == nil {
			// empty bucket degenerates to an empty cNode
			cn := &cNode{}
			m.Register(cn)
			desired = newMain(m, cn, nil, nil)
		} else if nl.next == nil {
			desired = entomb(m, nl.sn)
		} else {
			desired = newMain(m, nil, nl, nil)
		}
		if i.main.CompareAndSwap(m, mn, desired) {
			return true, true
		}
		return false, false
	}
	panic("intern: inode with empty main")
}
