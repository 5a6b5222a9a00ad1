// ABOUTME: SNode, the canonical interned string and the system's only weak leaf
// ABOUTME: Sweep races WHITE->RED and unlinks from the trie on a win

package intern

import (
	"hash/fnv"
	"unsafe"

	"k8s.io/klog/v2"

	"github.com/qetlang/qet/gc"
)

// SNode is an interned immutable byte string. Equivalent strings are
// pointer-equal: the trie is the sole allocator of SNodes. SNodes are weak
// leaves; holding one in a non-rooted structure does not keep it alive
// across a collection cycle.
type SNode struct {
	gc.Leaf
	hash  uint64
	text  string
	owner *Trie
}

// Hash returns the 64-bit content hash used to address the trie.
func (s *SNode) Hash() uint64 { return s.hash }

// Len returns the string length in bytes.
func (s *SNode) Len() int { return len(s.text) }

// String returns the interned text.
func (s *SNode) String() string { return s.text }

// Bytes reports the retained size for statistics.
func (s *SNode) Bytes() uintptr { return unsafe.Sizeof(*s) + uintptr(len(s.text)) }

func (s *SNode) branchNode() {}

// Sweep implements the weak-leaf protocol: race WHITE->RED against the
// mutators' WHITE->BLACK upgrade. On a win the node is unlinked from its
// trie and parked on the collector's red list, where it is reclaimed
// after the epoch-flip handshake; the collector never re-sweeps it, so a
// lost race can only mean the node was upgraded and stays interned.
func (s *SNode) Sweep(ctx *gc.SweepContext) gc.Color {
	h := s.GC()
	if h.CASColor(ctx.White(), gc.Red) {
		klog.V(4).InfoS("intern: string dying", "text", s.text)
		s.owner.remove(ctx.Mutator(), s)
		return gc.Red
	}
	return h.Color()
}

// query is a byte string plus its hash, computed once per intern call.
type query struct {
	hash uint64
	text string
}

func makeQuery(b []byte) query {
	h := fnv.New64a()
	h.Write(b)
	return query{hash: h.Sum64(), text: string(b)}
}

func (s *SNode) equivalent(q query) bool {
	return s.hash == q.hash && s.text == q.text
}
