// ABOUTME: Tests for weak string interning: identity, growth, and collection
// ABOUTME: Runs against a free-running collector shared by the package

package intern

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/qetlang/qet/gc"
)

func TestMain(m *testing.M) {
	go gc.Collect()
	os.Exit(m.Run())
}

func pump(t *testing.T, m *gc.Mutator, n uint64) {
	t.Helper()
	target := gc.Cycles() + n
	deadline := time.Now().Add(30 * time.Second)
	for gc.Cycles() < target {
		m.Handshake()
		if time.Now().After(deadline) {
			t.Fatalf("collector did not advance %d cycles", n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInternIdentity(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	a := Intern(m, []byte("foo"))
	b := Intern(m, []byte("foo"))
	require.NotNil(t, a)
	assert.Same(t, a, b, "equal contents must intern to the same node")
	assert.Equal(t, "foo", a.String())
	assert.Equal(t, 3, a.Len())
}

func TestInternIdentityAcrossHandshake(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	a := Intern(m, []byte("bracketed"))
	m.AddRoot(a)
	defer m.RemoveRoot(a)
	pump(t, m, 1)
	b := Intern(m, []byte("bracketed"))
	assert.Same(t, a, b, "a rooted string must keep its identity across a cycle")
}

func TestInternDistinctStrings(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	const n = 500
	nodes := make(map[*SNode]bool, n)
	for i := 0; i < n; i++ {
		sn := Intern(m, []byte(fmt.Sprintf("key-%04d", i)))
		m.AddRoot(sn)
		nodes[sn] = true
	}
	assert.Len(t, nodes, n, "distinct contents must produce distinct nodes")

	// second pass: every lookup returns the original node
	for i := 0; i < n; i++ {
		sn := Intern(m, []byte(fmt.Sprintf("key-%04d", i)))
		assert.True(t, nodes[sn], "re-intern of key-%04d returned a new node", i)
		m.RemoveRoot(sn)
	}
}

func TestInternHashIsContentHash(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	a := Intern(m, []byte("alpha"))
	b := Intern(m, []byte("beta"))
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), Intern(m, []byte("alpha")).Hash())
}

func TestInternConcurrentSameString(t *testing.T) {
	// Several mutators intern the same contents while the collector runs:
	// everyone must agree on one canonical node per round.
	const workers = 4
	const rounds = 200

	results := make([][]*SNode, workers)
	var done atomic.Int32
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		results[w] = make([]*SNode, rounds)
		g.Go(func() error {
			m := gc.Enter()
			defer m.Leave()
			for r := 0; r < rounds; r++ {
				sn := Intern(m, []byte(fmt.Sprintf("shared-%03d", r)))
				m.AddRoot(sn)
				results[w][r] = sn
				m.Handshake()
			}
			// hold the roots, still handshaking, until every worker has
			// recorded its view
			done.Add(1)
			for done.Load() < workers {
				m.Handshake()
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for r := 0; r < rounds; r++ {
		for w := 1; w < workers; w++ {
			assert.Same(t, results[0][r], results[w][r],
				"workers disagree on canonical node for round %d", r)
		}
	}
}

// trieNodes counts every node reachable from the trie, including the
// string leaves, using the color-neutral walk.
func trieNodes(tr *Trie) int {
	seen := make(map[gc.Object]bool)
	gc.Walk([]gc.Object{tr}, func(parent, child gc.Object) {
		seen[child] = true
	})
	return len(seen)
}

func TestUnreferencedStringsAreCollected(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	tr := New(m)
	m.AddRoot(tr)
	defer m.RemoveRoot(tr)
	baseline := trieNodes(tr)

	before := gc.ReadStats().FreedObjects
	for i := 0; i < 200; i++ {
		tr.Intern(m, []byte(fmt.Sprintf("ephemeral-%04d", i)))
	}
	peak := trieNodes(tr)
	require.Greater(t, peak, baseline+200, "trie should have grown")

	// No roots hold these; two full cycles give the collector its
	// WHITE->RED pass and the deferred second-stage delete.
	pump(t, m, 6)
	after := gc.ReadStats().FreedObjects
	assert.Greater(t, after, before,
		"collector should reclaim unreferenced interned strings")

	// the trie contracts back toward its empty shape
	assert.Less(t, trieNodes(tr), peak,
		"condemned strings should be unlinked from the trie")
}

func TestCondemnedStringIsReplaced(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	// Interning after the original has been collected must still work
	// and must again be self-consistent.
	first := Intern(m, []byte("phoenix"))
	require.NotNil(t, first)
	pump(t, m, 5)
	second := Intern(m, []byte("phoenix"))
	third := Intern(m, []byte("phoenix"))
	require.NotNil(t, second)
	assert.Same(t, second, third)
}

func TestIsolatedTrie(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	tr := New(m)
	m.AddRoot(tr)
	defer m.RemoveRoot(tr)

	a := tr.Intern(m, []byte("x"))
	b := tr.Intern(m, []byte("x"))
	assert.Same(t, a, b)
	c := Intern(m, []byte("x"))
	assert.NotSame(t, a, c, "separate tries must not share nodes")
}
