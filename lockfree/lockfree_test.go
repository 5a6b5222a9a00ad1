// ABOUTME: Tests for the Michael-Scott queue and Treiber stack
// ABOUTME: Sequential laws plus a concurrent sum-preservation check

package lockfree

import (
	"os"
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

func TestQueueFIFO(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	q := NewQueue[int](m)
	m.AddRoot(q)
	defer m.RemoveRoot(q)

	_, ok := q.Pop(m)
	assert.False(t, ok, "fresh queue should be empty")

	for i := 0; i < 1000; i++ {
		q.Push(m, i)
	}
	for i := 0; i < 1000; i++ {
		v, ok := q.Pop(m)
		require.True(t, ok)
		require.Equal(t, i, v, "queue must preserve FIFO order")
	}
	_, ok = q.Pop(m)
	assert.False(t, ok)
}

func TestStackLIFO(t *testing.T) {
	m := gc.Enter()
	defer m.Leave()

	s := NewStack[int](m)
	m.AddRoot(s)
	defer m.RemoveRoot(s)

	_, ok := s.Pop(m)
	assert.False(t, ok, "fresh stack should be empty")

	for i := 0; i < 1000; i++ {
		s.Push(m, i)
	}
	for i := 999; i >= 0; i-- {
		v, ok := s.Pop(m)
		require.True(t, ok)
		require.Equal(t, i, v, "stack must preserve LIFO order")
	}
}

func TestQueueConcurrent(t *testing.T) {
	setup := gc.Enter()
	q := NewQueue[int](setup)
	gc.AddRoot(q)
	setup.Leave()

	const producers = 4
	const perProducer = 2000

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			m := gc.Enter()
			defer m.Leave()
			for i := 0; i < perProducer; i++ {
				q.Push(m, p*perProducer+i)
				if i%128 == 0 {
					m.Handshake()
				}
			}
			return nil
		})
	}

	var sum int64
	g.Go(func() error {
		m := gc.Enter()
		defer m.Leave()
		got := 0
		deadline := time.Now().Add(30 * time.Second)
		for got < producers*perProducer {
			if v, ok := q.Pop(m); ok {
				sum += int64(v)
				got++
			} else {
				m.Handshake()
			}
			if time.Now().After(deadline) {
				return nil
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	total := producers * perProducer
	want := int64(total*(total-1)) / 2
	assert.Equal(t, want, sum, "every pushed element must be popped exactly once")
}
