// ABOUTME: Page-based double-ended queue with true O(1) push and pop
// ABOUTME: Backs mutator infant lists and the collector's between-phase lists

package gc

// dequeSlots is the number of elements per page. The pages form a circular
// doubly-linked list; a roughly constant-sized queue being pushed on one
// end and popped on the other crawls around the ring reusing pages instead
// of allocating.
const dequeSlots = 510

// dequeInit is where the cursors start on a fresh page, so early traffic
// can grow in either direction without an immediate page allocation.
const dequeInit = dequeSlots / 2

type dequePage[T any] struct {
	prev  *dequePage[T]
	next  *dequePage[T]
	slots [dequeSlots]T
}

// Deque is a double-ended queue whose worst-case operation is one fixed
// size page allocation plus a few pointer writes. Unoccupied pages are
// retained in the ring as cache until ShrinkToFit drops them. The zero
// value is an empty deque ready for use. Not safe for concurrent use; each
// instance is owned by one task at a time and changes hands at handshakes.
type Deque[T any] struct {
	first *dequePage[T] // page holding the front element
	last  *dequePage[T] // page holding the one-past-back cursor
	bi    int           // index of the front element within first
	ei    int           // one past the back element within last
	n     int
}

func (d *Deque[T]) init() {
	p := &dequePage[T]{}
	p.prev = p
	p.next = p
	d.first = p
	d.last = p
	d.bi = dequeInit
	d.ei = dequeInit
}

// insertBefore links a fresh page ahead of node in the ring.
func (d *Deque[T]) insertBefore(node *dequePage[T]) {
	p := &dequePage[T]{}
	p.next = node
	p.prev = node.prev
	p.next.prev = p
	p.prev.next = p
}

// Empty reports whether the deque holds no elements.
func (d *Deque[T]) Empty() bool { return d.n == 0 }

// Len returns the number of elements.
func (d *Deque[T]) Len() int { return d.n }

// PushBack appends v.
func (d *Deque[T]) PushBack(v T) {
	if d.last == nil {
		d.init()
	}
	d.last.slots[d.ei] = v
	d.ei++
	d.n++
	if d.ei == dequeSlots {
		// crossing a page boundary; never let the end cursor collide
		// with the page holding the front element
		if d.last.next == d.first {
			d.insertBefore(d.first)
		}
		d.last = d.last.next
		d.ei = 0
	}
}

// PushFront prepends v.
func (d *Deque[T]) PushFront(v T) {
	if d.first == nil {
		d.init()
	}
	if d.bi == 0 {
		if d.first.prev == d.last {
			d.insertBefore(d.first)
		}
		d.first = d.first.prev
		d.bi = dequeSlots
	}
	d.bi--
	d.first.slots[d.bi] = v
	d.n++
}

// Front returns the first element. The deque must not be empty.
func (d *Deque[T]) Front() T {
	if d.n == 0 {
		panic("gc: Front of empty deque")
	}
	return d.first.slots[d.bi]
}

// PopFront removes and returns the first element.
func (d *Deque[T]) PopFront() T {
	if d.n == 0 {
		panic("gc: PopFront of empty deque")
	}
	var zero T
	v := d.first.slots[d.bi]
	d.first.slots[d.bi] = zero
	d.bi++
	d.n--
	if d.bi == dequeSlots {
		if d.n == 0 {
			// recenter on the single occupied page
			d.last = d.first
			d.bi = dequeInit
			d.ei = dequeInit
		} else {
			d.first = d.first.next
			d.bi = 0
		}
	}
	return v
}

// PopBack removes and returns the last element.
func (d *Deque[T]) PopBack() T {
	if d.n == 0 {
		panic("gc: PopBack of empty deque")
	}
	if d.ei == 0 {
		d.last = d.last.prev
		d.ei = dequeSlots
	}
	var zero T
	d.ei--
	v := d.last.slots[d.ei]
	d.last.slots[d.ei] = zero
	d.n--
	return v
}

// Append drains other onto the back of d, preserving order.
func (d *Deque[T]) Append(other *Deque[T]) {
	for !other.Empty() {
		d.PushBack(other.PopFront())
	}
}

// Take moves the entire contents of other into d, leaving other empty.
// When d is empty the pages change hands wholesale (the handover swap
// used at handshakes); otherwise other is appended to d.
func (d *Deque[T]) Take(other *Deque[T]) {
	if d.n != 0 {
		d.Append(other)
		return
	}
	d.first, other.first = other.first, nil
	d.last, other.last = other.last, nil
	d.bi, other.bi = other.bi, 0
	d.ei, other.ei = other.ei, 0
	d.n, other.n = other.n, 0
}

// ShrinkToFit drops cached unoccupied pages from the ring. A single
// cached page is kept; two or more are all dropped.
func (d *Deque[T]) ShrinkToFit() {
	if d.last == nil {
		return
	}
	if d.last.next != d.first.prev {
		d.last.next = d.first
		d.first.prev = d.last
	}
}

// pages counts the pages in the ring, occupied or cached.
func (d *Deque[T]) pages() int {
	if d.first == nil {
		return 0
	}
	n := 1
	for p := d.first.next; p != d.first; p = p.next {
		n++
	}
	return n
}
