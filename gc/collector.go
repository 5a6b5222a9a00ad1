// ABOUTME: The collector goroutine: phase A-D cycle over handshake channels
// ABOUTME: Marking runs to a dirty fixed point; the epoch flips instead of recoloring

package gc

import (
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Stats is a point-in-time reading of collector counters.
type Stats struct {
	Cycles       uint64 // completed collection cycles
	FreedObjects uint64 // objects reclaimed (including RED second-stage)
	FreedBytes   uint64 // reported bytes of reclaimed objects
	LiveObjects  uint64 // population at the end of the last cycle
}

var stats struct {
	cycles       atomic.Uint64
	freedObjects atomic.Uint64
	freedBytes   atomic.Uint64
	liveObjects  atomic.Uint64
}

// Cycles returns the number of completed collection cycles.
func Cycles() uint64 { return stats.cycles.Load() }

// ReadStats returns the current collector counters.
func ReadStats() Stats {
	return Stats{
		Cycles:       stats.cycles.Load(),
		FreedObjects: stats.freedObjects.Load(),
		FreedBytes:   stats.freedBytes.Load(),
		LiveObjects:  stats.liveObjects.Load(),
	}
}

var collectorRunning atomic.Bool

// Collect is the collector workloop. Run it on a dedicated goroutine; it
// never returns. The collector is itself a mutator (it allocates trie
// nodes while unlinking weak leaves) and handshakes with itself at the
// same points it handshakes everyone else.
func Collect() {
	if !collectorRunning.CompareAndSwap(false, true) {
		panic("gc: collector already running")
	}

	m := Enter()

	var objects Deque[Object]   // population carried between phases
	var infants Deque[Object]   // scratch for channel handover
	var redlist Deque[Object]   // weak leaves awaiting second-stage delete
	var blacklist Deque[Object] // survivors of the current cycle
	var whitelist Deque[Object] // sweep candidates of the current pass

	ctx := &ScanContext{}

	var mutators, parked []*channel
	idle := false

	// acceptEntrants drains newly entered mutators into the working set.
	// At the top of a cycle with nothing to do, the collector parks here
	// until someone enters.
	acceptEntrants := func(mayPark bool) {
		global.mu.Lock()
		for {
			mutators = append(mutators, global.entrants...)
			global.entrants = global.entrants[:0]
			// the collector's own channel is always present
			if !mayPark || !idle || len(mutators) > 1 {
				break
			}
			klog.V(3).InfoS("gc: no mutators; parking")
			global.cond.Wait()
		}
		global.mu.Unlock()
	}

	// absorb takes an abandoned channel's final state: its dirty flag
	// must not be discarded mid-cycle, and its infants join the
	// population.
	absorb := func(ch *channel) {
		if ch.dirty {
			m.dirty = true
			ch.dirty = false
		}
		infants.Take(&ch.infants)
	}

	for {
		cycle := stats.cycles.Load()
		klog.V(3).InfoS("gc: begin transition to allocating black", "cycle", cycle)

		// Phase A: transition to allocating BLACK.
		m.alloc = m.Black()
		ctx.white = m.white
		global.mu.Lock()
		global.white = m.white
		global.alloc = m.alloc
		global.mu.Unlock()

		acceptEntrants(true)

		// Request handshakes and handover of infants.
		for len(mutators) > 0 {
			ch := mutators[len(mutators)-1]
			mutators = mutators[:len(mutators)-1]
			abandoned := false
			ch.mu.Lock()
			if !ch.abandoned {
				ch.pending = true
				ch.requestInfants = true
			} else {
				abandoned = true
				absorb(ch)
			}
			ch.alloc = m.alloc
			ch.mu.Unlock()
			if abandoned {
				objects.Append(&infants)
			} else {
				parked = append(parked, ch)
			}
		}

		// Shade the global roots.
		for _, r := range globalRoots() {
			m.Shade(r)
		}

		// Handshake ourselves, then wait on everyone else.
		m.Handshake()
		for len(parked) > 0 {
			ch := parked[len(parked)-1]
			parked = parked[:len(parked)-1]
			abandoned := false
			ch.mu.Lock()
			for !ch.abandoned && ch.pending {
				ch.cond.Wait()
			}
			if ch.abandoned {
				abandoned = true
			}
			// pre-mark dirt is irrelevant: every root is about to be
			// rescanned from scratch
			ch.dirty = false
			infants.Take(&ch.infants)
			ch.mu.Unlock()
			objects.Append(&infants)
			if !abandoned {
				mutators = append(mutators, ch)
			}
		}

		klog.V(3).InfoS("gc: end transition to allocating black",
			"mutators", len(mutators), "population", objects.Len())

		// Phase B: mark to a fixed point. Every mutator now allocates
		// BLACK; the pre-existing population is all in objects.
		for {
			for {
				m.dirty = false
				var blacks, grays, whites int
				for !objects.Empty() {
					obj := objects.PopFront()
					h := obj.GC()
				partition:
					for {
						switch c := h.color.load(); c {
						case m.Black():
							blacks++
							blacklist.PushBack(obj)
							break partition
						case Gray:
							if !h.color.cas(Gray, m.Black()) {
								continue
							}
							grays++
							obj.Scan(ctx)
							blacklist.PushBack(obj)
							ctx.process()
							break partition
						case m.white:
							whites++
							whitelist.PushBack(obj)
							break partition
						default:
							panic("gc: object with impossible color during mark")
						}
					}
				}
				klog.V(4).InfoS("gc: scan pass",
					"black", blacks, "gray", grays, "white", whites)
				objects.Take(&whitelist)
				if !m.dirty {
					break
				}
			}

			// The collector has traced everything it knows about; ask
			// the mutators whether their barriers made fresh gray work.
			acceptEntrants(false)
			for len(mutators) > 0 {
				ch := mutators[len(mutators)-1]
				mutators = mutators[:len(mutators)-1]
				abandoned := false
				ch.mu.Lock()
				if !ch.abandoned {
					ch.pending = true
				} else {
					abandoned = true
					absorb(ch)
				}
				ch.mu.Unlock()
				if abandoned {
					// orphaned infants were allocated black
					objects.Append(&infants)
				} else {
					parked = append(parked, ch)
				}
			}
			m.Handshake()
			for len(parked) > 0 {
				ch := parked[len(parked)-1]
				parked = parked[:len(parked)-1]
				abandoned := false
				ch.mu.Lock()
				for !ch.abandoned && ch.pending {
					ch.cond.Wait()
				}
				if ch.abandoned {
					abandoned = true
					infants.Take(&ch.infants)
				}
				if ch.dirty {
					m.dirty = true
					ch.dirty = false
				}
				ch.mu.Unlock()
				if abandoned {
					objects.Append(&infants)
				} else {
					mutators = append(mutators, ch)
				}
			}

			if !m.dirty {
				break
			}
		}

		// Phase C: sweep. All remaining WHITE objects are
		// strong-unreachable; weak leaves race us WHITE->RED against
		// mutator WHITE->BLACK upgrades.
		{
			var whites, blacks, reds int
			swctx := &SweepContext{white: m.white, m: m}
			for !objects.Empty() {
				obj := objects.PopFront()
				var after Color
				if s, ok := obj.(Sweeper); ok {
					after = s.Sweep(swctx)
				} else {
					after = obj.GC().color.load()
				}
				switch after {
				case m.white:
					whites++
					stats.freedObjects.Add(1)
					stats.freedBytes.Add(uint64(obj.Bytes()))
				case m.Black():
					blacks++
					blacklist.PushBack(obj)
				case Red:
					reds++
					redlist.PushBack(obj)
				}
			}
			klog.V(3).InfoS("gc: sweep",
				"freed", whites, "upgraded", blacks, "red", reds)
			idle = whites == 0 && reds == 0 && redlist.Empty()
		}

		// Phase D: reinterpret BLACK as WHITE and publish the new epoch.
		m.white ^= 1
		ctx.white = m.white
		global.mu.Lock()
		global.white = m.white
		global.mu.Unlock()

		acceptEntrants(false)
		for len(mutators) > 0 {
			ch := mutators[len(mutators)-1]
			mutators = mutators[:len(mutators)-1]
			abandoned := false
			ch.mu.Lock()
			if !ch.abandoned {
				ch.pending = true
			} else {
				abandoned = true
				absorb(ch)
			}
			ch.white = m.white
			ch.alloc = m.alloc
			ch.mu.Unlock()
			if abandoned {
				objects.Append(&infants)
			} else {
				parked = append(parked, ch)
			}
		}
		m.Handshake()
		for len(parked) > 0 {
			ch := parked[len(parked)-1]
			parked = parked[:len(parked)-1]
			abandoned := false
			ch.mu.Lock()
			for !ch.abandoned && ch.pending {
				ch.cond.Wait()
			}
			if ch.abandoned {
				abandoned = true
				infants.Take(&ch.infants)
			}
			if ch.dirty {
				m.dirty = true
				ch.dirty = false
			}
			ch.mu.Unlock()
			if abandoned {
				objects.Append(&infants)
			} else {
				mutators = append(mutators, ch)
			}
		}

		// Reclaim the RED list: the handshake above guarantees no
		// mutator still holds a reference observed before removal.
		var reds int
		for !redlist.Empty() {
			obj := redlist.PopFront()
			stats.freedObjects.Add(1)
			stats.freedBytes.Add(uint64(obj.Bytes()))
			reds++
		}
		if reds > 0 {
			klog.V(3).InfoS("gc: reclaimed red leaves", "count", reds)
		}

		objects.Append(&blacklist)
		stats.liveObjects.Store(uint64(objects.Len()))
		stats.cycles.Add(1)
	}
}
