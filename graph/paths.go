// ABOUTME: Breadth-first search for reference chains from an object back to a root
// ABOUTME: Shortest chains surface first; cycles are skipped within a chain

package graph

import "github.com/qetlang/qet/gc"

// PathsToRoots returns up to max reference chains leading from obj back
// to a capture root, shortest first. Each chain starts at obj and ends at
// a root. If obj is itself a root the single-element chain is returned.
func (h *Heap) PathsToRoots(obj gc.Object, max int) [][]gc.Object {
	if max <= 0 {
		return nil
	}
	start, ok := h.index[obj]
	if !ok {
		return nil
	}
	isRoot := make([]bool, len(h.objects))
	for _, r := range h.rootIdx {
		isRoot[r] = true
	}
	if isRoot[start] {
		return [][]gc.Object{{obj}}
	}

	preds := h.preds()
	var found [][]gc.Object
	queue := [][]int{{start}}
	for len(queue) > 0 && len(found) < max {
		chain := queue[0]
		queue = queue[1:]
		tip := chain[len(chain)-1]
		for _, p := range preds[tip] {
			if onChain(chain, p) {
				continue
			}
			next := make([]int, len(chain)+1)
			copy(next, chain)
			next[len(chain)] = p
			if isRoot[p] {
				found = append(found, h.chainObjects(next))
				if len(found) >= max {
					break
				}
				continue
			}
			queue = append(queue, next)
		}
	}
	return found
}

func onChain(chain []int, node int) bool {
	for _, c := range chain {
		if c == node {
			return true
		}
	}
	return false
}

func (h *Heap) chainObjects(chain []int) []gc.Object {
	out := make([]gc.Object, len(chain))
	for i, c := range chain {
		out[i] = h.objects[c]
	}
	return out
}
