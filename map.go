// Copyright 2025 The Hazmap Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package hazmap is a lock-free hash map for Go with hazard-pointer memory
// reclamation. See:
//
//	https://en.wikipedia.org/wiki/Hazard_pointer
//
// and Maged Michael's papers "High Performance Dynamic Lock-Free Hash
// Tables and List-Based Sets" (SPAA 2002) and "Hazard Pointers: Safe
// Memory Reclamation for Lock-Free Objects" (TPDS 2004), which this
// implementation follows.
//
// # Structure
//
// A Map is a fixed-length array of buckets chosen at construction; keys
// hash to buckets and each bucket roots a singly-linked chain of nodes.
// There is no resizing and no locking anywhere: every chain edge changes
// only by compare-and-swap (value updates are atomic stores), and an
// operation retries only after some other
// operation has made observable progress, which is what makes the map
// lock-free rather than merely non-blocking.
//
// Each chain edge is an immutable link cell holding a successor pointer and
// a deleted flag for the node that owns the edge. Mutating an edge means
// swapping in a freshly allocated cell, so a successful CAS proves the edge
// was not touched in between: two cells with identical contents are still
// distinct pointers, and the garbage collector keeps a cell's address from
// recurring while anyone holds it. This is the moral equivalent of the
// pointer-tag tricks used by C implementations of Harris-Michael lists,
// without the undefined behavior.
//
// # Removal
//
// Removal is two-phase. Delete first claims its victim by marking the
// victim's own link cell (swapping {next, false} for {next, true}); the
// mark is the linearization point and freezes the cell forever, since every
// other CAS on that edge expects an unmarked cell. Only then is the victim
// physically unlinked by a CAS on its predecessor's edge. The frozen cell
// is what makes concurrent removal of adjacent nodes safe: an unlink
// through a marked predecessor fails instead of resurrecting a node that
// was already spliced out. Any traversal that encounters a marked node
// unlinks it in passing, so lookups occasionally help removals finish.
//
// # Reclamation
//
// A node that loses its unlink CAS race is never freed directly; the
// winner hands it to the map's hazard registry. Before dereferencing any
// node, a traversal announces the node's address in one of its two hazard
// slots and then re-reads the edge it got the address from; if the edge
// still matches, the announcement is visible to any reclaimer that could
// free the node. Retired nodes accumulate per record and are destroyed in
// batches: a scan collects every live announcement and frees only the
// retired nodes not among them.
//
// The Go runtime's collector would of course prevent use-after-free on its
// own. What the registry adds is an ownership contract: each node is handed
// to the configured Allocator exactly once, at a point where no traversal
// can still observe it, so an allocator may recycle nodes (see
// NewPoolAllocator) without recreating the ABA problem that address reuse
// causes in manually managed heaps.
//
// # Hashing
//
// By default a Map[K,V] uses the same hash function as Go's builtin map[K]V,
// extracted by reaching into the internals of the runtime's map type; a
// different hash function can be specified using the WithHash option.
package hazmap

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"unsafe"
)

// Node is a single key/value entry in a bucket chain. The key is fixed
// once the node is published; the value is republished by pointer swap so
// readers never observe a torn write. Nodes are obtained from and returned
// to the map's Allocator.
type Node[K comparable, V any] struct {
	key   K
	value atomic.Pointer[V]
	next  atomic.Pointer[link[K, V]]
}

// link is one immutable chain edge: the successor of the owning node (nil
// at the end of the chain) and whether the owning node has been logically
// deleted. Edges are replaced wholesale and never mutated, so CAS failures
// on an edge always mean another operation got there first.
type link[K comparable, V any] struct {
	node    *Node[K, V]
	deleted bool
}

// makeLink returns the replacement edge for a predecessor that is being
// spliced past a deleted node: nil if the chain ends there, otherwise an
// unmarked edge to the successor.
func makeLink[K comparable, V any](n *Node[K, V]) *link[K, V] {
	if n == nil {
		return nil
	}
	return &link[K, V]{node: n}
}

// Map is a hash map from keys to values supporting concurrent Put, Get,
// and Delete from any number of goroutines with lock-free progress. The
// bucket count is fixed at construction; the zero value for a Map is not
// usable.
type Map[K comparable, V any] struct {
	// The hash function applied to keys of type K, extracted from the Go
	// runtime's implementation of map[K]struct{} unless overridden.
	hash hashFn
	seed uintptr
	// The allocator that owns node memory.
	allocator Allocator[K, V]
	// The hazard registry that defers node destruction.
	hazards *registry[K, V]
	// buckets[hash(k) % len(buckets)] roots the chain that may hold k. A
	// nil head is an empty bucket; a bucket's head edge is never marked.
	buckets          []atomic.Pointer[link[K, V]]
	maxConcurrency   int
	reclaimThreshold int
}

// New constructs a Map with the specified number of buckets. The bucket
// count is fixed for the life of the map; New panics if it is not
// positive.
func New[K comparable, V any](capacity int, options ...option[K, V]) *Map[K, V] {
	if capacity <= 0 {
		panic(fmt.Sprintf("hazmap: invalid capacity %d", capacity))
	}
	m := &Map[K, V]{
		hash:             getRuntimeHasher[K](),
		seed:             uintptr(rand.Uint64()),
		allocator:        defaultAllocator[K, V]{},
		buckets:          make([]atomic.Pointer[link[K, V]], capacity),
		maxConcurrency:   defaultMaxConcurrency,
		reclaimThreshold: defaultReclaimThreshold,
	}
	for _, op := range options {
		op.apply(m)
	}
	m.hazards = newRegistry[K, V](m.maxConcurrency, m.reclaimThreshold, m.allocator)
	m.checkInvariants()
	return m
}

// Capacity returns the map's bucket count.
func (m *Map[K, V]) Capacity() int {
	return len(m.buckets)
}

// Close releases every node still owned by the map back to its allocator:
// all nodes reachable from the buckets and all nodes awaiting reclamation
// on retired lists. It is invalid to call Close concurrently with any other
// operation, or to use the Map afterwards, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.buckets == nil {
		return
	}
	m.checkInvariants()
	for i := range m.buckets {
		cell := m.buckets[i].Load()
		for cell != nil && cell.node != nil {
			n := cell.node
			cell = n.next.Load()
			m.allocator.FreeNode(n)
		}
		m.buckets[i].Store(nil)
	}
	m.hazards.drain()
	m.buckets = nil
	m.hazards = nil
	m.allocator = nil
}

func (m *Map[K, V]) bucketIndex(key *K) uintptr {
	return m.hash(noescape(unsafe.Pointer(key)), m.seed) % uintptr(len(m.buckets))
}

// Put inserts an entry into the map, overwriting the existing value in
// place if a live entry with the same key already exists. It returns true
// if a new entry was linked and false if an existing entry was updated.
func (m *Map[K, V]) Put(key K, value V) bool {
	idx := m.bucketIndex(&key)
	rec := m.hazards.acquire()
	defer m.hazards.release(rec)

	v := &value
	var spare *Node[K, V]

	// NB: Get, Put, and Delete each manually inline the chain traversal
	// rather than sharing a find routine: the hazard-slot bookkeeping and
	// the action taken at a match differ enough that a common routine ends
	// up threading state through closures on the hot path.
retry:
	for {
		bucket := &m.buckets[idx]
		head := bucket.Load()
		prevField := bucket
		prevCell := head

		var cur *Node[K, V]
		if head != nil {
			// Announce the head, then re-read the bucket to validate the
			// announcement. If the head moved, a reclaim scan may have run
			// before the announcement became visible.
			cur = head.node
			rec.protect(0, cur)
			if bucket.Load() != head {
				continue
			}
		}
		curSlot := 0

		for cur != nil {
			curCell := cur.next.Load()
			if curCell != nil && curCell.deleted {
				// cur was logically deleted by a Delete that has not yet
				// finished the physical unlink. Splice past it before
				// stepping; traversing a dead node's frozen edge would
				// leave its successor unvalidated.
				next := curCell.node
				repl := makeLink(next)
				if !prevField.CompareAndSwap(prevCell, repl) {
					continue retry
				}
				m.hazards.retire(rec, cur)
				if next == nil {
					cur = nil
					break
				}
				rec.protect(curSlot, next)
				if prevField.Load() != repl {
					continue retry
				}
				prevCell = repl
				cur = next
				continue
			}
			if cur.key == key {
				cur.value.Store(v)
				if spare != nil {
					m.allocator.FreeNode(spare)
				}
				return false
			}
			if curCell == nil {
				cur = nil
				break
			}
			next := curCell.node
			nextSlot := 1 - curSlot
			rec.protect(nextSlot, next)
			if cur.next.Load() != curCell {
				continue retry
			}
			prevField = &cur.next
			prevCell = curCell
			cur = next
			curSlot = nextSlot
		}

		// No live entry with this key. Link a fresh node at the head; the
		// CAS fails if the head changed since we started the walk, which
		// covers a racing insert of the same key.
		if spare == nil {
			spare = m.allocator.AllocNode()
			spare.key = key
		}
		spare.value.Store(v)
		spare.next.Store(head)
		if bucket.CompareAndSwap(head, &link[K, V]{node: spare}) {
			return true
		}
	}
}

// Get retrieves the value for the specified key, returning ok=false if no
// live entry with that key exists. The returned value is a copy.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	idx := m.bucketIndex(&key)
	rec := m.hazards.acquire()
	defer m.hazards.release(rec)

retry:
	for {
		bucket := &m.buckets[idx]
		prevField := bucket
		prevCell := bucket.Load()
		if prevCell == nil {
			return value, false
		}
		cur := prevCell.node
		rec.protect(0, cur)
		if bucket.Load() != prevCell {
			continue
		}
		curSlot := 0

		for cur != nil {
			curCell := cur.next.Load()
			if curCell != nil && curCell.deleted {
				next := curCell.node
				repl := makeLink(next)
				if !prevField.CompareAndSwap(prevCell, repl) {
					continue retry
				}
				m.hazards.retire(rec, cur)
				if next == nil {
					return value, false
				}
				rec.protect(curSlot, next)
				if prevField.Load() != repl {
					continue retry
				}
				prevCell = repl
				cur = next
				continue
			}
			if cur.key == key {
				// The curCell load above observed the node live; that load
				// is the linearization point.
				return *cur.value.Load(), true
			}
			if curCell == nil {
				return value, false
			}
			next := curCell.node
			nextSlot := 1 - curSlot
			rec.protect(nextSlot, next)
			if cur.next.Load() != curCell {
				continue retry
			}
			prevField = &cur.next
			prevCell = curCell
			cur = next
			curSlot = nextSlot
		}
		return value, false
	}
}

// Delete removes the entry for the specified key. It returns true if this
// call removed a live entry and false if no live entry existed. When two
// Deletes race on one key, exactly one returns true.
func (m *Map[K, V]) Delete(key K) bool {
	idx := m.bucketIndex(&key)
	rec := m.hazards.acquire()
	defer m.hazards.release(rec)

retry:
	for {
		bucket := &m.buckets[idx]
		prevField := bucket
		prevCell := bucket.Load()
		if prevCell == nil {
			return false
		}
		cur := prevCell.node
		rec.protect(0, cur)
		if bucket.Load() != prevCell {
			continue
		}
		curSlot := 0

		for cur != nil {
			curCell := cur.next.Load()
			if curCell != nil && curCell.deleted {
				next := curCell.node
				repl := makeLink(next)
				if !prevField.CompareAndSwap(prevCell, repl) {
					continue retry
				}
				m.hazards.retire(rec, cur)
				if next == nil {
					return false
				}
				rec.protect(curSlot, next)
				if prevField.Load() != repl {
					continue retry
				}
				prevCell = repl
				cur = next
				continue
			}
			if cur.key == key {
				// Claim the node by marking its edge. The mark is the
				// linearization point of the removal and freezes the edge:
				// from here no CAS that expects an unmarked cell can touch
				// it, including unlinks of cur's successor.
				for {
					if curCell != nil && curCell.deleted {
						// A concurrent Delete claimed it first.
						return false
					}
					marked := &link[K, V]{deleted: true}
					if curCell != nil {
						marked.node = curCell.node
					}
					if cur.next.CompareAndSwap(curCell, marked) {
						curCell = marked
						break
					}
					// The edge moved under us: either cur's successor was
					// unlinked or another Delete marked cur. Reload and
					// retry the claim.
					curCell = cur.next.Load()
				}
				// Physically unlink. If the predecessor edge went stale
				// during the claim, fall back to a sweep that hunts the
				// marked node down from the bucket head.
				if prevField.CompareAndSwap(prevCell, makeLink(curCell.node)) {
					m.hazards.retire(rec, cur)
				} else {
					m.sweep(rec, idx, cur)
				}
				return true
			}
			if curCell == nil {
				return false
			}
			next := curCell.node
			nextSlot := 1 - curSlot
			rec.protect(nextSlot, next)
			if cur.next.Load() != curCell {
				continue retry
			}
			prevField = &cur.next
			prevCell = curCell
			cur = next
			curSlot = nextSlot
		}
		return false
	}
}

// sweep walks a bucket unlinking every marked node it finds until target is
// no longer reachable. Delete calls it after claiming a node whose
// predecessor edge went stale; it guarantees the claimed node is physically
// unlinked (and retired, by whichever operation wins the unlink CAS) before
// Delete returns.
func (m *Map[K, V]) sweep(rec *record[K, V], idx uintptr, target *Node[K, V]) {
retry:
	for {
		bucket := &m.buckets[idx]
		prevField := bucket
		prevCell := bucket.Load()
		if prevCell == nil {
			return
		}
		cur := prevCell.node
		rec.protect(0, cur)
		if bucket.Load() != prevCell {
			continue
		}
		curSlot := 0

		for cur != nil {
			curCell := cur.next.Load()
			if curCell != nil && curCell.deleted {
				next := curCell.node
				repl := makeLink(next)
				if !prevField.CompareAndSwap(prevCell, repl) {
					continue retry
				}
				m.hazards.retire(rec, cur)
				if cur == target || next == nil {
					return
				}
				rec.protect(curSlot, next)
				if prevField.Load() != repl {
					continue retry
				}
				prevCell = repl
				cur = next
				continue
			}
			// target is marked before sweep is called, so reaching the end
			// of the chain means someone else already unlinked it.
			if curCell == nil {
				return
			}
			next := curCell.node
			nextSlot := 1 - curSlot
			rec.protect(nextSlot, next)
			if cur.next.Load() != curCell {
				continue retry
			}
			prevField = &cur.next
			prevCell = curCell
			cur = next
			curSlot = nextSlot
		}
		return
	}
}

// checkInvariants validates the structure of the map: chains are acyclic,
// every node is in the bucket its key hashes to, and each key has at most
// one live node. It must not run concurrently with mutators, so the map
// only calls it at construction and teardown, and only under the
// invariants build tag.
func (m *Map[K, V]) checkInvariants() {
	if invariants {
		m.validate()
	}
}

func (m *Map[K, V]) validate() {
	live := make(map[K]int)
	for i := range m.buckets {
		seen := make(map[*Node[K, V]]struct{})
		cell := m.buckets[i].Load()
		if cell != nil && cell.deleted {
			panic(fmt.Sprintf("invariant failed: bucket %d has a marked head edge", i))
		}
		for cell != nil && cell.node != nil {
			n := cell.node
			if _, ok := seen[n]; ok {
				panic(fmt.Sprintf("invariant failed: bucket %d chain contains a cycle", i))
			}
			seen[n] = struct{}{}
			next := n.next.Load()
			if next == nil || !next.deleted {
				if j, ok := live[n.key]; ok {
					panic(fmt.Sprintf("invariant failed: key %v live in buckets %d and %d",
						n.key, j, i))
				}
				live[n.key] = i
				if want := m.bucketIndex(&n.key); want != uintptr(i) {
					panic(fmt.Sprintf("invariant failed: key %v linked in bucket %d, hashes to bucket %d",
						n.key, i, want))
				}
				if n.value.Load() == nil {
					panic(fmt.Sprintf("invariant failed: key %v has no value cell", n.key))
				}
			}
			cell = next
		}
	}
}
