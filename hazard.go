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

package hazmap

import (
	"fmt"
	"sync/atomic"
)

const (
	// hazardsPerRecord is the number of hazard slots each record carries.
	// Chain traversal guards at most two nodes at a time (the node whose
	// next field is being read and the node that field points at), so two
	// slots suffice.
	hazardsPerRecord = 2

	defaultMaxConcurrency   = 128
	defaultReclaimThreshold = 100
)

// record is one registry entry: two hazard slots and a retired list. A
// record is owned by at most one operation at a time. The hazard slots are
// written only by the owner and read by every reclaim scan; the retired
// list is touched only by the owner.
type record[K comparable, V any] struct {
	hazards [hazardsPerRecord]atomic.Pointer[Node[K, V]]
	inUse   atomic.Bool
	retired []*Node[K, V]
}

// protect announces n in the given slot. A non-nil announcement forbids the
// registry from destroying n until the slot is cleared or overwritten. The
// announcement only guards n if the caller re-reads the pointer's source
// after the store and observes the same value; without that validation the
// store may have landed after a reclaim scan already passed the slot.
func (r *record[K, V]) protect(slot int, n *Node[K, V]) {
	r.hazards[slot].Store(n)
}

// registry hands out hazard records and destroys retired nodes once no
// announcement covers them. Each Map owns one registry.
type registry[K comparable, V any] struct {
	records   []record[K, V]
	threshold int
	allocator Allocator[K, V]
}

func newRegistry[K comparable, V any](
	maxConcurrency, threshold int, allocator Allocator[K, V],
) *registry[K, V] {
	return &registry[K, V]{
		records:   make([]record[K, V], maxConcurrency),
		threshold: threshold,
		allocator: allocator,
	}
}

// acquire claims a free record for the calling operation. Records are found
// by a first-fit scan, so under low concurrency the same few records (and
// their cache lines) are reused. Running out of records means more
// operations are in flight than the registry was sized for, which is a
// programming error.
func (g *registry[K, V]) acquire() *record[K, V] {
	for i := range g.records {
		r := &g.records[i]
		if !r.inUse.Load() && r.inUse.CompareAndSwap(false, true) {
			return r
		}
	}
	panic(fmt.Sprintf("hazmap: more than %d concurrent operations; "+
		"size the registry with WithMaxConcurrency", len(g.records)))
}

// release clears the record's hazard slots and returns it to the registry.
// The retired list stays with the record; whichever operation owns the
// record when the list next crosses the threshold will drain it.
func (g *registry[K, V]) release(r *record[K, V]) {
	r.hazards[0].Store(nil)
	r.hazards[1].Store(nil)
	r.inUse.Store(false)
}

// retire takes ownership of a node that has been unlinked from its bucket.
// The node is destroyed by a later reclaim once no hazard slot announces
// it. Only the operation that performed the node's unlink CAS may retire
// it, which makes retirement (and therefore destruction) exactly-once.
func (g *registry[K, V]) retire(r *record[K, V], n *Node[K, V]) {
	r.retired = append(r.retired, n)
	if len(r.retired) >= g.threshold {
		g.reclaim(r)
	}
}

// reclaim scans every hazard slot in the registry, forms the protected set,
// and hands every unprotected node on r's retired list back to the
// allocator. Protected nodes stay retired for a later pass. The scan
// includes the caller's own slots, so a node the caller still has announced
// simply survives until the announcement is gone.
func (g *registry[K, V]) reclaim(r *record[K, V]) {
	if len(r.retired) == 0 {
		return
	}
	protected := make(map[*Node[K, V]]struct{}, len(g.records)*hazardsPerRecord)
	for i := range g.records {
		for j := range g.records[i].hazards {
			if p := g.records[i].hazards[j].Load(); p != nil {
				protected[p] = struct{}{}
			}
		}
	}
	kept := r.retired[:0]
	for _, n := range r.retired {
		if _, ok := protected[n]; ok {
			kept = append(kept, n)
		} else {
			g.allocator.FreeNode(n)
		}
	}
	// Drop the tail references so survivors don't pin freed nodes.
	for i := len(kept); i < len(r.retired); i++ {
		r.retired[i] = nil
	}
	r.retired = kept
}

// drain destroys every retired node in the registry and resets all records.
// Single-threaded teardown only.
func (g *registry[K, V]) drain() {
	for i := range g.records {
		r := &g.records[i]
		for _, n := range r.retired {
			g.allocator.FreeNode(n)
		}
		r.retired = nil
		r.hazards[0].Store(nil)
		r.hazards[1].Store(nil)
		r.inUse.Store(false)
	}
}
