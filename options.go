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
	"sync"
	"unsafe"
)

// option provide an interface to do work on Map while it is being created.
type option[K comparable, V any] interface {
	apply(m *Map[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K, seed uintptr) uintptr
}

func (op hashOption[K, V]) apply(m *Map[K, V]) {
	m.hash = *(*hashFn)(noescape(unsafe.Pointer(&op.hash)))
}

// WithHash is an option to specify the hash function to use for a Map[K,V].
// The function must be deterministic and consistent with ==: equal keys
// must hash equal.
func WithHash[K comparable, V any](hash func(key *K, seed uintptr) uintptr) option[K, V] {
	return hashOption[K, V]{hash}
}

type maxConcurrencyOption[K comparable, V any] struct {
	n int
}

func (op maxConcurrencyOption[K, V]) apply(m *Map[K, V]) {
	m.maxConcurrency = op.n
}

// WithMaxConcurrency is an option to size the map's hazard registry. It
// bounds the number of operations that may be in flight on the map at once;
// exceeding the bound panics. The default is 128.
func WithMaxConcurrency[K comparable, V any](n int) option[K, V] {
	return maxConcurrencyOption[K, V]{n}
}

type reclaimThresholdOption[K comparable, V any] struct {
	n int
}

func (op reclaimThresholdOption[K, V]) apply(m *Map[K, V]) {
	m.reclaimThreshold = op.n
}

// WithReclaimThreshold is an option to set the retired-list length at which
// an operation scans the hazard slots and destroys unprotected nodes. The
// default is 100. Smaller values bound unreclaimed memory more tightly at
// the cost of more frequent scans.
func WithReclaimThreshold[K comparable, V any](n int) option[K, V] {
	return reclaimThresholdOption[K, V]{n}
}

// Allocator specifies an interface for allocating and releasing the nodes
// used by a Map. The default allocator utilizes Go's builtin new() and
// allows the GC to reclaim memory.
//
// FreeNode is called exactly once per node, and never while an in-flight
// operation can still dereference the node. An allocator that recycles
// nodes (see NewPoolAllocator) relies on that guarantee: handing a node to
// a new insert any earlier would let a stalled reader observe a recycled
// key.
type Allocator[K comparable, V any] interface {
	// AllocNode returns a node ready to be initialized by the map.
	AllocNode() *Node[K, V]

	// FreeNode releases a node. The map guarantees the node is unreachable
	// from every bucket and unannounced by every hazard slot.
	FreeNode(n *Node[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) AllocNode() *Node[K, V] {
	return &Node[K, V]{}
}

func (defaultAllocator[K, V]) FreeNode(n *Node[K, V]) {
	// Sever the node's references so a retired chain doesn't pin its
	// successors or value cells in memory.
	var zero K
	n.key = zero
	n.value.Store(nil)
	n.next.Store(nil)
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(m *Map[K, V]) {
	m.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a Map[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}

// PoolAllocator is an Allocator that recycles nodes through a sync.Pool.
// Recycling reintroduces the address-reuse pressure of a manually managed
// heap: a freed node's address can come back as a brand-new entry. The
// map's hazard protocol is what makes that safe.
type PoolAllocator[K comparable, V any] struct {
	pool sync.Pool
}

// NewPoolAllocator constructs a PoolAllocator.
func NewPoolAllocator[K comparable, V any]() *PoolAllocator[K, V] {
	a := &PoolAllocator[K, V]{}
	a.pool.New = func() any {
		return &Node[K, V]{}
	}
	return a
}

func (a *PoolAllocator[K, V]) AllocNode() *Node[K, V] {
	return a.pool.Get().(*Node[K, V])
}

func (a *PoolAllocator[K, V]) FreeNode(n *Node[K, V]) {
	var zero K
	n.key = zero
	n.value.Store(nil)
	n.next.Store(nil)
	a.pool.Put(n)
}
