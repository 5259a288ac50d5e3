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
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

// lockedMap is the mutex-protected baseline the lock-free map is measured
// against.
type lockedMap[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]V
}

func newLockedMap[K comparable, V any]() *lockedMap[K, V] {
	return &lockedMap[K, V]{m: make(map[K]V)}
}

func (l *lockedMap[K, V]) Put(key K, value V) {
	l.mu.Lock()
	l.m[key] = value
	l.mu.Unlock()
}

func (l *lockedMap[K, V]) Get(key K) (V, bool) {
	l.mu.Lock()
	v, ok := l.m[key]
	l.mu.Unlock()
	return v, ok
}

func (l *lockedMap[K, V]) Delete(key K) {
	l.mu.Lock()
	delete(l.m, key)
	l.mu.Unlock()
}

func benchSizes(f func(b *testing.B, n int)) func(*testing.B) {
	cases := []int{64, 1024, 16384, 1 << 17}
	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n) })
		}
	}
}

func BenchmarkGetHitParallel(b *testing.B) {
	b.Run("impl=lockedMap", benchSizes(func(b *testing.B, n int) {
		m := newLockedMap[int64, int64]()
		for i := int64(0); i < int64(n); i++ {
			m.Put(i, i)
		}
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			var i int64
			for pb.Next() {
				_, _ = m.Get(i % int64(n))
				i++
			}
		})
	}))
	b.Run("impl=syncMap", benchSizes(func(b *testing.B, n int) {
		var m sync.Map
		for i := int64(0); i < int64(n); i++ {
			m.Store(i, i)
		}
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			var i int64
			for pb.Next() {
				_, _ = m.Load(i % int64(n))
				i++
			}
		})
	}))
	b.Run("impl=hazMap", benchSizes(func(b *testing.B, n int) {
		m := New[int64, int64](n)
		defer m.Close()
		for i := int64(0); i < int64(n); i++ {
			m.Put(i, i)
		}
		cs := perfbench.Open(b)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			var i int64
			for pb.Next() {
				_, _ = m.Get(i % int64(n))
				i++
			}
		})
		b.StopTimer()
		cs.Stop()
	}))
}

func BenchmarkPutDeleteParallel(b *testing.B) {
	b.Run("impl=lockedMap", benchSizes(func(b *testing.B, n int) {
		m := newLockedMap[int64, int64]()
		var ctr atomic.Int64
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			base := ctr.Add(1) << 32
			var i int64
			for pb.Next() {
				k := base + i%int64(n)
				m.Put(k, k)
				m.Delete(k)
				i++
			}
		})
	}))
	b.Run("impl=syncMap", benchSizes(func(b *testing.B, n int) {
		var m sync.Map
		var ctr atomic.Int64
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			base := ctr.Add(1) << 32
			var i int64
			for pb.Next() {
				k := base + i%int64(n)
				m.Store(k, k)
				m.Delete(k)
				i++
			}
		})
	}))
	b.Run("impl=hazMap", benchSizes(func(b *testing.B, n int) {
		m := New[int64, int64](n)
		defer m.Close()
		var ctr atomic.Int64
		cs := perfbench.Open(b)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			base := ctr.Add(1) << 32
			var i int64
			for pb.Next() {
				k := base + i%int64(n)
				m.Put(k, k)
				m.Delete(k)
				i++
			}
		})
		b.StopTimer()
		cs.Stop()
	}))
}

// BenchmarkReadHeavyParallel is the 80/20 read/write mix.
func BenchmarkReadHeavyParallel(b *testing.B) {
	b.Run("impl=lockedMap", benchSizes(func(b *testing.B, n int) {
		m := newLockedMap[int64, int64]()
		for i := int64(0); i < int64(n); i++ {
			m.Put(i, i)
		}
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			var i int64
			for pb.Next() {
				k := i % int64(n)
				if i%5 == 4 {
					m.Put(k, k)
				} else {
					_, _ = m.Get(k)
				}
				i++
			}
		})
	}))
	b.Run("impl=syncMap", benchSizes(func(b *testing.B, n int) {
		var m sync.Map
		for i := int64(0); i < int64(n); i++ {
			m.Store(i, i)
		}
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			var i int64
			for pb.Next() {
				k := i % int64(n)
				if i%5 == 4 {
					m.Store(k, k)
				} else {
					_, _ = m.Load(k)
				}
				i++
			}
		})
	}))
	b.Run("impl=hazMap", benchSizes(func(b *testing.B, n int) {
		m := New[int64, int64](n)
		defer m.Close()
		for i := int64(0); i < int64(n); i++ {
			m.Put(i, i)
		}
		cs := perfbench.Open(b)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			var i int64
			for pb.Next() {
				k := i % int64(n)
				if i%5 == 4 {
					m.Put(k, k)
				} else {
					_, _ = m.Get(k)
				}
				i++
			}
		})
		b.StopTimer()
		cs.Stop()
	}))
}
