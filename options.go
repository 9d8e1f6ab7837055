// Copyright 2024 The Cockroach Authors
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

package linprobe

// option provide an interface to do work on Table while it is being created.
type option[K comparable, V any] interface {
	apply(t *Table[K, V])
}

type hashOption[K comparable, V any] struct {
	hash func(key *K) uint32
}

func (op hashOption[K, V]) apply(t *Table[K, V]) {
	t.hash = op.hash
}

// WithHash is an option to specify the hash function to use for a
// Table[K,V]. The function must return the same value for keys that compare
// equal for as long as they are stored in the table.
func WithHash[K comparable, V any](hash func(key *K) uint32) option[K, V] {
	return hashOption[K, V]{hash}
}

type loadFactorOption[K comparable, V any] struct {
	loadFactor float64
}

func (op loadFactorOption[K, V]) apply(t *Table[K, V]) {
	t.loadFactor = op.loadFactor
}

// WithLoadFactor is an option to specify the maximum ratio of live entries
// to capacity. Inserting past it grows the table. The load factor must be in
// (0,1]; New panics otherwise.
func WithLoadFactor[K comparable, V any](loadFactor float64) option[K, V] {
	return loadFactorOption[K, V]{loadFactor}
}

// Allocator specifies an interface for allocating and releasing the slot
// array used by a Table. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory and requires that slots be
// freed then Table.Close must be called in order to ensure Free is called
// for the final slot array.
type Allocator[K comparable, V any] interface {
	// Alloc should return a slice equivalent to make([]Slot[K,V], n). In
	// particular every returned slot must be zeroed, which marks it empty.
	Alloc(n int) []Slot[K, V]

	// Free can optionally release the memory associated with the supplied
	// slice that is guaranteed to have been allocated by Alloc.
	Free(v []Slot[K, V])
}

type defaultAllocator[K comparable, V any] struct{}

func (defaultAllocator[K, V]) Alloc(n int) []Slot[K, V] {
	return make([]Slot[K, V], n)
}

func (defaultAllocator[K, V]) Free(v []Slot[K, V]) {
}

type allocatorOption[K comparable, V any] struct {
	allocator Allocator[K, V]
}

func (op allocatorOption[K, V]) apply(t *Table[K, V]) {
	t.allocator = op.allocator
}

// WithAllocator is an option for specify the Allocator to use for a
// Table[K,V].
func WithAllocator[K comparable, V any](allocator Allocator[K, V]) option[K, V] {
	return allocatorOption[K, V]{allocator}
}
