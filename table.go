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

// Package linprobe implements a flat open-addressing hash table with linear
// probing, for workloads that want all entries in one contiguous,
// explicitly managed slot array.
//
// # Layout
//
// A Table is a single array of 2<<exponent slots. Each slot carries its key,
// its value and a state byte which is one of empty, deleted (a tombstone) or
// full. The zero state is empty so a freshly allocated array is an empty
// table. The smallest table has exponent 4, i.e. 32 slots.
//
// # Probing
//
// The slot where probing starts is derived from a 32-bit hash of the key by
// probeStart (see hash.go). Probing then walks consecutive slots, wrapping
// at the end of the array, and visits each slot at most once. Lookups stop at
// the first empty slot. Tombstones never stop a probe: the key being looked
// for may have been placed beyond the slot that was later deleted.
//
// Put is find composed with an insertion into the first tombstone seen along
// the probe sequence, or the empty slot that ended it. Looking past
// tombstones before inserting guarantees a key is never stored twice.
//
// # Growth
//
// When the number of live entries exceeds capacity*loadFactor after an
// insertion, the table is resized synchronously: the exponent is
// incremented, a fresh array is allocated and every full slot of the old
// array is reinserted. Deleted slots are not carried over, which makes resize
// the only point at which tombstones are reclaimed.
//
// # Memory
//
// Slot arrays come from an Allocator. The default allocator uses make() and
// leaves reclamation to the GC, but a Table created with a custom allocator
// must be closed with Close so that the last slot array is handed back.
package linprobe

import (
	"fmt"
	"strings"
)

const (
	debug = false

	defaultLoadFactor = 0.75
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotDeleted
	slotFull
)

// Slot holds a key, a value and the state of the slot. The key and value of
// a slot that is not full are meaningless.
type Slot[K comparable, V any] struct {
	key   K
	value V
	state slotState
}

// Table is an unordered map from keys to values stored in a single
// open-addressed slot array. Keys and values are copied in and out of the
// table by value; they are intended to be small fixed-layout types.
//
// A Table is NOT goroutine-safe.
type Table[K comparable, V any] struct {
	hash      hashFn[K]
	allocator Allocator[K, V]
	// slots has length 2<<exponent, which lets len(slots)-1 act as the mask
	// for wrapping probe indexes. It is nil once the table is closed.
	slots    []Slot[K, V]
	exponent uint
	// The maximum ratio of used to len(slots), in (0,1].
	loadFactor float64
	// The number of full slots. Deleted slots are not counted.
	used int
}

// New constructs a new Table sized so that initialCapacity entries can be
// inserted without resizing. The table never has fewer than 32 slots. New
// panics if the load factor given by WithLoadFactor is not in (0,1].
func New[K comparable, V any](initialCapacity int, options ...option[K, V]) *Table[K, V] {
	t := &Table[K, V]{
		hash:       defaultHash[K](),
		allocator:  defaultAllocator[K, V]{},
		exponent:   minExponent,
		loadFactor: defaultLoadFactor,
	}

	for _, op := range options {
		op.apply(t)
	}

	if !(t.loadFactor > 0 && t.loadFactor <= 1) {
		panic(fmt.Sprintf("linprobe: load factor %v outside of (0, 1]", t.loadFactor))
	}
	for initialCapacity > t.maxUsed() {
		if t.exponent >= maxTableExponent {
			panic(fmt.Sprintf("linprobe: initial capacity %d too large", initialCapacity))
		}
		t.exponent++
	}
	t.slots = t.allocator.Alloc(t.capacity())

	t.checkInvariants()
	return t
}

// Close closes the table, releasing the slot array back to its configured
// allocator. It is unnecessary to close a table using the default allocator.
// Using a Table after it has been closed panics, though Close itself is
// idempotent.
func (t *Table[K, V]) Close() {
	if t.slots != nil {
		t.allocator.Free(t.slots)
	}
	t.slots = nil
	t.used = 0
	t.allocator = nil
}

// Put inserts an entry into the table, overwriting the existing value if an
// entry with the same key already exists. Put may resize the table.
func (t *Table[K, V]) Put(key K, value V) {
	t.checkOpen()

	h := t.hash(&key)
	mask := uintptr(len(t.slots)) - 1
	i := probeStart(h, t.exponent)
	if debug {
		fmt.Printf("put(%v): start=%d capacity=%d\n", key, i, len(t.slots))
	}

	// The first slot along the probe sequence the key may be stored in.
	var free uintptr
	var haveFree bool

probe:
	for n := 0; n < len(t.slots); n++ {
		s := &t.slots[i]
		switch s.state {
		case slotEmpty:
			if debug {
				fmt.Printf("put(not-found): index=%d\n", i)
			}
			if !haveFree {
				free, haveFree = i, true
			}
			break probe
		case slotDeleted:
			if !haveFree {
				free, haveFree = i, true
			}
		case slotFull:
			if key == s.key {
				if debug {
					fmt.Printf("put(updating): index=%d  key=%v\n", i, key)
				}
				s.value = value
				t.checkInvariants()
				return
			}
		}
		i = (i + 1) & mask
	}

	if haveFree {
		if debug {
			fmt.Printf("put(inserting): index=%d used=%d\n", free, t.used+1)
		}
		t.slots[free] = Slot[K, V]{key: key, value: value, state: slotFull}
	} else {
		// Every slot is full. Only reachable with a load factor of 1.
		t.resize()
		t.uncheckedPut(h, key, value)
	}
	t.used++

	for t.used > t.maxUsed() {
		t.resize()
	}
	t.checkInvariants()
}

// PutIfAbsent inserts an entry into the table if no entry with the same key
// exists, returning true. If the key is already present the table is left
// unmodified and PutIfAbsent returns false.
func (t *Table[K, V]) PutIfAbsent(key K, value V) bool {
	if t.Contains(key) {
		return false
	}
	t.Put(key, value)
	return true
}

// Get retrieves the value from the table for the specified key, returning
// ok=false if the key is not present.
func (t *Table[K, V]) Get(key K) (value V, ok bool) {
	t.checkOpen()
	if i, found := t.find(&key); found {
		return t.slots[i].value, true
	}
	return value, false
}

// Contains returns true if the key is present in the table.
func (t *Table[K, V]) Contains(key K) bool {
	t.checkOpen()
	_, ok := t.find(&key)
	return ok
}

// Delete removes the entry corresponding to the specified key from the
// table, returning the removed value and ok=true. It is a noop returning
// ok=false to delete a non-existent key.
func (t *Table[K, V]) Delete(key K) (value V, ok bool) {
	t.checkOpen()

	i, ok := t.find(&key)
	if !ok {
		if debug {
			fmt.Printf("delete(%v): not found\n", key)
		}
		return value, false
	}

	// The slot becomes a tombstone rather than empty so that probe sequences
	// passing through it continue to reach the keys stored beyond it.
	s := &t.slots[i]
	value = s.value
	*s = Slot[K, V]{state: slotDeleted}
	t.used--
	if debug {
		fmt.Printf("delete(%v): index=%d used=%d\n", key, i, t.used)
	}
	t.checkInvariants()
	return value, true
}

// Clear deletes all entries from the table, resulting in an empty table with
// the same capacity.
func (t *Table[K, V]) Clear() {
	t.checkOpen()
	t.allocator.Free(t.slots)
	t.slots = t.allocator.Alloc(t.capacity())
	t.used = 0
	t.checkInvariants()
}

// All calls yield sequentially for each key and value present in the table.
// If yield returns false, All stops the iteration. The table can be mutated
// during iteration, though there is no guarantee that the mutations will be
// visible to the iteration.
func (t *Table[K, V]) All(yield func(key K, value V) bool) {
	t.checkOpen()

	// Snapshot the slots so that iteration remains valid if the table is
	// resized or cleared during iteration.
	slots := t.slots
	for i := range slots {
		if s := &slots[i]; s.state == slotFull {
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the table.
func (t *Table[K, V]) Len() int {
	return t.used
}

// Capacity returns the number of slots in the table. It is always a power of
// two, and 0 once the table is closed.
func (t *Table[K, V]) Capacity() int {
	return len(t.slots)
}

// capacity returns the number of slots implied by the exponent.
func (t *Table[K, V]) capacity() int {
	return 2 << t.exponent
}

// maxUsed returns the largest number of entries the table may hold at its
// current exponent.
func (t *Table[K, V]) maxUsed() int {
	return int(float64(t.capacity()) * t.loadFactor)
}

func (t *Table[K, V]) checkOpen() {
	if t.slots == nil {
		panic("linprobe: use of closed Table")
	}
}

// find returns the index of the full slot holding key.
func (t *Table[K, V]) find(key *K) (uintptr, bool) {
	mask := uintptr(len(t.slots)) - 1
	i := probeStart(t.hash(key), t.exponent)
	for n := 0; n < len(t.slots); n++ {
		s := &t.slots[i]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFull:
			if *key == s.key {
				return i, true
			}
		}
		i = (i + 1) & mask
	}
	return 0, false
}

// uncheckedPut inserts an entry known not to be in the table into the first
// slot that is not full along its probe sequence. Used by resize, where the
// entries being reinserted are distinct by construction.
func (t *Table[K, V]) uncheckedPut(h uint32, key K, value V) {
	mask := uintptr(len(t.slots)) - 1
	i := probeStart(h, t.exponent)
	for n := 0; n < len(t.slots); n++ {
		s := &t.slots[i]
		if s.state != slotFull {
			*s = Slot[K, V]{key: key, value: value, state: slotFull}
			return
		}
		i = (i + 1) & mask
	}
	panic(fmt.Sprintf("invariant failed: no free slot for %v\n%s", key, t.debugString()))
}

// resize doubles the capacity of the table by allocating a bigger array and
// uncheckedPutting each full slot of the old array into it, and releases the
// old array. Tombstones are dropped.
func (t *Table[K, V]) resize() {
	if t.exponent >= maxTableExponent {
		panic(fmt.Sprintf("linprobe: cannot grow past %d slots", t.capacity()))
	}

	oldSlots := t.slots
	t.exponent++
	t.used = 0
	t.slots = t.allocator.Alloc(t.capacity())

	if debug {
		fmt.Printf("resize: capacity=%d->%d\n", len(oldSlots), len(t.slots))
	}

	for i := range oldSlots {
		s := &oldSlots[i]
		if s.state != slotFull {
			continue
		}
		t.uncheckedPut(t.hash(&s.key), s.key, s.value)
		t.used++
	}

	t.allocator.Free(oldSlots)
}

func (t *Table[K, V]) checkInvariants() {
	if invariants {
		if n := len(t.slots); n != t.capacity() || n&(n-1) != 0 {
			panic(fmt.Sprintf("invariant failed: %d slots at exponent %d\n%s",
				n, t.exponent, t.debugString()))
		}

		// For every full slot, verify that find locates the key at that
		// slot. Locating it elsewhere means the key is stored twice.
		var used int
		for i := range t.slots {
			s := &t.slots[i]
			if s.state != slotFull {
				continue
			}
			j, ok := t.find(&s.key)
			if !ok {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v not found\n%s",
					i, s.key, t.debugString()))
			}
			if j != uintptr(i) {
				panic(fmt.Sprintf("invariant failed: slot(%d): %v duplicated at slot(%d)\n%s",
					i, s.key, j, t.debugString()))
			}
			used++
		}

		if used != t.used {
			panic(fmt.Sprintf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, t.used, t.debugString()))
		}
		if t.used > t.maxUsed() {
			panic(fmt.Sprintf("invariant failed: used count %d exceeds %d (load factor %v)\n%s",
				t.used, t.maxUsed(), t.loadFactor, t.debugString()))
		}
	}
}

func (t *Table[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  exponent=%d\n", len(t.slots), t.used, t.exponent)
	for i := range t.slots {
		switch s := &t.slots[i]; s.state {
		case slotEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case slotDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		default:
			fmt.Fprintf(&buf, "  %4d: %v [start=%d]\n", i, s.key, probeStart(t.hash(&s.key), t.exponent))
		}
	}
	return buf.String()
}
