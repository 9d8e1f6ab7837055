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

import (
	"fmt"
	"hash/maphash"
	"strconv"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

const (
	// spreadPrime is added to the key hash before squaring it.
	spreadPrime = 63
	// goldenRatio is the fractional part of the golden ratio scaled to 31
	// bits, rounded to an odd number.
	goldenRatio = 1327217885

	minExponent = 4
	// The shift in probeStart is 32-exponent and must stay positive.
	maxExponent = 31
	// maxTableExponent additionally keeps 2<<exponent representable as an
	// int, which limits tables on 32-bit platforms to exponent 29.
	maxTableExponent = min(maxExponent, strconv.IntSize-3)
)

// hashFn returns a 32-bit hash of *key.
type hashFn[K comparable] func(key *K) uint32

// probeStart maps a key hash to the slot where probing begins in a table of
// capacity 2<<exponent.
//
// Squaring the offset hash mixes the low bits of poor hash functions (e.g.
// the identity hash of small integers) into the high bits, and the
// multiplication by goldenRatio spreads them before the top bits are kept by
// the arithmetic shift. The result of the shift lies in
// [-2^(exponent-1), 2^(exponent-1)), so its absolute value is always a valid
// slot index. All arithmetic is int32 and wraps.
//
// Only exponent signed bits survive the shift, so starts fall in
// [0, 2^(exponent-1)], the low quarter of the 2<<exponent slots. Probe
// sequences run on from there into the rest of the table; the remaining
// slots are reached only by probing.
func probeStart(h uint32, exponent uint) uintptr {
	if exponent < 1 || exponent > maxExponent {
		panic(fmt.Sprintf("linprobe: exponent %d outside of [1, %d]", exponent, maxExponent))
	}
	x := int32(h) + spreadPrime
	x *= x
	x *= goldenRatio
	x >>= 32 - exponent
	if x < 0 {
		x = -x
	}
	return uintptr(x)
}

// defaultHash returns the hash function used when WithHash is not
// specified. Strings and fixed-width scalars are hashed with xxhash. Every
// other comparable type goes through maphash.Comparable, which agrees with
// == for floats, pointers, interfaces and structs with padding where hashing
// the raw bytes would not.
func defaultHash[K comparable]() hashFn[K] {
	var k K
	switch any(k).(type) {
	case string:
		return func(key *K) uint32 {
			return fold(xxhash.Sum64String(*(*string)(unsafe.Pointer(key))))
		}
	case bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr:
		return func(key *K) uint32 {
			b := unsafe.Slice((*byte)(unsafe.Pointer(key)), unsafe.Sizeof(*key))
			return fold(xxhash.Sum64(b))
		}
	}

	seed := maphash.MakeSeed()
	return func(key *K) uint32 {
		return fold(maphash.Comparable(seed, *key))
	}
}

func fold(h uint64) uint32 {
	return uint32(h ^ (h >> 32))
}
