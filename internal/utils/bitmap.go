// Copyright (c) 2024 The Nanocc Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package utils holds small data structures shared by the liveness and
// register-allocation passes: a fixed-size bitmap and a generic set.
package utils

import "fmt"

// BitMap is a fixed-size bit vector used for per-VReg gen/kill/live-in/
// live-out sets during dataflow.
type BitMap struct {
	data []uint8
	size int
}

func NewBitMap(size int) *BitMap {
	return &BitMap{
		data: make([]uint8, (size+7)/8),
		size: size,
	}
}

func (bm *BitMap) Size() int { return bm.size }

func (bm *BitMap) Set(i int) {
	ei := i / 8
	bm.data[ei] = bm.data[ei] | (1 << uint8(i%8))
}

func (bm *BitMap) Reset(i int) {
	ei := i / 8
	bm.data[ei] = bm.data[ei] & (^(1 << uint8(i%8)))
}

func (bm *BitMap) IsSet(i int) bool {
	return (bm.data[i/8] & (1 << uint8(i%8))) != uint8(0)
}

// Unite is bm |= o, reporting whether bm changed (fixpoint termination).
func (bm *BitMap) Unite(o *BitMap) bool {
	assert(bm.size == o.size, "bitmap size mismatch: %d vs %d", bm.size, o.size)
	changed := false
	for i := range bm.data {
		nv := bm.data[i] | o.data[i]
		if nv != bm.data[i] {
			bm.data[i] = nv
			changed = true
		}
	}
	return changed
}

// Intersect is bm &= o, reporting whether bm changed.
func (bm *BitMap) Intersect(o *BitMap) bool {
	assert(bm.size == o.size, "bitmap size mismatch: %d vs %d", bm.size, o.size)
	changed := false
	for i := range bm.data {
		v := bm.data[i] & o.data[i]
		if v != bm.data[i] {
			bm.data[i] = v
			changed = true
		}
	}
	return changed
}

// SetFrom copies o into bm, reporting whether bm changed.
func (bm *BitMap) SetFrom(o *BitMap) bool {
	assert(bm.size == o.size, "bitmap size mismatch: %d vs %d", bm.size, o.size)
	changed := false
	for i := range o.data {
		if o.data[i] != bm.data[i] {
			bm.data[i] = o.data[i]
			changed = true
		}
	}
	return changed
}

// Remove is bm &^= o, reporting whether bm changed.
func (bm *BitMap) Remove(o *BitMap) bool {
	assert(bm.size == o.size, "bitmap size mismatch: %d vs %d", bm.size, o.size)
	changed := false
	for i := range o.data {
		nv := bm.data[i] & (^o.data[i])
		if nv != bm.data[i] {
			bm.data[i] = nv
			changed = true
		}
	}
	return changed
}

func (bm *BitMap) Copy() *BitMap {
	nd := make([]uint8, len(bm.data))
	copy(nd, bm.data)
	return &BitMap{data: nd, size: bm.size}
}

// IsEmpty reports whether no bit is set.
func (bm *BitMap) IsEmpty() bool {
	for _, b := range bm.data {
		if b != 0 {
			return false
		}
	}
	return true
}

// Each calls f for every set bit index, in ascending order.
func (bm *BitMap) Each(f func(i int)) {
	for i := 0; i < bm.size; i++ {
		if bm.IsSet(i) {
			f(i)
		}
	}
}

func assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
