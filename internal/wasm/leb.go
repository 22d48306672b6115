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

package wasm

// buffer is a growable byte accumulator, standing in for wcc.c's
// DataStorage (data_push/data_append/data_insert in
// original_source/wasm/src/wcc.c): every wasm section is built up in one of
// these before being prefixed with its own ULEB128 byte length.
type buffer struct {
	b []byte
}

func (d *buffer) byte(v byte) { d.b = append(d.b, v) }

func (d *buffer) bytes(v []byte) { d.b = append(d.b, v...) }

func (d *buffer) len() int { return len(d.b) }

// uleb128 appends an unsigned LEB128 encoding of v, mirroring wcc.c's
// emit_uleb128 helper.
func (d *buffer) uleb128(v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		d.byte(b)
		if v == 0 {
			return
		}
	}
}

// sleb128 appends a signed LEB128 encoding of v, used for i32.const/i64.const
// immediates per the Wasm binary spec.
func (d *buffer) sleb128(v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		signBitSet := b&0x40 != 0
		if (v == 0 && !signBitSet) || (v == -1 && signBitSet) {
			d.byte(b)
			return
		}
		d.byte(b | 0x80)
	}
}

// prefixedByLength returns a ULEB128-length-prefixed copy of body, the
// framing every module section (and every length-delimited sub-blob, such
// as the code section's per-function bodies) uses.
func prefixedByLength(body []byte) []byte {
	var out buffer
	out.uleb128(uint64(len(body)))
	out.bytes(body)
	return out.b
}

func uleb128Bytes(v uint64) []byte {
	var b buffer
	b.uleb128(v)
	return b.b
}

func encodeName(s string) []byte {
	var b buffer
	b.uleb128(uint64(len(s)))
	b.bytes([]byte(s))
	return b.b
}
