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

// Package types models the C type system that the front-end hands to this
// core: scalars, pointers, arrays, structs/unions with bitfields, and
// function signatures. It only answers size/alignment/structural queries;
// it never parses or checks anything.
package types

import "fmt"

// Kind enumerates the closed set of C type categories this core understands.
type Kind int

const (
	Void Kind = iota
	Bool
	Char
	UChar
	Short
	UShort
	Int
	UInt
	Long
	ULong
	Float
	Double
	LongDouble
	Ptr
	Array
	Struct
	Union
	Func
)

// Member is one field of a struct/union.
type Member struct {
	Name   string
	Type   *Type
	Offset int // byte offset of the containing unit (or whole member for non-bitfields)

	// Bitfield metadata. Width == 0 means "not a bitfield".
	Width  int  // in bits
	Pos    int  // bit position within the storage unit, from the LSB
	Signed bool // sign-extend on read when true
}

// IsBitfield reports whether m occupies less than its full storage unit.
func (m *Member) IsBitfield() bool { return m.Width > 0 }

// Type is a (possibly recursive) C type descriptor. Instances are shared and
// read-only once constructed, exactly as the lowering/allocation/emission
// passes expect per the ownership model: scopes and types are shared state,
// never mutated once lowering begins.
type Type struct {
	Kind Kind

	// Ptr/Array
	Base  *Type
	Len   int // element count, Array only
	Flexi bool // flexible array member (Len == 0 trailing array)

	// Struct/Union
	Tag     string
	Members []*Member

	// Func
	Params  []*Type
	Return  *Type
	Variadic bool

	isConst bool
}

func (t *Type) String() string {
	switch t.Kind {
	case Void:
		return "void"
	case Bool:
		return "_Bool"
	case Char:
		return "char"
	case UChar:
		return "unsigned char"
	case Short:
		return "short"
	case UShort:
		return "unsigned short"
	case Int:
		return "int"
	case UInt:
		return "unsigned int"
	case Long:
		return "long"
	case ULong:
		return "unsigned long"
	case Float:
		return "float"
	case Double:
		return "double"
	case LongDouble:
		return "long double"
	case Ptr:
		return fmt.Sprintf("%s*", t.Base)
	case Array:
		return fmt.Sprintf("%s[%d]", t.Base, t.Len)
	case Struct:
		return fmt.Sprintf("struct %s", t.Tag)
	case Union:
		return fmt.Sprintf("union %s", t.Tag)
	case Func:
		return fmt.Sprintf("func(...) %s", t.Return)
	default:
		return "<bad type>"
	}
}

// Predefined scalar singletons, mirroring the teacher's TInt/TLong/... style.
var (
	TVoid   = &Type{Kind: Void}
	TBool   = &Type{Kind: Bool}
	TChar   = &Type{Kind: Char}
	TUChar  = &Type{Kind: UChar}
	TShort  = &Type{Kind: Short}
	TUShort = &Type{Kind: UShort}
	TInt    = &Type{Kind: Int}
	TUInt   = &Type{Kind: UInt}
	TLong   = &Type{Kind: Long}
	TULong  = &Type{Kind: ULong}
	TFloat  = &Type{Kind: Float}
	TDouble = &Type{Kind: Double}
	// Long double is treated identically to double: see SPEC_FULL.md open
	// question resolution and DESIGN.md.
	TLongDouble = &Type{Kind: Double}
)

func (t *Type) IsInteger() bool {
	switch t.Kind {
	case Bool, Char, UChar, Short, UShort, Int, UInt, Long, ULong:
		return true
	}
	return false
}

func (t *Type) IsFloat() bool {
	return t.Kind == Float || t.Kind == Double
}

func (t *Type) IsUnsigned() bool {
	switch t.Kind {
	case Bool, UChar, UShort, UInt, ULong:
		return true
	}
	return false
}

func (t *Type) IsPtr() bool    { return t.Kind == Ptr }
func (t *Type) IsArray() bool  { return t.Kind == Array }
func (t *Type) IsStruct() bool { return t.Kind == Struct || t.Kind == Union }
func (t *Type) IsFunc() bool   { return t.Kind == Func }

// PtrTo, ArrayOf construct derived types the way the front-end would have.
func PtrTo(base *Type) *Type { return &Type{Kind: Ptr, Base: base} }
func ArrayOf(base *Type, n int) *Type {
	return &Type{Kind: Array, Base: base, Len: n}
}

// Size returns sizeof(t) in bytes, i.e. `type_size` from spec.md §6.
func (t *Type) Size() int {
	switch t.Kind {
	case Void:
		return 1
	case Bool, Char, UChar:
		return 1
	case Short, UShort:
		return 2
	case Int, UInt, Float:
		return 4
	case Long, ULong, Double, Ptr:
		return 8
	case Array:
		return t.Base.Size() * t.Len
	case Struct, Union:
		return structSize(t)
	case Func:
		return 1 // function designator, never instantiated directly
	default:
		return 0
	}
}

// Align returns alignof(t), i.e. `align_size` from spec.md §6.
func (t *Type) Align() int {
	switch t.Kind {
	case Array:
		return t.Base.Align()
	case Struct, Union:
		max := 1
		for _, m := range t.Members {
			if a := m.Type.Align(); a > max {
				max = a
			}
		}
		return max
	default:
		return t.Size()
	}
}

func align(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// structSize lays out members in declaration order, coalescing consecutive
// bitfields into shared storage units exactly as spec.md §4.6 describes for
// emission; this is the same layout algorithm driving both sizeof() and the
// data emitter's unit-coalescing logic.
func structSize(t *Type) int {
	if t.Kind == Union {
		max := 0
		for _, m := range t.Members {
			if s := m.Type.Size(); s > max {
				max = s
			}
		}
		return align(max, t.Align())
	}
	offset := 0
	var bitOffset int // bits consumed in the current open storage unit
	var unitSize int   // size in bytes of the current open storage unit
	for _, m := range t.Members {
		if m.IsBitfield() {
			sz := m.Type.Size()
			if unitSize == 0 || bitOffset+m.Width > unitSize*8 {
				// open a new storage unit
				if unitSize != 0 {
					offset += unitSize
				}
				offset = align(offset, m.Type.Align())
				unitSize = sz
				bitOffset = 0
			}
			m.Offset = offset
			m.Pos = bitOffset
			bitOffset += m.Width
			continue
		}
		if unitSize != 0 {
			offset += unitSize
			unitSize = 0
			bitOffset = 0
		}
		offset = align(offset, m.Type.Align())
		m.Offset = offset
		offset += m.Type.Size()
	}
	if unitSize != 0 {
		offset += unitSize
	}
	return align(offset, t.Align())
}

// BitfieldMask returns the unsigned mask for a Width-bit field.
func (m *Member) BitfieldMask() uint64 {
	if m.Width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(m.Width)) - 1
}
