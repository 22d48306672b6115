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

// Package data is the global/static-data emitter, component F of spec.md
// §4.6: it lays out a variable's constant-initializer tree byte by byte and
// renders it as assembler directives through an asmwriter.Writer, the same
// split between layout and textual rendering internal/target/* uses for
// instructions. Grounded on the xcc family's construct_initial_value /
// construct_data_segment (original_source/wasm/src/wcc.c), reworked here to
// emit GNU-assembler text instead of raw section bytes, and on
// internal/types.structSize's own bitfield-unit coalescing so sizeof() and
// data layout never disagree about where a storage unit starts.
package data

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"nanocc/internal/ast"
	"nanocc/internal/asmwriter"
	"nanocc/internal/cctx"
	"nanocc/internal/diag"
	"nanocc/internal/types"
)

// EmitAll emits every global in declaration order, then the string literals
// lowering interned along the way (internal/cctx.Context.InternString).
func EmitAll(w *asmwriter.Writer, c *cctx.Context, globals []*ast.VarInfo) error {
	for _, g := range globals {
		if err := EmitGlobal(w, c, g); err != nil {
			return err
		}
	}
	emitStrings(w, c)
	return nil
}

func emitStrings(w *asmwriter.Writer, c *cctx.Context) {
	if len(c.Strings) == 0 {
		return
	}
	syms := make([]string, 0, len(c.Strings))
	for s := range c.Strings {
		syms = append(syms, s)
	}
	sort.Slice(syms, func(i, j int) bool { return symNum(syms[i]) < symNum(syms[j]) })
	w.Directive(".section", ".rodata")
	for _, sym := range syms {
		w.Label(sym)
		s := c.Strings[sym]
		w.Directive(".ascii", cEscapeAscii(s, 1)) // +1 for the implicit NUL terminator
	}
}

func symNum(sym string) int {
	var n int
	fmt.Sscanf(sym, ".LC%d", &n)
	return n
}

// EmitGlobal lays out and emits one global/static variable (spec.md §4.6):
// section selection (const -> rodata, initialized -> data, uninitialized ->
// bss), symbol visibility/mangling, alignment, then the initializer tree.
// extern declarations with no initializer are collaborator-owned and emit
// nothing.
func EmitGlobal(w *asmwriter.Writer, c *cctx.Context, v *ast.VarInfo) error {
	if v.Storage == ast.StorageExtern && v.Init == nil {
		return nil
	}

	sym := v.Name
	if v.MangledName != "" {
		sym = v.MangledName
	}
	size := v.Type.Size()
	alignOf := v.Type.Align()

	if v.Init == nil {
		// Tentative (common) definition: weak rather than .globl, so the
		// linker can merge it with another translation unit's definition of
		// the same name, per SPEC_FULL.md's data-emitter supplement.
		w.Directive(".bss")
		if v.Storage == ast.StorageGlobal {
			w.Weak(sym)
		}
		w.Align(alignOf)
		w.Label(w.Sym(sym))
		w.Directive(".zero", fmt.Sprintf("%d", size))
		return nil
	}

	section := ".data"
	if v.IsConst {
		section = ".rodata"
	}
	w.Directive(".section", section)
	if v.Storage == ast.StorageGlobal {
		w.Global(sym)
	}
	w.Align(alignOf)
	w.Label(w.Sym(sym))

	emitted, err := emitInit(w, c, v.Type, v.Init)
	if err != nil {
		return err
	}
	if emitted < size {
		w.Directive(".zero", fmt.Sprintf("%d", size-emitted))
	}
	return nil
}

// emitInit dispatches by type shape and returns the number of bytes it
// emitted, which always equals t.Size() on return — every composite case
// pads itself before returning so the "sum of emitted bytes == type_size"
// property (spec.md §8) holds at every nesting level, not only the top one.
func emitInit(w *asmwriter.Writer, c *cctx.Context, t *types.Type, init *ast.Initializer) (int, error) {
	switch t.Kind {
	case types.Array:
		return emitArray(w, c, t, init)
	case types.Struct:
		return emitStruct(w, c, t, init)
	case types.Union:
		return emitUnion(w, c, t, init)
	default:
		return emitScalar(w, c, t, init)
	}
}

func emitScalar(w *asmwriter.Writer, c *cctx.Context, t *types.Type, init *ast.Initializer) (int, error) {
	size := t.Size()
	if init == nil || init.Scalar == nil {
		w.Directive(directiveFor(size), "0")
		return size, nil
	}
	cv, err := EvalConst(c, init.Scalar)
	if err != nil {
		reportUnrepresentable(c, err)
		w.Directive(directiveFor(size), "0")
		return size, nil
	}
	if t.IsFloat() {
		if cv.Sym != "" {
			reportUnrepresentable(c, errors.New("symbol reference used as float initializer"))
			w.Directive(directiveFor(size), "0")
			return size, nil
		}
		f := cv.Float
		if !cv.IsFloat {
			f = float64(cv.Int)
		}
		w.Directive(directiveFor(size), fmt.Sprintf("0x%x", floatBits(size, f)))
		return size, nil
	}
	if cv.Sym != "" {
		operand := w.Sym(cv.Sym)
		if cv.Off != 0 {
			operand = fmt.Sprintf("%s+%d", operand, cv.Off)
		}
		w.Directive(directiveFor(size), operand)
		return size, nil
	}
	w.Directive(directiveFor(size), fmt.Sprintf("%d", cv.Int))
	return size, nil
}

// floatBits returns the raw 32/64-bit pattern of f, emitted in hex per
// spec.md §4.6's "emit the raw pattern, not a decimal literal" rule.
func floatBits(size int, f float64) uint64 {
	if size == 4 {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

func emitArray(w *asmwriter.Writer, c *cctx.Context, t *types.Type, init *ast.Initializer) (int, error) {
	elem := t.Base
	if init != nil && init.IsString && elem.Kind == types.Char {
		return emitCharArrayString(w, t, init), nil
	}
	var children []*ast.Initializer
	if init != nil {
		children = init.Children
	}
	emitted := 0
	for i := 0; i < t.Len; i++ {
		var childInit *ast.Initializer
		if i < len(children) {
			childInit = children[i]
		}
		sz, err := emitInit(w, c, elem, childInit)
		if err != nil {
			return emitted, err
		}
		emitted += sz
	}
	return emitted, nil
}

// emitCharArrayString emits a char array initialized by a string literal
// (spec.md §4.6 "Array of char initialized by string"): one `.ascii`
// directive whose trailing zero bytes cover the declared-but-unwritten
// tail, matching golden scenario #2 (`msg[] = "hi"` -> `.rodata`/`.ascii`).
func emitCharArrayString(w *asmwriter.Writer, t *types.Type, init *ast.Initializer) int {
	s := init.String
	declared := t.Len
	if len(s) > declared {
		s = s[:declared]
	}
	pad := declared - len(s)
	w.Directive(".ascii", cEscapeAscii(s, pad))
	return declared
}

func cEscapeAscii(s string, padZeros int) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		writeEscapedByte(&b, s[i])
	}
	for i := 0; i < padZeros; i++ {
		b.WriteString(`\000`)
	}
	b.WriteByte('"')
	return b.String()
}

func writeEscapedByte(b *strings.Builder, ch byte) {
	switch ch {
	case '"':
		b.WriteString(`\"`)
	case '\\':
		b.WriteString(`\\`)
	case '\n':
		b.WriteString(`\n`)
	case '\t':
		b.WriteString(`\t`)
	default:
		if ch >= 0x20 && ch < 0x7f {
			b.WriteByte(ch)
		} else {
			fmt.Fprintf(b, `\%03o`, ch)
		}
	}
}

// emitStruct iterates members in declaration order (spec.md §4.6), emitting
// an alignment gap before any member whose offset isn't already reached and
// coalescing runs of bitfields that share a storage unit into one integer
// literal, per types.structSize's own unit-opening rule.
func emitStruct(w *asmwriter.Writer, c *cctx.Context, t *types.Type, init *ast.Initializer) (int, error) {
	var children []*ast.Initializer
	if init != nil {
		children = init.Children
	}
	offset := 0
	n := len(t.Members)
	for i := 0; i < n; {
		m := t.Members[i]
		if m.IsBitfield() {
			unitOffset := m.Offset
			unitSize := m.Type.Size()
			var combined uint64
			j := i
			for j < n && t.Members[j].IsBitfield() && t.Members[j].Offset == unitOffset {
				mj := t.Members[j]
				var childInit *ast.Initializer
				if j < len(children) {
					childInit = children[j]
				}
				val, err := bitfieldValue(c, childInit)
				if err != nil {
					reportUnrepresentable(c, err)
					val = 0
				}
				combined |= (val & mj.BitfieldMask()) << uint(mj.Pos)
				j++
			}
			if offset < unitOffset {
				w.Directive(".zero", fmt.Sprintf("%d", unitOffset-offset))
				offset = unitOffset
			}
			w.Directive(directiveFor(unitSize), fmt.Sprintf("0x%x", combined))
			offset += unitSize
			i = j
			continue
		}
		if offset < m.Offset {
			w.Directive(".zero", fmt.Sprintf("%d", m.Offset-offset))
			offset = m.Offset
		}
		var childInit *ast.Initializer
		if i < len(children) {
			childInit = children[i]
		}
		sz, err := emitInit(w, c, m.Type, childInit)
		if err != nil {
			return offset, err
		}
		offset += sz
		i++
	}
	total := t.Size()
	if offset < total {
		w.Directive(".zero", fmt.Sprintf("%d", total-offset))
		offset = total
	}
	return offset, nil
}

// emitUnion emits only the first (or only) initialised member, padded to
// the union's full size, per spec.md §4.6.
func emitUnion(w *asmwriter.Writer, c *cctx.Context, t *types.Type, init *ast.Initializer) (int, error) {
	size := t.Size()
	if init == nil || len(init.Children) == 0 || init.Children[0] == nil || len(t.Members) == 0 {
		w.Directive(".zero", fmt.Sprintf("%d", size))
		return size, nil
	}
	m := t.Members[0]
	sz, err := emitInit(w, c, m.Type, init.Children[0])
	if err != nil {
		return sz, err
	}
	if sz < size {
		w.Directive(".zero", fmt.Sprintf("%d", size-sz))
	}
	return size, nil
}

func bitfieldValue(c *cctx.Context, init *ast.Initializer) (uint64, error) {
	if init == nil || init.Scalar == nil {
		return 0, nil
	}
	cv, err := EvalConst(c, init.Scalar)
	if err != nil {
		return 0, err
	}
	if cv.Sym != "" {
		return 0, errors.New("symbol reference used as bitfield initializer")
	}
	return uint64(cv.Int), nil
}

func directiveFor(size int) string {
	switch size {
	case 1:
		return ".byte"
	case 2:
		return ".word"
	case 4:
		return ".long"
	case 8:
		return ".quad"
	default:
		return ".byte"
	}
}

func reportUnrepresentable(c *cctx.Context, err error) {
	if c == nil || c.Diag == nil {
		return
	}
	c.Diag.Report(diag.Wrap(diag.BucketUnrepresentableInit, false, err, "unrepresentable global initializer"))
}

// ConstValue is the result of folding a constant-initializer expression:
// either a plain number (Int/Float) or a reference to another symbol,
// optionally offset (e.g. `&arr[3]`, `base + 4`).
type ConstValue struct {
	IsFloat bool
	Float   float64
	Int     int64
	Sym     string
	Off     int64
}

// EvalConst folds the small subset of constant expressions a global
// initializer may use: literals, string literals (interned as a rodata
// symbol), address-of/plain references to other globals, and additive
// combinations of a symbol and a constant. Anything else is an
// "unrepresentable initializer" (spec.md §7 taxonomy item 2).
func EvalConst(c *cctx.Context, e ast.Expr) (ConstValue, error) {
	switch n := e.(type) {
	case *ast.IntLit:
		return ConstValue{Int: n.Value}, nil
	case *ast.FloatLit:
		return ConstValue{IsFloat: true, Float: n.Value}, nil
	case *ast.StringLit:
		return ConstValue{Sym: c.InternString(n.Value)}, nil
	case *ast.Var:
		if n.IsGlobal {
			return ConstValue{Sym: mangledNameOf(c, n.Name)}, nil
		}
	case *ast.Unary:
		switch n.Op {
		case ast.UnaryAddr:
			return EvalConst(c, n.Expr)
		case ast.UnaryNeg:
			v, err := EvalConst(c, n.Expr)
			if err != nil {
				return v, err
			}
			if v.Sym != "" {
				return v, errors.New("cannot negate a symbol reference in a constant initializer")
			}
			if v.IsFloat {
				v.Float = -v.Float
			} else {
				v.Int = -v.Int
			}
			return v, nil
		}
	case *ast.Cast:
		return EvalConst(c, n.Expr)
	case *ast.Binary:
		if n.Op == ast.OpAdd || n.Op == ast.OpSub {
			l, err := EvalConst(c, n.Left)
			if err != nil {
				return l, err
			}
			r, err := EvalConst(c, n.Right)
			if err != nil {
				return r, err
			}
			switch {
			case l.Sym != "" && r.Sym == "":
				delta := r.Int
				if n.Op == ast.OpSub {
					delta = -delta
				}
				l.Off += delta
				return l, nil
			case r.Sym != "" && l.Sym == "" && n.Op == ast.OpAdd:
				r.Off += l.Int
				return r, nil
			case l.Sym == "" && r.Sym == "":
				if n.Op == ast.OpAdd {
					return ConstValue{Int: l.Int + r.Int}, nil
				}
				return ConstValue{Int: l.Int - r.Int}, nil
			}
		}
	}
	return ConstValue{}, errors.Errorf("unrepresentable constant initializer: %T", e)
}

func mangledNameOf(c *cctx.Context, name string) string {
	if g, ok := c.LookupGlobal(name); ok && g.MangledName != "" {
		return g.MangledName
	}
	return name
}
