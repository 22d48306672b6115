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

import (
	"math"

	"github.com/pkg/errors"

	"nanocc/internal/ast"
	"nanocc/internal/cctx"
	"nanocc/internal/diag"
	"nanocc/internal/types"
)

func reportUnrepresentable(c *cctx.Context, err error) {
	if c == nil || c.Diag == nil {
		return
	}
	c.Diag.Report(diag.Wrap(diag.BucketUnrepresentableInit, false, err, "unrepresentable global initializer"))
}

// layoutGlobals splits prog's globals into Wasm globals (primitive-typed,
// spec.md §4.7 "Globals with primitive type become Wasm globals") and
// linear-memory residents (arrays/structs/unions), assigning the latter
// addresses in traversal order starting at 0, exactly as
// construct_data_segment's address bookkeeping does in wcc.c.
func (m *Module) layoutGlobals(prog *ast.Program) error {
	addr := uint32(0)
	for _, v := range prog.Globals {
		if isPrimitive(v.Type) {
			wt, err := wtypeOf(v.Type)
			if err != nil {
				return errors.Wrapf(err, "global %s", v.Name)
			}
			pg := &primGlobal{name: v.Name, varInfo: v, wtype: wt, mutable: !v.IsConst}
			m.primIdx[v.Name] = len(m.primGlobals)
			m.primGlobals = append(m.primGlobals, pg)
			continue
		}
		name := v.Name
		if v.MangledName != "" {
			name = v.MangledName
		}
		addr = alignUp(addr, uint32(v.Type.Align()))
		m.memAddr[name] = addr
		m.memOrder = append(m.memOrder, v)
		addr += uint32(v.Type.Size())
	}
	m.memEnd = addr
	return nil
}

func alignUp(n, a uint32) uint32 {
	if a == 0 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

func signatureOf(fd *ast.FuncDecl) (funcType, error) {
	var ft funcType
	for _, p := range fd.Params {
		wt, err := wtypeOf(p.Type)
		if err != nil {
			return ft, errors.Wrapf(err, "param %s of %s", p.Name, fd.Name)
		}
		ft.params = append(ft.params, wt)
	}
	if fd.ReturnType != nil && fd.ReturnType.Kind != types.Void {
		wt, err := wtypeOf(fd.ReturnType)
		if err != nil {
			return ft, errors.Wrapf(err, "return type of %s", fd.Name)
		}
		ft.results = append(ft.results, wt)
	}
	return ft, nil
}

func (m *Module) internType(ft funcType) int {
	for i, t := range m.types {
		if t.equal(ft) {
			return i
		}
	}
	m.types = append(m.types, ft)
	return len(m.types) - 1
}

// collectFuncs derives imports from functions referenced but not defined
// (spec.md §4.7) and registers every function definition, imports first so
// the Wasm function-index space keeps import indices contiguous and low as
// the binary format requires.
func (m *Module) collectFuncs(prog *ast.Program) error {
	for _, fd := range prog.Funcs {
		if fd.Body != nil || fd.IsStatic || !m.called[fd.Name] {
			continue
		}
		ft, err := signatureOf(fd)
		if err != nil {
			return errors.Wrapf(err, "import %s", fd.Name)
		}
		m.funcIdx[fd.Name] = len(m.funcs)
		m.funcs = append(m.funcs, &funcInfo{name: fd.Name, decl: fd, typeIndex: m.internType(ft), imported: true})
	}
	for _, fd := range prog.Funcs {
		if fd.Body == nil {
			continue
		}
		ft, err := signatureOf(fd)
		if err != nil {
			return errors.Wrapf(err, "function %s", fd.Name)
		}
		m.funcIdx[fd.Name] = len(m.funcs)
		m.funcs = append(m.funcs, &funcInfo{name: fd.Name, decl: fd, typeIndex: m.internType(ft), imported: false})
	}
	return nil
}

func (m *Module) buildTypeSection() []byte {
	var b buffer
	b.uleb128(uint64(len(m.types)))
	for _, t := range m.types {
		b.byte(0x60) // functype form
		b.uleb128(uint64(len(t.params)))
		for _, p := range t.params {
			b.byte(byte(p))
		}
		b.uleb128(uint64(len(t.results)))
		for _, r := range t.results {
			b.byte(byte(r))
		}
	}
	return b.b
}

func (m *Module) buildImportSection() ([]byte, int) {
	var b buffer
	count := 0
	for _, fi := range m.funcs {
		if !fi.imported {
			continue
		}
		b.bytes(encodeName("env"))
		b.bytes(encodeName(fi.name))
		b.byte(externKindFunc)
		b.uleb128(uint64(fi.typeIndex))
		count++
	}
	// Import linear memory from the host, the way wcc.c always does
	// ("env.memory"), so a single memory instance can back several modules.
	b.bytes(encodeName("env"))
	b.bytes(encodeName("memory"))
	b.byte(externKindMemory)
	b.byte(0x00) // limits: no maximum
	b.uleb128(1) // initial size, in 64KiB pages
	count++
	return b.b, count
}

func (m *Module) buildFunctionSection() []byte {
	var b buffer
	var defined []*funcInfo
	for _, fi := range m.funcs {
		if !fi.imported {
			defined = append(defined, fi)
		}
	}
	b.uleb128(uint64(len(defined)))
	for _, fi := range defined {
		b.uleb128(uint64(fi.typeIndex))
	}
	return b.b
}

// buildGlobalSection emits the injected stack pointer (always global index
//0, spec.md §4.7's "stack-machine model" needs a mutable frame pointer
// analogue for address-taken/aggregate locals) followed by every
// primitive-typed global, in declaration order.
func (m *Module) buildGlobalSection() ([]byte, int) {
	var b buffer
	count := 0

	sp := alignUp(m.memEnd, 8) + m.opts.StackSize
	m.spGlobal = 0
	b.byte(byte(ValI32))
	b.byte(1) // mutable
	b.byte(0x41)
	b.sleb128(int64(sp))
	b.byte(0x0B)
	count++

	for _, pg := range m.primGlobals {
		mutable := byte(0)
		if pg.mutable {
			mutable = 1
		}
		b.byte(byte(pg.wtype))
		b.byte(mutable)
		m.emitPrimGlobalInit(&b, pg)
		b.byte(0x0B)
		count++
	}
	return b.b, count
}

func (m *Module) emitPrimGlobalInit(b *buffer, pg *primGlobal) {
	var iv int64
	var fv float64
	if pg.varInfo.Init != nil && pg.varInfo.Init.Scalar != nil {
		cv, err := dataEvalConst(m.ctx, pg.varInfo.Init.Scalar)
		if err != nil {
			reportUnrepresentable(m.ctx, err)
		} else if cv.Sym != "" {
			if addr, ok := m.memAddr[cv.Sym]; ok {
				iv = int64(addr) + cv.Off
			} else {
				reportUnrepresentable(m.ctx, errors.Errorf("global %q has no linear-memory address", cv.Sym))
			}
		} else if cv.IsFloat {
			iv, fv = int64(cv.Float), cv.Float
		} else {
			iv, fv = cv.Int, float64(cv.Int)
		}
	}
	switch pg.wtype {
	case ValI32:
		b.byte(0x41)
		b.sleb128(iv)
	case ValI64:
		b.byte(0x42)
		b.sleb128(iv)
	case ValF32:
		b.byte(0x43)
		b.bytes(f32le(float32(fv)))
	case ValF64:
		b.byte(0x44)
		b.bytes(f64le(fv))
	}
}

func (m *Module) buildExportSection() ([]byte, error) {
	var b buffer
	count := 0
	for _, name := range m.opts.Exports {
		idx, ok := m.funcIdx[name]
		if !ok {
			return nil, errors.Errorf("export: %q not found", name)
		}
		fi := m.funcs[idx]
		if fi.imported {
			return nil, errors.Errorf("export: %q is not defined in this module", name)
		}
		if fi.decl.IsStatic {
			return nil, errors.Errorf("export: %q is not public", name)
		}
		b.bytes(encodeName(name))
		b.byte(externKindFunc)
		b.uleb128(uint64(idx))
		count++
	}
	b.bytes(encodeName("__stack_pointer"))
	b.byte(externKindGlobal)
	b.uleb128(uint64(m.spGlobal))
	count++

	var full buffer
	full.uleb128(uint64(count))
	full.bytes(b.b)
	return full.b, nil
}

// buildDataSection constructs the single active data segment covering every
// initialized linear-memory-resident global, gap-filling skipped
// (uninitialized) ones with zero bytes exactly as construct_data_segment
// does in wcc.c — uninitialized globals otherwise rely on linear memory's
// own zero-initialization, so no bytes are written for their span.
func (m *Module) buildDataSection(prog *ast.Program) ([]byte, error) {
	var body buffer
	address := uint32(0)
	for _, v := range m.memOrder {
		if v.Init == nil {
			continue
		}
		name := v.Name
		if v.MangledName != "" {
			name = v.MangledName
		}
		adr := m.memAddr[name]
		if adr > address {
			body.bytes(make([]byte, adr-address))
			address = adr
		}
		raw, err := m.initBytes(v.Type, v.Init)
		if err != nil {
			return nil, err
		}
		body.bytes(raw)
		address += uint32(len(raw))
	}
	if body.len() == 0 {
		return nil, nil
	}
	var b buffer
	b.byte(0x01) // one data segment
	b.byte(0x00) // active, memory index 0
	b.byte(0x41) // i32.const
	b.sleb128(0)
	b.byte(0x0B) // end
	b.uleb128(uint64(body.len()))
	b.bytes(body.b)
	return b.b, nil
}

// initBytes lays out t's constant-initializer tree as raw little-endian
// bytes, the Data-section analogue of internal/data's text-directive
// emitter: same recursive shape (scalar/float/string/array/struct/union/
// bitfield-unit coalescing), grounded on the same construct_initial_value
// this package's module-level comment cites, but producing []byte instead
// of assembler text.
func (m *Module) initBytes(t *types.Type, init *ast.Initializer) ([]byte, error) {
	switch t.Kind {
	case types.Array:
		return m.initArrayBytes(t, init)
	case types.Struct:
		return m.initStructBytes(t, init)
	case types.Union:
		return m.initUnionBytes(t, init)
	default:
		return m.initScalarBytes(t, init)
	}
}

func (m *Module) initScalarBytes(t *types.Type, init *ast.Initializer) ([]byte, error) {
	size := t.Size()
	if init == nil || init.Scalar == nil {
		return make([]byte, size), nil
	}
	cv, err := dataEvalConst(m.ctx, init.Scalar)
	if err != nil {
		reportUnrepresentable(m.ctx, err)
		return make([]byte, size), nil
	}
	if t.IsFloat() {
		f := cv.Float
		if !cv.IsFloat {
			f = float64(cv.Int)
		}
		if size == 4 {
			return f32le(float32(f)), nil
		}
		return f64le(f), nil
	}
	v := cv.Int
	if cv.Sym != "" {
		addr, ok := m.memAddr[cv.Sym]
		if !ok {
			reportUnrepresentable(m.ctx, errors.Errorf("global %q has no linear-memory address", cv.Sym))
		} else {
			v = int64(addr) + cv.Off
		}
	}
	return intLE(v, size), nil
}

func intLE(v int64, size int) []byte {
	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

func f32le(f float32) []byte {
	return intLE(int64(math.Float32bits(f)), 4)
}

func f64le(f float64) []byte {
	return intLE(int64(math.Float64bits(f)), 8)
}

func (m *Module) initArrayBytes(t *types.Type, init *ast.Initializer) ([]byte, error) {
	elem := t.Base
	if init != nil && init.IsString && elem.Kind == types.Char {
		s := init.String
		if len(s) > t.Len {
			s = s[:t.Len]
		}
		out := make([]byte, t.Len)
		copy(out, s)
		return out, nil
	}
	var children []*ast.Initializer
	if init != nil {
		children = init.Children
	}
	out := make([]byte, 0, elem.Size()*t.Len)
	for i := 0; i < t.Len; i++ {
		var childInit *ast.Initializer
		if i < len(children) {
			childInit = children[i]
		}
		b, err := m.initBytes(elem, childInit)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func (m *Module) initStructBytes(t *types.Type, init *ast.Initializer) ([]byte, error) {
	var children []*ast.Initializer
	if init != nil {
		children = init.Children
	}
	out := make([]byte, t.Size())
	n := len(t.Members)
	for i := 0; i < n; {
		mem := t.Members[i]
		if mem.IsBitfield() {
			unitSize := mem.Type.Size()
			var combined uint64
			j := i
			for j < n && t.Members[j].IsBitfield() && t.Members[j].Offset == mem.Offset {
				mj := t.Members[j]
				var childInit *ast.Initializer
				if j < len(children) {
					childInit = children[j]
				}
				val, err := bitfieldValueRaw(m.ctx, childInit)
				if err != nil {
					reportUnrepresentable(m.ctx, err)
				}
				combined |= (val & mj.BitfieldMask()) << uint(mj.Pos)
				j++
			}
			copy(out[mem.Offset:], intLE(int64(combined), unitSize))
			i = j
			continue
		}
		var childInit *ast.Initializer
		if i < len(children) {
			childInit = children[i]
		}
		b, err := m.initBytes(mem.Type, childInit)
		if err != nil {
			return nil, err
		}
		copy(out[mem.Offset:], b)
		i++
	}
	return out, nil
}

func (m *Module) initUnionBytes(t *types.Type, init *ast.Initializer) ([]byte, error) {
	out := make([]byte, t.Size())
	if init == nil || len(init.Children) == 0 || init.Children[0] == nil || len(t.Members) == 0 {
		return out, nil
	}
	b, err := m.initBytes(t.Members[0].Type, init.Children[0])
	if err != nil {
		return nil, err
	}
	copy(out, b)
	return out, nil
}

func bitfieldValueRaw(ctx *cctx.Context, init *ast.Initializer) (uint64, error) {
	if init == nil || init.Scalar == nil {
		return 0, nil
	}
	cv, err := dataEvalConst(ctx, init.Scalar)
	if err != nil {
		return 0, err
	}
	return uint64(cv.Int), nil
}
