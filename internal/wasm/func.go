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
	"github.com/pkg/errors"

	"nanocc/internal/ast"
	"nanocc/internal/types"
)

// Wasm opcodes this backend emits. Not exhaustive — only what a C function
// body can lower to under the scalar-only ABI (spec.md §4.7).
const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0B
	opBr          = 0x0C
	opBrIf        = 0x0D
	opReturn      = 0x0F
	opCall        = 0x10
	opDrop        = 0x1A

	opLocalGet  = 0x20
	opLocalSet  = 0x21
	opLocalTee  = 0x22
	opGlobalGet = 0x23
	opGlobalSet = 0x24

	opI32Load    = 0x28
	opI64Load    = 0x29
	opF32Load    = 0x2A
	opF64Load    = 0x2B
	opI32Load8S  = 0x2C
	opI32Load8U  = 0x2D
	opI32Load16S = 0x2E
	opI32Load16U = 0x2F
	opI64Load8S  = 0x30
	opI64Load8U  = 0x31
	opI64Load16S = 0x32
	opI64Load16U = 0x33
	opI64Load32S = 0x34
	opI64Load32U = 0x35
	opI32Store   = 0x36
	opI64Store   = 0x37
	opF32Store   = 0x38
	opF64Store   = 0x39
	opI32Store8  = 0x3A
	opI32Store16 = 0x3B
	opI64Store8  = 0x3C
	opI64Store16 = 0x3D
	opI64Store32 = 0x3E

	opI32Const = 0x41
	opI64Const = 0x42
	opF32Const = 0x43
	opF64Const = 0x44

	opI32Eqz = 0x45
	opI32Eq  = 0x46
	opI32Ne  = 0x47
	opI32LtS = 0x48
	opI32LtU = 0x49
	opI32GtS = 0x4A
	opI32GtU = 0x4B
	opI32LeS = 0x4C
	opI32LeU = 0x4D
	opI32GeS = 0x4E
	opI32GeU = 0x4F

	opI64Eqz = 0x50
	opI64Eq  = 0x51
	opI64Ne  = 0x52
	opI64LtS = 0x53
	opI64LtU = 0x54
	opI64GtS = 0x55
	opI64GtU = 0x56
	opI64LeS = 0x57
	opI64LeU = 0x58
	opI64GeS = 0x59
	opI64GeU = 0x5A

	opF32Eq = 0x5B
	opF32Ne = 0x5C
	opF32Lt = 0x5D
	opF32Gt = 0x5E
	opF32Le = 0x5F
	opF32Ge = 0x60

	opF64Eq = 0x61
	opF64Ne = 0x62
	opF64Lt = 0x63
	opF64Gt = 0x64
	opF64Le = 0x65
	opF64Ge = 0x66

	opI32Add  = 0x6A
	opI32Sub  = 0x6B
	opI32Mul  = 0x6C
	opI32DivS = 0x6D
	opI32DivU = 0x6E
	opI32RemS = 0x6F
	opI32RemU = 0x70
	opI32And  = 0x71
	opI32Or   = 0x72
	opI32Xor  = 0x73
	opI32Shl  = 0x74
	opI32ShrS = 0x75
	opI32ShrU = 0x76

	opI64Add  = 0x7C
	opI64Sub  = 0x7D
	opI64Mul  = 0x7E
	opI64DivS = 0x7F
	opI64DivU = 0x80
	opI64RemS = 0x81
	opI64RemU = 0x82
	opI64And  = 0x83
	opI64Or   = 0x84
	opI64Xor  = 0x85
	opI64Shl  = 0x86
	opI64ShrS = 0x87
	opI64ShrU = 0x88

	opF32Neg = 0x8C
	opF32Add = 0x92
	opF32Sub = 0x93
	opF32Mul = 0x94
	opF32Div = 0x95

	opF64Neg = 0x9A
	opF64Add = 0xA0
	opF64Sub = 0xA1
	opF64Mul = 0xA2
	opF64Div = 0xA3

	opI32WrapI64     = 0xA7
	opI32TruncF32S   = 0xA8
	opI32TruncF64S   = 0xAA
	opI64ExtendI32S  = 0xAC
	opI64ExtendI32U  = 0xAD
	opI64TruncF32S   = 0xAE
	opI64TruncF64S   = 0xB0
	opF32ConvertI32S = 0xB2
	opF32ConvertI64S = 0xB4
	opF32DemoteF64   = 0xB6
	opF64ConvertI32S = 0xB7
	opF64ConvertI64S = 0xB9
	opF64PromoteF32  = 0xBB

	blockTypeEmpty = 0x40
)

type localSlot struct {
	idx   int
	wtype ValType
}

type frameSlot struct {
	offset uint32
	typ    *types.Type
}

// funcGen emits one function's body, walking the AST directly rather than
// going through internal/ir + internal/regalloc (spec.md §4.7: IR
// construction and register allocation are bypassed for this target).
type funcGen struct {
	m  *Module
	fd *ast.FuncDecl

	buf buffer

	locals map[string]localSlot // name -> dedicated wasm local (scalars never address-taken)
	frame  map[string]frameSlot // name -> linear-memory frame slot (address-taken or aggregate)

	nextLocalIdx   int
	localDeclTypes []ValType // extra locals beyond the params, in declaration order

	frameSize uint32
	fpIdx     int // wasm local index of $fp, valid only when frameSize > 0

	breakStack    []int
	continueStack []int
	depth         int
}

// buildCodeSection emits the Code section body: one length-prefixed entry
// per defined function, in the same order as the Function section.
func (m *Module) buildCodeSection() ([]byte, error) {
	var out buffer
	var defined []*funcInfo
	for _, fi := range m.funcs {
		if !fi.imported {
			defined = append(defined, fi)
		}
	}
	out.uleb128(uint64(len(defined)))
	for _, fi := range defined {
		body, err := m.genFunction(fi)
		if err != nil {
			return nil, errors.Wrapf(err, "function %s", fi.name)
		}
		out.bytes(prefixedByLength(body))
	}
	return out.b, nil
}

func (m *Module) genFunction(fi *funcInfo) ([]byte, error) {
	fd := fi.decl
	g := &funcGen{
		m:      m,
		fd:     fd,
		locals: map[string]localSlot{},
		frame:  map[string]frameSlot{},
	}

	addrTaken := addrTakenNames(fd.Body)

	g.nextLocalIdx = len(fd.Params)
	for _, p := range fd.Params {
		if addrTaken[p.Name] || !isPrimitive(p.Type) {
			continue // materialized into the frame during the prologue instead
		}
		wt, err := wtypeOf(p.Type)
		if err != nil {
			return nil, err
		}
		g.locals[p.Name] = localSlot{idx: paramIdx(fd, p.Name), wtype: wt}
	}

	for _, v := range fd.Locals {
		if addrTaken[v.Name] || !isPrimitive(v.Type) {
			off := alignUp32(g.frameSize, uint32(v.Type.Align()))
			g.frame[v.Name] = frameSlot{offset: off, typ: v.Type}
			g.frameSize = off + uint32(v.Type.Size())
			continue
		}
		wt, err := wtypeOf(v.Type)
		if err != nil {
			return nil, err
		}
		g.locals[v.Name] = g.declareLocal(wt)
	}
	for _, p := range fd.Params {
		if !(addrTaken[p.Name] || !isPrimitive(p.Type)) {
			continue
		}
		off := alignUp32(g.frameSize, uint32(p.Type.Align()))
		g.frame[p.Name] = frameSlot{offset: off, typ: p.Type}
		g.frameSize = off + uint32(p.Type.Size())
	}

	if g.frameSize > 0 {
		g.fpIdx = g.nextLocalIdx
		g.localDeclTypes = append(g.localDeclTypes, ValI32)
		g.nextLocalIdx++
	}

	if err := g.emitPrologue(fi, addrTaken); err != nil {
		return nil, err
	}
	if fd.Body != nil {
		if err := g.genStmt(fd.Body); err != nil {
			return nil, err
		}
	}
	if g.frameSize > 0 {
		g.teardownFrame()
	}
	g.buf.byte(opEnd)

	var out buffer
	runs := compressRuns(g.localDeclTypes)
	out.uleb128(uint64(len(runs)))
	for _, r := range runs {
		out.uleb128(uint64(r.count))
		out.byte(byte(r.wtype))
	}
	out.bytes(g.buf.b)
	return out.b, nil
}

type localRun struct {
	count int
	wtype ValType
}

func compressRuns(wtypes []ValType) []localRun {
	var runs []localRun
	for _, t := range wtypes {
		if len(runs) > 0 && runs[len(runs)-1].wtype == t {
			runs[len(runs)-1].count++
			continue
		}
		runs = append(runs, localRun{count: 1, wtype: t})
	}
	return runs
}

func (g *funcGen) declareLocal(wt ValType) localSlot {
	idx := g.nextLocalIdx
	g.nextLocalIdx++
	g.localDeclTypes = append(g.localDeclTypes, wt)
	return localSlot{idx: idx, wtype: wt}
}

func paramIdx(fd *ast.FuncDecl, name string) int {
	for i, p := range fd.Params {
		if p.Name == name {
			return i
		}
	}
	return -1
}

func alignUp32(n, a uint32) uint32 {
	if a == 0 {
		return n
	}
	return (n + a - 1) &^ (a - 1)
}

// emitPrologue carves this function's frame out of the shared linear-memory
// stack (a reserved global $sp, spec.md §4.7's stack-machine note on
// address-taken locals) and copies any address-taken/aggregate parameter
// into it — parameters always arrive as plain Wasm values, never frame-
// resident, since the Wasm ABI itself has no notion of a stack frame.
func (g *funcGen) emitPrologue(fi *funcInfo, addrTaken map[string]bool) error {
	if g.frameSize == 0 {
		return nil
	}
	g.buf.byte(opGlobalGet)
	g.buf.uleb128(uint64(g.m.spGlobal))
	g.buf.byte(opI32Const)
	g.buf.sleb128(int64(g.frameSize))
	g.buf.byte(opI32Sub)
	g.buf.byte(opLocalTee)
	g.buf.uleb128(uint64(g.fpIdx))
	g.buf.byte(opGlobalSet)
	g.buf.uleb128(uint64(g.m.spGlobal))

	for _, p := range fi.decl.Params {
		if !(addrTaken[p.Name] || !isPrimitive(p.Type)) {
			continue
		}
		if !isPrimitive(p.Type) {
			// Aggregate parameters cannot cross the function boundary by
			// value in this backend (wtypeOf already rejected them during
			// signature construction); nothing to copy here.
			continue
		}
		slot := g.frame[p.Name]
		g.buf.byte(opLocalGet)
		g.buf.uleb128(uint64(g.fpIdx))
		wt, err := wtypeOf(p.Type)
		if err != nil {
			return err
		}
		g.buf.byte(opLocalGet)
		g.buf.uleb128(uint64(paramIdx(fi.decl, p.Name)))
		if err := g.emitStore(p.Type, wt, slot.offset); err != nil {
			return err
		}
	}
	return nil
}

func (g *funcGen) teardownFrame() {
	g.buf.byte(opLocalGet)
	g.buf.uleb128(uint64(g.fpIdx))
	g.buf.byte(opI32Const)
	g.buf.sleb128(int64(g.frameSize))
	g.buf.byte(opI32Add)
	g.buf.byte(opGlobalSet)
	g.buf.uleb128(uint64(g.m.spGlobal))
}

// addrTakenNames reports the set of local/parameter names that UnaryAddr
// ever takes the address of anywhere in body, matching wcc.c's own
// register-vs-frame local classification rationale: only variables whose
// address escapes need to live in addressable linear memory.
func addrTakenNames(body *ast.Block) map[string]bool {
	found := map[string]bool{}
	if body == nil {
		return found
	}
	var walkStmt func(ast.Stmt)
	var walkExpr func(ast.Expr)
	walkExpr = func(e ast.Expr) {
		switch n := e.(type) {
		case *ast.Unary:
			if n.Op == ast.UnaryAddr {
				if v, ok := n.Expr.(*ast.Var); ok && (v.IsLocal || v.IsParam) {
					found[v.Name] = true
				}
			}
			walkExpr(n.Expr)
		case *ast.Binary:
			walkExpr(n.Left)
			walkExpr(n.Right)
		case *ast.Cond:
			walkExpr(n.Cond)
			walkExpr(n.Then)
			walkExpr(n.Else)
		case *ast.Call:
			if n.Callee != nil {
				walkExpr(n.Callee)
			}
			for _, a := range n.Args {
				walkExpr(a)
			}
		case *ast.Member:
			walkExpr(n.Base)
		case *ast.Index:
			walkExpr(n.Base)
			walkExpr(n.Idx)
		case *ast.Cast:
			walkExpr(n.Expr)
		}
	}
	walkStmt = func(s ast.Stmt) {
		switch n := s.(type) {
		case *ast.Block:
			for _, st := range n.Stmts {
				walkStmt(st)
			}
		case *ast.ExprStmt:
			walkExpr(n.X)
		case *ast.ReturnStmt:
			if n.X != nil {
				walkExpr(n.X)
			}
		case *ast.IfStmt:
			walkExpr(n.Cond)
			walkStmt(n.Then)
			if n.Else != nil {
				walkStmt(n.Else)
			}
		case *ast.ForStmt:
			if n.Init != nil {
				walkStmt(n.Init)
			}
			if n.Cond != nil {
				walkExpr(n.Cond)
			}
			if n.Post != nil {
				walkStmt(n.Post)
			}
			walkStmt(n.Body)
		case *ast.SwitchStmt:
			walkExpr(n.Tag)
			for _, ce := range n.Cases {
				walkStmt(ce.Body)
			}
		}
	}
	walkStmt(body)
	return found
}

// --- control-flow label bookkeeping -----------------------------------------

func (g *funcGen) openBlock(op byte, resultType byte) int {
	g.buf.byte(op)
	g.buf.byte(resultType)
	g.depth++
	return g.depth
}

func (g *funcGen) closeBlock() {
	g.buf.byte(opEnd)
	g.depth--
}

func (g *funcGen) relDepth(label int) uint64 {
	return uint64(g.depth - label)
}

// --- statements --------------------------------------------------------------

func (g *funcGen) genStmt(s ast.Stmt) error {
	switch n := s.(type) {
	case *ast.Block:
		for _, st := range n.Stmts {
			if err := g.genStmt(st); err != nil {
				return err
			}
		}
	case *ast.ExprStmt:
		if err := g.genExpr(n.X); err != nil {
			return err
		}
		if n.X.Type() == nil || n.X.Type().Kind != types.Void {
			g.buf.byte(opDrop)
		}
	case *ast.ReturnStmt:
		if n.X != nil {
			if err := g.genExpr(n.X); err != nil {
				return err
			}
		}
		if g.frameSize > 0 {
			g.teardownFrame()
		}
		g.buf.byte(opReturn)
	case *ast.IfStmt:
		return g.genIf(n)
	case *ast.ForStmt:
		return g.genFor(n)
	case *ast.SwitchStmt:
		return g.genSwitch(n)
	case *ast.BreakStmt:
		if len(g.breakStack) == 0 {
			return errors.New("break outside a loop or switch")
		}
		g.buf.byte(opBr)
		g.buf.uleb128(g.relDepth(g.breakStack[len(g.breakStack)-1]))
	case *ast.ContinueStmt:
		if len(g.continueStack) == 0 {
			return errors.New("continue outside a loop")
		}
		g.buf.byte(opBr)
		g.buf.uleb128(g.relDepth(g.continueStack[len(g.continueStack)-1]))
	case *ast.AsmStmt:
		// Inline assembly has no Wasm equivalent in this MVP backend; the
		// native targets are where raw ASM opcodes apply (spec.md §4.1).
	default:
		return errors.Errorf("wasm backend: unsupported statement %T", s)
	}
	return nil
}

func (g *funcGen) genIf(n *ast.IfStmt) error {
	if err := g.genExpr(n.Cond); err != nil {
		return err
	}
	if err := g.toBoolI32(n.Cond.Type()); err != nil {
		return err
	}
	g.openBlock(opIf, blockTypeEmpty)
	if err := g.genStmt(n.Then); err != nil {
		return err
	}
	if n.Else != nil {
		g.buf.byte(opElse)
		if err := g.genStmt(n.Else); err != nil {
			return err
		}
	}
	g.closeBlock()
	return nil
}

// genFor lowers both `for` and `while` (Init/Post nil) using the verified
// nested-block pattern: an outer block gives `break` somewhere to jump to,
// the loop repeats, and an inner block wraps only the body so that
// `continue` still reaches the post-expression before re-testing Cond.
func (g *funcGen) genFor(n *ast.ForStmt) error {
	if n.Init != nil {
		if err := g.genStmt(n.Init); err != nil {
			return err
		}
	}
	breakLabel := g.openBlock(opBlock, blockTypeEmpty)
	g.breakStack = append(g.breakStack, breakLabel)
	loopLabel := g.openBlock(opLoop, blockTypeEmpty)

	if n.Cond != nil {
		if err := g.genExpr(n.Cond); err != nil {
			return err
		}
		if err := g.toBoolI32(n.Cond.Type()); err != nil {
			return err
		}
		g.buf.byte(opI32Eqz)
		g.buf.byte(opBrIf)
		g.buf.uleb128(g.relDepth(breakLabel))
	}

	continueLabel := g.openBlock(opBlock, blockTypeEmpty)
	g.continueStack = append(g.continueStack, continueLabel)
	if err := g.genStmt(n.Body); err != nil {
		return err
	}
	g.continueStack = g.continueStack[:len(g.continueStack)-1]
	g.closeBlock() // continueLabel

	if n.Post != nil {
		if err := g.genStmt(n.Post); err != nil {
			return err
		}
	}
	g.buf.byte(opBr)
	g.buf.uleb128(g.relDepth(loopLabel))
	g.closeBlock() // loopLabel

	g.breakStack = g.breakStack[:len(g.breakStack)-1]
	g.closeBlock() // breakLabel
	return nil
}

// genSwitch lowers a C switch into n+1 nested blocks (one per case plus the
// break target), each case's `end` landing exactly on that case's code, so
// dispatch never relies on a native br_table and always branches explicitly
// even when no case matches.
func (g *funcGen) genSwitch(n *ast.SwitchStmt) error {
	breakLabel := g.openBlock(opBlock, blockTypeEmpty)
	g.breakStack = append(g.breakStack, breakLabel)

	cnt := len(n.Cases)
	labels := make([]int, cnt)
	for i := cnt - 1; i >= 0; i-- {
		labels[i] = g.openBlock(opBlock, blockTypeEmpty)
	}

	if err := g.emitSwitchDispatch(n, labels, breakLabel); err != nil {
		return err
	}

	for i := 0; i < cnt; i++ {
		g.closeBlock()
		if err := g.genStmt(n.Cases[i].Body); err != nil {
			return err
		}
		if i != cnt-1 {
			g.buf.byte(opBr)
			g.buf.uleb128(g.relDepth(breakLabel))
		}
	}

	g.breakStack = g.breakStack[:len(g.breakStack)-1]
	g.closeBlock() // breakLabel
	return nil
}

func (g *funcGen) emitSwitchDispatch(n *ast.SwitchStmt, labels []int, breakLabel int) error {
	wt, err := wtypeOf(n.Tag.Type())
	if err != nil {
		return err
	}
	if err := g.genExpr(n.Tag); err != nil {
		return err
	}
	tag := g.declareLocal(wt)
	g.buf.byte(opLocalSet)
	g.buf.uleb128(uint64(tag.idx))

	defaultIdx := -1
	for i, ce := range n.Cases {
		if ce.IsDefault {
			defaultIdx = i
			continue
		}
		g.buf.byte(opLocalGet)
		g.buf.uleb128(uint64(tag.idx))
		switch wt {
		case ValI64:
			g.buf.byte(opI64Const)
			g.buf.sleb128(ce.Value)
			g.buf.byte(opI64Eq)
		default:
			g.buf.byte(opI32Const)
			g.buf.sleb128(ce.Value)
			g.buf.byte(opI32Eq)
		}
		g.buf.byte(opBrIf)
		g.buf.uleb128(g.relDepth(labels[i]))
	}
	target := breakLabel
	if defaultIdx >= 0 {
		target = labels[defaultIdx]
	}
	g.buf.byte(opBr)
	g.buf.uleb128(g.relDepth(target))
	return nil
}

func (g *funcGen) toBoolI32(t *types.Type) error {
	wt, err := wtypeOf(t)
	if err != nil {
		return err
	}
	switch wt {
	case ValI32:
		// A nonzero i32 is already truthy.
	case ValI64:
		g.buf.byte(opI64Const)
		g.buf.sleb128(0)
		g.buf.byte(opI64Ne)
	case ValF32:
		g.buf.byte(opF32Const)
		g.buf.bytes(f32le(0))
		g.buf.byte(opF32Ne)
	case ValF64:
		g.buf.byte(opF64Const)
		g.buf.bytes(f64le(0))
		g.buf.byte(opF64Ne)
	}
	return nil
}
