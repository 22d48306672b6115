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

// genExpr pushes e's value onto the operand stack, per Wasm's stack-machine
// model (spec.md §4.7). Aggregates never reach here as a pushed value — only
// their address does, via genLValueAddr — since they cannot cross the
// function boundary by value under this backend's scalar-only ABI.
func (g *funcGen) genExpr(e ast.Expr) error {
	switch n := e.(type) {
	case *ast.IntLit:
		return g.pushInt(n.Type(), n.Value)
	case *ast.FloatLit:
		return g.pushFloat(n.Type(), n.Value)
	case *ast.StringLit:
		return errors.New("wasm backend: string literal expressions are not supported outside of global initializers")
	case *ast.Var:
		return g.genVar(n)
	case *ast.Unary:
		return g.genUnary(n)
	case *ast.Binary:
		return g.genBinary(n)
	case *ast.Cond:
		return g.genCond(n)
	case *ast.Call:
		return g.genCall(n)
	case *ast.Member:
		return g.genLoadFrom(n)
	case *ast.Index:
		return g.genLoadFrom(n)
	case *ast.Cast:
		return g.genCast(n)
	default:
		return errors.Errorf("wasm backend: unsupported expression %T", e)
	}
}

func (g *funcGen) pushInt(t *types.Type, v int64) error {
	wt, err := wtypeOf(t)
	if err != nil {
		return err
	}
	switch wt {
	case ValI64:
		g.buf.byte(opI64Const)
		g.buf.sleb128(v)
	case ValF32:
		g.buf.byte(opF32Const)
		g.buf.bytes(f32le(float32(v)))
	case ValF64:
		g.buf.byte(opF64Const)
		g.buf.bytes(f64le(float64(v)))
	default:
		g.buf.byte(opI32Const)
		g.buf.sleb128(v)
	}
	return nil
}

func (g *funcGen) pushFloat(t *types.Type, f float64) error {
	wt, err := wtypeOf(t)
	if err != nil {
		return err
	}
	switch wt {
	case ValF32:
		g.buf.byte(opF32Const)
		g.buf.bytes(f32le(float32(f)))
	case ValI32:
		g.buf.byte(opI32Const)
		g.buf.sleb128(int64(f))
	case ValI64:
		g.buf.byte(opI64Const)
		g.buf.sleb128(int64(f))
	default:
		g.buf.byte(opF64Const)
		g.buf.bytes(f64le(f))
	}
	return nil
}

func (g *funcGen) genVar(v *ast.Var) error {
	if v.IsGlobal {
		if pgIdx, ok := g.m.primIdx[v.Name]; ok {
			g.buf.byte(opGlobalGet)
			g.buf.uleb128(uint64(pgIdx + 1)) // +1: index 0 is the injected stack pointer
			return nil
		}
		name := v.Name
		if gv, ok := g.m.ctx.LookupGlobal(v.Name); ok && gv.MangledName != "" {
			name = gv.MangledName
		}
		addr, ok := g.m.memAddr[name]
		if !ok {
			return errors.Errorf("global %q has no linear-memory address", v.Name)
		}
		g.buf.byte(opI32Const)
		g.buf.sleb128(int64(addr))
		if isPrimitive(v.Type()) {
			return g.emitLoad(v.Type(), 0)
		}
		return nil // array/struct rvalue decays to its own address
	}
	if slot, ok := g.locals[v.Name]; ok {
		g.buf.byte(opLocalGet)
		g.buf.uleb128(uint64(slot.idx))
		return nil
	}
	if fs, ok := g.frame[v.Name]; ok {
		g.buf.byte(opLocalGet)
		g.buf.uleb128(uint64(g.fpIdx))
		if fs.offset != 0 {
			g.buf.byte(opI32Const)
			g.buf.sleb128(int64(fs.offset))
			g.buf.byte(opI32Add)
		}
		if isPrimitive(v.Type()) {
			return g.emitLoad(v.Type(), 0)
		}
		return nil
	}
	return errors.Errorf("wasm backend: unresolved variable %q", v.Name)
}

// genLValueAddr pushes e's address (an i32 into linear memory); e must be
// one of the expression shapes that can appear on the left of `=` or under
// `&`.
func (g *funcGen) genLValueAddr(e ast.Expr) error {
	switch n := e.(type) {
	case *ast.Var:
		if n.IsGlobal {
			name := n.Name
			if gv, ok := g.m.ctx.LookupGlobal(n.Name); ok && gv.MangledName != "" {
				name = gv.MangledName
			}
			addr, ok := g.m.memAddr[name]
			if !ok {
				return errors.Errorf("global %q has no linear-memory address", n.Name)
			}
			g.buf.byte(opI32Const)
			g.buf.sleb128(int64(addr))
			return nil
		}
		fs, ok := g.frame[n.Name]
		if !ok {
			return errors.Errorf("variable %q's address was not reserved in the frame", n.Name)
		}
		g.buf.byte(opLocalGet)
		g.buf.uleb128(uint64(g.fpIdx))
		if fs.offset != 0 {
			g.buf.byte(opI32Const)
			g.buf.sleb128(int64(fs.offset))
			g.buf.byte(opI32Add)
		}
		return nil
	case *ast.Unary:
		if n.Op == ast.UnaryDeref {
			return g.genExpr(n.Expr)
		}
	case *ast.Member:
		if err := g.baseAddr(n.Base, n.Arrow); err != nil {
			return err
		}
		if n.Field.Offset != 0 {
			g.buf.byte(opI32Const)
			g.buf.sleb128(int64(n.Field.Offset))
			g.buf.byte(opI32Add)
		}
		return nil
	case *ast.Index:
		if err := g.genExpr(n.Base); err != nil {
			return err
		}
		elemSize := int64(n.Type().Size())
		if err := g.genExpr(n.Idx); err != nil {
			return err
		}
		idxWt, err := wtypeOf(n.Idx.Type())
		if err != nil {
			return err
		}
		if idxWt == ValI64 {
			g.buf.byte(opI32WrapI64)
		}
		g.buf.byte(opI32Const)
		g.buf.sleb128(elemSize)
		g.buf.byte(opI32Mul)
		g.buf.byte(opI32Add)
		return nil
	}
	return errors.Errorf("wasm backend: %T is not an addressable expression", e)
}

// baseAddr pushes the address a Member access should add its field offset
// to: Base's own address for `.`, or Base's pointer value for `->`.
func (g *funcGen) baseAddr(base ast.Expr, arrow bool) error {
	if arrow {
		return g.genExpr(base)
	}
	return g.genLValueAddr(base)
}

func (g *funcGen) genLoadFrom(e ast.Expr) error {
	if err := g.genLValueAddr(e); err != nil {
		return err
	}
	if !isPrimitive(e.Type()) {
		return nil // base address is the aggregate's value in this backend
	}
	return g.emitLoad(e.Type(), 0)
}

func (g *funcGen) emitLoad(t *types.Type, offset uint32) error {
	op, err := loadOpFor(t)
	if err != nil {
		return err
	}
	g.buf.byte(op)
	g.buf.byte(0) // alignment hint
	g.buf.uleb128(uint64(offset))
	return nil
}

func (g *funcGen) emitStore(t *types.Type, valueWt ValType, offset uint32) error {
	op, err := storeOpFor(t)
	if err != nil {
		return err
	}
	g.buf.byte(op)
	g.buf.byte(0)
	g.buf.uleb128(uint64(offset))
	return nil
}

func loadOpFor(t *types.Type) (byte, error) {
	switch {
	case t.IsFloat():
		if t.Size() <= 4 {
			return opF32Load, nil
		}
		return opF64Load, nil
	case t.IsPtr():
		return opI32Load, nil
	case t.IsInteger():
		signed := !t.IsUnsigned()
		wide := t.Size() > 4
		switch t.Size() {
		case 1:
			if wide {
				if signed {
					return opI64Load8S, nil
				}
				return opI64Load8U, nil
			}
			if signed {
				return opI32Load8S, nil
			}
			return opI32Load8U, nil
		case 2:
			if wide {
				if signed {
					return opI64Load16S, nil
				}
				return opI64Load16U, nil
			}
			if signed {
				return opI32Load16S, nil
			}
			return opI32Load16U, nil
		case 4:
			if wide {
				if signed {
					return opI64Load32S, nil
				}
				return opI64Load32U, nil
			}
			return opI32Load, nil
		default:
			return opI64Load, nil
		}
	default:
		return 0, errors.Errorf("type %s cannot be loaded as a wasm scalar", t)
	}
}

func storeOpFor(t *types.Type) (byte, error) {
	switch {
	case t.IsFloat():
		if t.Size() <= 4 {
			return opF32Store, nil
		}
		return opF64Store, nil
	case t.IsPtr():
		return opI32Store, nil
	case t.IsInteger():
		wide := t.Size() > 4
		switch t.Size() {
		case 1:
			if wide {
				return opI64Store8, nil
			}
			return opI32Store8, nil
		case 2:
			if wide {
				return opI64Store16, nil
			}
			return opI32Store16, nil
		case 4:
			if wide {
				return opI64Store32, nil
			}
			return opI32Store, nil
		default:
			return opI64Store, nil
		}
	default:
		return 0, errors.Errorf("type %s cannot be stored as a wasm scalar", t)
	}
}

func (g *funcGen) genUnary(n *ast.Unary) error {
	switch n.Op {
	case ast.UnaryAddr:
		return g.genLValueAddr(n.Expr)
	case ast.UnaryDeref:
		if err := g.genExpr(n.Expr); err != nil {
			return err
		}
		if !isPrimitive(n.Type()) {
			return nil
		}
		return g.emitLoad(n.Type(), 0)
	case ast.UnaryNeg:
		wt, err := wtypeOf(n.Type())
		if err != nil {
			return err
		}
		if wt == ValF32 || wt == ValF64 {
			if err := g.genExpr(n.Expr); err != nil {
				return err
			}
			if wt == ValF32 {
				g.buf.byte(opF32Neg)
			} else {
				g.buf.byte(opF64Neg)
			}
			return nil
		}
		if err := g.genExpr(n.Expr); err != nil {
			return err
		}
		if wt == ValI64 {
			g.buf.byte(opI64Const)
			g.buf.sleb128(-1)
			g.buf.byte(opI64Mul)
		} else {
			g.buf.byte(opI32Const)
			g.buf.sleb128(-1)
			g.buf.byte(opI32Mul)
		}
		return nil
	case ast.UnaryBitNot:
		wt, err := wtypeOf(n.Type())
		if err != nil {
			return err
		}
		if err := g.genExpr(n.Expr); err != nil {
			return err
		}
		if wt == ValI64 {
			g.buf.byte(opI64Const)
			g.buf.sleb128(-1)
			g.buf.byte(opI64Xor)
		} else {
			g.buf.byte(opI32Const)
			g.buf.sleb128(-1)
			g.buf.byte(opI32Xor)
		}
		return nil
	case ast.UnaryLogNot:
		if err := g.genExpr(n.Expr); err != nil {
			return err
		}
		return g.toBoolZeroInverted(n.Expr.Type())
	case ast.UnaryPreInc, ast.UnaryPreDec, ast.UnaryPostInc, ast.UnaryPostDec:
		return g.genIncDec(n)
	default:
		return errors.Errorf("wasm backend: unsupported unary operator %d", n.Op)
	}
}

// toBoolZeroInverted implements `!x`: leaves i32 1 when x is zero, 0
// otherwise.
func (g *funcGen) toBoolZeroInverted(t *types.Type) error {
	wt, err := wtypeOf(t)
	if err != nil {
		return err
	}
	switch wt {
	case ValI32:
		g.buf.byte(opI32Eqz)
	case ValI64:
		g.buf.byte(opI64Eqz)
	case ValF32:
		g.buf.byte(opF32Const)
		g.buf.bytes(f32le(0))
		g.buf.byte(opF32Eq)
	case ValF64:
		g.buf.byte(opF64Const)
		g.buf.bytes(f64le(0))
		g.buf.byte(opF64Eq)
	}
	return nil
}

// genIncDec implements ++/-- by reading the operand's current value,
// computing the updated value, storing it back, and leaving either the old
// (postfix) or new (prefix) value on the stack.
func (g *funcGen) genIncDec(n *ast.Unary) error {
	inc := n.Op == ast.UnaryPreInc || n.Op == ast.UnaryPostInc
	post := n.Op == ast.UnaryPostInc || n.Op == ast.UnaryPostDec

	delta := int64(1)
	if n.Expr.Type().IsPtr() {
		delta = int64(n.Expr.Type().Base.Size())
	}
	if !inc {
		delta = -delta
	}

	if lv, ok := n.Expr.(*ast.Var); ok && !lv.IsGlobal {
		if slot, ok := g.locals[lv.Name]; ok {
			g.buf.byte(opLocalGet)
			g.buf.uleb128(uint64(slot.idx))
			if post {
				scratch := g.declareLocal(slot.wtype)
				g.buf.byte(opLocalTee)
				g.buf.uleb128(uint64(scratch.idx))
				g.addConst(slot.wtype, delta)
				g.buf.byte(opLocalSet)
				g.buf.uleb128(uint64(slot.idx))
				g.buf.byte(opLocalGet)
				g.buf.uleb128(uint64(scratch.idx))
				return nil
			}
			g.addConst(slot.wtype, delta)
			g.buf.byte(opLocalTee)
			g.buf.uleb128(uint64(slot.idx))
			return nil
		}
	}

	// General lvalue path: address computed once, then load/modify/store,
	// holding the old and updated values in scratch locals so the result
	// (old for postfix, new for prefix) can be pushed after the store.
	if err := g.genLValueAddr(n.Expr); err != nil {
		return err
	}
	wt, err := wtypeOf(n.Expr.Type())
	if err != nil {
		return err
	}
	addrScratch := g.declareLocal(ValI32)
	g.buf.byte(opLocalTee)
	g.buf.uleb128(uint64(addrScratch.idx))
	if err := g.emitLoad(n.Expr.Type(), 0); err != nil {
		return err
	}
	oldVal := g.declareLocal(wt)
	g.buf.byte(opLocalSet)
	g.buf.uleb128(uint64(oldVal.idx))

	g.buf.byte(opLocalGet)
	g.buf.uleb128(uint64(oldVal.idx))
	g.addConst(wt, delta)
	newVal := g.declareLocal(wt)
	g.buf.byte(opLocalSet)
	g.buf.uleb128(uint64(newVal.idx))

	g.buf.byte(opLocalGet)
	g.buf.uleb128(uint64(addrScratch.idx))
	g.buf.byte(opLocalGet)
	g.buf.uleb128(uint64(newVal.idx))
	if err := g.emitStore(n.Expr.Type(), wt, 0); err != nil {
		return err
	}

	result := newVal
	if post {
		result = oldVal
	}
	g.buf.byte(opLocalGet)
	g.buf.uleb128(uint64(result.idx))
	return nil
}

func (g *funcGen) addConst(wt ValType, delta int64) {
	switch wt {
	case ValI64:
		g.buf.byte(opI64Const)
		g.buf.sleb128(delta)
		g.buf.byte(opI64Add)
	case ValF32:
		g.buf.byte(opF32Const)
		g.buf.bytes(f32le(float32(delta)))
		g.buf.byte(opF32Add)
	case ValF64:
		g.buf.byte(opF64Const)
		g.buf.bytes(f64le(float64(delta)))
		g.buf.byte(opF64Add)
	default:
		g.buf.byte(opI32Const)
		g.buf.sleb128(delta)
		g.buf.byte(opI32Add)
	}
}

func (g *funcGen) genBinary(n *ast.Binary) error {
	switch n.Op {
	case ast.OpAssign:
		return g.genAssign(n.Left, n.Right)
	case ast.OpLogAnd:
		return g.genLogical(n, true)
	case ast.OpLogOr:
		return g.genLogical(n, false)
	case ast.OpCommaSeq:
		if err := g.genStmt(&ast.ExprStmt{X: n.Left}); err != nil {
			return err
		}
		return g.genExpr(n.Right)
	}
	if err := g.genExpr(n.Left); err != nil {
		return err
	}
	if err := g.genExpr(n.Right); err != nil {
		return err
	}
	return g.emitBinOp(n.Op, n.Left.Type())
}

// genLogical short-circuits && and || using `if`, matching C semantics
// rather than eagerly evaluating both sides.
func (g *funcGen) genLogical(n *ast.Binary, isAnd bool) error {
	if err := g.genExpr(n.Left); err != nil {
		return err
	}
	if err := g.toBoolI32(n.Left.Type()); err != nil {
		return err
	}
	if !isAnd {
		g.buf.byte(opI32Eqz)
	}
	g.openBlock(opIf, byte(ValI32))
	if err := g.genExpr(n.Right); err != nil {
		return err
	}
	if err := g.toBoolI32(n.Right.Type()); err != nil {
		return err
	}
	g.buf.byte(opElse)
	g.buf.byte(opI32Const)
	if isAnd {
		g.buf.sleb128(0)
	} else {
		g.buf.sleb128(1)
	}
	g.closeBlock()
	return nil
}

func (g *funcGen) emitBinOp(op ast.BinOp, operandType *types.Type) error {
	wt, err := wtypeOf(operandType)
	if err != nil {
		return err
	}
	unsigned := operandType.IsUnsigned()
	isF := wt == ValF32 || wt == ValF64
	is64 := wt == ValI64

	pick := func(i32, i64, u32, u64, f32, f64 byte) byte {
		switch {
		case isF && wt == ValF32:
			return f32
		case isF:
			return f64
		case is64 && unsigned:
			return u64
		case is64:
			return i64
		case unsigned:
			return u32
		default:
			return i32
		}
	}

	var code byte
	switch op {
	case ast.OpAdd:
		code = pick(opI32Add, opI64Add, opI32Add, opI64Add, opF32Add, opF64Add)
	case ast.OpSub:
		code = pick(opI32Sub, opI64Sub, opI32Sub, opI64Sub, opF32Sub, opF64Sub)
	case ast.OpMul:
		code = pick(opI32Mul, opI64Mul, opI32Mul, opI64Mul, opF32Mul, opF64Mul)
	case ast.OpDiv:
		code = pick(opI32DivS, opI64DivS, opI32DivU, opI64DivU, opF32Div, opF64Div)
	case ast.OpMod:
		if isF {
			return errors.New("wasm backend: floating-point modulo is not supported")
		}
		code = pick(opI32RemS, opI64RemS, opI32RemU, opI64RemU, 0, 0)
	case ast.OpBitAnd:
		code = pick(opI32And, opI64And, opI32And, opI64And, 0, 0)
	case ast.OpBitOr:
		code = pick(opI32Or, opI64Or, opI32Or, opI64Or, 0, 0)
	case ast.OpBitXor:
		code = pick(opI32Xor, opI64Xor, opI32Xor, opI64Xor, 0, 0)
	case ast.OpShl:
		code = pick(opI32Shl, opI64Shl, opI32Shl, opI64Shl, 0, 0)
	case ast.OpShr:
		code = pick(opI32ShrS, opI64ShrS, opI32ShrU, opI64ShrU, 0, 0)
	case ast.OpEQ:
		code = pick(opI32Eq, opI64Eq, opI32Eq, opI64Eq, opF32Eq, opF64Eq)
	case ast.OpNE:
		code = pick(opI32Ne, opI64Ne, opI32Ne, opI64Ne, opF32Ne, opF64Ne)
	case ast.OpLT:
		code = pick(opI32LtS, opI64LtS, opI32LtU, opI64LtU, opF32Lt, opF64Lt)
	case ast.OpLE:
		code = pick(opI32LeS, opI64LeS, opI32LeU, opI64LeU, opF32Le, opF64Le)
	case ast.OpGT:
		code = pick(opI32GtS, opI64GtS, opI32GtU, opI64GtU, opF32Gt, opF64Gt)
	case ast.OpGE:
		code = pick(opI32GeS, opI64GeS, opI32GeU, opI64GeU, opF32Ge, opF64Ge)
	default:
		return errors.Errorf("wasm backend: unsupported binary operator %d", op)
	}
	g.buf.byte(code)
	return nil
}

func (g *funcGen) genAssign(lhs, rhs ast.Expr) error {
	if v, ok := lhs.(*ast.Var); ok && !v.IsGlobal {
		if slot, ok := g.locals[v.Name]; ok {
			if err := g.genExpr(rhs); err != nil {
				return err
			}
			g.buf.byte(opLocalTee)
			g.buf.uleb128(uint64(slot.idx))
			return nil
		}
	}
	if err := g.genLValueAddr(lhs); err != nil {
		return err
	}
	if err := g.genExpr(rhs); err != nil {
		return err
	}
	wt, err := wtypeOf(lhs.Type())
	if err != nil {
		return err
	}
	result := g.declareLocal(wt)
	g.buf.byte(opLocalTee)
	g.buf.uleb128(uint64(result.idx))
	if err := g.emitStore(lhs.Type(), wt, 0); err != nil {
		return err
	}
	g.buf.byte(opLocalGet)
	g.buf.uleb128(uint64(result.idx))
	return nil
}

func (g *funcGen) genCond(n *ast.Cond) error {
	if err := g.genExpr(n.Cond); err != nil {
		return err
	}
	if err := g.toBoolI32(n.Cond.Type()); err != nil {
		return err
	}
	wt, err := wtypeOf(n.Type())
	if err != nil {
		return err
	}
	g.openBlock(opIf, byte(wt))
	if err := g.genExpr(n.Then); err != nil {
		return err
	}
	g.buf.byte(opElse)
	if err := g.genExpr(n.Else); err != nil {
		return err
	}
	g.closeBlock()
	return nil
}

func (g *funcGen) genCall(n *ast.Call) error {
	if n.Callee != nil {
		return errors.New("wasm backend: indirect calls through function pointers are not supported")
	}
	for _, a := range n.Args {
		if err := g.genExpr(a); err != nil {
			return err
		}
	}
	idx, ok := g.m.funcIdx[n.Name]
	if !ok {
		return errors.Errorf("call to undeclared function %q", n.Name)
	}
	g.buf.byte(opCall)
	g.buf.uleb128(uint64(idx))
	return nil
}

func (g *funcGen) genCast(n *ast.Cast) error {
	from := n.Expr.Type()
	to := n.Type()
	if err := g.genExpr(n.Expr); err != nil {
		return err
	}
	fromWt, err := wtypeOf(from)
	if err != nil {
		return err
	}
	toWt, err := wtypeOf(to)
	if err != nil {
		return err
	}
	if fromWt == toWt {
		return nil
	}
	switch {
	case fromWt == ValI32 && toWt == ValI64:
		if from.IsUnsigned() {
			g.buf.byte(opI64ExtendI32U)
		} else {
			g.buf.byte(opI64ExtendI32S)
		}
	case fromWt == ValI64 && toWt == ValI32:
		g.buf.byte(opI32WrapI64)
	case fromWt == ValI32 && toWt == ValF32:
		g.buf.byte(opF32ConvertI32S)
	case fromWt == ValI32 && toWt == ValF64:
		g.buf.byte(opF64ConvertI32S)
	case fromWt == ValI64 && toWt == ValF32:
		g.buf.byte(opF32ConvertI64S)
	case fromWt == ValI64 && toWt == ValF64:
		g.buf.byte(opF64ConvertI64S)
	case fromWt == ValF32 && toWt == ValI32:
		g.buf.byte(opI32TruncF32S)
	case fromWt == ValF64 && toWt == ValI32:
		g.buf.byte(opI32TruncF64S)
	case fromWt == ValF32 && toWt == ValI64:
		g.buf.byte(opI64TruncF32S)
	case fromWt == ValF64 && toWt == ValI64:
		g.buf.byte(opI64TruncF64S)
	case fromWt == ValF32 && toWt == ValF64:
		g.buf.byte(opF64PromoteF32)
	case fromWt == ValF64 && toWt == ValF32:
		g.buf.byte(opF32DemoteF64)
	}
	return nil
}
