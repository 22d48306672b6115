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

package lower

import (
	"math"

	"github.com/pkg/errors"

	"nanocc/internal/ast"
	"nanocc/internal/ir"
	"nanocc/internal/types"
)

var binOpcode = map[ast.BinOp]ir.Opcode{
	ast.OpAdd:    ir.ADD,
	ast.OpSub:    ir.SUB,
	ast.OpMul:    ir.MUL,
	ast.OpDiv:    ir.DIV,
	ast.OpMod:    ir.MOD,
	ast.OpBitAnd: ir.BITAND,
	ast.OpBitOr:  ir.BITOR,
	ast.OpBitXor: ir.BITXOR,
	ast.OpShl:    ir.LSHIFT,
	ast.OpShr:    ir.RSHIFT,
}

var cmpCond = map[ast.BinOp]ir.Cond{
	ast.OpEQ: ir.CondEQ,
	ast.OpNE: ir.CondNE,
	ast.OpLT: ir.CondLT,
	ast.OpLE: ir.CondLE,
	ast.OpGT: ir.CondGT,
	ast.OpGE: ir.CondGE,
}

func instrFlags(t *types.Type) ir.InstrFlag {
	var f ir.InstrFlag
	if t.IsUnsigned() {
		f |= ir.Unsigned
	}
	if t.IsFloat() {
		f |= ir.Flonum
	}
	return f
}

// lowerExpr lowers e to a value-producing VReg.
func (l *funcLowerer) lowerExpr(e ast.Expr) (*ir.VReg, error) {
	switch n := e.(type) {
	case *ast.IntLit:
		return l.fn.NewConst(classOf(n.Type()), n.Value), nil

	case *ast.FloatLit:
		c := classOf(n.Type())
		v := l.fn.NewVReg(c)
		bits := int64(0)
		if c == ir.F32 {
			bits = int64(int32(floatBitsOf32(n.Value)))
		} else {
			bits = int64(floatBitsOf64(n.Value))
		}
		v.Flags |= ir.FlagConstant | ir.FlagFlonum
		v.ConstVal = bits
		return v, nil

	case *ast.StringLit:
		dst := l.fn.NewVReg(ir.I64)
		sym := l.ctx.InternString(n.Value)
		l.emit(&ir.Instr{Op: ir.IOFS, Dst: dst, Symbol: sym, Global: false})
		return dst, nil

	case *ast.Var:
		return l.loadVar(n)

	case *ast.Unary:
		return l.lowerUnary(n)

	case *ast.Binary:
		return l.lowerBinary(n)

	case *ast.Cond:
		return l.lowerTernary(n)

	case *ast.Call:
		return l.lowerCall(n)

	case *ast.Member:
		return l.loadMember(n)

	case *ast.Index:
		addr, err := l.indexAddr(n)
		if err != nil {
			return nil, err
		}
		return l.loadFrom(addr, n.Type()), nil

	case *ast.Cast:
		return l.lowerCast(n)

	default:
		return nil, errors.Errorf("lower: unhandled expression %T", e)
	}
}

func floatBitsOf32(f float64) uint32 { return math.Float32bits(float32(f)) }
func floatBitsOf64(f float64) uint64 { return math.Float64bits(f) }

func (l *funcLowerer) loadVar(n *ast.Var) (*ir.VReg, error) {
	if slot, ok := l.vars[n.Name]; ok {
		if slot.reg != nil {
			return slot.reg, nil
		}
		return l.loadFrom(l.localAddr(slot), slot.typ), nil
	}
	if g, ok := l.ctx.LookupGlobal(n.Name); ok {
		addr := l.fn.NewVReg(ir.I64)
		l.emit(&ir.Instr{Op: ir.IOFS, Dst: addr, Symbol: n.Name, Global: true})
		return l.loadFrom(addr, g.Type), nil
	}
	return nil, errors.Errorf("lower: unresolved identifier %q", n.Name)
}

func (l *funcLowerer) localAddr(slot *localSlot) *ir.VReg {
	addr := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.BOFS, Dst: addr, FrameSlot: slot.local})
	return addr
}

func (l *funcLowerer) loadFrom(addr *ir.VReg, t *types.Type) *ir.VReg {
	dst := l.fn.NewVReg(classOf(t))
	l.emit(&ir.Instr{Op: ir.LOAD, Dst: dst, Op1: addr, Flags: instrFlags(t)})
	return dst
}

func (l *funcLowerer) storeTo(addr, val *ir.VReg, t *types.Type) {
	l.emit(&ir.Instr{Op: ir.STORE, Op1: addr, Op2: val, Flags: instrFlags(t)})
}

func (l *funcLowerer) lowerUnary(n *ast.Unary) (*ir.VReg, error) {
	switch n.Op {
	case ast.UnaryAddr:
		return l.addrOf(n.Expr)

	case ast.UnaryDeref:
		addr, err := l.lowerExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		return l.loadFrom(addr, n.Type()), nil

	case ast.UnaryNeg:
		v, err := l.lowerExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		dst := l.fn.NewVReg(classOf(n.Type()))
		l.emit(&ir.Instr{Op: ir.NEG, Dst: dst, Op1: v, Flags: instrFlags(n.Type())})
		return dst, nil

	case ast.UnaryBitNot:
		v, err := l.lowerExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		dst := l.fn.NewVReg(classOf(n.Type()))
		l.emit(&ir.Instr{Op: ir.BITNOT, Dst: dst, Op1: v})
		return dst, nil

	case ast.UnaryLogNot:
		v, err := l.lowerExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		dst := l.fn.NewVReg(ir.I32)
		zero := l.fn.NewConst(v.Class, 0)
		l.emit(&ir.Instr{Op: ir.COND, Dst: dst, Op1: v, Op2: zero, Cond: ir.CondEQ})
		return dst, nil

	case ast.UnaryPreInc, ast.UnaryPreDec, ast.UnaryPostInc, ast.UnaryPostDec:
		return l.lowerIncDec(n)

	default:
		return nil, errors.Errorf("lower: unhandled unary op %v", n.Op)
	}
}

// lowerIncDec evaluates the operand's address exactly once (per C's
// sequencing rules for ++/--), reads, adjusts, stores back, and yields
// either the old (postfix) or new (prefix) value.
func (l *funcLowerer) lowerIncDec(n *ast.Unary) (*ir.VReg, error) {
	addr, old, t, err := l.lvalue(n.Expr)
	if err != nil {
		return nil, err
	}
	step := int64(1)
	if t.IsPtr() {
		step = int64(t.Base.Size())
	}
	delta := 1
	if n.Op == ast.UnaryPreDec || n.Op == ast.UnaryPostDec {
		delta = -1
	}
	nv := l.fn.NewVReg(old.Class)
	l.emit(&ir.Instr{Op: ir.ADD, Dst: nv, Op1: old, Op2: l.fn.NewConst(old.Class, int64(delta)*step)})
	l.storeOrAssign(n.Expr, addr, nv, t)
	if n.Op == ast.UnaryPreInc || n.Op == ast.UnaryPreDec {
		return nv, nil
	}
	return old, nil
}

// lvalue returns (address-or-nil, current value, type) for an expression
// usable on the left of an assignment; addr is nil when the lvalue is a
// register-resident scalar local (storeOrAssign handles both cases).
func (l *funcLowerer) lvalue(e ast.Expr) (*ir.VReg, *ir.VReg, *types.Type, error) {
	switch n := e.(type) {
	case *ast.Var:
		if slot, ok := l.vars[n.Name]; ok && slot.reg != nil {
			return nil, slot.reg, slot.typ, nil
		}
		v, err := l.loadVar(n)
		if err != nil {
			return nil, nil, nil, err
		}
		addr, err := l.addrOf(n)
		if err != nil {
			return nil, nil, nil, err
		}
		return addr, v, n.Type(), nil
	case *ast.Unary:
		if n.Op == ast.UnaryDeref {
			addr, err := l.lowerExpr(n.Expr)
			if err != nil {
				return nil, nil, nil, err
			}
			return addr, l.loadFrom(addr, n.Type()), n.Type(), nil
		}
	case *ast.Member:
		addr, err := l.memberAddr(n)
		if err != nil {
			return nil, nil, nil, err
		}
		return addr, l.loadFrom(addr, n.Type()), n.Type(), nil
	case *ast.Index:
		addr, err := l.indexAddr(n)
		if err != nil {
			return nil, nil, nil, err
		}
		return addr, l.loadFrom(addr, n.Type()), n.Type(), nil
	}
	v, err := l.lowerExpr(e)
	return nil, v, e.Type(), err
}

// storeOrAssign writes val back to the lvalue e, reusing addr if the
// caller already computed one (nil means e is a register-resident local).
func (l *funcLowerer) storeOrAssign(e ast.Expr, addr, val *ir.VReg, t *types.Type) {
	if addr == nil {
		if v, ok := e.(*ast.Var); ok {
			if slot, ok := l.vars[v.Name]; ok && slot.reg != nil {
				slot.reg = val
				return
			}
		}
	}
	if mem, ok := e.(*ast.Member); ok && mem.Field.IsBitfield() {
		l.storeBitfield(addr, mem.Field, val)
		return
	}
	l.storeTo(addr, val, t)
}

func (l *funcLowerer) addrOf(e ast.Expr) (*ir.VReg, error) {
	switch n := e.(type) {
	case *ast.Var:
		if slot, ok := l.vars[n.Name]; ok {
			if slot.local != nil {
				return l.localAddr(slot), nil
			}
			return nil, errors.Errorf("lower: address taken of register-only local %q", n.Name)
		}
		if _, ok := l.ctx.LookupGlobal(n.Name); ok {
			addr := l.fn.NewVReg(ir.I64)
			l.emit(&ir.Instr{Op: ir.IOFS, Dst: addr, Symbol: n.Name, Global: true})
			return addr, nil
		}
		return nil, errors.Errorf("lower: unresolved identifier %q", n.Name)
	case *ast.Unary:
		if n.Op == ast.UnaryDeref {
			return l.lowerExpr(n.Expr)
		}
	case *ast.Member:
		return l.memberAddr(n)
	case *ast.Index:
		return l.indexAddr(n)
	}
	return nil, errors.Errorf("lower: not an lvalue: %T", e)
}

func (l *funcLowerer) memberAddr(n *ast.Member) (*ir.VReg, error) {
	var base *ir.VReg
	var err error
	if n.Arrow {
		base, err = l.lowerExpr(n.Base)
	} else {
		base, err = l.addrOf(n.Base)
	}
	if err != nil {
		return nil, err
	}
	if n.Field.Offset == 0 {
		return base, nil
	}
	addr := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.ADD, Dst: addr, Op1: base, Op2: l.fn.NewConst(ir.I64, int64(n.Field.Offset))})
	return addr, nil
}

// loadMember reads a.b / a->b, applying the bitfield shift-mask-and-extend
// sequence when Field.IsBitfield().
func (l *funcLowerer) loadMember(n *ast.Member) (*ir.VReg, error) {
	addr, err := l.memberAddr(n)
	if err != nil {
		return nil, err
	}
	if n.Field.IsBitfield() {
		return l.loadBitfield(addr, n.Field), nil
	}
	return l.loadFrom(addr, n.Type()), nil
}

// loadBitfield reads the storage unit, shifts the field down to bit 0, and
// masks/sign-extends it, per spec.md's bitfield read model.
func (l *funcLowerer) loadBitfield(addr *ir.VReg, m *types.Member) *ir.VReg {
	unit := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.LOAD, Dst: unit, Op1: addr, Flags: ir.Unsigned})
	shifted := unit
	if m.Pos != 0 {
		shifted = l.fn.NewVReg(ir.I64)
		l.emit(&ir.Instr{Op: ir.RSHIFT, Dst: shifted, Op1: unit, Op2: l.fn.NewConst(ir.I64, int64(m.Pos)), Flags: ir.Unsigned})
	}
	if !m.Signed {
		masked := l.fn.NewVReg(ir.I64)
		l.emit(&ir.Instr{Op: ir.BITAND, Dst: masked, Op1: shifted, Op2: l.fn.NewConst(ir.I64, int64(m.BitfieldMask()))})
		return masked
	}
	// Sign-extend: shift the field up so its sign bit sits at bit 63, then
	// an arithmetic right-shift back down reproduces the sign.
	shl := 64 - m.Width
	up := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.LSHIFT, Dst: up, Op1: shifted, Op2: l.fn.NewConst(ir.I64, int64(shl))})
	down := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.RSHIFT, Dst: down, Op1: up, Op2: l.fn.NewConst(ir.I64, int64(shl))})
	return down
}

// storeBitfield performs the read-modify-write sequence: load the storage
// unit, clear the field's bits, OR in the new shifted-and-masked value,
// store the unit back.
func (l *funcLowerer) storeBitfield(addr *ir.VReg, m *types.Member, val *ir.VReg) {
	unit := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.LOAD, Dst: unit, Op1: addr, Flags: ir.Unsigned})
	cleared := l.fn.NewVReg(ir.I64)
	clearMask := ^(m.BitfieldMask() << uint(m.Pos))
	l.emit(&ir.Instr{Op: ir.BITAND, Dst: cleared, Op1: unit, Op2: l.fn.NewConst(ir.I64, int64(clearMask))})
	maskedVal := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.BITAND, Dst: maskedVal, Op1: val, Op2: l.fn.NewConst(ir.I64, int64(m.BitfieldMask()))})
	shifted := maskedVal
	if m.Pos != 0 {
		shifted = l.fn.NewVReg(ir.I64)
		l.emit(&ir.Instr{Op: ir.LSHIFT, Dst: shifted, Op1: maskedVal, Op2: l.fn.NewConst(ir.I64, int64(m.Pos))})
	}
	merged := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.BITOR, Dst: merged, Op1: cleared, Op2: shifted})
	l.emit(&ir.Instr{Op: ir.STORE, Op1: addr, Op2: merged})
}

// indexAddr computes p[i]'s address, scaling i by the pointee's size.
func (l *funcLowerer) indexAddr(n *ast.Index) (*ir.VReg, error) {
	var base *ir.VReg
	var err error
	if n.Base.Type().IsArray() {
		base, err = l.addrOf(n.Base)
	} else {
		base, err = l.lowerExpr(n.Base)
	}
	if err != nil {
		return nil, err
	}
	idx, err := l.lowerExpr(n.Idx)
	if err != nil {
		return nil, err
	}
	scale := n.Type().Size()
	scaled := idx
	if scale != 1 {
		scaled = l.fn.NewVReg(ir.I64)
		l.emit(&ir.Instr{Op: ir.MUL, Dst: scaled, Op1: idx, Op2: l.fn.NewConst(ir.I64, int64(scale))})
	}
	addr := l.fn.NewVReg(ir.I64)
	l.emit(&ir.Instr{Op: ir.ADD, Dst: addr, Op1: base, Op2: scaled})
	return addr, nil
}

func (l *funcLowerer) lowerCast(n *ast.Cast) (*ir.VReg, error) {
	v, err := l.lowerExpr(n.Expr)
	if err != nil {
		return nil, err
	}
	from, to := n.Expr.Type(), n.Type()
	if from.IsFloat() == to.IsFloat() && classOf(from) == classOf(to) {
		return v, nil
	}
	dst := l.fn.NewVReg(classOf(to))
	f := instrFlags(from)
	if to.IsFloat() {
		f |= ir.Flonum
	}
	l.emit(&ir.Instr{Op: ir.CAST, Dst: dst, Op1: v, Flags: f})
	return dst, nil
}

func (l *funcLowerer) lowerBinary(n *ast.Binary) (*ir.VReg, error) {
	switch n.Op {
	case ast.OpAssign:
		return l.lowerAssign(n)
	case ast.OpLogAnd, ast.OpLogOr:
		return l.lowerShortCircuit(n)
	case ast.OpCommaSeq:
		if _, err := l.lowerExpr(n.Left); err != nil {
			return nil, err
		}
		return l.lowerExpr(n.Right)
	}

	left, err := l.lowerExpr(n.Left)
	if err != nil {
		return nil, err
	}
	right, err := l.lowerExpr(n.Right)
	if err != nil {
		return nil, err
	}

	if cond, ok := cmpCond[n.Op]; ok {
		dst := l.fn.NewVReg(ir.I32)
		l.emit(&ir.Instr{Op: ir.COND, Dst: dst, Op1: left, Op2: right, Cond: cond, Flags: instrFlags(n.Left.Type())})
		return dst, nil
	}

	op, ok := binOpcode[n.Op]
	if !ok {
		return nil, errors.Errorf("lower: unhandled binary op %v", n.Op)
	}
	dst := l.fn.NewVReg(classOf(n.Type()))
	l.emit(&ir.Instr{Op: op, Dst: dst, Op1: left, Op2: right, Flags: instrFlags(n.Type())})
	return dst, nil
}

func (l *funcLowerer) lowerAssign(n *ast.Binary) (*ir.VReg, error) {
	val, err := l.lowerExpr(n.Right)
	if err != nil {
		return nil, err
	}
	switch target := n.Left.(type) {
	case *ast.Var:
		if slot, ok := l.vars[target.Name]; ok && slot.reg != nil {
			slot.reg = val
			return val, nil
		}
		addr, err := l.addrOf(target)
		if err != nil {
			return nil, err
		}
		l.storeTo(addr, val, target.Type())
		return val, nil
	case *ast.Unary: // *p = val
		addr, err := l.lowerExpr(target.Expr)
		if err != nil {
			return nil, err
		}
		l.storeTo(addr, val, target.Type())
		return val, nil
	case *ast.Member:
		addr, err := l.memberAddr(target)
		if err != nil {
			return nil, err
		}
		if target.Field.IsBitfield() {
			l.storeBitfield(addr, target.Field, val)
		} else {
			l.storeTo(addr, val, target.Type())
		}
		return val, nil
	case *ast.Index:
		addr, err := l.indexAddr(target)
		if err != nil {
			return nil, err
		}
		l.storeTo(addr, val, target.Type())
		return val, nil
	default:
		return nil, errors.Errorf("lower: unassignable lvalue %T", n.Left)
	}
}

// lowerShortCircuit materializes && / || as a 0/1 value: branchTo decides
// which side actually needs evaluating, each arm sets dst from whichever
// side actually ran, and both arms join at a reserved end block.
func (l *funcLowerer) lowerShortCircuit(n *ast.Binary) (*ir.VReg, error) {
	dst := l.fn.NewVReg(ir.I32)
	trueBlk := l.fn.ReserveBlock("scshort")
	falseBlk := l.fn.ReserveBlock("scshort")
	endBlk := l.fn.ReserveBlock("scend")

	if err := l.branchTo(n, trueBlk, falseBlk); err != nil {
		return nil, err
	}

	l.fn.PlaceBlock(trueBlk)
	l.cur = trueBlk
	l.emit(&ir.Instr{Op: ir.MOV, Dst: dst, Op1: l.fn.NewConst(ir.I32, 1)})
	l.jump(endBlk)

	l.fn.PlaceBlock(falseBlk)
	l.cur = falseBlk
	l.emit(&ir.Instr{Op: ir.MOV, Dst: dst, Op1: l.fn.NewConst(ir.I32, 0)})
	l.jump(endBlk)

	l.fn.PlaceBlock(endBlk)
	l.cur = endBlk
	return dst, nil
}

func (l *funcLowerer) lowerTernary(n *ast.Cond) (*ir.VReg, error) {
	thenBlk := l.fn.ReserveBlock("ternthen")
	elseBlk := l.fn.ReserveBlock("ternelse")
	endBlk := l.fn.ReserveBlock("ternend")
	dst := l.fn.NewVReg(classOf(n.Type()))

	if err := l.branchTo(n.Cond, thenBlk, elseBlk); err != nil {
		return nil, err
	}

	l.fn.PlaceBlock(thenBlk)
	l.cur = thenBlk
	tv, err := l.lowerExpr(n.Then)
	if err != nil {
		return nil, err
	}
	l.emit(&ir.Instr{Op: ir.MOV, Dst: dst, Op1: tv})
	l.jump(endBlk)

	l.fn.PlaceBlock(elseBlk)
	l.cur = elseBlk
	ev, err := l.lowerExpr(n.Else)
	if err != nil {
		return nil, err
	}
	l.emit(&ir.Instr{Op: ir.MOV, Dst: dst, Op1: ev})
	l.jump(endBlk)

	l.fn.PlaceBlock(endBlk)
	l.cur = endBlk
	return dst, nil
}

// branchTo lowers e as a two-way test, branching to trueTarget when e is
// true and falseTarget otherwise. Neither target is placed here — both may
// be shared across recursive calls (the &&/|| case) or not ready to be
// filled in yet (an if's else-arm, a loop's end) — only emitCondJump's own
// throwaway miss block is ever placed by this function, and always right
// where it's created, so the one positional-fallthrough invariant Finalize
// relies on is never put at risk by how branchTo's callers sequence things.
func (l *funcLowerer) branchTo(e ast.Expr, trueTarget, falseTarget *ir.Block) error {
	if b, ok := e.(*ast.Binary); ok {
		switch {
		case b.Op == ast.OpLogAnd:
			mid := l.fn.ReserveBlock("andmid")
			if err := l.branchTo(b.Left, mid, falseTarget); err != nil {
				return err
			}
			l.fn.PlaceBlock(mid)
			l.cur = mid
			return l.branchTo(b.Right, trueTarget, falseTarget)

		case b.Op == ast.OpLogOr:
			mid := l.fn.ReserveBlock("ormid")
			if err := l.branchTo(b.Left, trueTarget, mid); err != nil {
				return err
			}
			l.fn.PlaceBlock(mid)
			l.cur = mid
			return l.branchTo(b.Right, trueTarget, falseTarget)
		}
		if cond, ok := cmpCond[b.Op]; ok {
			left, err := l.lowerExpr(b.Left)
			if err != nil {
				return err
			}
			right, err := l.lowerExpr(b.Right)
			if err != nil {
				return err
			}
			cmp := l.fn.NewVReg(ir.I32)
			l.emit(&ir.Instr{Op: ir.COND, Dst: cmp, Op1: left, Op2: right, Cond: cond, Flags: instrFlags(b.Left.Type())})
			l.emitCondJump(cmp, trueTarget, falseTarget)
			return nil
		}
	}
	if u, ok := e.(*ast.Unary); ok && u.Op == ast.UnaryLogNot {
		return l.branchTo(u.Expr, falseTarget, trueTarget)
	}
	v, err := l.lowerExpr(e)
	if err != nil {
		return err
	}
	cmp := v
	if v.Class.IsFloat() {
		cmp = l.fn.NewVReg(ir.I32)
		l.emit(&ir.Instr{Op: ir.COND, Dst: cmp, Op1: v, Op2: l.fn.NewConst(v.Class, 0), Cond: ir.CondNE})
	}
	l.emitCondJump(cmp, trueTarget, falseTarget)
	return nil
}

// emitCondJump terminates the current block with a single JMP to
// trueTarget when test is non-zero, falling through to a freshly placed
// throwaway block that then jumps on to falseTarget — so the current
// block always ends with exactly one JMP, and the miss path's fallthrough
// position is always the block this call itself just created, regardless
// of whether falseTarget is shared or still unplaced.
func (l *funcLowerer) emitCondJump(test *ir.VReg, trueTarget, falseTarget *ir.Block) {
	l.emit(&ir.Instr{Op: ir.JMP, Cond: ir.CondNE, Op1: test, Target: trueTarget})
	miss := l.fn.ReserveBlock("miss")
	l.fn.PlaceBlock(miss)
	l.cur = miss
	l.jump(falseTarget)
}

// lowerCall evaluates arguments left to right, then emits the
// PRECALL/PUSHARG/CALL/RESULT sequence the backends expect; ArgIndex is a
// per-class (integer vs. float) position, letting each target's PUSHARG
// emission decide independently whether that position is argument-register
// or stack resident.
func (l *funcLowerer) lowerCall(n *ast.Call) (*ir.VReg, error) {
	args := make([]*ir.VReg, len(n.Args))
	for i, a := range n.Args {
		v, err := l.lowerExpr(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	var indirect *ir.VReg
	if n.Callee != nil {
		v, err := l.lowerExpr(n.Callee)
		if err != nil {
			return nil, err
		}
		indirect = v
	}

	l.emit(&ir.Instr{Op: ir.PRECALL})
	intIdx, floatIdx := 0, 0
	for _, a := range args {
		idx := intIdx
		if a.IsFloat() {
			idx = floatIdx
			floatIdx++
		} else {
			intIdx++
		}
		l.emit(&ir.Instr{Op: ir.PUSHARG, Op1: a, ArgIndex: idx})
	}

	call := &ir.Instr{Op: ir.CALL, CallSym: n.Name}
	if n.Callee != nil {
		call.CallSym = ""
		call.Op1 = indirect
	}
	l.emit(call)

	if n.Type().Kind == types.Void {
		return nil, nil
	}
	dst := l.fn.NewVReg(classOf(n.Type()))
	l.emit(&ir.Instr{Op: ir.RESULT, Dst: dst, Flags: flonumFlag(n.Type())})
	return dst, nil
}
