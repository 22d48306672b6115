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

// Package lower walks the ast package's typed tree and builds the
// architecture-independent ir.Function for each ast.FuncDecl, the AST->IR
// half of spec.md §4.2. Grounded on falcon's compile/codegen/lower_x86.go
// for instruction-building conventions (comment-per-instr, one lower*
// method per node family) adapted from falcon's SSA-input model to a
// direct recursive-descent walk over the ast tree this core actually
// receives (falcon lowers its own SSA IR; this package has no SSA stage,
// so expressions lower straight from ast.Expr to ir.Instr).
package lower

import (
	"fmt"

	"github.com/pkg/errors"

	"nanocc/internal/ast"
	"nanocc/internal/cctx"
	"nanocc/internal/diag"
	"nanocc/internal/ir"
	"nanocc/internal/types"
)

// localSlot is where a declared local lives: either it was never spilled up
// front (only addressable/aggregate locals get a Local slot eagerly; scalar
// locals start as plain VRegs and only gain a frame slot if the allocator
// spills them) or it is address-taken/aggregate and always lives in memory.
type localSlot struct {
	reg   *ir.VReg // valid when the local is a scalar kept in a VReg
	local *ir.Local
	typ   *types.Type
}

// loopLabels tracks the break/continue targets of the innermost enclosing
// loop or switch (break only, for switch).
type loopLabels struct {
	breakBlk    *ir.Block
	continueBlk *ir.Block
}

type funcLowerer struct {
	ctx  *cctx.Context
	fn   *ir.Function
	cur  *ir.Block
	vars map[string]*localSlot
	loop []loopLabels
}

// Program lowers every function definition in prog into an ir.Function,
// in declaration order. Declarations with a nil Body (prototypes) are
// skipped; the data emitter handles ast.Program.Globals separately.
func Program(ctx *cctx.Context, prog *ast.Program) ([]*ir.Function, error) {
	var out []*ir.Function
	for _, fd := range prog.Funcs {
		if fd.Body == nil {
			continue
		}
		ctx.EnterFunc(fd.Name)
		fn, err := Func(ctx, fd)
		if err != nil {
			return nil, errors.Wrapf(err, "lowering %s", fd.Name)
		}
		out = append(out, fn)
	}
	return out, nil
}

// Func lowers one function definition.
func Func(ctx *cctx.Context, fd *ast.FuncDecl) (*ir.Function, error) {
	fn := ir.NewFunction(fd.Name)
	fn.IsVariadic = fd.Variadic
	l := &funcLowerer{ctx: ctx, fn: fn, vars: make(map[string]*localSlot)}

	entry := fn.NewBlock("entry")
	l.cur = entry

	for i, p := range fd.Params {
		c := classOf(p.Type)
		v := fn.NewVReg(c)
		fn.Params = append(fn.Params, v)
		l.vars[p.Name] = &localSlot{reg: v, typ: p.Type}
	}

	for _, lv := range fd.Locals {
		l.declareLocal(lv)
	}

	if err := l.lowerStmt(fd.Body); err != nil {
		return nil, err
	}

	// Fall off the end of a void function: a JMP with a nil Target is a
	// return — the backend lands it on the function's one epilogue label
	// regardless of where that label ends up relative to the block
	// container, so lowering never needs to know it.
	if l.cur != nil && l.cur.Terminator() == nil {
		l.jump(nil)
	}

	fn.Finalize()
	fn.Number()
	return fn, nil
}

func (l *funcLowerer) declareLocal(v *ast.VarInfo) {
	// Struct/union/array locals get a frame slot; every scalar local gets a
	// VReg, since the front-end does not report address-taken-ness here.
	if v.Type.IsStruct() || v.Type.IsArray() {
		local := l.fn.NewLocal(v.Name, v.Type.Size(), v.Type.Align())
		l.vars[v.Name] = &localSlot{local: local, typ: v.Type}
		return
	}
	c := classOf(v.Type)
	l.vars[v.Name] = &localSlot{reg: l.fn.NewVReg(c), typ: v.Type}
}

func classOf(t *types.Type) ir.Class {
	if t.IsFloat() {
		if t.Size() == 4 {
			return ir.F32
		}
		return ir.F64
	}
	switch t.Size() {
	case 1:
		return ir.I8
	case 2:
		return ir.I16
	case 4:
		return ir.I32
	default:
		return ir.I64
	}
}

func (l *funcLowerer) emit(in *ir.Instr) *ir.Instr { return l.cur.Append(in) }

// jump appends an unconditional jump from the current block to target and
// seals the current block (nothing further may be appended to it).
func (l *funcLowerer) jump(target *ir.Block) {
	l.emit(&ir.Instr{Op: ir.JMP, Cond: ir.CondAny, Target: target})
}

// --- Statements -------------------------------------------------------------

func (l *funcLowerer) lowerStmt(s ast.Stmt) error {
	switch n := s.(type) {
	case *ast.Block:
		for _, st := range n.Stmts {
			if err := l.lowerStmt(st); err != nil {
				return err
			}
		}
		return nil

	case *ast.ExprStmt:
		_, err := l.lowerExpr(n.X)
		return err

	case *ast.ReturnStmt:
		if n.X != nil {
			v, err := l.lowerExpr(n.X)
			if err != nil {
				return err
			}
			// RESULT with Op1 set places the function's own return value in
			// the ABI return register (spec.md §4.1); RESULT with Dst set
			// is the unrelated call-result-capture direction lowerCall uses.
			l.emit(&ir.Instr{Op: ir.RESULT, Op1: v, Flags: flonumFlag(n.X.Type())})
		}
		l.jump(nil)
		l.cur = l.fn.NewBlock(fmt.Sprintf("%s.unreachable", l.fn.Name))
		return nil

	case *ast.IfStmt:
		return l.lowerIf(n)

	case *ast.ForStmt:
		return l.lowerFor(n)

	case *ast.SwitchStmt:
		return l.lowerSwitch(n)

	case *ast.BreakStmt:
		if len(l.loop) == 0 {
			return errors.New("break outside loop/switch")
		}
		l.jump(l.loop[len(l.loop)-1].breakBlk)
		l.cur = l.fn.NewBlock(fmt.Sprintf("%s.after_break", l.fn.Name))
		return nil

	case *ast.ContinueStmt:
		if len(l.loop) == 0 {
			return errors.New("continue outside loop")
		}
		l.jump(l.loop[len(l.loop)-1].continueBlk)
		l.cur = l.fn.NewBlock(fmt.Sprintf("%s.after_continue", l.fn.Name))
		return nil

	case *ast.AsmStmt:
		l.emit(&ir.Instr{Op: ir.ASM, AsmText: n.Text})
		return nil

	default:
		return errors.Errorf("lower: unhandled statement %T", s)
	}
}

// lowerIf reserves its three structural blocks up front (so the branch test
// can target them by pointer) but places each only once lowering actually
// reaches it — Finalize derives fallthrough purely from container position,
// so a block's position must match where its contents are actually emitted,
// never the moment something first needs to jump at it.
func (l *funcLowerer) lowerIf(n *ast.IfStmt) error {
	thenBlk := l.fn.ReserveBlock("then")
	elseBlk := l.fn.ReserveBlock("else")
	endBlk := l.fn.ReserveBlock("endif")

	if err := l.branchTo(n.Cond, thenBlk, elseBlk); err != nil {
		return err
	}

	l.fn.PlaceBlock(thenBlk)
	l.cur = thenBlk
	if err := l.lowerStmt(n.Then); err != nil {
		return err
	}
	if l.cur.Terminator() == nil {
		l.jump(endBlk)
	}

	l.fn.PlaceBlock(elseBlk)
	l.cur = elseBlk
	if n.Else != nil {
		if err := l.lowerStmt(n.Else); err != nil {
			return err
		}
	}
	if l.cur.Terminator() == nil {
		l.jump(endBlk)
	}

	l.fn.PlaceBlock(endBlk)
	l.cur = endBlk
	return nil
}

func (l *funcLowerer) lowerFor(n *ast.ForStmt) error {
	if n.Init != nil {
		if err := l.lowerStmt(n.Init); err != nil {
			return err
		}
	}
	condBlk := l.fn.ReserveBlock("forcond")
	bodyBlk := l.fn.ReserveBlock("forbody")
	postBlk := l.fn.ReserveBlock("forpost")
	endBlk := l.fn.ReserveBlock("forend")

	l.jump(condBlk)
	l.fn.PlaceBlock(condBlk)
	l.cur = condBlk
	if n.Cond != nil {
		if err := l.branchTo(n.Cond, bodyBlk, endBlk); err != nil {
			return err
		}
	} else {
		l.jump(bodyBlk)
	}

	l.fn.PlaceBlock(bodyBlk)
	l.cur = bodyBlk
	l.loop = append(l.loop, loopLabels{breakBlk: endBlk, continueBlk: postBlk})
	err := l.lowerStmt(n.Body)
	l.loop = l.loop[:len(l.loop)-1]
	if err != nil {
		return err
	}
	if l.cur.Terminator() == nil {
		l.jump(postBlk)
	}

	l.fn.PlaceBlock(postBlk)
	l.cur = postBlk
	if n.Post != nil {
		if err := l.lowerStmt(n.Post); err != nil {
			return err
		}
	}
	l.jump(condBlk)

	l.fn.PlaceBlock(endBlk)
	l.cur = endBlk
	return nil
}

// lowerSwitch lowers every switch to sequential compare-and-branch tests,
// one per case in declaration order, same as falcon's own switch handling;
// no TJMP jump table is built, however dense the case values are.
func (l *funcLowerer) lowerSwitch(n *ast.SwitchStmt) error {
	tag, err := l.lowerExpr(n.Tag)
	if err != nil {
		return err
	}
	endBlk := l.fn.ReserveBlock("switchend")
	caseBlocks := make([]*ir.Block, len(n.Cases))
	for i := range n.Cases {
		caseBlocks[i] = l.fn.ReserveBlock(fmt.Sprintf("case%d", i))
	}

	defaultBlk := endBlk
	for i, c := range n.Cases {
		if c.IsDefault {
			defaultBlk = caseBlocks[i]
		}
	}

	// Sequential compare-and-branch: each test's miss path is a throwaway
	// dispatch block placed immediately after it, so it always lines up as
	// the positional fallthrough Finalize expects; the last one falls to
	// defaultBlk.
	for i, c := range n.Cases {
		if c.IsDefault {
			continue
		}
		eq := l.fn.NewVReg(ir.I32)
		l.emit(&ir.Instr{Op: ir.COND, Dst: eq, Op1: tag, Op2: l.fn.NewConst(tag.Class, c.Value), Cond: ir.CondEQ})
		l.emit(&ir.Instr{Op: ir.JMP, Cond: ir.CondNE, Op1: eq, Target: caseBlocks[i]})
		next := l.fn.ReserveBlock("switchtest")
		l.fn.PlaceBlock(next)
		l.cur = next
	}
	l.jump(defaultBlk)

	l.loop = append(l.loop, loopLabels{breakBlk: endBlk})
	for i, c := range n.Cases {
		l.fn.PlaceBlock(caseBlocks[i])
		l.cur = caseBlocks[i]
		if err := l.lowerStmt(c.Body); err != nil {
			l.loop = l.loop[:len(l.loop)-1]
			return err
		}
		if l.cur.Terminator() == nil {
			if i+1 < len(caseBlocks) {
				l.jump(caseBlocks[i+1])
			} else {
				l.jump(endBlk)
			}
		}
	}
	l.loop = l.loop[:len(l.loop)-1]

	l.fn.PlaceBlock(endBlk)
	l.cur = endBlk
	return nil
}

func flonumFlag(t *types.Type) ir.InstrFlag {
	if t.IsFloat() {
		return ir.Flonum
	}
	return 0
}
