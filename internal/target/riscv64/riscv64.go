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

// Package riscv64 implements the target.Target capability interface for
// the RV64 LP64D calling convention, grounded on the pack's vslc RISC-V
// backend for register-bank/ABI shape (mirroring its AArch64 sibling's
// structure one to one, since both ship from the same vslc tree).
package riscv64

import (
	"fmt"

	"nanocc/internal/ast"
	"nanocc/internal/asmwriter"
	"nanocc/internal/cctx"
	"nanocc/internal/data"
	"nanocc/internal/ir"
	"nanocc/internal/regalloc"
	"nanocc/internal/target"
)

// Integer register numbers per the standard RISC-V ABI names.
const (
	Zero = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0 // frame pointer
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

var gpNames = [...]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func gpName(idx int) string { return gpNames[idx] }
func faName(idx int) string { return fmt.Sprintf("fa%d", idx) }

var ArgIntRegs = []int{A0, A1, A2, A3, A4, A5, A6, A7}
var ArgFloatRegs = []int{0, 1, 2, 3, 4, 5, 6, 7} // fa0-fa7

func RegisterFile() regalloc.RegisterFile {
	return regalloc.RegisterFile{
		Int: regalloc.RegPool{
			Temporary:   []int{T0, T1, T2, T3, T4, T5, T6, A0, A1, A2, A3, A4, A5, A6, A7},
			CalleeSaved: []int{S1, S2, S3, S4, S5, S6, S7, S8, S9, S10, S11},
		},
		Float: regalloc.RegPool{
			Temporary:   []int{0, 1, 2, 3, 4, 5, 6, 7, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27},
			CalleeSaved: []int{8, 9}, // fs0/fs1 worth of callee-saved float in this simplified file
		},
	}
}

type Backend struct{}

func New() *Backend { return &Backend{} }

func (Backend) Name() string                     { return "riscv64" }
func (Backend) Registers() regalloc.RegisterFile { return RegisterFile() }
func (Backend) Syntax() asmwriter.Syntax          { return asmwriter.GNUSyntax{} }

func (Backend) ParamMapping(fn *ir.Function) []target.ParamLoc {
	locs := make([]target.ParamLoc, len(fn.Params))
	nextInt, nextFloat := 0, 0
	stackOff := 16
	for i, p := range fn.Params {
		if p.IsFloat() && nextFloat < len(ArgFloatRegs) {
			locs[i] = target.ParamLoc{InRegister: true, Reg: ArgFloatRegs[nextFloat], Class: regalloc.ClassFloat}
			nextFloat++
			continue
		}
		if !p.IsFloat() && nextInt < len(ArgIntRegs) {
			locs[i] = target.ParamLoc{InRegister: true, Reg: ArgIntRegs[nextInt], Class: regalloc.ClassInt}
			nextInt++
			continue
		}
		locs[i] = target.ParamLoc{StackOff: stackOff}
		stackOff += 8
	}
	return locs
}

func align16(n int) int { return (n + 15) &^ 15 }

func (Backend) Prologue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result) {
	frameSize := align16(fn.FrameSize + 8*len(alloc.UsedCallee) + 16)
	w.Inst("addi", "sp, sp", fmt.Sprintf("-%d", frameSize))
	w.Inst("sd", "ra", fmt.Sprintf("%d(sp)", frameSize-8))
	w.Inst("sd", "s0", fmt.Sprintf("%d(sp)", frameSize-16))
	w.Inst("addi", "s0, sp", fmt.Sprintf("%d", frameSize))
	for i, r := range alloc.UsedCallee {
		w.Inst("sd", gpName(r), fmt.Sprintf("%d(sp)", i*8))
	}
}

func (Backend) Epilogue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result) {
	frameSize := align16(fn.FrameSize + 8*len(alloc.UsedCallee) + 16)
	for i, r := range alloc.UsedCallee {
		w.Inst("ld", gpName(r), fmt.Sprintf("%d(sp)", i*8))
	}
	w.Inst("ld", "ra", fmt.Sprintf("%d(sp)", frameSize-8))
	w.Inst("ld", "s0", fmt.Sprintf("%d(sp)", frameSize-16))
	w.Inst("addi", "sp, sp", fmt.Sprintf("%d", frameSize))
	w.Inst("ret")
}

// TweakIR hoists constants outside RISC-V's 12-bit signed-immediate range
// for ADDI/arithmetic-immediate forms through a LUI+ADDI-equivalent MOV,
// and rewrites `0 - x` to NEG, mirroring x86_64/arm64's tweak passes at
// this target's own immediate width.
func (Backend) TweakIR(c *cctx.Context, fn *ir.Function) {
	for _, b := range fn.Blocks {
		out := make([]*ir.Instr, 0, len(b.Instrs))
		for _, in := range b.Instrs {
			if in.Op1 != nil && in.Op1.IsConstant() && !in.Op1.IsFloat() && !fits12bit(in.Op1.ConstVal) {
				in.Op1 = hoist(fn, &out, in.Op1)
			}
			if in.Op2 != nil && in.Op2.IsConstant() && !in.Op2.IsFloat() && !fits12bit(in.Op2.ConstVal) {
				in.Op2 = hoist(fn, &out, in.Op2)
			}
			if in.Op == ir.SUB && in.Op1 != nil && in.Op1.IsConstant() && in.Op1.ConstVal == 0 {
				in.Op = ir.NEG
				in.Op1 = in.Op2
				in.Op2 = nil
			}
			out = append(out, in)
		}
		b.Instrs = out
	}
}

func fits12bit(v int64) bool { return v >= -2048 && v < 2048 }

func hoist(fn *ir.Function, out *[]*ir.Instr, c *ir.VReg) *ir.VReg {
	tmp := fn.NewVReg(c.Class)
	*out = append(*out, &ir.Instr{Op: ir.MOV, Dst: tmp, Op1: c})
	return tmp
}

func (b Backend) EmitFunction(w *asmwriter.Writer, c *cctx.Context, fn *ir.Function, alloc *regalloc.Result) {
	mangled := w.Sym(fn.Name)
	w.Global(fn.Name)
	w.Label(mangled)
	b.Prologue(w, fn, alloc)

	operand := func(v *ir.VReg) string {
		if v == nil {
			return ""
		}
		if v.IsConstant() {
			return fmt.Sprintf("%d", v.ConstVal)
		}
		iv, ok := alloc.Assignments[v.ID]
		if !ok || iv.Spilled {
			return fmt.Sprintf("%d(s0)", v.FrameOffset)
		}
		if v.IsFloat() {
			return faName(iv.PhysReg)
		}
		return gpName(iv.PhysReg)
	}

	for _, blk := range fn.Blocks {
		w.Label(fmt.Sprintf(".L%s_%d", fn.Name, blk.ID))
		for _, in := range blk.Instrs {
			switch in.Op {
			case ir.MOV:
				w.Inst("mv", operand(in.Dst), operand(in.Op1))
			case ir.ADD:
				w.Inst("add", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.SUB:
				w.Inst("sub", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.MUL:
				w.Inst("mul", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.DIV:
				if in.Flags&ir.Unsigned != 0 {
					w.Inst("divu", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				} else {
					w.Inst("div", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				}
			case ir.MOD:
				if in.Flags&ir.Unsigned != 0 {
					w.Inst("remu", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				} else {
					w.Inst("rem", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				}
			case ir.NEG:
				w.Inst("neg", operand(in.Dst), operand(in.Op1))
			case ir.BITAND:
				w.Inst("and", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.BITOR:
				w.Inst("or", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.BITXOR:
				w.Inst("xor", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.LSHIFT:
				w.Inst("sll", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.RSHIFT:
				if in.Flags&ir.Unsigned != 0 {
					w.Inst("srl", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				} else {
					w.Inst("sra", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				}
			case ir.LOAD, ir.LOADS:
				w.Inst("ld", operand(in.Dst), fmt.Sprintf("0(%s)", operand(in.Op1)))
			case ir.STORE, ir.STORES:
				w.Inst("sd", operand(in.Op2), fmt.Sprintf("0(%s)", operand(in.Op1)))
			case ir.BOFS:
				w.Inst("addi", operand(in.Dst), "s0", fmt.Sprintf("%d", in.FrameSlot.Offset))
			case ir.IOFS:
				w.Inst("la", operand(in.Dst), w.Sym(in.Symbol))
			case ir.SOFS:
				w.Inst("addi", operand(in.Dst), "sp", fmt.Sprintf("%d", in.Imm))
			case ir.COND:
				emitCompare(w, in, operand)
			case ir.JMP:
				target := epilogueLabel(fn)
				if in.Target != nil {
					target = labelFor(fn, in.Target)
				}
				if in.Cond == ir.CondAny {
					w.Inst("j", target)
				} else {
					w.Inst("bnez", operand(in.Op1), target)
				}
			case ir.TJMP:
				w.Inst("jr", operand(in.Op1))
			case ir.PRECALL:
				if in.StackBytes > 0 {
					w.Inst("addi", "sp, sp", fmt.Sprintf("-%d", in.StackBytes))
				}
			case ir.PUSHARG:
				if in.Op1.IsFloat() && in.ArgIndex < len(ArgFloatRegs) {
					w.Inst("fmv.d", faName(ArgFloatRegs[in.ArgIndex]), operand(in.Op1))
				} else if in.ArgIndex < len(ArgIntRegs) {
					w.Inst("mv", gpName(ArgIntRegs[in.ArgIndex]), operand(in.Op1))
				} else {
					w.Inst("sd", operand(in.Op1), "0(sp)")
				}
			case ir.CALL:
				if in.CallSym != "" {
					w.Inst("call", w.Sym(in.CallSym))
				} else {
					w.Inst("jalr", operand(in.Op1))
				}
			case ir.RESULT:
				if in.Op1 != nil {
					if in.Op1.IsFloat() {
						w.Inst("fmv.d", "fa0", operand(in.Op1))
					} else {
						w.Inst("mv", "a0", operand(in.Op1))
					}
				} else if in.Dst.IsFloat() {
					w.Inst("fmv.d", operand(in.Dst), "fa0")
				} else {
					w.Inst("mv", operand(in.Dst), "a0")
				}
			case ir.SUBSP:
				w.Inst("addi", "sp, sp", fmt.Sprintf("-%d", in.Imm))
			case ir.ASM:
				w.Emit(asmwriter.Inst(in.AsmText))
			}
		}
	}

	w.Label(epilogueLabel(fn))
	b.Epilogue(w, fn, alloc)
}

func epilogueLabel(fn *ir.Function) string {
	return fmt.Sprintf(".L%s_epilogue", fn.Name)
}

// EmitData delegates to the shared GNU-directive data emitter (component
// F); RISC-V64 contributes nothing beyond its GNU Syntax.
func (Backend) EmitData(w *asmwriter.Writer, c *cctx.Context, globals []*ast.VarInfo) error {
	return data.EmitAll(w, c, globals)
}

// emitCompare lowers ir.COND to RISC-V's slt/sltu-based boolean materialization:
// there is no flags register, so every comparison kind reduces to one or two
// slt-family instructions plus an optional seqz/snez/operand-swap, mirroring
// how RV64 backends commonly synthesize C's relational operators.
func emitCompare(w *asmwriter.Writer, in *ir.Instr, operand func(*ir.VReg) string) {
	dst, a, b := operand(in.Dst), operand(in.Op1), operand(in.Op2)
	unsigned := in.Flags&ir.Unsigned != 0
	sltOp := "slt"
	if unsigned {
		sltOp = "sltu"
	}
	switch in.Cond {
	case ir.CondEQ:
		w.Inst("sub", dst, a, b)
		w.Inst("seqz", dst, dst)
	case ir.CondNE:
		w.Inst("sub", dst, a, b)
		w.Inst("snez", dst, dst)
	case ir.CondLT:
		w.Inst(sltOp, dst, a, b)
	case ir.CondGT:
		w.Inst(sltOp, dst, b, a)
	case ir.CondLE:
		w.Inst(sltOp, dst, b, a)
		w.Inst("xori", dst, dst, "1")
	case ir.CondGE:
		w.Inst(sltOp, dst, a, b)
		w.Inst("xori", dst, dst, "1")
	}
}

func labelFor(fn *ir.Function, blk *ir.Block) string {
	return fmt.Sprintf(".L%s_%d", fn.Name, blk.ID)
}
