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

// Package arm64 implements the target.Target capability interface for
// AAPCS64 (the AArch64 procedure call standard), grounded on the pack's
// vslc AArch64 backend (32 integer + 32 float registers per ABI,
// stack-align-16) and raymyers-ralph-cc-go's instruction-struct shape for
// naming (X0-X30 general, D0-D15 double).
package arm64

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

// X0-X30 general-purpose; X30 is the link register, X29 the frame pointer,
// SP is not part of the allocatable file.
const (
	X0 = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29 // frame pointer, reserved
	X30 // link register, reserved
)

func gpName(idx int, is64 bool) string {
	if idx == X29 {
		if is64 {
			return "fp"
		}
		return "wfp"
	}
	if idx == X30 {
		return "lr"
	}
	if is64 {
		return fmt.Sprintf("x%d", idx)
	}
	return fmt.Sprintf("w%d", idx)
}

func dName(idx int) string { return fmt.Sprintf("d%d", idx) }

var ArgIntRegs = []int{X0, X1, X2, X3, X4, X5, X6, X7}
var ArgFloatRegs = []int{0, 1, 2, 3, 4, 5, 6, 7}

const ReturnIntReg = X0
const ReturnFloatReg = 0

func RegisterFile() regalloc.RegisterFile {
	return regalloc.RegisterFile{
		Int: regalloc.RegPool{
			// X9-X15 are temporary per AAPCS64; X19-X28 are callee-saved.
			Temporary:   []int{X0, X1, X2, X3, X4, X5, X6, X7, X8, X9, X10, X11, X12, X13, X14, X15},
			CalleeSaved: []int{X19, X20, X21, X22, X23, X24, X25, X26, X27, X28},
		},
		Float: regalloc.RegPool{
			Temporary:   []int{0, 1, 2, 3, 4, 5, 6, 7, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31},
			CalleeSaved: []int{8, 9, 10, 11, 12, 13, 14, 15}, // only the low 64 bits of d8-d15 are callee-saved
		},
	}
}

type Backend struct{}

func New() *Backend { return &Backend{} }

func (Backend) Name() string                    { return "arm64" }
func (Backend) Registers() regalloc.RegisterFile { return RegisterFile() }
func (Backend) Syntax() asmwriter.Syntax         { return asmwriter.GNUSyntax{} }

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

// align16 keeps the frame a multiple of the AAPCS64-mandated 16-byte stack
// alignment (vslc's stackAlign constant, same rationale).
func align16(n int) int { return (n + 15) &^ 15 }

func (Backend) Prologue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result) {
	frameSize := align16(fn.FrameSize + 8*len(alloc.UsedCallee) + 16)
	w.Inst("sub", "sp, sp", fmt.Sprintf("#%d", frameSize))
	w.Inst("stp", "x29, x30", fmt.Sprintf("[sp, #%d]", frameSize-16))
	w.Inst("add", "x29, sp", fmt.Sprintf("#%d", frameSize-16))
	for i, r := range alloc.UsedCallee {
		w.Inst("str", gpName(r, true), fmt.Sprintf("[sp, #%d]", i*8))
	}
}

func (Backend) Epilogue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result) {
	frameSize := align16(fn.FrameSize + 8*len(alloc.UsedCallee) + 16)
	for i, r := range alloc.UsedCallee {
		w.Inst("ldr", gpName(r, true), fmt.Sprintf("[sp, #%d]", i*8))
	}
	w.Inst("ldp", "x29, x30", fmt.Sprintf("[sp, #%d]", frameSize-16))
	w.Inst("add", "sp, sp", fmt.Sprintf("#%d", frameSize))
	w.Inst("ret")
}

// TweakIR covers AArch64's narrower immediate encoding: ADD/SUB accept a
// 12-bit (optionally shifted) immediate, anything larger is hoisted
// through a MOVZ/MOVK sequence represented here as a plain MOV into a
// fresh VReg, the IR-level equivalent of vslc's constant-pool fallback for
// out-of-range literals.
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

func fits12bit(v int64) bool { return v >= 0 && v < 1<<12 }

func hoist(fn *ir.Function, out *[]*ir.Instr, c *ir.VReg) *ir.VReg {
	tmp := fn.NewVReg(c.Class)
	*out = append(*out, &ir.Instr{Op: ir.MOV, Dst: tmp, Op1: c})
	return tmp
}

// bitfieldExtendWidth resolves the SPEC_FULL.md §8 open question: AArch64
// sign-extends in x (64-bit) when the field's declared type is 8 bytes
// wide, else w (32-bit).
func bitfieldExtendWidth(typeSize int) string {
	if typeSize == 8 {
		return "x"
	}
	return "w"
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
			return fmt.Sprintf("#%d", v.ConstVal)
		}
		iv, ok := alloc.Assignments[v.ID]
		if !ok || iv.Spilled {
			return fmt.Sprintf("[sp, #%d]", v.FrameOffset)
		}
		if v.IsFloat() {
			return dName(iv.PhysReg)
		}
		return gpName(iv.PhysReg, v.Class.Bytes() == 8)
	}

	for _, blk := range fn.Blocks {
		w.Label(fmt.Sprintf(".L%s_%d", fn.Name, blk.ID))
		for _, in := range blk.Instrs {
			switch in.Op {
			case ir.MOV:
				w.Inst("mov", operand(in.Dst), operand(in.Op1))
			case ir.ADD:
				w.Inst("add", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.SUB:
				w.Inst("sub", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.MUL:
				w.Inst("mul", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.DIV:
				if in.Flags&ir.Unsigned != 0 {
					w.Inst("udiv", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				} else {
					w.Inst("sdiv", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				}
			case ir.NEG:
				w.Inst("neg", operand(in.Dst), operand(in.Op1))
			case ir.BITAND:
				w.Inst("and", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.BITOR:
				w.Inst("orr", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.BITXOR:
				w.Inst("eor", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.LSHIFT:
				w.Inst("lsl", operand(in.Dst), operand(in.Op1), operand(in.Op2))
			case ir.RSHIFT:
				if in.Flags&ir.Unsigned != 0 {
					w.Inst("lsr", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				} else {
					w.Inst("asr", operand(in.Dst), operand(in.Op1), operand(in.Op2))
				}
			case ir.LOAD, ir.LOADS:
				w.Inst("ldr", operand(in.Dst), fmt.Sprintf("[%s]", operand(in.Op1)))
			case ir.STORE, ir.STORES:
				w.Inst("str", operand(in.Op2), fmt.Sprintf("[%s]", operand(in.Op1)))
			case ir.BOFS:
				w.Inst("add", operand(in.Dst), "x29", fmt.Sprintf("#%d", in.FrameSlot.Offset))
			case ir.IOFS:
				w.Inst("adrp", operand(in.Dst), w.Sym(in.Symbol))
				w.Inst("add", operand(in.Dst), operand(in.Dst), ":lo12:"+w.Sym(in.Symbol))
			case ir.SOFS:
				w.Inst("add", operand(in.Dst), "sp", fmt.Sprintf("#%d", in.Imm))
			case ir.COND:
				w.Inst("cmp", operand(in.Op1), operand(in.Op2))
				w.Inst("cset", operand(in.Dst), condCode(in.Cond, in.Flags&ir.Unsigned != 0))
			case ir.JMP:
				target := epilogueLabel(fn)
				if in.Target != nil {
					target = labelFor(fn, in.Target)
				}
				if in.Cond == ir.CondAny {
					w.Inst("b", target)
				} else {
					w.Inst("cbnz", operand(in.Op1), target)
				}
			case ir.TJMP:
				w.Inst("br", operand(in.Op1))
			case ir.PRECALL:
				if in.StackBytes > 0 {
					w.Inst("sub", "sp, sp", fmt.Sprintf("#%d", in.StackBytes))
				}
			case ir.PUSHARG:
				if in.Op1.IsFloat() && in.ArgIndex < len(ArgFloatRegs) {
					w.Inst("fmov", dName(ArgFloatRegs[in.ArgIndex]), operand(in.Op1))
				} else if in.ArgIndex < len(ArgIntRegs) {
					w.Inst("mov", gpName(ArgIntRegs[in.ArgIndex], true), operand(in.Op1))
				} else {
					w.Inst("str", operand(in.Op1), "[sp], #8")
				}
			case ir.CALL:
				if in.CallSym != "" {
					w.Inst("bl", w.Sym(in.CallSym))
				} else {
					w.Inst("blr", operand(in.Op1))
				}
			case ir.RESULT:
				if in.Op1 != nil {
					if in.Op1.IsFloat() {
						w.Inst("fmov", "d0", operand(in.Op1))
					} else {
						w.Inst("mov", "x0", operand(in.Op1))
					}
				} else if in.Dst.IsFloat() {
					w.Inst("fmov", operand(in.Dst), "d0")
				} else {
					w.Inst("mov", operand(in.Dst), "x0")
				}
			case ir.SUBSP:
				w.Inst("sub", "sp, sp", fmt.Sprintf("#%d", in.Imm))
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
// F); AArch64 contributes nothing beyond its GNU Syntax.
func (Backend) EmitData(w *asmwriter.Writer, c *cctx.Context, globals []*ast.VarInfo) error {
	return data.EmitAll(w, c, globals)
}

func condCode(c ir.Cond, unsigned bool) string {
	switch c {
	case ir.CondEQ:
		return "eq"
	case ir.CondNE:
		return "ne"
	case ir.CondLT:
		if unsigned {
			return "lo"
		}
		return "lt"
	case ir.CondLE:
		if unsigned {
			return "ls"
		}
		return "le"
	case ir.CondGE:
		if unsigned {
			return "hs"
		}
		return "ge"
	case ir.CondGT:
		if unsigned {
			return "hi"
		}
		return "gt"
	default:
		return "al"
	}
}

func labelFor(fn *ir.Function, blk *ir.Block) string {
	return fmt.Sprintf(".L%s_%d", fn.Name, blk.ID)
}
