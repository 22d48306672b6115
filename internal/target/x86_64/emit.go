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

package x86_64

import (
	"fmt"

	"nanocc/internal/ast"
	"nanocc/internal/asmwriter"
	"nanocc/internal/cctx"
	"nanocc/internal/data"
	"nanocc/internal/ir"
	"nanocc/internal/regalloc"
)

// Backend implements target.Target for the System V x86-64 ABI. Its
// assembler dialect defaults to GNU/ELF (Linux); NewDarwin selects the
// Apple Mach-O variant (leading-underscore mangling, power-of-two .align),
// per SPEC_FULL.md's "x86-64 ... with Apple leading-underscore mangling
// variant".
type Backend struct {
	syn asmwriter.Syntax
}

func New() *Backend { return &Backend{syn: asmwriter.GNUSyntax{}} }

// NewDarwin returns an x86-64 backend targeting Apple's assembler syntax.
func NewDarwin() *Backend { return &Backend{syn: asmwriter.AppleSyntax{}} }

func (Backend) Name() string                    { return "x86_64" }
func (Backend) Registers() regalloc.RegisterFile { return RegisterFile() }
func (b Backend) Syntax() asmwriter.Syntax {
	if b.syn == nil {
		return asmwriter.GNUSyntax{}
	}
	return b.syn
}

// operand renders v's current location (register or spill slot) at v's own
// width, mirroring falcon's Assembler.operand dispatch in asm_x86.go.
func operand(v *ir.VReg, alloc *regalloc.Result) string {
	if v == nil {
		return ""
	}
	if v.IsConstant() {
		return fmt.Sprintf("$%d", v.ConstVal)
	}
	iv, ok := alloc.Assignments[v.ID]
	if !ok || iv.Spilled {
		off := v.FrameOffset
		return fmt.Sprintf("%d(%%rbp)", off)
	}
	if v.IsFloat() {
		return "%" + XMMName(iv.PhysReg)
	}
	return "%" + GPName(iv.PhysReg, v.Class.Bytes())
}

func mnemonicSuffix(v *ir.VReg) string {
	if v.IsFloat() {
		if v.Class == ir.F32 {
			return "ss"
		}
		return "sd"
	}
	switch v.Class.Bytes() {
	case 1:
		return "b"
	case 2:
		return "w"
	case 4:
		return "l"
	default:
		return "q"
	}
}

func condSuffix(c ir.Cond, unsigned bool) string {
	switch c {
	case ir.CondEQ:
		return "e"
	case ir.CondNE:
		return "ne"
	case ir.CondLT:
		if unsigned {
			return "b"
		}
		return "l"
	case ir.CondLE:
		if unsigned {
			return "be"
		}
		return "le"
	case ir.CondGE:
		if unsigned {
			return "ae"
		}
		return "ge"
	case ir.CondGT:
		if unsigned {
			return "a"
		}
		return "g"
	default:
		return ""
	}
}

// EmitFunction renders fn's allocated body. Grounded on falcon's
// Assembler.emit1/emit2/mov/and/or/xor/sal/sar/cmp/setcc/jmp dispatch in
// codegen/asm_x86.go, generalized from falcon's all-stack-slot
// implementation to one that actually consults the allocator's register
// assignments.
func (b Backend) EmitFunction(w *asmwriter.Writer, c *cctx.Context, fn *ir.Function, alloc *regalloc.Result) {
	mangled := w.Sym(fn.Name)
	w.Global(fn.Name)
	w.Label(mangled)
	b.Prologue(w, fn, alloc)

	for _, blk := range fn.Blocks {
		w.Label(fmt.Sprintf(".L%s_%d", fn.Name, blk.ID))
		for _, in := range blk.Instrs {
			b.emitInstr(w, fn, in, alloc)
		}
	}

	// Every JMP with a nil Target is a return: lowering never knows where the
	// epilogue lands in the block container, only that there is exactly one
	// per function.
	w.Label(epilogueLabel(fn))
	b.Epilogue(w, fn, alloc)
}

func epilogueLabel(fn *ir.Function) string {
	return fmt.Sprintf(".L%s_epilogue", fn.Name)
}

// EmitData renders every global's section/symbol/initializer via the
// shared GNU-assembler-directive emitter (component F); x86-64's own
// contribution is only its Syntax (GNU ELF here, Apple Mach-O via the
// AppleSyntax variant selected by the CLI driver).
func (Backend) EmitData(w *asmwriter.Writer, c *cctx.Context, globals []*ast.VarInfo) error {
	return data.EmitAll(w, c, globals)
}

func (b Backend) emitInstr(w *asmwriter.Writer, fn *ir.Function, in *ir.Instr, alloc *regalloc.Result) {
	dst := func() string { return operand(in.Dst, alloc) }
	op1 := func() string { return operand(in.Op1, alloc) }
	op2 := func() string { return operand(in.Op2, alloc) }
	suf := func() string {
		if in.Dst != nil {
			return mnemonicSuffix(in.Dst)
		}
		if in.Op1 != nil {
			return mnemonicSuffix(in.Op1)
		}
		return "q"
	}

	switch in.Op {
	case ir.MOV:
		if dst() != op1() {
			w.Inst("mov"+suf(), op1(), dst())
		}
	case ir.CAST:
		w.Inst("movs"+suf(), op1(), dst())
	case ir.ADD, ir.SUB, ir.BITAND, ir.BITOR, ir.BITXOR:
		mnemonic := map[ir.Opcode]string{ir.ADD: "add", ir.SUB: "sub", ir.BITAND: "and", ir.BITOR: "or", ir.BITXOR: "xor"}[in.Op]
		if dst() != op1() {
			w.Inst("mov"+suf(), op1(), dst())
		}
		w.Inst(mnemonic+suf(), op2(), dst())
	case ir.NEG:
		if dst() != op1() {
			w.Inst("mov"+suf(), op1(), dst())
		}
		w.Inst("neg"+suf(), dst())
	case ir.BITNOT:
		if dst() != op1() {
			w.Inst("mov"+suf(), op1(), dst())
		}
		w.Inst("not"+suf(), dst())
	case ir.LSHIFT, ir.RSHIFT:
		mnemonic := "sal"
		if in.Op == ir.RSHIFT {
			mnemonic = "sar"
			if in.Flags&ir.Unsigned != 0 {
				mnemonic = "shr"
			}
		}
		if dst() != op1() {
			w.Inst("mov"+suf(), op1(), dst())
		}
		w.Inst(mnemonic+suf(), "%cl", dst())
	case ir.MUL:
		if dst() != op1() {
			w.Inst("mov"+suf(), op1(), dst())
		}
		w.Inst("imul"+suf(), op2(), dst())
	case ir.DIV, ir.MOD:
		w.Inst("mov"+suf(), op1(), "%rax")
		if in.Flags&ir.Unsigned != 0 {
			w.Inst("xor"+suf(), "%rdx", "%rdx")
			w.Inst("div"+suf(), op2())
		} else {
			w.Inst("cqto")
			w.Inst("idiv"+suf(), op2())
		}
		if in.Op == ir.DIV {
			w.Inst("mov"+suf(), "%rax", dst())
		} else {
			w.Inst("mov"+suf(), "%rdx", dst())
		}
	case ir.COND:
		w.Inst("cmp"+suf(), op2(), op1())
		w.Inst("set"+condSuffix(in.Cond, in.Flags&ir.Unsigned != 0), "%al")
		w.Inst("movzbl", "%al", dst())
	case ir.BOFS:
		w.Inst("lea", fmt.Sprintf("%d(%%rbp)", in.FrameSlot.Offset), dst())
	case ir.IOFS:
		w.Inst("lea", fmt.Sprintf("%s(%%rip)", w.Sym(in.Symbol)), dst())
	case ir.SOFS:
		w.Inst("lea", fmt.Sprintf("%d(%%rsp)", in.Imm), dst())
	case ir.LOAD, ir.LOADS:
		w.Inst("mov"+suf(), fmt.Sprintf("(%s)", op1()), dst())
	case ir.STORE, ir.STORES:
		w.Inst("mov"+suf(), op2(), fmt.Sprintf("(%s)", op1()))
	case ir.JMP:
		target := epilogueLabel(fn)
		if in.Target != nil {
			target = labelFor(fn, in.Target)
		}
		if in.Cond == ir.CondAny {
			w.Inst("jmp", target)
		} else {
			w.Inst("test"+suf(), op1(), op1())
			w.Inst("j"+condSuffix(in.Cond, in.Flags&ir.Unsigned != 0), target)
		}
	case ir.TJMP:
		w.Inst("jmp", "*"+op1())
	case ir.PRECALL:
		if in.StackBytes > 0 {
			w.Inst("subq", fmt.Sprintf("$%d", in.StackBytes), "%rsp")
		}
	case ir.PUSHARG:
		if in.Op1.IsFloat() {
			if in.ArgIndex < len(ArgFloatRegs) {
				w.Inst("movsd", op1(), "%"+XMMName(ArgFloatRegs[in.ArgIndex]))
			}
		} else if in.ArgIndex < len(ArgIntRegs) {
			w.Inst("movq", op1(), "%"+GPName(ArgIntRegs[in.ArgIndex], 8))
		} else {
			w.Inst("pushq", op1())
		}
	case ir.CALL:
		if in.CallSym != "" {
			w.Inst("call", w.Sym(in.CallSym))
		} else {
			w.Inst("call", "*"+op1())
		}
	case ir.RESULT:
		// Op1 set: a function placing its own return value in the ABI
		// register before jumping to the epilogue. Dst set: the caller
		// capturing a CALL's return value out of it.
		if in.Op1 != nil {
			if in.Op1.IsFloat() {
				w.Inst("movsd", op1(), "%xmm0")
			} else {
				w.Inst("movq", op1(), "%rax")
			}
		} else if in.Dst.IsFloat() {
			w.Inst("movsd", "%xmm0", dst())
		} else {
			w.Inst("movq", "%rax", dst())
		}
	case ir.SUBSP:
		w.Inst("subq", fmt.Sprintf("$%d", in.Imm), "%rsp")
	case ir.ASM:
		w.Emit(asmwriter.Inst(in.AsmText))
	}
}

func labelFor(fn *ir.Function, blk *ir.Block) string {
	return fmt.Sprintf(".L%s_%d", fn.Name, blk.ID)
}
