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
	"nanocc/internal/cctx"
	"nanocc/internal/ir"
)

const int32Min = -2147483648
const int32Max = 2147483647

func fitsImm32(v int64) bool { return v >= int32Min && v <= int32Max }

var commutative = map[ir.Opcode]bool{
	ir.ADD: true, ir.MUL: true, ir.BITAND: true, ir.BITOR: true, ir.BITXOR: true,
}

// TweakIR legalizes fn for x86-64 encoding constraints: a 64-bit
// out-of-imm32-range constant is hoisted into a fresh VReg via MOV before
// use (x86-64 has no 64-bit-immediate ALU form besides MOV), commutative
// operations get their constant operand moved to the second position
// (matching AT&T operand order, where an immediate as the first operand
// like `cmp $5, reg` reads naturally but `add reg, $5` does not assemble),
// and `0 - x` sequences collapse to a single NEG. Grounded on the
// encoding-shape decisions embedded in falcon's lower_x86.go (lowerConst's
// float-as-rodata hoisting is the same idea one level up, at the AST→LIR
// boundary instead of the post-allocation IR→asm boundary).
func (Backend) TweakIR(c *cctx.Context, fn *ir.Function) {
	for _, b := range fn.Blocks {
		out := make([]*ir.Instr, 0, len(b.Instrs))
		for _, in := range b.Instrs {
			if commutative[in.Op] && in.Op1 != nil && in.Op1.IsConstant() && in.Op2 != nil && !in.Op2.IsConstant() {
				in.Op1, in.Op2 = in.Op2, in.Op1
			}
			if in.Op == ir.SUB && in.Op1 != nil && in.Op1.IsConstant() && in.Op1.ConstVal == 0 {
				in.Op = ir.NEG
				in.Op1 = in.Op2
				in.Op2 = nil
			}
			if in.Op1 != nil && in.Op1.IsConstant() && !in.Op1.IsFloat() && !fitsImm32(in.Op1.ConstVal) {
				in.Op1 = hoist(fn, &out, in.Op1)
			}
			if in.Op2 != nil && in.Op2.IsConstant() && !in.Op2.IsFloat() && !fitsImm32(in.Op2.ConstVal) {
				in.Op2 = hoist(fn, &out, in.Op2)
			}
			out = append(out, in)
		}
		b.Instrs = out
	}
}

func hoist(fn *ir.Function, out *[]*ir.Instr, c *ir.VReg) *ir.VReg {
	tmp := fn.NewVReg(c.Class)
	*out = append(*out, &ir.Instr{Op: ir.MOV, Dst: tmp, Op1: c})
	return tmp
}
