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

	"nanocc/internal/asmwriter"
	"nanocc/internal/ir"
	"nanocc/internal/regalloc"
	"nanocc/internal/target"
)

// ParamMapping assigns parameters to the System V integer/SSE argument
// registers, falling back to stack slots once each class's six/eight
// registers are exhausted.
func (Backend) ParamMapping(fn *ir.Function) []target.ParamLoc {
	locs := make([]target.ParamLoc, len(fn.Params))
	nextInt, nextFloat := 0, 0
	stackOff := 16 // above saved RBP + return address
	for i, p := range fn.Params {
		if p.IsFloat() {
			if nextFloat < len(ArgFloatRegs) {
				locs[i] = target.ParamLoc{InRegister: true, Reg: ArgFloatRegs[nextFloat], Class: regalloc.ClassFloat}
				nextFloat++
				continue
			}
		} else if nextInt < len(ArgIntRegs) {
			locs[i] = target.ParamLoc{InRegister: true, Reg: ArgIntRegs[nextInt], Class: regalloc.ClassInt}
			nextInt++
			continue
		}
		locs[i] = target.ParamLoc{StackOff: stackOff}
		stackOff += 8
	}
	return locs
}

// Prologue emits the standard frame-pointer-based entry sequence, spilling
// callee-saved registers the allocator actually used, per spec.md §4.4/§4.5
// and falcon's emitPrologue in codegen/asm_x86.go (which this generalizes
// from a fixed frame size to one computed from the allocator's result).
func (Backend) Prologue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result) {
	w.Inst("pushq", "%rbp")
	w.Inst("movq", "%rsp", "%rbp")
	frameSize := align16(fn.FrameSize + 8*len(alloc.UsedCallee))
	if frameSize > 0 {
		w.Inst("subq", fmt.Sprintf("$%d", frameSize), "%rsp")
	}
	for _, r := range alloc.UsedCallee {
		w.Inst("pushq", "%"+GPName(r, 8))
	}
}

func (Backend) Epilogue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result) {
	for i := len(alloc.UsedCallee) - 1; i >= 0; i-- {
		w.Inst("popq", "%"+GPName(alloc.UsedCallee[i], 8))
	}
	w.Inst("leave")
	w.Inst("ret")
}

func align16(n int) int { return (n + 15) &^ 15 }
