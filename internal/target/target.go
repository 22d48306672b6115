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

// Package target declares the capability interface every native backend
// (x86-64, AArch64, RISC-V64) implements: IR tweaking, prologue/epilogue
// synthesis, parameter mapping, and final instruction/data emission.
package target

import (
	"nanocc/internal/ast"
	"nanocc/internal/asmwriter"
	"nanocc/internal/cctx"
	"nanocc/internal/ir"
	"nanocc/internal/regalloc"
)

// Target is the capability set spec.md §9's design note names. Each native
// backend package (internal/target/x86_64, arm64, riscv64) provides one
// implementation; the WebAssembly backend does not implement Target at all
// since it bypasses IR/allocation entirely (internal/wasm).
type Target interface {
	Name() string

	// Registers returns this target's physical register inventory for the
	// allocator, split into caller-save/callee-save tiers per class.
	Registers() regalloc.RegisterFile

	// TweakIR legalizes fn's IR for this target in place: hoisting
	// immediates outside the target's range and synthesizing NEG for
	// subtract-from-zero on every target, plus commutative-operand swaps on
	// x86-64. It does not materialize float compares, insert scratch
	// registers for indirect jumps, or lower struct copies.
	TweakIR(c *cctx.Context, fn *ir.Function)

	// ParamMapping assigns each of fn.Params to either an argument register
	// (by class) or a stack slot, per this target's calling convention.
	ParamMapping(fn *ir.Function) []ParamLoc

	// Prologue/Epilogue emit the function entry/exit sequences (frame
	// setup, callee-save spill/restore) into w.
	Prologue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result)
	Epilogue(w *asmwriter.Writer, fn *ir.Function, alloc *regalloc.Result)

	// EmitFunction renders fn's allocated IR body into w.
	EmitFunction(w *asmwriter.Writer, c *cctx.Context, fn *ir.Function, alloc *regalloc.Result)

	// EmitData renders every global/static variable's section, symbol, and
	// initializer bytes into w (spec.md §4.6, component F). Shared across
	// the native targets via internal/data; only the Writer's Syntax
	// differs per target.
	EmitData(w *asmwriter.Writer, c *cctx.Context, globals []*ast.VarInfo) error

	// Syntax is the assembler dialect this target's driver defaults to.
	Syntax() asmwriter.Syntax
}

// ParamLoc describes where one parameter lives on entry: either a register
// index (within its class's pool) or a stack offset from the frame
// pointer.
type ParamLoc struct {
	InRegister bool
	Reg        int
	Class      regalloc.Class
	StackOff   int
}
