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

package regalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nanocc/internal/ir"
)

// tinyRegFile gives every test just two temporary and one callee-saved
// integer register, small enough to force spills and call-crossing
// decisions without a full target package.
func tinyRegFile() RegisterFile {
	return RegisterFile{
		Int: RegPool{Temporary: []int{0, 1}, CalleeSaved: []int{2}},
	}
}

func TestAllocate_SimpleChainFitsInRegisters(t *testing.T) {
	fn := ir.NewFunction("add3")
	b := fn.NewBlock("entry")
	a := fn.NewVReg(ir.I64)
	c := fn.NewVReg(ir.I64)
	d := fn.NewVReg(ir.I64)
	b.Append(&ir.Instr{Op: ir.MOV, Dst: a, Op1: fn.NewConst(ir.I64, 1)})
	b.Append(&ir.Instr{Op: ir.MOV, Dst: c, Op1: fn.NewConst(ir.I64, 2)})
	b.Append(&ir.Instr{Op: ir.ADD, Dst: d, Op1: a, Op2: c})
	b.Append(&ir.Instr{Op: ir.JMP, Cond: ir.CondAny})
	fn.Finalize()
	fn.Number()

	res, err := Allocate(fn, tinyRegFile(), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.Equal(t, 0, res.SpillSlots, "three short-lived temporaries should fit in the three available registers without spilling")
}

func TestAllocate_SpillsWhenOversubscribed(t *testing.T) {
	fn := ir.NewFunction("oversubscribed")
	b := fn.NewBlock("entry")
	vregs := make([]*ir.VReg, 5)
	for i := range vregs {
		vregs[i] = fn.NewVReg(ir.I64)
		b.Append(&ir.Instr{Op: ir.MOV, Dst: vregs[i], Op1: fn.NewConst(ir.I64, int64(i))})
	}
	sum := fn.NewVReg(ir.I64)
	cur := vregs[0]
	for _, v := range vregs[1:] {
		next := fn.NewVReg(ir.I64)
		b.Append(&ir.Instr{Op: ir.ADD, Dst: next, Op1: cur, Op2: v})
		cur = next
	}
	b.Append(&ir.Instr{Op: ir.MOV, Dst: sum, Op1: cur})
	b.Append(&ir.Instr{Op: ir.JMP, Cond: ir.CondAny})
	fn.Finalize()
	fn.Number()

	res, err := Allocate(fn, tinyRegFile(), nil)
	require.NoError(t, err)
	require.Greater(t, res.SpillSlots, 0, "five simultaneously-needed values through a two-register pool must spill")
}

func TestAllocate_CallCrossingIntervalGetsCalleeSaved(t *testing.T) {
	fn := ir.NewFunction("callsite")
	b := fn.NewBlock("entry")
	keep := fn.NewVReg(ir.I64)
	b.Append(&ir.Instr{Op: ir.MOV, Dst: keep, Op1: fn.NewConst(ir.I64, 42)})
	b.Append(&ir.Instr{Op: ir.PRECALL})
	b.Append(&ir.Instr{Op: ir.CALL, CallSym: "callee"})
	result := fn.NewVReg(ir.I64)
	b.Append(&ir.Instr{Op: ir.RESULT, Dst: result})
	sum := fn.NewVReg(ir.I64)
	b.Append(&ir.Instr{Op: ir.ADD, Dst: sum, Op1: keep, Op2: result})
	b.Append(&ir.Instr{Op: ir.JMP, Cond: ir.CondAny})
	fn.Finalize()
	fn.Number()

	res, err := Allocate(fn, tinyRegFile(), nil)
	require.NoError(t, err)
	iv, ok := res.Assignments[keep.ID]
	require.True(t, ok)
	if !iv.Spilled {
		require.Equal(t, 2, iv.PhysReg, "a value live across a call must land in the callee-saved register")
	}
}

func TestAllocate_LayoutFrameAssignsDistinctOffsets(t *testing.T) {
	fn := ir.NewFunction("framed")
	fn.NewLocal("x", 8, 8)
	fn.NewLocal("y", 4, 4)
	b := fn.NewBlock("entry")
	vregs := make([]*ir.VReg, 5)
	for i := range vregs {
		vregs[i] = fn.NewVReg(ir.I64)
		b.Append(&ir.Instr{Op: ir.MOV, Dst: vregs[i], Op1: fn.NewConst(ir.I64, int64(i))})
	}
	sum := fn.NewVReg(ir.I64)
	cur := vregs[0]
	for _, v := range vregs[1:] {
		next := fn.NewVReg(ir.I64)
		b.Append(&ir.Instr{Op: ir.ADD, Dst: next, Op1: cur, Op2: v})
		cur = next
	}
	b.Append(&ir.Instr{Op: ir.MOV, Dst: sum, Op1: cur})
	b.Append(&ir.Instr{Op: ir.JMP, Cond: ir.CondAny})
	fn.Finalize()
	fn.Number()

	res, err := Allocate(fn, tinyRegFile(), nil)
	require.NoError(t, err)
	require.Greater(t, res.SpillSlots, 0)
	require.True(t, fn.NeedsFrame)
	require.Greater(t, fn.FrameSize, 0)

	require.Less(t, fn.Locals[0].Offset, 0)
	require.Less(t, fn.Locals[1].Offset, 0)
	require.NotEqual(t, fn.Locals[0].Offset, fn.Locals[1].Offset, "locals must not alias the same slot")

	seen := map[int]bool{fn.Locals[0].Offset: true, fn.Locals[1].Offset: true}
	for id, iv := range res.Assignments {
		if !iv.Spilled {
			continue
		}
		v, ok := collectVRegs(fn)[id]
		require.True(t, ok)
		require.Less(t, v.FrameOffset, 0, "spilled vreg must get a real negative offset, not alias 0")
		require.False(t, seen[v.FrameOffset], "spill slot must not alias a local or another spill")
		seen[v.FrameOffset] = true
	}
}
