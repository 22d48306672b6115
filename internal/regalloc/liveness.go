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
	"nanocc/internal/ir"
	"nanocc/internal/utils"
)

// GenKill holds the per-block local liveness sets used to seed the
// backward dataflow fixpoint, named after falcon's own GenKill/LiveInOut
// pair in codegen/lsra.go.
type GenKill struct {
	Gen  *utils.BitMap // upward-exposed uses
	Kill *utils.BitMap // defined somewhere in the block
}

type LiveInOut struct {
	In  *utils.BitMap
	Out *utils.BitMap
}

// operandRegs returns the VRegs an instruction reads, skipping constants
// (they never need a liveness entry).
func operandRegs(in *ir.Instr) []*ir.VReg {
	var regs []*ir.VReg
	for _, op := range [...]*ir.VReg{in.Op1, in.Op2} {
		if op != nil && !op.IsConstant() {
			regs = append(regs, op)
		}
	}
	return regs
}

// computeGenKill builds the local gen/kill bitmaps for every block, sized
// to the function's total VReg count.
func computeGenKill(fn *ir.Function) map[int]*GenKill {
	n := fn.AllVRegCount()
	out := make(map[int]*GenKill, len(fn.Blocks))
	for _, b := range fn.Blocks {
		gk := &GenKill{Gen: utils.NewBitMap(n), Kill: utils.NewBitMap(n)}
		for _, in := range b.Instrs {
			for _, r := range operandRegs(in) {
				if !gk.Kill.IsSet(r.ID) {
					gk.Gen.Set(r.ID)
				}
			}
			if in.Dst != nil && !in.Dst.IsConstant() {
				gk.Kill.Set(in.Dst.ID)
			}
		}
		out[b.ID] = gk
	}
	return out
}

// computeLiveInOut runs the standard backward fixpoint:
//
//	out[B] = union(in[S] for S in succ(B))
//	in[B]  = gen[B] | (out[B] - kill[B])
//
// over fn.Blocks (already Finalize()'d so Succs is populated), grounded on
// falcon's computeLiveInOutMap.
func computeLiveInOut(fn *ir.Function, gk map[int]*GenKill) map[int]*LiveInOut {
	n := fn.AllVRegCount()
	lio := make(map[int]*LiveInOut, len(fn.Blocks))
	for _, b := range fn.Blocks {
		lio[b.ID] = &LiveInOut{In: utils.NewBitMap(n), Out: utils.NewBitMap(n)}
	}

	changed := true
	for changed {
		changed = false
		for i := len(fn.Blocks) - 1; i >= 0; i-- {
			b := fn.Blocks[i]
			cur := lio[b.ID]

			for _, s := range b.Succs {
				if cur.Out.Unite(lio[s.ID].In) {
					changed = true
				}
			}

			newIn := cur.Out.Copy()
			newIn.Remove(gk[b.ID].Kill)
			newIn.Unite(gk[b.ID].Gen)
			if cur.In.SetFrom(newIn) {
				changed = true
			}
		}
	}
	return lio
}
