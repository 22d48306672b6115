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
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"nanocc/internal/ir"
)

// RegPool is one class's physical register inventory, split into the
// caller-save ("temporary") tier tried first and the callee-save tier held
// back for values that must survive a call — per-target packages supply
// the concrete indices (e.g. x86-64's RAX/RCX/RDX/.../R11 as Temporary,
// RBX/R12-R15 as CalleeSaved).
type RegPool struct {
	Temporary   []int
	CalleeSaved []int
}

func (p RegPool) all() []int {
	out := make([]int, 0, len(p.Temporary)+len(p.CalleeSaved))
	out = append(out, p.Temporary...)
	out = append(out, p.CalleeSaved...)
	return out
}

// RegisterFile is the per-target description the allocator needs: separate
// pools for integer and floating-point classes.
type RegisterFile struct {
	Int   RegPool
	Float RegPool
}

func (rf RegisterFile) pool(c Class) RegPool {
	if c == ClassFloat {
		return rf.Float
	}
	return rf.Int
}

// Result is the allocator's output: per-VReg assignment plus frame/spill
// accounting the target's Prologue/Epilogue need.
type Result struct {
	Assignments  map[int]*Interval // VReg ID -> final interval (PhysReg or Spilled)
	SpillSlots   int               // count of 8-byte spill slots allocated
	UsedCallee   []int             // callee-saved int registers actually assigned
	UsedCalleeF  []int             // callee-saved float registers actually assigned
}

// Allocate runs the full pipeline: liveness, interval building, linear
// scan. fn must already be Number()'d and Finalize()'d.
func Allocate(fn *ir.Function, rf RegisterFile, log *zap.SugaredLogger) (*Result, error) {
	if len(fn.Blocks) == 0 {
		layoutFrame(fn, nil, nil)
		return &Result{Assignments: map[int]*Interval{}}, nil
	}
	gk := computeGenKill(fn)
	lio := computeLiveInOut(fn, gk)
	intervals := buildIntervals(fn, lio)
	callSites := collectCallSites(fn)

	a := &allocator{
		fn:        fn,
		rf:        rf,
		callSites: callSites,
		log:       log,
	}
	if err := a.run(intervals); err != nil {
		return nil, errors.Wrap(err, "regalloc")
	}

	res := &Result{Assignments: intervals, SpillSlots: a.nextSpillSlot}
	for _, iv := range intervals {
		if iv.Spilled || iv.VRegID < 0 {
			continue
		}
		if iv.Class == ClassInt && containsInt(rf.Int.CalleeSaved, iv.PhysReg) {
			res.UsedCallee = appendUnique(res.UsedCallee, iv.PhysReg)
		}
		if iv.Class == ClassFloat && containsInt(rf.Float.CalleeSaved, iv.PhysReg) {
			res.UsedCalleeF = appendUnique(res.UsedCalleeF, iv.PhysReg)
		}
	}
	layoutFrame(fn, collectVRegs(fn), intervals)
	return res, nil
}

// layoutFrame assigns every frame-resident value (declared local, spilled
// VReg) a distinct byte offset from the frame pointer and records the
// total in fn.FrameSize/NeedsFrame, per-target Prologue/Epilogue code reads
// straight off of. Locals come first, in declaration order, then spill
// slots in VReg-ID order for determinism; each target's own Prologue adds
// its callee-saved-register save area on top of this total.
func layoutFrame(fn *ir.Function, regByID map[int]*ir.VReg, intervals map[int]*Interval) {
	cur := 0
	for _, l := range fn.Locals {
		align := l.Align
		if align < 1 {
			align = 1
		}
		cur = alignUp(cur+l.Size, align)
		l.Offset = -cur
	}

	var spillIDs []int
	for id, iv := range intervals {
		if iv.Spilled && iv.VRegID >= 0 {
			spillIDs = append(spillIDs, id)
		}
	}
	sort.Ints(spillIDs)
	for _, id := range spillIDs {
		cur = alignUp(cur+8, 8)
		if v, ok := regByID[id]; ok {
			v.AssignSpill(-cur)
		}
	}

	fn.FrameSize = cur
	fn.NeedsFrame = cur > 0
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// collectVRegs indexes every non-constant VReg reachable from fn by ID, so
// layoutFrame can write spill offsets back onto the actual IR operands
// (buildIntervals keeps its own copy of this map private to interval
// construction).
func collectVRegs(fn *ir.Function) map[int]*ir.VReg {
	out := make(map[int]*ir.VReg)
	for _, p := range fn.Params {
		out[p.ID] = p
	}
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			for _, v := range [...]*ir.VReg{in.Dst, in.Op1, in.Op2} {
				if v != nil && !v.IsConstant() {
					out[v.ID] = v
				}
			}
		}
	}
	return out
}

func collectCallSites(fn *ir.Function) []int {
	var ids []int
	for _, b := range fn.Blocks {
		for _, in := range b.Instrs {
			if in.Op == ir.CALL {
				ids = append(ids, in.ID)
			}
		}
	}
	sort.Ints(ids)
	return ids
}

type allocator struct {
	fn            *ir.Function
	rf            RegisterFile
	callSites     []int
	log           *zap.SugaredLogger
	nextSpillSlot int

	activeInt   []*Interval
	activeFloat []*Interval
}

func (a *allocator) active(c Class) *[]*Interval {
	if c == ClassFloat {
		return &a.activeFloat
	}
	return &a.activeInt
}

// crossesCall reports whether iv's live range straddles any CALL
// instruction — such intervals may only occupy callee-saved registers,
// spec.md's "detect extra occupied registers across calls" hook.
func (a *allocator) crossesCall(iv *Interval) bool {
	for _, c := range a.callSites {
		if iv.CrossesRange(c-1, c+1) {
			return true
		}
	}
	return false
}

func (a *allocator) run(intervals map[int]*Interval) error {
	unhandled := make([]*Interval, 0, len(intervals))
	for _, iv := range intervals {
		unhandled = append(unhandled, iv)
	}
	sort.Slice(unhandled, func(i, j int) bool { return unhandled[i].Start() < unhandled[j].Start() })

	for _, cur := range unhandled {
		a.expireOld(cur.Start(), ClassInt)
		a.expireOld(cur.Start(), ClassFloat)

		if reg, ok := a.tryAllocateFree(cur); ok {
			cur.PhysReg = reg
			active := a.active(cur.Class)
			*active = append(*active, cur)
			continue
		}
		if err := a.allocateBlocked(cur); err != nil {
			return err
		}
	}
	return nil
}

func (a *allocator) expireOld(pos int, c Class) {
	active := a.active(c)
	kept := (*active)[:0]
	for _, iv := range *active {
		if iv.End() < pos {
			continue
		}
		kept = append(kept, iv)
	}
	*active = kept
}

func (a *allocator) tryAllocateFree(cur *Interval) (int, bool) {
	pool := a.rf.pool(cur.Class)
	occupied := make(map[int]bool)
	for _, iv := range *a.active(cur.Class) {
		occupied[iv.PhysReg] = true
	}

	// An interval whose lifetime straddles a call must land in a
	// callee-saved register, or it would be clobbered by the callee.
	if a.crossesCall(cur) {
		for _, r := range pool.CalleeSaved {
			if !occupied[r] {
				return r, true
			}
		}
		return 0, false
	}

	// Otherwise prefer the caller-save tier (cheaper: no prologue/epilogue
	// save/restore needed), falling back to callee-save once exhausted.
	for _, r := range pool.Temporary {
		if !occupied[r] {
			return r, true
		}
	}
	for _, r := range pool.CalleeSaved {
		if !occupied[r] {
			return r, true
		}
	}
	return 0, false
}

// allocateBlocked implements the farthest-use spill heuristic: compare
// cur's own next use against the active interval (of the same class) whose
// physical register's holder has the farthest next use; spill whichever of
// the two is used later.
func (a *allocator) allocateBlocked(cur *Interval) error {
	active := a.active(cur.Class)
	if len(*active) == 0 {
		return errors.Errorf("no registers available for class %d and none active to spill", cur.Class)
	}

	pos := cur.Start()
	victimIdx := -1
	victimNextUse := -1
	for idx, iv := range *active {
		if a.crossesCall(cur) && !containsInt(a.rf.pool(cur.Class).CalleeSaved, iv.PhysReg) {
			continue // can't hand cur a caller-save register anyway
		}
		nu := iv.NextUseAfter(pos)
		if nu > victimNextUse {
			victimNextUse = nu
			victimIdx = idx
		}
	}
	curNextUse := cur.NextUseAfter(pos)

	if victimIdx == -1 || curNextUse >= victimNextUse {
		a.spill(cur)
		if a.log != nil {
			a.log.Debugw("spilled new interval", "vreg", cur.VRegID, "pos", pos)
		}
		return nil
	}

	victim := (*active)[victimIdx]
	cur.PhysReg = victim.PhysReg
	a.spill(victim)
	(*active)[victimIdx] = cur
	if a.log != nil {
		a.log.Debugw("spilled active interval for new arrival", "victim", victim.VRegID, "new", cur.VRegID)
	}
	return nil
}

func (a *allocator) spill(iv *Interval) {
	iv.Spilled = true
	iv.PhysReg = -1
	a.nextSpillSlot++
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func appendUnique(xs []int, v int) []int {
	if containsInt(xs, v) {
		return xs
	}
	return append(xs, v)
}
