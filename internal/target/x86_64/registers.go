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

// Package x86_64 implements the target.Target capability interface for the
// System V AMD64 ABI, grounded on falcon's codegen/arch_x86.go (register
// bank, affinity-based width casting) and codegen/asm_x86.go (per-opcode
// assembler text). Windows fastcall is out of scope for this module — the
// teacher detected it via runtime.GOOS, but the ambient CLI here always
// targets a Linux/SysV host.
package x86_64

import "nanocc/internal/regalloc"

// General-purpose register indices, in native x86-64 ModRM encoding order —
// the same order falcon's Affinity field uses in arch_x86.go.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var gpNames64 = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}
var gpNames32 = [...]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
}
var gpNames16 = [...]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w",
}
var gpNames8 = [...]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}

// GPName renders a GPR index at the given byte width, the same affinity
// casting falcon's Register.Cast does.
func GPName(idx, width int) string {
	switch width {
	case 8:
		return gpNames64[idx]
	case 4:
		return gpNames32[idx]
	case 2:
		return gpNames16[idx]
	default:
		return gpNames8[idx]
	}
}

const XMMCount = 16

func XMMName(idx int) string {
	names := [...]string{
		"xmm0", "xmm1", "xmm2", "xmm3", "xmm4", "xmm5", "xmm6", "xmm7",
		"xmm8", "xmm9", "xmm10", "xmm11", "xmm12", "xmm13", "xmm14", "xmm15",
	}
	return names[idx]
}

// ArgIntRegs/ArgFloatRegs are the System V argument-passing order.
var ArgIntRegs = []int{RDI, RSI, RDX, RCX, R8, R9}
var ArgFloatRegs = []int{0, 1, 2, 3, 4, 5, 6, 7} // xmm0-xmm7

const ReturnIntReg = RAX
const ReturnFloatReg = 0 // xmm0

// RegisterFile is the allocator's view: RSP/RBP are never handed to the
// allocator (reserved for the stack/frame pointers), matching falcon's
// CallerSaveRegs/CalleeSaveRegs split in arch_x86.go but completed with an
// actual callee-save tier.
func RegisterFile() regalloc.RegisterFile {
	return regalloc.RegisterFile{
		Int: regalloc.RegPool{
			Temporary:   []int{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11},
			CalleeSaved: []int{RBX, R12, R13, R14, R15},
		},
		Float: regalloc.RegPool{
			// Every XMM register is caller-saved under System V; any
			// float value live across a call must be spilled to memory.
			Temporary:   []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
			CalleeSaved: nil,
		},
	}
}
