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

// Package asmwriter separates instruction selection from textual assembler
// rendering. Per-target emitters build typed Lines; a Syntax implementation
// (GNU or Apple) turns them into assembler source. Generalizes the
// teacher's Assembler.emit0/emit1/emit2 string-building helpers
// (codegen/asm_x86.go), which mixed mnemonic selection and text formatting
// in one pass, into the two-stage design spec.md's "assembler-string
// output" note calls for.
package asmwriter

import (
	"fmt"
	"strings"
)

// Line is one rendered line of assembly: a label, a directive, an
// instruction with 0-2 operands, or a raw comment.
type Line struct {
	Label      string // emit "name:" and return, ignoring the rest
	Directive  string // ".section", ".globl", etc; Operands holds its args verbatim
	Mnemonic   string
	Operands   []string
	Comment    string
}

func LabelLine(name string) Line  { return Line{Label: name} }
func Directive(d string, ops ...string) Line {
	return Line{Directive: d, Operands: ops}
}
func Inst(mnemonic string, ops ...string) Line {
	return Line{Mnemonic: mnemonic, Operands: ops}
}
func Comment(text string) Line { return Line{Comment: text} }

// Syntax renders target-independent Lines into one assembler dialect's
// textual form: mainly symbol mangling (leading underscore on Apple) and
// directive-name differences (.align argument meaning).
type Syntax interface {
	// Mangle returns the symbol name as it should appear in emitted text.
	Mangle(sym string) string
	// Align returns the ".align"-family directive line for a given byte
	// alignment (GNU ELF takes the byte count; Mach-O's `as` wants log2).
	Align(bytes int) Line
	// Weak returns the directive marking sym as a weak/tentative symbol.
	Weak(sym string) Line
	CommentPrefix() string
}

// GNUSyntax targets the GNU assembler on ELF platforms (Linux): byte-count
// alignment, no symbol-name mangling.
type GNUSyntax struct{}

func (GNUSyntax) Mangle(sym string) string { return sym }
func (GNUSyntax) Align(bytes int) Line     { return Directive(".align", fmt.Sprintf("%d", bytes)) }
func (GNUSyntax) Weak(sym string) Line     { return Directive(".weak", sym) }
func (GNUSyntax) CommentPrefix() string    { return "#" }

// AppleSyntax targets Apple's clang-integrated assembler on Mach-O: leading
// underscore mangling, power-of-two .align argument.
type AppleSyntax struct{}

func (AppleSyntax) Mangle(sym string) string { return "_" + sym }
func (AppleSyntax) Align(bytes int) Line {
	exp := 0
	for (1 << exp) < bytes {
		exp++
	}
	return Directive(".align", fmt.Sprintf("%d", exp))
}
func (AppleSyntax) Weak(sym string) Line { return Directive(".weak_reference", sym) }
func (AppleSyntax) CommentPrefix() string { return "##" }

// Writer accumulates Lines and renders them under a chosen Syntax.
type Writer struct {
	syntax Syntax
	lines  []Line
}

func New(s Syntax) *Writer { return &Writer{syntax: s} }

func (w *Writer) Emit(l Line) { w.lines = append(w.lines, l) }

func (w *Writer) Label(name string)                      { w.Emit(LabelLine(name)) }
func (w *Writer) Inst(mnemonic string, ops ...string)     { w.Emit(Inst(mnemonic, ops...)) }
func (w *Writer) Directive(d string, ops ...string)       { w.Emit(Directive(d, ops...)) }
func (w *Writer) Global(sym string) {
	w.Directive(".globl", w.syntax.Mangle(sym))
}
func (w *Writer) Weak(sym string) { w.Emit(w.syntax.Weak(w.syntax.Mangle(sym))) }
func (w *Writer) Align(bytes int) { w.Emit(w.syntax.Align(bytes)) }

// Sym mangles a symbol name under the active syntax, for emitters building
// operand strings directly (e.g. `lea sym(%rip), %rax`).
func (w *Writer) Sym(name string) string { return w.syntax.Mangle(name) }

// String renders the accumulated lines as assembler source text.
func (w *Writer) String() string {
	var b strings.Builder
	for _, l := range w.lines {
		switch {
		case l.Label != "":
			fmt.Fprintf(&b, "%s:\n", l.Label)
		case l.Comment != "":
			fmt.Fprintf(&b, "\t%s %s\n", w.syntax.CommentPrefix(), l.Comment)
		case l.Directive != "":
			if len(l.Operands) == 0 {
				fmt.Fprintf(&b, "\t%s\n", l.Directive)
			} else {
				fmt.Fprintf(&b, "\t%s %s\n", l.Directive, strings.Join(l.Operands, ", "))
			}
		default:
			if len(l.Operands) == 0 {
				fmt.Fprintf(&b, "\t%s\n", l.Mnemonic)
			} else {
				fmt.Fprintf(&b, "\t%s %s\n", l.Mnemonic, strings.Join(l.Operands, ", "))
			}
		}
	}
	return b.String()
}
