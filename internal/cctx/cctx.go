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

// Package cctx carries the compiler context threaded explicitly through
// lowering, allocation, tweaking and emission — replacing the teacher's
// package-level globals (compile.curfunc, compile.curscope, a bare error
// counter) with one record passed by reference.
package cctx

import (
	"fmt"

	"nanocc/internal/ast"
	"nanocc/internal/diag"

	"go.uber.org/zap"
)

// Context is passed by pointer through every pipeline stage. Only
// immutable descriptor tables (opcode metadata, per-target register
// descriptors) stay as package-level vars outside of this struct.
type Context struct {
	Globals map[string]*ast.VarInfo // file/program-level scope

	CurrentFunc string // name of the function presently being compiled

	Diag *diag.Sink
	Log  *zap.SugaredLogger

	Target string // target triple/name, e.g. "x86_64", "arm64", "riscv64", "wasm"

	// Strings holds every string literal lowering has interned, keyed by
	// the generated rodata symbol; internal/data.EmitAll reads this back to
	// emit the backing bytes once, after the globals.
	Strings map[string]string
	nextStr int
}

// New builds a Context over prog's global scope.
func New(prog *ast.Program, log *zap.SugaredLogger) *Context {
	globals := make(map[string]*ast.VarInfo, len(prog.Globals))
	for _, g := range prog.Globals {
		globals[g.Name] = g
	}
	return &Context{
		Globals: globals,
		Diag:    diag.NewSink(log),
		Log:     log,
	}
}

// EnterFunc updates the context's notion of "current function" for
// diagnostics and logging; called once per function by the lowering pass.
func (c *Context) EnterFunc(name string) {
	c.CurrentFunc = name
	if c.Log != nil {
		c.Log.Debugw("entering function", "func", name)
	}
}

// InternString registers a string literal's bytes under a fresh read-only
// data symbol and returns that symbol. Every call mints a new symbol;
// identical literals are not folded together, here or in internal/data.
func (c *Context) InternString(s string) string {
	if c.Strings == nil {
		c.Strings = make(map[string]string)
	}
	sym := fmt.Sprintf(".LC%d", c.nextStr)
	c.nextStr++
	c.Strings[sym] = s
	return sym
}

// LookupGlobal resolves a global/static variable by name, as the lowering
// pass needs when turning an ast.Var with IsGlobal into an IOFS.
func (c *Context) LookupGlobal(name string) (*ast.VarInfo, bool) {
	v, ok := c.Globals[name]
	return v, ok
}
