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

// Package wasm is the alternative WebAssembly back-end (spec.md §4.7,
// components E'+F'): when targeting Wasm, IR construction and register
// allocation are bypassed entirely — this package walks the front-end AST
// directly and emits Wasm bytecode using the stack-machine model. Module
// framing (section order, ULEB128 length prefixes, type deduplication,
// import/export derivation, the Data segment) is grounded directly on
// original_source/wasm/src/wcc.c's emit_wasm/construct_data_segment/
// construct_initial_value; per-function bytecode emission (structured
// control flow via block/loop/br_if) is this package's own design, since
// the retrieved xcc source only kept the module driver, not its per-
// expression code generator.
package wasm

import (
	"github.com/pkg/errors"

	"nanocc/internal/ast"
	"nanocc/internal/cctx"
	"nanocc/internal/data"
	"nanocc/internal/types"
)

// ValType is a Wasm value type, encoded as its one-byte type-section tag.
type ValType byte

const (
	ValI32 ValType = 0x7F
	ValI64 ValType = 0x7E
	ValF32 ValType = 0x7D
	ValF64 ValType = 0x7C
)

// Section IDs, per the binary format (Wasm 1.0 / MVP).
const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secGlobal   = 6
	secExport   = 7
	secCode     = 10
	secData     = 11
)

const (
	externKindFunc   = 0x00
	externKindMemory = 0x02
	externKindGlobal = 0x03
)

// magic + version, prefixed to every module (spec.md §6 outputs).
var header = []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

// funcType is a deduplicated (params, results) signature, matching wcc.c's
// own "types" vector + same_type scan.
type funcType struct {
	params  []ValType
	results []ValType
}

func (f funcType) equal(o funcType) bool {
	if len(f.params) != len(o.params) || len(f.results) != len(o.results) {
		return false
	}
	for i := range f.params {
		if f.params[i] != o.params[i] {
			return false
		}
	}
	for i := range f.results {
		if f.results[i] != o.results[i] {
			return false
		}
	}
	return true
}

// wtypeOf maps a C scalar type onto its Wasm value type; aggregates never
// cross the Wasm function boundary by value in this MVP backend (spec.md
// §4.7's "stack-machine model" targets primitives — structs/unions are
// passed by reference only, same limitation wcc.c's is_prim_type enforces).
func wtypeOf(t *types.Type) (ValType, error) {
	switch {
	case t.IsFloat():
		if t.Size() <= 4 {
			return ValF32, nil
		}
		return ValF64, nil
	case t.IsPtr():
		return ValI32, nil
	case t.IsInteger():
		if t.Size() <= 4 {
			return ValI32, nil
		}
		return ValI64, nil
	default:
		return 0, errors.Errorf("type %s cannot cross the wasm function boundary by value", t)
	}
}

func isPrimitive(t *types.Type) bool {
	return t.IsInteger() || t.IsFloat() || t.IsPtr()
}

// Options configures one Assemble invocation (cmd/wcc's flags).
type Options struct {
	Exports   []string
	StackSize uint32
}

// Module accumulates the pieces emit_wasm combines in wcc.c: the
// deduplicated type table, one funcInfo per function (imported or defined),
// the primitive globals (plus the reserved stack-pointer global), and the
// linear-memory layout for aggregate globals.
type Module struct {
	ctx  *cctx.Context
	opts Options

	types []funcType

	funcs    []*funcInfo // imports first, then defined functions, in this order
	funcIdx  map[string]int
	spGlobal int // wasm global index of the injected __stack_pointer

	primGlobals []*primGlobal
	primIdx     map[string]int

	memAddr  map[string]uint32  // aggregate global name -> linear-memory address
	memOrder []*ast.VarInfo     // aggregate globals in layout (address) order
	memEnd   uint32

	called map[string]bool // functions referenced by a Call anywhere in the program
}

type funcInfo struct {
	name      string
	decl      *ast.FuncDecl
	typeIndex int
	imported  bool
}

type primGlobal struct {
	name    string
	varInfo *ast.VarInfo
	wtype   ValType
	mutable bool
}

// Assemble builds a complete Wasm module for prog per spec.md §4.7 and
// returns its binary encoding. Grounded section-by-section on wcc.c's
// emit_wasm.
func Assemble(ctx *cctx.Context, prog *ast.Program, opts Options) ([]byte, error) {
	m := &Module{
		ctx:       ctx,
		opts:      opts,
		funcIdx:   map[string]int{},
		primIdx:   map[string]int{},
		memAddr:   map[string]uint32{},
		called:    collectCalledNames(prog),
	}

	if err := m.layoutGlobals(prog); err != nil {
		return nil, err
	}
	if err := m.collectFuncs(prog); err != nil {
		return nil, err
	}

	typeSec := m.buildTypeSection()
	importSec, importCount := m.buildImportSection()
	funcSec := m.buildFunctionSection()
	globalSec, globalCount := m.buildGlobalSection()
	exportSec, err := m.buildExportSection()
	if err != nil {
		return nil, err
	}
	codeSec, err := m.buildCodeSection()
	if err != nil {
		return nil, err
	}
	dataSec, err := m.buildDataSection(prog)
	if err != nil {
		return nil, err
	}

	var out buffer
	out.bytes(header)
	out.byte(secType)
	out.bytes(prefixedByLength(typeSec))
	if importCount > 0 {
		out.byte(secImport)
		out.bytes(prefixedByLength(importSec))
	}
	out.byte(secFunction)
	out.bytes(prefixedByLength(funcSec))
	if globalCount > 0 {
		out.byte(secGlobal)
		out.bytes(prefixedByLength(globalSec))
	}
	out.byte(secExport)
	out.bytes(prefixedByLength(exportSec))
	out.byte(secCode)
	out.bytes(prefixedByLength(codeSec))
	if len(dataSec) > 0 {
		out.byte(secData)
		out.bytes(prefixedByLength(dataSec))
	}
	return out.b, nil
}

func collectCalledNames(prog *ast.Program) map[string]bool {
	found := map[string]bool{}
	for _, fd := range prog.Funcs {
		if fd.Body != nil {
			walkStmtForCalls(fd.Body, found)
		}
	}
	return found
}

func walkStmtForCalls(s ast.Stmt, found map[string]bool) {
	switch n := s.(type) {
	case *ast.Block:
		for _, st := range n.Stmts {
			walkStmtForCalls(st, found)
		}
	case *ast.ExprStmt:
		walkExprForCalls(n.X, found)
	case *ast.ReturnStmt:
		if n.X != nil {
			walkExprForCalls(n.X, found)
		}
	case *ast.IfStmt:
		walkExprForCalls(n.Cond, found)
		walkStmtForCalls(n.Then, found)
		if n.Else != nil {
			walkStmtForCalls(n.Else, found)
		}
	case *ast.ForStmt:
		if n.Init != nil {
			walkStmtForCalls(n.Init, found)
		}
		if n.Cond != nil {
			walkExprForCalls(n.Cond, found)
		}
		if n.Post != nil {
			walkStmtForCalls(n.Post, found)
		}
		walkStmtForCalls(n.Body, found)
	case *ast.SwitchStmt:
		walkExprForCalls(n.Tag, found)
		for _, ce := range n.Cases {
			walkStmtForCalls(ce.Body, found)
		}
	}
}

func walkExprForCalls(e ast.Expr, found map[string]bool) {
	switch n := e.(type) {
	case *ast.Unary:
		walkExprForCalls(n.Expr, found)
	case *ast.Binary:
		walkExprForCalls(n.Left, found)
		walkExprForCalls(n.Right, found)
	case *ast.Cond:
		walkExprForCalls(n.Cond, found)
		walkExprForCalls(n.Then, found)
		walkExprForCalls(n.Else, found)
	case *ast.Call:
		if n.Callee == nil {
			found[n.Name] = true
		} else {
			walkExprForCalls(n.Callee, found)
		}
		for _, a := range n.Args {
			walkExprForCalls(a, found)
		}
	case *ast.Member:
		walkExprForCalls(n.Base, found)
	case *ast.Index:
		walkExprForCalls(n.Base, found)
		walkExprForCalls(n.Idx, found)
	case *ast.Cast:
		walkExprForCalls(n.Expr, found)
	}
}

// dataEvalConst re-exposes internal/data's constant-initializer folding so
// the two emitters (text directives in internal/data, raw little-endian
// bytes here) share one notion of "what is a legal global initializer",
// per spec.md §7 taxonomy item 2.
func dataEvalConst(c *cctx.Context, e ast.Expr) (data.ConstValue, error) {
	return data.EvalConst(c, e)
}
