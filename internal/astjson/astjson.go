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

// Package astjson is the narrow hand-off point between this module and the
// external front-end named in spec.md §1/§6: lexing, parsing, and semantic
// analysis are out of scope here, but something has to cross the process
// boundary so cmd/compiler and cmd/wcc are runnable end to end. A front-end
// (or a test fixture) emits one JSON document per translation unit, tagged
// by node "kind" the way an AST visitor would dispatch; Decode rebuilds the
// internal/ast tree from it. There is no ecosystem library in this pack
// shaped for a bespoke tagged-union AST wire format, so this uses
// encoding/json directly rather than reaching for a general serialization
// dependency that would not actually fit the schema.
package astjson

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"nanocc/internal/ast"
	"nanocc/internal/types"
)

// Decode reads one JSON-encoded translation unit from r.
func Decode(r io.Reader) (*ast.Program, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "astjson: read")
	}
	var w wireProgram
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "astjson: decode program")
	}
	return w.build()
}

// --- types.Type --------------------------------------------------------------

type wireType struct {
	Kind     string            `json:"kind"`
	Base     json.RawMessage   `json:"base,omitempty"`
	Len      int               `json:"len,omitempty"`
	Flexi    bool              `json:"flexi,omitempty"`
	Tag      string            `json:"tag,omitempty"`
	Members  []wireMember      `json:"members,omitempty"`
	Params   []json.RawMessage `json:"params,omitempty"`
	Return   json.RawMessage   `json:"return,omitempty"`
	Variadic bool              `json:"variadic,omitempty"`
}

type wireMember struct {
	Name   string          `json:"name"`
	Type   json.RawMessage `json:"type"`
	Offset int             `json:"offset,omitempty"`
	Width  int             `json:"width,omitempty"`
	Pos    int             `json:"pos,omitempty"`
	Signed bool            `json:"signed,omitempty"`
}

var scalarKinds = map[string]*types.Type{
	"void":       types.TVoid,
	"bool":       types.TBool,
	"char":       types.TChar,
	"uchar":      types.TUChar,
	"short":      types.TShort,
	"ushort":     types.TUShort,
	"int":        types.TInt,
	"uint":       types.TUInt,
	"long":       types.TLong,
	"ulong":      types.TULong,
	"float":      types.TFloat,
	"double":     types.TDouble,
	"longdouble": types.TLongDouble,
}

func decodeType(raw json.RawMessage) (*types.Type, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w wireType
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "astjson: decode type")
	}
	if t, ok := scalarKinds[w.Kind]; ok {
		return t, nil
	}
	switch w.Kind {
	case "ptr":
		base, err := decodeType(w.Base)
		if err != nil {
			return nil, err
		}
		return &types.Type{Kind: types.Ptr, Base: base}, nil
	case "array":
		base, err := decodeType(w.Base)
		if err != nil {
			return nil, err
		}
		return &types.Type{Kind: types.Array, Base: base, Len: w.Len, Flexi: w.Flexi}, nil
	case "struct", "union":
		k := types.Struct
		if w.Kind == "union" {
			k = types.Union
		}
		members := make([]*types.Member, len(w.Members))
		for i, wm := range w.Members {
			mt, err := decodeType(wm.Type)
			if err != nil {
				return nil, err
			}
			members[i] = &types.Member{
				Name: wm.Name, Type: mt, Offset: wm.Offset,
				Width: wm.Width, Pos: wm.Pos, Signed: wm.Signed,
			}
		}
		return &types.Type{Kind: k, Tag: w.Tag, Members: members}, nil
	case "func":
		ret, err := decodeType(w.Return)
		if err != nil {
			return nil, err
		}
		params := make([]*types.Type, len(w.Params))
		for i, p := range w.Params {
			pt, err := decodeType(p)
			if err != nil {
				return nil, err
			}
			params[i] = pt
		}
		return &types.Type{Kind: types.Func, Return: ret, Params: params, Variadic: w.Variadic}, nil
	default:
		return nil, errors.Errorf("astjson: unknown type kind %q", w.Kind)
	}
}

// --- expressions ---------------------------------------------------------------

type wireExpr struct {
	Kind string          `json:"kind"`
	Type json.RawMessage `json:"type"`

	Value  json.RawMessage `json:"value,omitempty"`
	Name   string          `json:"name,omitempty"`
	Local  bool            `json:"local,omitempty"`
	Global bool            `json:"global,omitempty"`
	Param  bool            `json:"param,omitempty"`
	ParamI int             `json:"paramIdx,omitempty"`

	Op    string          `json:"op,omitempty"`
	Expr  json.RawMessage `json:"expr,omitempty"`
	Left  json.RawMessage `json:"left,omitempty"`
	Right json.RawMessage `json:"right,omitempty"`

	Cond json.RawMessage `json:"cond,omitempty"`
	Then json.RawMessage `json:"then,omitempty"`
	Else json.RawMessage `json:"else,omitempty"`

	Callee json.RawMessage   `json:"callee,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`

	Base  json.RawMessage `json:"base,omitempty"`
	Arrow bool            `json:"arrow,omitempty"`
	Field *wireMember     `json:"field,omitempty"`

	Idx json.RawMessage `json:"idx,omitempty"`
}

var unaryKinds = map[string]ast.UnaryKind{
	"addr": ast.UnaryAddr, "deref": ast.UnaryDeref, "neg": ast.UnaryNeg,
	"bitnot": ast.UnaryBitNot, "lognot": ast.UnaryLogNot,
	"preinc": ast.UnaryPreInc, "predec": ast.UnaryPreDec,
	"postinc": ast.UnaryPostInc, "postdec": ast.UnaryPostDec,
}

var binOps = map[string]ast.BinOp{
	"+": ast.OpAdd, "-": ast.OpSub, "*": ast.OpMul, "/": ast.OpDiv, "%": ast.OpMod,
	"&": ast.OpBitAnd, "|": ast.OpBitOr, "^": ast.OpBitXor, "<<": ast.OpShl, ">>": ast.OpShr,
	"&&": ast.OpLogAnd, "||": ast.OpLogOr,
	"==": ast.OpEQ, "!=": ast.OpNE, "<": ast.OpLT, "<=": ast.OpLE, ">": ast.OpGT, ">=": ast.OpGE,
	"=": ast.OpAssign, ",": ast.OpCommaSeq,
}

func decodeExpr(raw json.RawMessage) (ast.Expr, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w wireExpr
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "astjson: decode expr")
	}
	ty, err := decodeType(w.Type)
	if err != nil {
		return nil, err
	}
	base := ast.ExprBase{Ty: ty}

	switch w.Kind {
	case "int":
		var v int64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return nil, errors.Wrap(err, "astjson: int literal value")
		}
		return &ast.IntLit{ExprBase: base, Value: v}, nil
	case "float":
		var v float64
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return nil, errors.Wrap(err, "astjson: float literal value")
		}
		return &ast.FloatLit{ExprBase: base, Value: v}, nil
	case "string":
		var v string
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return nil, errors.Wrap(err, "astjson: string literal value")
		}
		return &ast.StringLit{ExprBase: base, Value: v}, nil
	case "var":
		return &ast.Var{
			ExprBase: base, Name: w.Name,
			IsLocal: w.Local, IsGlobal: w.Global, IsParam: w.Param, ParamIdx: w.ParamI,
		}, nil
	case "unary":
		op, ok := unaryKinds[w.Op]
		if !ok {
			return nil, errors.Errorf("astjson: unknown unary op %q", w.Op)
		}
		operand, err := decodeExpr(w.Expr)
		if err != nil {
			return nil, err
		}
		return &ast.Unary{ExprBase: base, Op: op, Expr: operand}, nil
	case "binary":
		op, ok := binOps[w.Op]
		if !ok {
			return nil, errors.Errorf("astjson: unknown binary op %q", w.Op)
		}
		l, err := decodeExpr(w.Left)
		if err != nil {
			return nil, err
		}
		r, err := decodeExpr(w.Right)
		if err != nil {
			return nil, err
		}
		return &ast.Binary{ExprBase: base, Op: op, Left: l, Right: r}, nil
	case "cond":
		c, err := decodeExpr(w.Cond)
		if err != nil {
			return nil, err
		}
		t, err := decodeExpr(w.Then)
		if err != nil {
			return nil, err
		}
		e, err := decodeExpr(w.Else)
		if err != nil {
			return nil, err
		}
		return &ast.Cond{ExprBase: base, Cond: c, Then: t, Else: e}, nil
	case "call":
		callee, err := decodeExpr(w.Callee)
		if err != nil {
			return nil, err
		}
		args := make([]ast.Expr, len(w.Args))
		for i, a := range w.Args {
			ae, err := decodeExpr(a)
			if err != nil {
				return nil, err
			}
			args[i] = ae
		}
		return &ast.Call{ExprBase: base, Name: w.Name, Callee: callee, Args: args}, nil
	case "member":
		b, err := decodeExpr(w.Base)
		if err != nil {
			return nil, err
		}
		var field *types.Member
		if w.Field != nil {
			ft, err := decodeType(w.Field.Type)
			if err != nil {
				return nil, err
			}
			field = &types.Member{
				Name: w.Field.Name, Type: ft, Offset: w.Field.Offset,
				Width: w.Field.Width, Pos: w.Field.Pos, Signed: w.Field.Signed,
			}
		}
		return &ast.Member{ExprBase: base, Base: b, Arrow: w.Arrow, Field: field}, nil
	case "index":
		b, err := decodeExpr(w.Base)
		if err != nil {
			return nil, err
		}
		i, err := decodeExpr(w.Idx)
		if err != nil {
			return nil, err
		}
		return &ast.Index{ExprBase: base, Base: b, Idx: i}, nil
	case "cast":
		e, err := decodeExpr(w.Expr)
		if err != nil {
			return nil, err
		}
		return &ast.Cast{ExprBase: base, Expr: e}, nil
	default:
		return nil, errors.Errorf("astjson: unknown expr kind %q", w.Kind)
	}
}

// --- statements ------------------------------------------------------------

type wireStmt struct {
	Kind string `json:"kind"`

	Stmts []json.RawMessage `json:"stmts,omitempty"`
	X     json.RawMessage   `json:"x,omitempty"`

	Cond json.RawMessage `json:"cond,omitempty"`
	Then json.RawMessage `json:"then,omitempty"`
	Else json.RawMessage `json:"else,omitempty"`

	Init json.RawMessage `json:"init,omitempty"`
	Post json.RawMessage `json:"post,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`

	Tag   json.RawMessage `json:"tag,omitempty"`
	Cases []wireCase      `json:"cases,omitempty"`

	Text string `json:"text,omitempty"`
}

type wireCase struct {
	Value     int64           `json:"value"`
	IsDefault bool            `json:"default,omitempty"`
	Body      json.RawMessage `json:"body"`
}

func decodeStmt(raw json.RawMessage) (ast.Stmt, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var w wireStmt
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, errors.Wrap(err, "astjson: decode stmt")
	}
	switch w.Kind {
	case "block":
		stmts := make([]ast.Stmt, len(w.Stmts))
		for i, s := range w.Stmts {
			st, err := decodeStmt(s)
			if err != nil {
				return nil, err
			}
			stmts[i] = st
		}
		return &ast.Block{Stmts: stmts}, nil
	case "exprstmt":
		x, err := decodeExpr(w.X)
		if err != nil {
			return nil, err
		}
		return &ast.ExprStmt{X: x}, nil
	case "return":
		x, err := decodeExpr(w.X)
		if err != nil {
			return nil, err
		}
		return &ast.ReturnStmt{X: x}, nil
	case "if":
		c, err := decodeExpr(w.Cond)
		if err != nil {
			return nil, err
		}
		t, err := decodeStmt(w.Then)
		if err != nil {
			return nil, err
		}
		e, err := decodeStmt(w.Else)
		if err != nil {
			return nil, err
		}
		return &ast.IfStmt{Cond: c, Then: t, Else: e}, nil
	case "for":
		init, err := decodeStmt(w.Init)
		if err != nil {
			return nil, err
		}
		cond, err := decodeExpr(w.Cond)
		if err != nil {
			return nil, err
		}
		post, err := decodeStmt(w.Post)
		if err != nil {
			return nil, err
		}
		body, err := decodeStmt(w.Body)
		if err != nil {
			return nil, err
		}
		return &ast.ForStmt{Init: init, Cond: cond, Post: post, Body: body}, nil
	case "switch":
		tag, err := decodeExpr(w.Tag)
		if err != nil {
			return nil, err
		}
		cases := make([]*ast.CaseEntry, len(w.Cases))
		for i, wc := range w.Cases {
			body, err := decodeStmt(wc.Body)
			if err != nil {
				return nil, err
			}
			cases[i] = &ast.CaseEntry{Value: wc.Value, IsDefault: wc.IsDefault, Body: body}
		}
		return &ast.SwitchStmt{Tag: tag, Cases: cases}, nil
	case "break":
		return &ast.BreakStmt{}, nil
	case "continue":
		return &ast.ContinueStmt{}, nil
	case "asm":
		return &ast.AsmStmt{Text: w.Text}, nil
	default:
		return nil, errors.Errorf("astjson: unknown stmt kind %q", w.Kind)
	}
}

// --- declarations ------------------------------------------------------------

type wireInitializer struct {
	Scalar   json.RawMessage   `json:"scalar,omitempty"`
	IsString bool              `json:"isString,omitempty"`
	String   string            `json:"string,omitempty"`
	Children []wireInitializer `json:"children,omitempty"`
}

func (w *wireInitializer) build() (*ast.Initializer, error) {
	if w == nil {
		return nil, nil
	}
	scalar, err := decodeExpr(w.Scalar)
	if err != nil {
		return nil, err
	}
	children := make([]*ast.Initializer, len(w.Children))
	for i := range w.Children {
		c, err := w.Children[i].build()
		if err != nil {
			return nil, err
		}
		children[i] = c
	}
	return &ast.Initializer{Scalar: scalar, IsString: w.IsString, String: w.String, Children: children}, nil
}

var storageClasses = map[string]ast.StorageClass{
	"global": ast.StorageGlobal, "static": ast.StorageStatic, "extern": ast.StorageExtern,
}

type wireVarInfo struct {
	Name        string           `json:"name"`
	Type        json.RawMessage  `json:"type"`
	Storage     string           `json:"storage,omitempty"`
	Init        *wireInitializer `json:"init,omitempty"`
	IsConst     bool             `json:"const,omitempty"`
	MangledName string           `json:"mangledName,omitempty"`
}

func (w *wireVarInfo) build() (*ast.VarInfo, error) {
	t, err := decodeType(w.Type)
	if err != nil {
		return nil, err
	}
	init, err := w.Init.build()
	if err != nil {
		return nil, err
	}
	storage := storageClasses[w.Storage]
	return &ast.VarInfo{
		Name: w.Name, Type: t, Storage: storage, Init: init,
		IsConst: w.IsConst, MangledName: w.MangledName,
	}, nil
}

type wireParam struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

type wireFuncDecl struct {
	Name       string          `json:"name"`
	Params     []wireParam     `json:"params,omitempty"`
	Variadic   bool            `json:"variadic,omitempty"`
	ReturnType json.RawMessage `json:"returnType"`
	Body       json.RawMessage `json:"body,omitempty"`
	IsStatic   bool            `json:"static,omitempty"`
	Locals     []wireVarInfo   `json:"locals,omitempty"`
}

func (w *wireFuncDecl) build() (*ast.FuncDecl, error) {
	ret, err := decodeType(w.ReturnType)
	if err != nil {
		return nil, err
	}
	params := make([]*ast.Param, len(w.Params))
	for i, p := range w.Params {
		pt, err := decodeType(p.Type)
		if err != nil {
			return nil, err
		}
		params[i] = &ast.Param{Name: p.Name, Type: pt}
	}
	var body *ast.Block
	if len(w.Body) > 0 && string(w.Body) != "null" {
		st, err := decodeStmt(w.Body)
		if err != nil {
			return nil, err
		}
		b, ok := st.(*ast.Block)
		if !ok {
			return nil, errors.Errorf("astjson: function %q body must be a block", w.Name)
		}
		body = b
	}
	locals := make([]*ast.VarInfo, len(w.Locals))
	for i := range w.Locals {
		lv, err := w.Locals[i].build()
		if err != nil {
			return nil, err
		}
		locals[i] = lv
	}
	return &ast.FuncDecl{
		Name: w.Name, Params: params, Variadic: w.Variadic, ReturnType: ret,
		Body: body, IsStatic: w.IsStatic, Locals: locals,
	}, nil
}

type wireProgram struct {
	Funcs   []wireFuncDecl `json:"funcs,omitempty"`
	Globals []wireVarInfo  `json:"globals,omitempty"`
	Asm     []string       `json:"asm,omitempty"`
}

func (w *wireProgram) build() (*ast.Program, error) {
	funcs := make([]*ast.FuncDecl, len(w.Funcs))
	for i := range w.Funcs {
		fd, err := w.Funcs[i].build()
		if err != nil {
			return nil, errors.Wrapf(err, "astjson: function %d", i)
		}
		funcs[i] = fd
	}
	globals := make([]*ast.VarInfo, len(w.Globals))
	for i := range w.Globals {
		g, err := w.Globals[i].build()
		if err != nil {
			return nil, errors.Wrapf(err, "astjson: global %d", i)
		}
		globals[i] = g
	}
	return &ast.Program{Funcs: funcs, Globals: globals, Asm: append([]string(nil), w.Asm...)}, nil
}
