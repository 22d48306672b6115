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

package astjson

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"nanocc/internal/ast"
	"nanocc/internal/types"
)

func TestDecode_SimpleAddFunction(t *testing.T) {
	const doc = `{
		"globals": [
			{"name": "counter", "type": {"kind": "int"}, "storage": "global"}
		],
		"funcs": [
			{
				"name": "add",
				"returnType": {"kind": "int"},
				"params": [
					{"name": "a", "type": {"kind": "int"}},
					{"name": "b", "type": {"kind": "int"}}
				],
				"body": {
					"kind": "block",
					"stmts": [
						{
							"kind": "return",
							"x": {
								"kind": "binary",
								"op": "+",
								"left": {"kind": "var", "name": "a", "type": {"kind": "int"}},
								"right": {"kind": "var", "name": "b", "type": {"kind": "int"}}
							}
						}
					]
				}
			}
		],
		"asm": ["nop"]
	}`

	prog, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.NotNil(t, prog)

	require.Len(t, prog.Globals, 1)
	require.Equal(t, "counter", prog.Globals[0].Name)
	require.Equal(t, ast.StorageGlobal, prog.Globals[0].Storage)
	require.Equal(t, types.Int, prog.Globals[0].Type.Kind)

	require.Equal(t, []string{"nop"}, prog.Asm)

	require.Len(t, prog.Funcs, 1)
	fn := prog.Funcs[0]
	require.Equal(t, "add", fn.Name)
	require.Len(t, fn.Params, 2)
	require.Equal(t, "a", fn.Params[0].Name)
	require.Equal(t, "b", fn.Params[1].Name)
	require.Equal(t, types.Int, fn.ReturnType.Kind)

	require.NotNil(t, fn.Body)
	require.Len(t, fn.Body.Stmts, 1)
	ret, ok := fn.Body.Stmts[0].(*ast.ReturnStmt)
	require.True(t, ok, "expected a return statement")
	bin, ok := ret.X.(*ast.Binary)
	require.True(t, ok, "expected a binary expression")
	require.Equal(t, ast.OpAdd, bin.Op)
}

func TestDecode_FunctionBodyMustBeBlock(t *testing.T) {
	const doc = `{
		"funcs": [
			{
				"name": "bad",
				"returnType": {"kind": "void"},
				"body": {"kind": "return"}
			}
		]
	}`

	_, err := Decode(strings.NewReader(doc))
	require.Error(t, err)
}

func TestDecode_EmptyProgram(t *testing.T) {
	prog, err := Decode(strings.NewReader(`{}`))
	require.NoError(t, err)
	require.NotNil(t, prog)
	require.Empty(t, prog.Funcs)
	require.Empty(t, prog.Globals)
	require.Empty(t, prog.Asm)
}
