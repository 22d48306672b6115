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

// Command wcc is the WebAssembly driver named in SPEC_FULL.md §3: it reads
// one translation unit and hands it straight to internal/wasm.Assemble,
// bypassing IR construction and register allocation entirely, per spec.md
// §4.7's stack-machine model. Grounded on original_source/wasm/src/wcc.c's
// own small argv-driven main (-e for exports, -o for output) generalized
// onto a cobra command tree to match this module's other CLI driver.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"nanocc/internal/astjson"
	"nanocc/internal/cctx"
	"nanocc/internal/wasm"
)

var (
	flagOutput    string
	flagExports   []string
	flagStackSize uint32
	flagVerbose   bool
)

func main() {
	root := &cobra.Command{
		Use:   "wcc <ast.json>",
		Short: "Assemble one translation unit into a WebAssembly module",
		Args:  cobra.ExactArgs(1),
		RunE:  runAssemble,
	}
	flags := root.Flags()
	flags.StringVarP(&flagOutput, "output", "o", "-", "output file, - for stdout")
	flags.VarP((*exportList)(&flagExports), "export", "e", "exported function name, repeatable or comma-separated (-eEXPORT[,EXPORT...])")
	flags.Uint32Var(&flagStackSize, "stack-size", 64*1024, "linear-memory stack reservation in bytes, below the injected __stack_pointer global")
	flags.BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// exportList implements pflag.Value so -e can be repeated or comma-joined,
// mirroring wcc.c's own "-e foo,bar" export-list parsing.
type exportList []string

func (e *exportList) String() string { return fmt.Sprint([]string(*e)) }
func (e *exportList) Type() string   { return "stringSlice" }
func (e *exportList) Set(v string) error {
	*e = append(*e, strings.Split(v, ",")...)
	return nil
}

var _ pflag.Value = (*exportList)(nil)

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.DisableStacktrace = true
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

func runAssemble(cmd *cobra.Command, args []string) error {
	log, err := newLogger(flagVerbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening translation unit: %w", err)
	}
	defer f.Close()

	prog, err := astjson.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding translation unit: %w", err)
	}

	ctx := cctx.New(prog, log)
	ctx.Target = "wasm"

	if len(prog.Asm) > 0 {
		log.Warnw("top-level inline asm has no representation in the wasm MVP backend; dropping", "count", len(prog.Asm))
	}

	mod, err := wasm.Assemble(ctx, prog, wasm.Options{
		Exports:   flagExports,
		StackSize: flagStackSize,
	})
	if err != nil {
		return fmt.Errorf("assembling module: %w", err)
	}

	out := os.Stdout
	if flagOutput != "-" {
		file, err := os.Create(flagOutput)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer file.Close()
		out = file
	}
	_, err = out.Write(mod)
	return err
}
