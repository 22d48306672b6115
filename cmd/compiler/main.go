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

// Command compiler is the native-target driver named in SPEC_FULL.md §3: it
// wires the front-end hand-off (internal/astjson), lowering (internal/lower),
// register allocation (internal/regalloc) and per-target emission
// (internal/target/...) into one pipeline, the way falcon's src/main.go
// wires lexer->parser->codegen but split across this core's narrower
// package boundaries.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"nanocc/internal/asmwriter"
	"nanocc/internal/astjson"
	"nanocc/internal/cctx"
	"nanocc/internal/lower"
	"nanocc/internal/regalloc"
	"nanocc/internal/target"
	"nanocc/internal/target/arm64"
	"nanocc/internal/target/riscv64"
	"nanocc/internal/target/x86_64"
)

// resolveTarget maps a --target/NANOCC_TARGET name onto a concrete backend.
// "x86_64-apple" selects the Mach-O/Apple assembler syntax variant of the
// same x86-64 backend; every other name is a 1:1 package mapping.
func resolveTarget(name string) (target.Target, error) {
	switch name {
	case "x86_64", "amd64":
		return x86_64.New(), nil
	case "x86_64-apple", "x86_64-darwin":
		return x86_64.NewDarwin(), nil
	case "arm64", "aarch64":
		return arm64.New(), nil
	case "riscv64":
		return riscv64.New(), nil
	default:
		return nil, fmt.Errorf("unknown target %q (want x86_64, x86_64-apple, arm64, riscv64)", name)
	}
}

var (
	flagOutput  string
	flagAsmOnly bool
	flagInclude []string
	flagTarget  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "compiler <ast.json>",
		Short: "Lower, allocate and emit one translation unit for a native target",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}
	root.Flags().StringVarP(&flagOutput, "output", "o", "-", "output file, - for stdout")
	root.Flags().BoolVarP(&flagAsmOnly, "S", "S", true, "stop after emitting assembler source (always on: assembling/linking are external collaborators)")
	root.Flags().StringArrayVarP(&flagInclude, "include", "I", nil, "include search path, forwarded to the front-end")
	root.Flags().StringVar(&flagTarget, "target", "x86_64", "target: x86_64, x86_64-apple, arm64, riscv64")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug-level logging")

	viper.SetEnvPrefix("nanocc")
	viper.BindEnv("target", "NANOCC_TARGET")
	viper.BindEnv("include", "NANOCC_INCLUDE")
	viper.BindPFlag("target", root.Flags().Lookup("target"))
	viper.BindPFlag("include", root.Flags().Lookup("include"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

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

func runCompile(cmd *cobra.Command, args []string) error {
	log, err := newLogger(flagVerbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	targetName := viper.GetString("target")
	if targetName == "" {
		targetName = flagTarget
	}

	tgt, err := resolveTarget(targetName)
	if err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening translation unit: %w", err)
	}
	defer f.Close()

	prog, err := astjson.Decode(f)
	if err != nil {
		return fmt.Errorf("decoding translation unit: %w", err)
	}

	includes := viper.GetStringSlice("include")
	if len(includes) == 0 {
		includes = flagInclude
	}
	if len(includes) > 0 {
		log.Debugw("include paths forwarded to the front-end", "paths", includes)
	}

	ctx := cctx.New(prog, log)
	ctx.Target = tgt.Name()

	fns, err := lower.Program(ctx, prog)
	if err != nil {
		return fmt.Errorf("lowering: %w", err)
	}

	w := asmwriter.New(tgt.Syntax())
	for _, fn := range fns {
		fn.Finalize()
		tgt.TweakIR(ctx, fn)
		fn.Finalize()
		fn.Number()

		alloc, err := regalloc.Allocate(fn, tgt.Registers(), log)
		if err != nil {
			return fmt.Errorf("allocating %s: %w", fn.Name, err)
		}
		tgt.EmitFunction(w, ctx, fn, alloc)
	}
	if err := tgt.EmitData(w, ctx, prog.Globals); err != nil {
		return fmt.Errorf("emitting data: %w", err)
	}
	// Top-level inline-asm strings pass straight through, unassembled; reusing
	// Directive as a raw-text carrier avoids growing asmwriter.Line with a
	// kind that exists for this one caller.
	for _, raw := range prog.Asm {
		w.Directive(raw)
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
	_, err = fmt.Fprint(out, w.String())
	return err
}
