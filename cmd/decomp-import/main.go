// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command decomp-import imports a function for decompilation
// matching. It creates a new directory nonmatchings/<funcname>-<id>
// holding preprocessed source scoped around the function, the
// reference machine code assembled to an object file, and a script
// replaying the project's own compile command, so an external search
// loop can recompile source variants and diff them against the
// reference.
//
// Usage:
//
//	decomp-import [-keep] [-preserve-macros] c_file asm_file [make_flags...]
//
// c_file contains the function and must be buildable with 'make'.
// asm_file holds the reference assembly and must contain a
// 'glabel <function_name>' line in .text. Remaining arguments are
// passed to make; PERMUTER=1 is always passed.
//
// The external tool command lines can be overridden with the
// DECOMP_MAKE, DECOMP_CPP, and DECOMP_AS environment variables, each
// holding a shell-quoted command line.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ianlancetaylor/demangle"
	"github.com/kballard/go-shellquote"
	"github.com/xyproto/env/v2"

	"github.com/aclements/go-decomp/asmscan"
	"github.com/aclements/go-decomp/buildcmd"
	"github.com/aclements/go-decomp/internal/toolrun"
	"github.com/aclements/go-decomp/macrocpp"
)

const asmPrelude = `.set noat
.set noreorder
.set gp=64
.macro glabel label
    .global \label
    .type \label, @function
    \label:
.endm
`

func main() {
	log.SetFlags(0)
	log.SetPrefix("decomp-import: ")

	flagKeep := flag.Bool("keep", false, "keep the output directory on error")
	flagPreserve := flag.Bool("preserve-macros", false, "don't expand function-like macros")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: decomp-import [-keep] [-preserve-macros] c_file asm_file [make_flags...]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}
	cFile, asmFile := flag.Arg(0), flag.Arg(1)
	makeFlags := flag.Args()[2:]

	bcfg := &buildcmd.Config{Make: envCommand("DECOMP_MAKE"), DefaultAssembler: envCommand("DECOMP_AS")}
	pcfg := &macrocpp.Config{CPP: envCommand("DECOMP_CPP")}

	af, err := os.Open(asmFile)
	if err != nil {
		log.Fatalf("could not open assembly file: %v", err)
	}
	fn, err := asmscan.ExtractFunction(af)
	af.Close()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Function name: %s\n", fn.Name)
	if d := demangle.Filter(fn.Name); d != fn.Name {
		fmt.Printf("Demangled: %s\n", d)
	}

	comp, as, err := buildcmd.Resolve(bcfg, cFile, makeFlags)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Compiler: %s {input} -o {output}\n", toolrun.Format(comp.Argv))
	fmt.Printf("Assembler: %s {input} -o {output}\n", toolrun.Format(as.Argv))

	source, err := macrocpp.Preprocess(pcfg, comp, cFile, *flagPreserve)
	if err != nil {
		log.Fatal(err)
	}

	dirname, err := createDirectory(fn.Name)
	if err != nil {
		log.Fatal(err)
	}

	if err := materialize(dirname, fn, comp, as, source); err != nil {
		if *flagKeep {
			log.Printf("keeping directory %s", dirname)
		} else {
			log.Printf("deleting directory %s (run with -keep to preserve it)", dirname)
			os.RemoveAll(dirname)
		}
		log.Fatal(err)
	}

	fmt.Printf("\nDone. Imported into %s\n", dirname)
}

// envCommand returns the shell-quoted command line held in the named
// environment variable, or nil to use the built-in default.
func envCommand(name string) []string {
	val := env.Str(name)
	if val == "" {
		return nil
	}
	argv, err := shellquote.Split(val)
	if err != nil {
		log.Fatalf("bad %s: %v", name, err)
	}
	return argv
}

// createDirectory makes a fresh nonmatchings/<funcname> directory,
// retrying with a numeric suffix until an unused name is found.
func createDirectory(funcName string) (string, error) {
	if err := os.MkdirAll("nonmatchings", 0777); err != nil {
		return "", err
	}
	for ctr := 1; ; ctr++ {
		name := funcName
		if ctr > 1 {
			name = fmt.Sprintf("%s-%d", funcName, ctr)
		}
		dirname := filepath.Join("nonmatchings", name)
		err := os.Mkdir(dirname, 0777)
		if err == nil {
			return dirname, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
}

func materialize(dirname string, fn *asmscan.Function, comp *buildcmd.CompileInvocation, as *buildcmd.AssemblerInvocation, source string) error {
	baseC := filepath.Join(dirname, "base.c")
	baseO := filepath.Join(dirname, "base.o")
	targetS := filepath.Join(dirname, "target.s")
	targetO := filepath.Join(dirname, "target.o")
	compileSh := filepath.Join(dirname, "compile.sh")

	if err := os.WriteFile(baseC, []byte(source), 0666); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dirname, "function.txt"), []byte(fn.Name), 0666); err != nil {
		return err
	}
	if err := writeCompileScript(compileSh, comp); err != nil {
		return err
	}
	if err := os.WriteFile(targetS, []byte(asmPrelude+fn.Text), 0666); err != nil {
		return err
	}
	if err := assemble(as, comp.Dir, targetS, targetO); err != nil {
		return err
	}
	compileBase(compileSh, baseC, baseO)
	return nil
}

// writeCompileScript generates an executable script replaying the
// recovered compile command against the discovered working directory.
// It takes the same {input} -o {output} argument shape as the
// compiler itself.
func writeCompileScript(path string, comp *buildcmd.CompileInvocation) error {
	var sb strings.Builder
	sb.WriteString("#!/usr/bin/env bash\n")
	sb.WriteString(`INPUT="$(readlink -f "$1")"` + "\n")
	sb.WriteString(`OUTPUT="$(readlink -f "$3")"` + "\n")
	sb.WriteString("cd " + shellquote.Join(comp.Dir) + "\n")
	sb.WriteString(toolrun.Format(comp.Argv) + ` "$INPUT" -o "$OUTPUT"` + "\n")
	return os.WriteFile(path, []byte(sb.String()), 0777)
}

func assemble(as *buildcmd.AssemblerInvocation, dir, inFile, outFile string) error {
	absIn, err := filepath.Abs(inFile)
	if err != nil {
		return err
	}
	absOut, err := filepath.Abs(outFile)
	if err != nil {
		return err
	}
	argv := append(append([]string{}, as.Argv...), absIn, "-o", absOut)
	return toolrun.Exec{}.Run(toolrun.Cmd{Dir: dir, Argv: argv})
}

// compileBase compiles the reconstructed source with the generated
// script. Best effort: the reconstruction is often not yet
// compilable, so failure only warns and the directory is kept.
func compileBase(script, inFile, outFile string) {
	absScript, err := filepath.Abs(script)
	if err != nil {
		log.Printf("warning: %v", err)
		return
	}
	absIn, err := filepath.Abs(inFile)
	if err != nil {
		log.Printf("warning: %v", err)
		return
	}
	absOut, err := filepath.Abs(outFile)
	if err != nil {
		log.Printf("warning: %v", err)
		return
	}
	argv := []string{absScript, absIn, "-o", absOut}
	if err := (toolrun.Exec{}).Run(toolrun.Cmd{Argv: argv}); err != nil {
		log.Printf("warning: failed to compile .c file, you'll need to adjust it manually. Command line:\n%s", toolrun.Format(argv))
	}
}
