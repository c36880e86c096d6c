// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package buildcmd recovers the exact compiler and assembler
// invocations a make-based build uses for one source file.
//
// It replays the governing makefile in dry-run mode with full command
// tracing, picks out the unique command that compiles the target
// file, and unwraps the asm-processor indirection some decompilation
// projects route their compiler through, yielding the real compiler
// and assembler command lines.
package buildcmd // import "github.com/aclements/go-decomp/buildcmd"

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/aclements/go-decomp/internal/toolrun"
)

// A CompileInvocation is the recovered compiler command for the
// target source file, relative to Dir. Output and dependency-file
// flags have been stripped; callers re-append their own.
type CompileInvocation struct {
	Argv []string
	Dir  string
}

// An AssemblerInvocation is the recovered (or default) assembler
// command for GLOBAL_ASM blocks in the target file.
type AssemblerInvocation struct {
	Argv []string
}

// Config carries the fixed command-line conventions Resolve depends
// on. Zero fields take the Default* values below.
type Config struct {
	// Make is the dry-run trace invocation, run in the manifest
	// directory with the caller's build flags appended.
	Make []string
	// MatchingFlag is always appended to the make command line so
	// makefiles can special-case the matching workflow.
	MatchingFlag string
	// DefaultAssembler is used when no candidate carries an
	// asm-processor assembler.
	DefaultAssembler []string
	// Wrappers are substrings identifying an asm-processor style
	// wrapper token.
	Wrappers []string

	Runner toolrun.Runner
}

var (
	DefaultMake      = []string{"make", "--always-make", "--dry-run", "--debug=j"}
	DefaultMatching  = "PERMUTER=1"
	DefaultAssembler = []string{"mips-linux-gnu-as", "-march=vr4300", "-mabi=32"}
	DefaultWrappers  = []string{"asm_processor", "asm-processor", "preprocess.py"}
)

func (c *Config) fill() {
	if c.Make == nil {
		c.Make = DefaultMake
	}
	if c.MatchingFlag == "" {
		c.MatchingFlag = DefaultMatching
	}
	if c.DefaultAssembler == nil {
		c.DefaultAssembler = DefaultAssembler
	}
	if c.Wrappers == nil {
		c.Wrappers = DefaultWrappers
	}
	if c.Runner == nil {
		c.Runner = toolrun.Exec{}
	}
}

// FindManifestDir ascends from path's directory toward the root and
// returns the first directory holding a makefile.
func FindManifestDir(path string) (string, error) {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	for {
		for _, name := range []string{"makefile", "Makefile"} {
			if st, err := os.Stat(filepath.Join(dir, name)); err == nil && !st.IsDir() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.Errorf("missing makefile for file %s", path)
		}
		dir = parent
	}
}

// normalizePaths collapses doubled separators and current-directory
// segments so the relative source path matches textually regardless
// of how the makefile spells it.
func normalizePaths(line string) string {
	for strings.Contains(line, "//") {
		line = strings.ReplaceAll(line, "//", "/")
	}
	for strings.Contains(line, "/./") {
		line = strings.ReplaceAll(line, "/./", "/")
	}
	return line
}

// fixup strips the source-path token and -MF/-o flag pairs from a
// candidate command, and unwraps any asm-processor indirection. A
// wrapper token followed by two "--" separators splits the command:
// tokens between the separators are the real assembler, tokens before
// the wrapper plus tokens after the second separator are the real
// compiler.
func fixup(parts []string, source string, wrappers []string) (cmdline, assembler []string) {
	res := make([]string, 0, len(parts))
	skip := 0
	for _, part := range parts {
		if skip > 0 {
			skip--
			continue
		}
		if part == "-MF" || part == "-o" {
			skip = 1
			continue
		}
		if part == source {
			continue
		}
		res = append(res, part)
	}

	wrapper := -1
outer:
	for i, arg := range res {
		for _, w := range wrappers {
			if strings.Contains(arg, w) {
				wrapper = i
				break outer
			}
		}
	}
	if wrapper < 0 {
		return res, nil
	}
	sep1 := indexFrom(res, "--", wrapper+1)
	if sep1 < 0 {
		return res, nil
	}
	sep2 := indexFrom(res, "--", sep1+1)
	if sep2 < 0 {
		return res, nil
	}
	assembler = res[sep1+1 : sep2]
	cmdline = append(append([]string{}, res[:wrapper]...), res[sep2+1:]...)
	return cmdline, assembler
}

func indexFrom(parts []string, tok string, from int) int {
	for i := from; i < len(parts); i++ {
		if parts[i] == tok {
			return i
		}
	}
	return -1
}

// Resolve finds the unique compile command for sourceFile in its
// governing makefile's dry-run trace and returns it together with the
// assembler invocation GLOBAL_ASM blocks should use.
func Resolve(cfg *Config, sourceFile string, buildFlags []string) (*CompileInvocation, *AssemblerInvocation, error) {
	cfg.fill()

	dir, err := FindManifestDir(sourceFile)
	if err != nil {
		return nil, nil, err
	}
	abs, err := filepath.Abs(sourceFile)
	if err != nil {
		return nil, nil, err
	}
	rel, err := filepath.Rel(dir, abs)
	if err != nil {
		return nil, nil, err
	}

	makeArgv := append(append([]string{}, cfg.Make...), buildFlags...)
	makeArgv = append(makeArgv, cfg.MatchingFlag)
	trace, err := cfg.Runner.Output(toolrun.Cmd{Dir: dir, Argv: makeArgv})
	if err != nil {
		return nil, nil, errors.Wrap(err, "build trace failed")
	}

	assembler := cfg.DefaultAssembler
	var candidates [][]string
	closeMatch := false
	for _, line := range strings.Split(string(trace), "\n") {
		line = normalizePaths(line)
		if !strings.Contains(line, rel) {
			continue
		}
		closeMatch = true
		parts, err := shellquote.Split(line)
		if err != nil {
			continue
		}
		if indexFrom(parts, rel, 0) < 0 {
			continue
		}
		if indexFrom(parts, "-o", 0) < 0 {
			continue
		}
		if indexFrom(parts, "-fsyntax-only", 0) >= 0 {
			continue
		}
		cmdline, wrapperAsm := fixup(parts, rel, cfg.Wrappers)
		if wrapperAsm != nil {
			assembler = wrapperAsm
		}
		candidates = append(candidates, cmdline)
	}

	if len(candidates) == 0 {
		extra := ""
		if closeMatch {
			extra = "\n(Found one possible candidate, but didn't match due to " +
				"either spaces in paths, having -fsyntax-only, or missing an -o flag.)"
		}
		return nil, nil, errors.Errorf(
			"failed to find compile command from makefile output: "+
				"ensure %q contains a line with the string %q%s",
			toolrun.Format(makeArgv), rel, extra)
	}
	if len(candidates) > 1 {
		var lines []string
		for _, c := range candidates {
			lines = append(lines, toolrun.Format(c))
		}
		return nil, nil, errors.Errorf(
			"found multiple compile commands for %s:\n%s\n"+
				"modify the makefile such that if %s, only a single compile command is included",
			rel, strings.Join(lines, "\n"), cfg.MatchingFlag)
	}

	comp := &CompileInvocation{Argv: candidates[0], Dir: dir}
	return comp, &AssemblerInvocation{Argv: assembler}, nil
}
