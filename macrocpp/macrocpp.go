// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package macrocpp preprocesses a C translation unit while keeping
// selected function-like macro invocations literal.
//
// Macro expansion itself is always delegated to a real preprocessor;
// this package only controls what each invocation can see. In the
// macro-preserving mode it runs the preprocessor twice: a
// directives-only pass that resolves includes and conditionals while
// emitting macro definitions verbatim, then a real pass over a
// rewritten copy in which deferred definitions are hidden behind a
// sentinel so their call sites survive unexpanded. The hidden
// definitions are re-declared in a demarcated block for a downstream
// pragma-aware compile stage, pruned by call-graph reachability so
// unused ones are dropped.
package macrocpp // import "github.com/aclements/go-decomp/macrocpp"

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/aclements/go-decomp/buildcmd"
	"github.com/aclements/go-decomp/internal/toolrun"
)

// Config carries the fixed preprocessor conventions. Zero fields take
// the Default* values below.
type Config struct {
	// CPP invokes the external preprocessor.
	CPP []string
	// BaseDefines are target-platform defines added to every run.
	BaseDefines []string
	// StubDefines neutralize constructs the preprocessor cannot
	// pass through unexpanded: assertion macros, attribute
	// annotations, and embedded-assembly macros.
	StubDefines []string

	Runner toolrun.Runner
}

var (
	DefaultCPP         = []string{"cpp", "-P", "-undef"}
	DefaultBaseDefines = []string{"-D__sgi", "-D_LANGUAGE_C", "-DNON_MATCHING"}
	DefaultStubDefines = []string{
		"-D_Static_assert(x, y)=",
		"-D__attribute__(x)=",
		"-DGLOBAL_ASM(...)=",
	}
)

func (c *Config) fill() {
	if c.CPP == nil {
		c.CPP = DefaultCPP
	}
	if c.BaseDefines == nil {
		c.BaseDefines = DefaultBaseDefines
	}
	if c.StubDefines == nil {
		c.StubDefines = DefaultStubDefines
	}
	if c.Runner == nil {
		c.Runner = toolrun.Exec{}
	}
}

// cppCommand derives the preprocessor command from a recovered
// compile invocation: only the include, define, undefine, and
// no-standard-include flags carry over.
func cppCommand(cfg *Config, comp *buildcmd.CompileInvocation, sourceFile string) ([]string, error) {
	abs, err := filepath.Abs(sourceFile)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(comp.Dir, abs)
	if err != nil {
		return nil, err
	}

	cmd := append(append([]string{}, cfg.CPP...), rel)
	cmd = append(cmd, cfg.BaseDefines...)
	takeNext := 0
	for _, arg := range comp.Argv {
		switch {
		case takeNext > 0:
			takeNext--
			cmd = append(cmd, arg)
		case arg == "-D" || arg == "-U" || arg == "-I":
			takeNext = 1
			cmd = append(cmd, arg)
		case strings.HasPrefix(arg, "-D") || strings.HasPrefix(arg, "-U") ||
			strings.HasPrefix(arg, "-I") || arg == "-nostdinc":
			cmd = append(cmd, arg)
		}
	}
	return cmd, nil
}

// Preprocess produces the reconstructed source for sourceFile using
// the flags of the recovered compile invocation. With preserveMacros
// set, function-like macros invoked only from statement context stay
// literal and are re-declared in a late-definition block; otherwise a
// single plain preprocessor run is made.
func Preprocess(cfg *Config, comp *buildcmd.CompileInvocation, sourceFile string, preserveMacros bool) (string, error) {
	cfg.fill()

	cmd, err := cppCommand(cfg, comp, sourceFile)
	if err != nil {
		return "", err
	}

	if preserveMacros {
		return preserve(cfg, comp.Dir, cmd)
	}

	out, err := cfg.Runner.Output(toolrun.Cmd{
		Dir:  comp.Dir,
		Argv: append(append([]string{}, cmd...), cfg.StubDefines...),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to preprocess input file")
	}
	return string(out), nil
}

const sentinel = "_permuter define "

var (
	rootCallRe = regexp.MustCompile(`(?m)^([a-zA-Z0-9_]+)\(`)
	defineRe   = regexp.MustCompile(`(?m)^#define ([a-zA-Z0-9_]+)\(`)
	stdcRe     = regexp.MustCompile(`(?m)^#define __STDC_.*\n`)
	callRe     = regexp.MustCompile(`([a-zA-Z0-9_]+)\(`)
)

func preserve(cfg *Config, dir string, cmd []string) (string, error) {
	// Directives-only pass: includes and conditionals resolve,
	// macro definitions come through verbatim and unexpanded.
	out, err := cfg.Runner.Output(toolrun.Cmd{
		Dir:  dir,
		Argv: append(append([]string{}, cmd...), "-dD", "-fdirectives-only"),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to preprocess input file")
	}
	source := string(out)

	// A call at column zero is invalid as a real function call, so
	// any macro invoked there must expand normally. Macros with no
	// unindented invocation are deferred; classification is final
	// from here on.
	expand := map[string]bool{}
	for _, m := range rootCallRe.FindAllStringSubmatch(source, -1) {
		expand[m[1]] = true
	}

	// Hide the deferred definitions from the next pass. Some of
	// the rewritten lines may be in comments; those are sorted out
	// after the real pass.
	source = defineRe.ReplaceAllStringFunc(source, func(s string) string {
		name := s[len("#define ") : len(s)-1]
		if expand[name] {
			return s
		}
		return sentinel + name + "("
	})

	// The directives-only pass injects standard-conformance macros
	// that the real pass would warn about redefining.
	source = stdcRe.ReplaceAllString(source, "")

	// Real pass, on the rewritten text rather than the original
	// file. Hidden definitions' call sites survive literally.
	out, err = cfg.Runner.Output(toolrun.Cmd{
		Dir:   dir,
		Argv:  append(append([]string{}, cfg.CPP...), cfg.StubDefines...),
		Stdin: strings.NewReader(source),
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to preprocess input file")
	}

	return emitLateDefines(string(out)), nil
}

type lateDefine struct {
	name string
	// body is the original parameter/body text, everything after
	// the opening parenthesis of the definition.
	body string
}

// emitLateDefines recovers the hidden definitions from the real
// pass's output and emits them in a demarcated block ahead of the
// kept code, pruned to the ones reachable from non-macro code.
func emitLateDefines(source string) string {
	var lates []lateDefine
	var lines []string
	// Adjacency from an invocation context (a macro name, or ""
	// for non-macro code) to the identifiers it textually invokes.
	graph := map[string][]string{}
	for _, line := range strings.Split(strings.TrimSuffix(source, "\n"), "\n") {
		name := ""
		if strings.HasPrefix(line, sentinel) {
			before, after, _ := strings.Cut(line, "(")
			name = strings.Fields(before)[2]
			lates = append(lates, lateDefine{name, after})
		} else {
			lines = append(lines, line)
		}
		for _, m := range callRe.FindAllStringSubmatch(line, -1) {
			graph[name] = append(graph[name], m[1])
		}
	}

	// Work-list reachability from the root; macro bodies can nest
	// deeply, so no recursion.
	usedAnywhere := map[string]bool{}
	usedDirectly := map[string]bool{}
	for _, name := range graph[""] {
		usedDirectly[name] = true
	}
	queue := []string{""}
	for len(queue) > 0 {
		name := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if usedAnywhere[name] {
			continue
		}
		usedAnywhere[name] = true
		queue = append(queue, graph[name]...)
	}

	var out []string
	out = append(out, "#pragma _permuter latedefine start")
	for _, ld := range lates {
		if usedAnywhere[ld.name] {
			out = append(out, "#pragma _permuter define "+ld.name+"("+ld.body)
		}
	}
	// Forward declarations keep the bare calls of directly-used
	// macros syntactically valid until the downstream compile stage
	// restores the real definitions.
	for _, ld := range lates {
		if usedDirectly[ld.name] {
			out = append(out, "int "+ld.name+"();")
		}
	}
	out = append(out, "#pragma _permuter latedefine end")
	out = append(out, lines...)
	out = append(out, "")
	return strings.Join(out, "\n")
}
