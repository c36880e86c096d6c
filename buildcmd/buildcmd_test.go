// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package buildcmd

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/aclements/go-decomp/internal/toolrun"
)

// fakeRunner plays back a canned build trace and records the
// invocations it saw.
type fakeRunner struct {
	trace string
	cmds  []toolrun.Cmd
}

func (f *fakeRunner) Output(cmd toolrun.Cmd) ([]byte, error) {
	f.cmds = append(f.cmds, cmd)
	return []byte(f.trace), nil
}

func (f *fakeRunner) Run(cmd toolrun.Cmd) error {
	f.cmds = append(f.cmds, cmd)
	return nil
}

// projectDir creates a makefile-rooted tree holding src/foo.c and
// returns the root and the source path.
func projectDir(t *testing.T) (root, src string) {
	t.Helper()
	root = t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "Makefile"), []byte("all:\n"), 0666); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(root, "src"), 0777); err != nil {
		t.Fatal(err)
	}
	src = filepath.Join(root, "src", "foo.c")
	if err := os.WriteFile(src, nil, 0666); err != nil {
		t.Fatal(err)
	}
	return
}

func resolve(t *testing.T, trace string) (*CompileInvocation, *AssemblerInvocation, *fakeRunner, error) {
	t.Helper()
	root, src := projectDir(t)
	runner := &fakeRunner{trace: trace}
	comp, as, err := Resolve(&Config{Runner: runner}, src, []string{"VERSION=us"})
	if err == nil && comp.Dir != root {
		t.Errorf("expected working dir %q, got %q", root, comp.Dir)
	}
	return comp, as, runner, err
}

func TestResolve(t *testing.T) {
	comp, as, runner, err := resolve(t, `make: Entering directory
cc -Wall -Iinclude -MF build/foo.d -o build/foo.o src/foo.c
`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"cc", "-Wall", "-Iinclude"}
	if !reflect.DeepEqual(comp.Argv, want) {
		t.Errorf("expected compiler %v, got %v", want, comp.Argv)
	}
	if !reflect.DeepEqual(as.Argv, DefaultAssembler) {
		t.Errorf("expected default assembler, got %v", as.Argv)
	}

	// The trace run must force a full dry-run rebuild and signal
	// the matching workflow.
	makeArgv := runner.cmds[0].Argv
	wantMake := append(append([]string{}, DefaultMake...), "VERSION=us", "PERMUTER=1")
	if !reflect.DeepEqual(makeArgv, wantMake) {
		t.Errorf("expected make command %v, got %v", wantMake, makeArgv)
	}
}

func TestResolveNormalizesPaths(t *testing.T) {
	comp, _, _, err := resolve(t, "cc -o build/foo.o src//./foo.c\n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(comp.Argv, []string{"cc"}) {
		t.Errorf("expected compiler [cc], got %v", comp.Argv)
	}
}

func TestResolveUnwrapsAsmProcessor(t *testing.T) {
	comp, as, _, err := resolve(t, "A B tools/asm-processor.py C -- D E -- F G -o build/foo.o src/foo.c\n")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"A", "B", "F", "G"}; !reflect.DeepEqual(comp.Argv, want) {
		t.Errorf("expected compiler %v, got %v", want, comp.Argv)
	}
	if want := []string{"D", "E"}; !reflect.DeepEqual(as.Argv, want) {
		t.Errorf("expected assembler %v, got %v", want, as.Argv)
	}
}

func TestResolveNotFound(t *testing.T) {
	_, _, _, err := resolve(t, "cc -o build/bar.o src/bar.c\n")
	if err == nil || !strings.Contains(err.Error(), "failed to find compile command") {
		t.Errorf("expected not-found error, got %v", err)
	}

	// A line mentioning the file without an -o flag is a close
	// match, not a candidate.
	_, _, _, err = resolve(t, "cc -fsyntax-only -o build/foo.o src/foo.c\ncc src/foo.c\n")
	if err == nil || !strings.Contains(err.Error(), "didn't match") {
		t.Errorf("expected close-match hint, got %v", err)
	}
}

func TestResolveAmbiguous(t *testing.T) {
	_, _, _, err := resolve(t, "cc -o build/foo.o src/foo.c\ncc -g -o debug/foo.o src/foo.c\n")
	if err == nil || !strings.Contains(err.Error(), "multiple compile commands") {
		t.Errorf("expected ambiguity error, got %v", err)
	}
}

func TestFindManifestDir(t *testing.T) {
	root, src := projectDir(t)
	dir, err := FindManifestDir(src)
	if err != nil {
		t.Fatal(err)
	}
	if dir != root {
		t.Errorf("expected %q, got %q", root, dir)
	}
}
