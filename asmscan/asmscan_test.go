// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asmscan

import (
	"strings"
	"testing"
)

func TestExtractFunction(t *testing.T) {
	src := `glabel test_func
/* 000090 80000490 27BDFFE8 */  addiu $sp, $sp, -0x18
/* 000094 80000494 03E00008 */  jr    $ra
`
	fn, err := ExtractFunction(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if fn.Name != "test_func" {
		t.Errorf("expected name test_func, got %q", fn.Name)
	}
	if fn.Text != src {
		t.Errorf("expected text to be the whole listing, got %q", fn.Text)
	}
}

func TestExtractFunctionSections(t *testing.T) {
	src := `glabel foo
  insn1
.section .data
  dataword
.text
  insn2
`
	fn, err := ExtractFunction(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if fn.Name != "foo" {
		t.Errorf("expected name foo, got %q", fn.Name)
	}
	want := "glabel foo\n  insn1\n.text\n  insn2\n"
	if fn.Text != want {
		t.Errorf("expected text %q, got %q", want, fn.Text)
	}
}

func TestExtractFunctionIgnoresDataLabels(t *testing.T) {
	src := `.rdata
glabel jtbl
  .word 0
.text
glabel real
  jr $ra
`
	fn, err := ExtractFunction(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	if fn.Name != "real" {
		t.Errorf("expected name real, got %q", fn.Name)
	}
	if strings.Contains(fn.Text, "jtbl") {
		t.Errorf("collected non-.text lines: %q", fn.Text)
	}
}

func TestExtractFunctionErrors(t *testing.T) {
	for _, src := range []string{
		"  addiu $sp, $sp, -0x18\n",
		".data\nglabel foo\n",
		"glabel bad-name\n  jr $ra\n",
	} {
		if _, err := ExtractFunction(strings.NewReader(src)); err == nil {
			t.Errorf("expected error for %q", src)
		}
	}
}
