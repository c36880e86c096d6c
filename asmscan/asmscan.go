// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asmscan extracts a single labeled function from a reference
// assembly listing.
//
// A listing mixes executable text with data sections. ExtractFunction
// tracks the active section from section directives and collects only
// the lines that land in .text, naming the unit after the first
// "glabel" it sees there.
package asmscan // import "github.com/aclements/go-decomp/asmscan"

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// A Function is one function's worth of executable assembly: the
// label naming it and the concatenated .text lines around it.
type Function struct {
	Name string
	Text string
}

// bareSections are section-switch lines that appear without a
// .section directive.
var bareSections = map[string]bool{
	".text":        true,
	".rdata":       true,
	".rodata":      true,
	".late_rodata": true,
	".bss":         true,
	".data":        true,
}

func isNameByte(c byte) bool {
	return c == '_' || c == '$' ||
		'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9'
}

// ExtractFunction scans the assembly listing in r and returns the
// function it contains. The listing must hold, within the executable
// section, a "glabel <name>" directive; the returned text is every
// line collected while the active section was .text.
func ExtractFunction(r io.Reader) (*Function, error) {
	fn := &Function{}
	var text strings.Builder
	section := ".text"

	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ".section") {
			if f := strings.Fields(line); len(f) > 1 {
				section = f[1]
			}
		} else if bareSections[trimmed] {
			section = trimmed
		}
		if section != ".text" {
			continue
		}
		if fn.Name == "" && strings.HasPrefix(trimmed, "glabel ") {
			if f := strings.Fields(trimmed); len(f) > 1 {
				fn.Name = f[1]
			}
		}
		text.WriteString(line)
		text.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if fn.Name == "" {
		return nil, errors.New("missing function name in assembly: expected a 'glabel function_name' line in .text")
	}
	for i := 0; i < len(fn.Name); i++ {
		if !isNameByte(fn.Name[i]) {
			return nil, errors.Errorf("bad function name: %q", fn.Name)
		}
	}
	fn.Text = text.String()
	return fn, nil
}
