// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package options

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/ccfarm/lib/protocol"
)

// ErrNoCompiler reports an empty argument vector.
var ErrNoCompiler = errors.New("options: empty command line")

// Unit is one translation unit of an invocation.
type Unit struct {
	// Source is the absolute path of the source file.
	Source string
	// Output is the absolute path of the object file to produce.
	Output string
}

// Invocation is a parsed compiler command line. All paths are absolute.
type Invocation struct {
	// Compiler is argv[0] as given.
	Compiler string
	// Language is "c" or "c++", chosen from the source suffixes.
	Language string

	Units []Unit

	// Args are the arguments passed through to the server unchanged.
	Args           []string
	Macros         []string
	IncludeDirs    []string
	SysIncludeDirs []string
	ForcedIncludes []string

	// PCH is set when a forced include has a precompiled header next
	// to it.
	PCH *protocol.PCHDescriptor

	// Link is true when the command also links. LinkArgs are the
	// original arguments without sources and preprocessor options; the
	// caller places the object files before them so libraries still
	// follow objects.
	Link     bool
	LinkArgs []string

	// Local is non-empty when the command must not be distributed; it
	// names the reason.
	Local string
}

// Parser parses command lines. The zero value stats the real
// filesystem.
type Parser struct {
	// Stat replaces os.Stat, for tests.
	Stat func(path string) (fs.FileInfo, error)
}

func (p Parser) stat(path string) (fs.FileInfo, error) {
	if p.Stat != nil {
		return p.Stat(path)
	}
	return os.Stat(path)
}

var sourceSuffixes = map[string]string{
	".c":   "c",
	".cc":  "c++",
	".cp":  "c++",
	".cpp": "c++",
	".cxx": "c++",
	".c++": "c++",
	".C":   "c++",
	".CPP": "c++",
}

// IsSource reports whether path has a C or C++ source suffix.
func IsSource(path string) bool {
	_, ok := sourceSuffixes[filepath.Ext(path)]
	return ok
}

// localOptions force a local run when present.
var localOptions = map[string]string{
	"-E":            "preprocessing only",
	"-S":            "assembly output",
	"-M":            "dependency generation",
	"-MM":           "dependency generation",
	"-MD":           "dependency generation",
	"-MMD":          "dependency generation",
	"-fsyntax-only": "syntax check only",
	"-v":            "verbose driver output",
	"--version":     "version query",
	"-###":          "driver dry run",
	"-":             "source on stdin",
}

// localPrefixes force a local run when an argument starts with them.
var localPrefixes = []string{"-print-", "-dump", "-fprofile-use", "-save-temps", "-Wp,"}

// separateValue lists options whose value may be the next argument.
var separateValue = map[string]bool{
	"-o": true, "-I": true, "-isystem": true, "-D": true, "-include": true,
	"-U": true, "-x": true, "-MF": true, "-MT": true, "-MQ": true,
	"-iquote": true, "-idirafter": true, "-imacros": true, "-Xlinker": true,
	"-L": true, "-l": true,
}

// preprocessorOptions only affect compilation and are left out of
// LinkArgs.
var preprocessorOptions = map[string]bool{
	"-I": true, "-isystem": true, "-D": true, "-U": true, "-include": true,
	"-MF": true, "-MT": true, "-MQ": true,
}

// Parse interprets argv run in directory cwd.
func (p Parser) Parse(cwd string, argv []string) (*Invocation, error) {
	if len(argv) == 0 {
		return nil, ErrNoCompiler
	}
	inv := &Invocation{Compiler: argv[0]}
	abs := func(path string) string {
		if filepath.IsAbs(path) {
			return filepath.Clean(path)
		}
		return filepath.Join(cwd, path)
	}

	var (
		compileOnly bool
		output      string
		sources     []string
		local       string
		linkArgs    []string
	)
	args := argv[1:]
	for index := 0; index < len(args); index++ {
		arg := args[index]
		if reason, ok := localOptions[arg]; ok && local == "" {
			local = reason
		}
		for _, prefix := range localPrefixes {
			if strings.HasPrefix(arg, prefix) && local == "" {
				local = "option " + arg
			}
		}

		start := index
		name, value, attached := splitOption(arg)
		if separateValue[name] && !attached {
			if index+1 >= len(args) {
				return nil, fmt.Errorf("options: %s needs a value", name)
			}
			index++
			value = args[index]
		}

		switch name {
		case "-c":
			compileOnly = true
		case "-o":
			output = value
		case "-I":
			inv.IncludeDirs = append(inv.IncludeDirs, abs(value))
		case "-isystem":
			inv.SysIncludeDirs = append(inv.SysIncludeDirs, abs(value))
		case "-D":
			inv.Macros = append(inv.Macros, value)
		case "-include":
			inv.ForcedIncludes = append(inv.ForcedIncludes, abs(value))
		case "-U", "-x":
			inv.Args = append(inv.Args, name, value)
		case "-MF", "-MT", "-MQ", "-Xlinker", "-L", "-l":
			// Link and dependency options have no meaning on the server.
		case "-iquote", "-idirafter", "-imacros":
			if local == "" {
				local = "option " + name
			}
		default:
			switch {
			case !strings.HasPrefix(arg, "-") && IsSource(arg):
				sources = append(sources, abs(arg))
			case !strings.HasPrefix(arg, "-"):
				// Objects and libraries only matter to the linker.
			case strings.HasPrefix(arg, "-Wl,"):
			default:
				inv.Args = append(inv.Args, arg)
			}
		}
		if !preprocessorOptions[name] && (strings.HasPrefix(arg, "-") || !IsSource(arg)) {
			linkArgs = append(linkArgs, args[start:index+1]...)
		}
	}

	switch {
	case local != "":
		inv.Local = local
	case len(sources) == 0:
		inv.Local = "no source files"
	case compileOnly && output != "" && len(sources) > 1:
		inv.Local = "-o with several sources"
	}
	if inv.Local != "" {
		return inv, nil
	}

	inv.Language = "c"
	for _, source := range sources {
		if sourceSuffixes[filepath.Ext(source)] == "c++" {
			inv.Language = "c++"
		}
	}

	for _, source := range sources {
		unit := Unit{Source: source}
		if compileOnly && output != "" {
			unit.Output = abs(output)
		} else {
			unit.Output = filepath.Join(cwd, strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))+".o")
		}
		inv.Units = append(inv.Units, unit)
	}

	if !compileOnly {
		inv.Link = true
		inv.LinkArgs = linkArgs
	}

	pch, err := p.findPCH(inv.ForcedIncludes)
	if err != nil {
		return nil, err
	}
	inv.PCH = pch
	return inv, nil
}

// findPCH returns the precompiled header gcc would use for the first
// forced include that has one.
func (p Parser) findPCH(forced []string) (*protocol.PCHDescriptor, error) {
	for _, include := range forced {
		candidate := include + ".gch"
		info, err := p.stat(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("options: %w", err)
		}
		if !info.Mode().IsRegular() {
			continue
		}
		desc := protocol.NewPCHDescriptor(candidate, info.Size(), info.ModTime())
		return &desc, nil
	}
	return nil, nil
}

// splitOption separates an option from a value attached to it, as in
// -Ifoo or -DNAME=1. Options not taking values come back unchanged.
func splitOption(arg string) (name, value string, attached bool) {
	for _, prefix := range []string{"-isystem", "-include", "-iquote", "-idirafter", "-imacros", "-I", "-D", "-U", "-o", "-x", "-L", "-l"} {
		if arg == prefix {
			return prefix, "", false
		}
		if strings.HasPrefix(arg, prefix) {
			// -include-pch and similar longer options are distinct.
			if prefix == "-include" || prefix == "-imacros" {
				if strings.HasPrefix(arg, prefix+"-") {
					return arg, "", false
				}
			}
			return prefix, strings.TrimPrefix(arg, prefix), true
		}
	}
	for _, prefix := range []string{"-MF", "-MT", "-MQ"} {
		if arg == prefix {
			return prefix, "", false
		}
		if strings.HasPrefix(arg, prefix) {
			return prefix, strings.TrimPrefix(arg, prefix), true
		}
	}
	return arg, "", false
}
