// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package options

import (
	"bufio"
	"bytes"
	"path/filepath"
	"strings"
)

// helperPrograms are the programs gcc runs to compile one unit.
var helperPrograms = []string{"cc1", "cc1plus", "as"}

// ProgramQueries returns one command per helper program; each prints
// the helper's path when the driver knows it.
func ProgramQueries(compiler string) [][]string {
	queries := make([][]string, 0, len(helperPrograms))
	for _, program := range helperPrograms {
		queries = append(queries, []string{compiler, "-print-prog-name=" + program})
	}
	return queries
}

// ProgramPaths returns the absolute paths among the query outputs.
// Drivers print a bare name for programs they expect on PATH; those
// are returned in unresolved.
func ProgramPaths(outputs []string) (paths, unresolved []string) {
	for _, output := range outputs {
		path := strings.TrimSpace(output)
		switch {
		case path == "":
		case filepath.IsAbs(path):
			paths = append(paths, filepath.Clean(path))
		case filepath.Base(path) == path:
			unresolved = append(unresolved, path)
		}
	}
	return paths, unresolved
}

// SearchQuery returns a command that makes the driver list its builtin
// include directories on stderr.
func SearchQuery(compiler, language string) []string {
	return []string{compiler, "-x", language, "-E", "-v", "/dev/null"}
}

// SearchDirs extracts the include search list from the stderr of a
// [SearchQuery] command.
func SearchDirs(stderr []byte) []string {
	var dirs []string
	inList := false
	scanner := bufio.NewScanner(bytes.NewReader(stderr))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "#include <...> search starts here:"):
			inList = true
		case strings.HasPrefix(line, "End of search list."):
			return dirs
		case inList && strings.HasPrefix(line, " "):
			dir := strings.TrimSpace(line)
			// clang marks framework directories.
			dir = strings.TrimSuffix(dir, " (framework directory)")
			if filepath.IsAbs(dir) {
				dirs = append(dirs, filepath.Clean(dir))
			}
		}
	}
	return dirs
}
