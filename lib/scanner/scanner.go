// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package scanner finds the headers a translation unit includes.
//
// The scanner follows #include and #include_next directives through
// the include search path without evaluating macros or conditionals,
// so it may report headers the compiler would skip. Shipping an unused
// header costs bandwidth only; missing one fails the remote compile, so
// the scanner errs towards inclusion. Includes spelled with a macro are
// not followed.
//
// A directive that cannot be resolved is reported as missing unless it
// sits inside a conditional block, where it most likely belongs to a
// configuration that is not being compiled.
package scanner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bureau-foundation/ccfarm/lib/contenthash"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/task"
)

// DefaultCacheEntries bounds the parsed-file cache.
const DefaultCacheEntries = 8192

// Result is the outcome of one scan.
type Result struct {
	// Headers are every header reached, in discovery order. Forced
	// includes come first and are always relative.
	Headers []protocol.HeaderRef
	// Missing describes directives that could not be resolved.
	Missing []string
}

// Scanner scans sources. It caches parsed files by path, size and
// modification time and is safe for concurrent use.
type Scanner struct {
	cache *lru.Cache[fileIdentity, *parsedFile]
}

type fileIdentity struct {
	path    string
	size    int64
	modTime int64
}

type directive struct {
	name        string
	angle       bool
	next        bool
	conditional bool
}

type parsedFile struct {
	checksum   string
	directives []directive
}

// New returns a Scanner caching up to entries parsed files.
func New(entries int) *Scanner {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	cache, err := lru.New[fileIdentity, *parsedFile](entries)
	if err != nil {
		panic(fmt.Sprintf("scanner: creating LRU of size %d: %v", entries, err))
	}
	return &Scanner{cache: cache}
}

// visit is a file queued for scanning.
type visit struct {
	path string
	// searchIndex is the search-path position the file was found at,
	// or -1 when it was found relative to its includer.
	searchIndex int
	relative    bool
}

// Scan follows the includes of request.Source and its forced
// includes.
func (s *Scanner) Scan(ctx context.Context, request task.PreprocessTask) (Result, error) {
	search := make([]string, 0, len(request.IncludeDirs)+len(request.SysIncludeDirs))
	search = append(search, request.IncludeDirs...)
	search = append(search, request.SysIncludeDirs...)

	var result Result
	seen := make(map[string]bool)
	var queue []visit

	for _, forced := range request.ForcedIncludes {
		if _, err := os.Stat(forced); err != nil {
			result.Missing = append(result.Missing, fmt.Sprintf("%s (forced include)", forced))
			continue
		}
		if seen[forced] {
			continue
		}
		seen[forced] = true
		queue = append(queue, visit{path: forced, searchIndex: -1, relative: true})
	}
	seen[request.Source] = true
	queue = append(queue, visit{path: request.Source, searchIndex: -1, relative: true})

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		current := queue[0]
		queue = queue[1:]

		parsed, err := s.parse(current.path)
		if err != nil {
			return Result{}, err
		}
		if current.path != request.Source {
			result.Headers = append(result.Headers, headerRef(current, parsed.checksum, search))
		}

		for _, include := range parsed.directives {
			found, ok := resolve(current, include, search)
			if !ok {
				if !include.conditional {
					result.Missing = append(result.Missing, fmt.Sprintf("%s (included from %s)", include.name, current.path))
				}
				continue
			}
			if seen[found.path] {
				continue
			}
			seen[found.path] = true
			queue = append(queue, found)
		}
	}
	return result, nil
}

// resolve finds include on the search path as the compiler would.
func resolve(includer visit, include directive, search []string) (visit, bool) {
	if !include.angle && !include.next {
		candidate := filepath.Join(filepath.Dir(includer.path), include.name)
		if isFile(candidate) {
			return visit{path: candidate, searchIndex: -1, relative: includer.relative}, true
		}
	}
	start := 0
	if include.next && includer.searchIndex >= 0 {
		start = includer.searchIndex + 1
	}
	for index := start; index < len(search); index++ {
		candidate := filepath.Join(search[index], include.name)
		if isFile(candidate) {
			return visit{path: candidate, searchIndex: index}, true
		}
	}
	return visit{}, false
}

// headerRef names a found header by the directory that provides it.
// Headers found next to a shared header are attributed to the search
// directory containing them, so they land in the same tree on the
// server.
func headerRef(found visit, checksum string, search []string) protocol.HeaderRef {
	if found.searchIndex >= 0 {
		dir := search[found.searchIndex]
		name, _ := filepath.Rel(dir, found.path)
		return protocol.HeaderRef{Dir: dir, Name: filepath.ToSlash(name), Checksum: checksum}
	}
	if !found.relative {
		for _, dir := range search {
			name, err := filepath.Rel(dir, found.path)
			if err == nil && filepath.IsLocal(name) {
				return protocol.HeaderRef{Dir: dir, Name: filepath.ToSlash(name), Checksum: checksum}
			}
		}
	}
	return protocol.HeaderRef{
		Dir:      filepath.Dir(found.path),
		Name:     filepath.Base(found.path),
		Checksum: checksum,
		Relative: true,
	}
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// parse returns the cached or freshly parsed file at path.
func (s *Scanner) parse(path string) (*parsedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	identity := fileIdentity{path: path, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if parsed, ok := s.cache.Get(identity); ok {
		return parsed, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	parsed := &parsedFile{
		checksum:   contenthash.Header(content).String(),
		directives: parseDirectives(string(content)),
	}
	s.cache.Add(identity, parsed)
	return parsed, nil
}

// parseDirectives extracts include directives. Block comments and
// line continuations are honored; string literals are not.
func parseDirectives(content string) []directive {
	var directives []directive
	depth := 0
	inComment := false
	lines := strings.Split(content, "\n")
	for index := 0; index < len(lines); index++ {
		line := lines[index]
		for strings.HasSuffix(line, "\\") && index+1 < len(lines) {
			index++
			line = strings.TrimSuffix(line, "\\") + lines[index]
		}
		line, inComment = stripComments(line, inComment)
		text := strings.TrimSpace(line)
		if !strings.HasPrefix(text, "#") {
			continue
		}
		text = strings.TrimSpace(text[1:])
		keyword, rest, _ := strings.Cut(text, " ")
		if tab := strings.IndexByte(keyword, '\t'); tab >= 0 {
			keyword, rest = keyword[:tab], keyword[tab+1:]+" "+rest
		}
		rest = strings.TrimSpace(rest)

		switch keyword {
		case "if", "ifdef", "ifndef":
			depth++
		case "endif":
			depth = max(depth-1, 0)
		case "include", "include_next", "import":
			if include, ok := parseTarget(rest); ok {
				include.next = keyword == "include_next"
				include.conditional = depth > 0
				directives = append(directives, include)
			}
		default:
			// include<x.h> without a space.
			for _, spelling := range []string{"include_next", "include"} {
				if target, ok := strings.CutPrefix(keyword, spelling); ok && (strings.HasPrefix(target, "<") || strings.HasPrefix(target, "\"")) {
					if include, ok := parseTarget(target + " " + rest); ok {
						include.next = spelling == "include_next"
						include.conditional = depth > 0
						directives = append(directives, include)
					}
					break
				}
			}
		}
	}
	return directives
}

func parseTarget(text string) (directive, bool) {
	if len(text) < 3 {
		return directive{}, false
	}
	var closer byte
	switch text[0] {
	case '<':
		closer = '>'
	case '"':
		closer = '"'
	default:
		return directive{}, false
	}
	end := strings.IndexByte(text[1:], closer)
	if end <= 0 {
		return directive{}, false
	}
	return directive{name: text[1 : end+1], angle: closer == '>'}, true
}

// stripComments removes comments from line. inComment carries an open
// block comment across lines.
func stripComments(line string, inComment bool) (string, bool) {
	var builder strings.Builder
	for index := 0; index < len(line); index++ {
		if inComment {
			if strings.HasPrefix(line[index:], "*/") {
				inComment = false
				index++
			}
			continue
		}
		if strings.HasPrefix(line[index:], "/*") {
			inComment = true
			index++
			continue
		}
		if strings.HasPrefix(line[index:], "//") {
			break
		}
		builder.WriteByte(line[index])
	}
	return builder.String(), inComment
}
