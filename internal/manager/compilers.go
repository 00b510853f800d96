// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bureau-foundation/ccfarm/lib/compress"
	"github.com/bureau-foundation/ccfarm/lib/options"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/toolchain"
)

// compilerKey identifies a compiler binary as of one stat, for one
// language.
type compilerKey struct {
	path     string
	language string
	size     int64
	modTime  int64
}

// compiler is a described client compiler.
type compiler struct {
	toolchain toolchain.Toolchain
	// path lists the client directories holding helper programs.
	path []string
	// builtin is the driver's own include search list.
	builtin []string
}

// querier runs commands on the client machine.
type querier interface {
	execute(argv []string) (protocol.Output, error)
	locate(names []string) ([]string, error)
}

// describeCompiler finds the helper programs and builtin include
// directories of the compiler at path and hashes it into a toolchain.
// Results are cached until the compiler binary changes.
func (m *Manager) describeCompiler(ctx context.Context, client querier, path, language string) (*compiler, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	key := compilerKey{path: path, language: language, size: info.Size(), modTime: info.ModTime().UnixNano()}
	if cached, ok := m.compilers.Get(key); ok {
		return cached, nil
	}

	var outputs []string
	for _, query := range options.ProgramQueries(path) {
		output, err := client.execute(query)
		if err != nil {
			return nil, err
		}
		if output.ReturnCode == 0 {
			outputs = append(outputs, string(output.Stdout))
		}
	}
	helpers, unresolved := options.ProgramPaths(outputs)
	if len(unresolved) > 0 {
		located, err := client.locate(unresolved)
		if err != nil {
			return nil, err
		}
		for _, found := range located {
			if found != "" {
				helpers = append(helpers, found)
			}
		}
	}

	search, err := client.execute(options.SearchQuery(path, language))
	if err != nil {
		return nil, err
	}
	if search.ReturnCode != 0 {
		return nil, fmt.Errorf("%s cannot preprocess %s: %s", path, language, firstLine(search.Stderr))
	}

	var described toolchain.Toolchain
	err = m.pool.Run(ctx, func() error {
		var err error
		described, err = toolchain.Describe(path, helpers)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &compiler{
		toolchain: described,
		path:      helperDirs(helpers),
		builtin:   options.SearchDirs(search.Stderr),
	}
	m.compilers.Add(key, result)
	m.toolchainsMu.Lock()
	m.toolchains[described.ID.String()] = described
	m.toolchainsMu.Unlock()
	m.logger.Info("described compiler",
		"compiler", path,
		"language", language,
		"toolchain", described.ID.String(),
		"files", len(described.Files),
		"builtin_dirs", len(result.builtin),
	)
	return result, nil
}

// toolchainArchive delivers the archive of a described toolchain
// through the compression cache, so concurrent sessions share one
// production.
func (m *Manager) toolchainArchive(id string, onDone compress.DoneFunc) {
	m.toolchainsMu.Lock()
	described, ok := m.toolchains[id]
	m.toolchainsMu.Unlock()
	if !ok {
		onDone(nil, fmt.Errorf("unknown toolchain %s", id))
		return
	}
	m.files.Compute("toolchain\x00"+id, described.Archive, onDone)
}

// helperDirs returns the distinct directories of paths in order.
func helperDirs(paths []string) []string {
	var dirs []string
	for _, path := range paths {
		if dir := filepath.Dir(path); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func firstLine(text []byte) string {
	line, _, _ := bytes.Cut(bytes.TrimSpace(text), []byte("\n"))
	return string(line)
}
