// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the ccfarm
// manager and compile server.
//
// Configuration is loaded from a single file specified by either the
// CCFARM_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Binaries started without a file use [Default].
//
// The configuration file supports environment-specific sections
// (development, production) that override base values when
// [Config].Environment matches.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${CCFARM_ROOT}, and ${VAR:-default} patterns are expanded.
//
// This package depends only on [discovery] for the static node list.
package config
