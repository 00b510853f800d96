// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set with -ldflags, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/ccfarm/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	GitCommit = ""
	BuildTime = ""
	Version   = "0.1.0-dev"
)

// vcs holds the revision and commit time the go command stamps into
// binaries built from a checkout.
var vcs = sync.OnceValues(func() (revision, built string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", ""
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			built = setting.Value
		}
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	return revision, built
})

// commit returns the injected commit, else the stamped revision.
func commit() string {
	if GitCommit != "" {
		return GitCommit
	}
	if revision, _ := vcs(); revision != "" {
		return revision
	}
	return "unknown"
}

func buildTime() string {
	if BuildTime != "" {
		return BuildTime
	}
	if _, built := vcs(); built != "" {
		return built
	}
	return "unknown"
}

// Info returns "VERSION (COMMIT, BUILD_TIME)".
func Info() string {
	return fmt.Sprintf("%s (%s, %s)", Version, commit(), buildTime())
}

// Banner is the --version line of a ccfarm binary.
func Banner(program string) string {
	return program + " " + Info()
}

// Full returns Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
