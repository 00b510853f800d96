// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/ccfarm/lib/contenthash"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
)

func headerRef(dir, name, content string) protocol.HeaderRef {
	return protocol.HeaderRef{Dir: dir, Name: name, Checksum: contenthash.Header([]byte(content)).String()}
}

func fileOf(dir, name, content string) protocol.File {
	return protocol.File{Dir: dir, Name: name, Content: []byte(content)}
}

func TestMissingFilesOmitsCachedHeader(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	stdio := headerRef("/usr/include", "stdio.h", "int printf();")

	needed, transaction, err := repository.MissingFiles("ws1", []protocol.HeaderRef{stdio})
	if err != nil {
		t.Fatal(err)
	}
	if len(needed) != 1 {
		t.Fatalf("first request needed = %v, want stdio.h", needed)
	}

	// A second session asking while the upload is in flight is not
	// asked for the file.
	neededWhileInFlight, _, err := repository.MissingFiles("ws1", []protocol.HeaderRef{stdio})
	if err != nil {
		t.Fatal(err)
	}
	if len(neededWhileInFlight) != 0 {
		t.Errorf("in-flight header requested again: %v", neededWhileInFlight)
	}

	if err := repository.PrepareDir(transaction, t.TempDir(), []protocol.File{fileOf("/usr/include", "stdio.h", "int printf();")}); err != nil {
		t.Fatal(err)
	}

	neededAgain, _, err := repository.MissingFiles("ws1", []protocol.HeaderRef{stdio})
	if err != nil {
		t.Fatal(err)
	}
	if len(neededAgain) != 0 {
		t.Errorf("unchanged header requested twice: %v", neededAgain)
	}

	// The cache is per machine.
	otherMachine, _, err := repository.MissingFiles("ws2", []protocol.HeaderRef{stdio})
	if err != nil {
		t.Fatal(err)
	}
	if len(otherMachine) != 1 {
		t.Errorf("header cached across machines: %v", otherMachine)
	}
}

func TestMissingFilesRequestsChangedHeader(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	original := headerRef("/opt/include", "config.h", "#define A 1")

	_, transaction, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{original})
	if err := repository.PrepareDir(transaction, t.TempDir(), []protocol.File{fileOf("/opt/include", "config.h", "#define A 1")}); err != nil {
		t.Fatal(err)
	}
	repository.Release(transaction, nil)

	changed := headerRef("/opt/include", "config.h", "#define A 2")
	needed, transaction, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{changed})
	if len(needed) != 1 {
		t.Fatalf("changed header not requested: %v", needed)
	}
	if err := repository.PrepareDir(transaction, t.TempDir(), []protocol.File{fileOf("/opt/include", "config.h", "#define A 2")}); err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(filepath.Join(repository.SharedDir("ws1", "/opt/include"), "config.h"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "#define A 2" {
		t.Errorf("shared content = %q", content)
	}
}

func TestPrepareDirSeparatesSharedAndScratch(t *testing.T) {
	root := t.TempDir()
	scratch := t.TempDir()
	repository := NewHeaderRepository(root)

	shared := headerRef("/usr/include", "sys/types.h", "typedef int pid_t;")
	local := headerRef("/home/dev/app", "local.h", "#pragma once")
	local.Relative = true

	needed, transaction, err := repository.MissingFiles("ws1", []protocol.HeaderRef{shared, local})
	if err != nil {
		t.Fatal(err)
	}
	if len(needed) != 1 || needed[0].Name != "sys/types.h" {
		t.Fatalf("needed = %v, want only the shared header", needed)
	}

	err = repository.PrepareDir(transaction, scratch, []protocol.File{
		fileOf("/usr/include", "sys/types.h", "typedef int pid_t;"),
		fileOf("/home/dev/app", "local.h", "#pragma once"),
		fileOf("/home/dev/app", "main.c", "int main(void) { return 0; }"),
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{
		filepath.Join(repository.SharedDir("ws1", "/usr/include"), "sys", "types.h"),
		filepath.Join(ScratchDir(scratch, "/home/dev/app"), "local.h"),
		filepath.Join(ScratchDir(scratch, "/home/dev/app"), "main.c"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s: %v", path, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "ws1", "home")); !os.IsNotExist(err) {
		t.Error("relative header leaked into the shared directory")
	}
	if repository.State("ws1", "/usr/include", "sys/types.h") != Ready {
		t.Error("shared header not ready after PrepareDir")
	}
	if repository.OpenTransactions() != 1 {
		t.Error("prepared transaction closed before its session ended")
	}
	repository.Release(transaction, nil)
	if repository.OpenTransactions() != 0 {
		t.Error("transaction left open after Release")
	}
}

func TestPrepareDirChecksumMismatchAbandons(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	ref := headerRef("/usr/include", "math.h", "double sin(double);")

	_, transaction, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{ref})

	waiterResult := make(chan error, 1)
	go func() {
		waiterResult <- repository.WaitShared(context.Background(), "ws1", []protocol.HeaderRef{ref})
	}()

	err := repository.PrepareDir(transaction, t.TempDir(), []protocol.File{fileOf("/usr/include", "math.h", "tampered")})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("PrepareDir = %v, want ErrChecksumMismatch", err)
	}
	if waitErr := <-waiterResult; waitErr == nil {
		t.Error("WaitShared succeeded after the upload was abandoned")
	}

	needed, _, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{ref})
	if len(needed) != 1 {
		t.Error("abandoned header not requested again")
	}
}

func TestReleaseAbandonsOpenRegistrations(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	ref := headerRef("/usr/include", "errno.h", "extern int errno;")

	_, transaction, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{ref})
	repository.Release(transaction, errors.New("client vanished"))
	repository.Release(transaction, errors.New("second call is a no-op"))

	if repository.State("ws1", "/usr/include", "errno.h") != Absent {
		t.Error("abandoned header not absent")
	}
	if err := repository.PrepareDir(transaction, t.TempDir(), nil); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("PrepareDir on released transaction = %v", err)
	}
}

func TestPrepareDirTwiceFails(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	_, transaction, _ := repository.MissingFiles("ws1", nil)
	if err := repository.PrepareDir(transaction, t.TempDir(), nil); err != nil {
		t.Fatal(err)
	}
	if err := repository.PrepareDir(transaction, t.TempDir(), nil); !errors.Is(err, ErrUnknownTransaction) {
		t.Errorf("second PrepareDir = %v, want ErrUnknownTransaction", err)
	}
}

// cacheConfig uploads config.h with content for machine ws1 through a
// transaction that is released at once.
func cacheConfig(t *testing.T, repository *HeaderRepository, content string) {
	t.Helper()
	_, transaction, err := repository.MissingFiles("ws1", []protocol.HeaderRef{headerRef("/opt/include", "config.h", content)})
	if err != nil {
		t.Fatal(err)
	}
	if err := repository.PrepareDir(transaction, t.TempDir(), []protocol.File{fileOf("/opt/include", "config.h", content)}); err != nil {
		t.Fatal(err)
	}
	repository.Release(transaction, nil)
}

func TestChangedHeaderAbandonedWhileOldVersionIsRead(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	cacheConfig(t, repository, "#define A 1")

	old := headerRef("/opt/include", "config.h", "#define A 1")
	needed, reader, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{old})
	if len(needed) != 0 {
		t.Fatalf("cached header requested: %v", needed)
	}

	// A session with different content for the same header is asked for
	// it but must not replace the version the reader was promised.
	changed := headerRef("/opt/include", "config.h", "#define A 2")
	needed, writer, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{changed})
	if len(needed) != 1 {
		t.Fatalf("changed header not requested: %v", needed)
	}
	if state := repository.State("ws1", "/opt/include", "config.h"); state != Ready {
		t.Errorf("state while read = %s, want Ready", state)
	}
	repository.Release(writer, errors.New("client vanished"))

	if err := repository.WaitShared(context.Background(), "ws1", []protocol.HeaderRef{old}); err != nil {
		t.Errorf("WaitShared after the other upload was abandoned = %v", err)
	}
	repository.Release(reader, nil)
}

func TestChangedHeaderGoesToScratchWhileOldVersionIsRead(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	cacheConfig(t, repository, "#define A 1")
	sharedPath := filepath.Join(repository.SharedDir("ws1", "/opt/include"), "config.h")

	old := headerRef("/opt/include", "config.h", "#define A 1")
	_, reader, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{old})

	changed := headerRef("/opt/include", "config.h", "#define A 2")
	_, writer, _ := repository.MissingFiles("ws1", []protocol.HeaderRef{changed})
	scratch := t.TempDir()
	if err := repository.PrepareDir(writer, scratch, []protocol.File{fileOf("/opt/include", "config.h", "#define A 2")}); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(sharedPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "#define A 1" {
		t.Errorf("shared content while read = %q, want the promised version", content)
	}
	content, err = os.ReadFile(filepath.Join(ScratchDir(scratch, "/opt/include"), "config.h"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "#define A 2" {
		t.Errorf("scratch content = %q", content)
	}
	if err := repository.WaitShared(context.Background(), "ws1", []protocol.HeaderRef{old}); err != nil {
		t.Errorf("WaitShared for the promised version = %v", err)
	}
	repository.Release(writer, nil)
	repository.Release(reader, nil)

	// With no readers left the new version replaces the old one.
	cacheConfig(t, repository, "#define A 2")
	content, err = os.ReadFile(sharedPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "#define A 2" {
		t.Errorf("shared content after release = %q", content)
	}
}

func TestMissingFilesRejectsEscapingPaths(t *testing.T) {
	repository := NewHeaderRepository(t.TempDir())
	if _, _, err := repository.MissingFiles("../etc", nil); err == nil {
		t.Error("escaping machine id accepted")
	}
	if _, _, err := repository.MissingFiles("ws1", []protocol.HeaderRef{headerRef("include", "../../etc/passwd", "")}); err == nil {
		t.Error("escaping header name accepted")
	}
}
