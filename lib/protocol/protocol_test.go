// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/bureau-foundation/ccfarm/lib/wire"
)

// throughWire frames parts and decodes them again, as a peer would see
// them.
func throughWire(t *testing.T, parts [][]byte) [][]byte {
	t.Helper()
	messages, err := wire.NewDecoder(0).Feed(wire.Encode(parts))
	if err != nil {
		t.Fatal(err)
	}
	return messages[0]
}

func sampleTask() ServerTask {
	return ServerTask{
		MachineID:          "workstation-7",
		CompilerID:         "c0ffee",
		CompilerExecutable: "bin/gcc",
		Dialect:            GCCDialect,
		Args:               []string{"-O2", "-Wall"},
		Macros:             []string{"NDEBUG", "VERSION=3"},
		IncludeDirs:        []string{"/src/include"},
		Source:             "/src/main.c",
		PCH:                &PCHDescriptor{Path: "/src/all.h.gch", Size: 4096, MTime: 1700000000},
		Headers: []HeaderRef{
			{Dir: "/usr/include", Name: "stdio.h", Checksum: "aa"},
			{Dir: "/src", Name: "local.h", Checksum: "bb", Relative: true},
		},
	}
}

func TestServerBoundRoundTrip(t *testing.T) {
	messages := []ServerBound{
		NewSession{LocalID: 12, Task: sampleTask()},
		TaskFiles{RemoteID: 3, Files: []File{
			{Dir: "/usr/include", Name: "stdio.h", Content: []byte("int printf();")},
			{Dir: "/src", Name: "main.c", Content: []byte{}},
		}},
		TaskFiles{RemoteID: 3},
		DataChunk{RemoteID: 4, Data: []byte{1, 2, 3}},
		DataChunk{RemoteID: 4, Data: []byte{}},
		SendConfirmation{RemoteID: 5, Accept: true},
		SendConfirmation{RemoteID: 5},
		CancelSession{RemoteID: 9},
	}
	for _, message := range messages {
		decoded, err := DecodeServerBound(throughWire(t, EncodeServerBound(message)))
		if err != nil {
			t.Fatalf("%T: %v", message, err)
		}
		if !reflect.DeepEqual(decoded, message) {
			t.Errorf("%T round trip:\n got %+v\nwant %+v", message, decoded, message)
		}
	}
}

func TestManagerBoundRoundTrip(t *testing.T) {
	messages := []ManagerBound{
		MissingFiles{LocalID: 1, RemoteID: 2, Files: []FileRef{{Dir: "/usr/include", Name: "stdio.h"}}, NeedCompiler: true},
		MissingFiles{LocalID: 1, RemoteID: 2, Files: []FileRef{}, NeedPCH: true},
		ServerDone{LocalID: 1, ReturnCode: 1, Stdout: []byte{}, Stderr: []byte("error: x"), Timings: map[string]float64{"compile": 0.5}},
		ServerFailed{LocalID: 1, Traceback: "goroutine 1 [running]"},
		ResultChunk{LocalID: 1, Data: []byte("obj")},
		SessionCancelled{LocalID: 8},
		TimedOut{LocalID: 8},
	}
	for _, message := range messages {
		decoded, err := DecodeManagerBound(throughWire(t, EncodeManagerBound(message)))
		if err != nil {
			t.Fatalf("%T: %v", message, err)
		}
		if !reflect.DeepEqual(decoded, message) {
			t.Errorf("%T round trip:\n got %+v\nwant %+v", message, decoded, message)
		}
	}
}

func TestClientMessagesRoundTrip(t *testing.T) {
	requests := []ClientRequest{
		Compile{Cwd: "/src", Argv: []string{"gcc", "-c", "main.c"}},
		Output{ReturnCode: 0, Stdout: []byte("gcc 13"), Stderr: []byte{}},
		Located{Paths: []string{"/usr/bin/gcc", ""}},
	}
	for _, request := range requests {
		decoded, err := DecodeClientRequest(throughWire(t, EncodeClientRequest(request)))
		if err != nil {
			t.Fatalf("%T: %v", request, err)
		}
		if !reflect.DeepEqual(decoded, request) {
			t.Errorf("%T round trip: got %+v, want %+v", request, decoded, request)
		}
	}

	commands := []ClientCommand{
		RunLocally{},
		ExecuteAndExit{Argv: []string{"gcc", "a.o", "-o", "app"}},
		ExecuteGetOutput{Argv: []string{"gcc", "-dumpversion"}},
		LocateFiles{Names: []string{"gcc", "cc1"}},
		Exit{Code: 2, Stdout: []byte{}, Stderr: []byte("boom")},
	}
	for _, command := range commands {
		decoded, err := DecodeClientCommand(throughWire(t, EncodeClientCommand(command)))
		if err != nil {
			t.Fatalf("%T: %v", command, err)
		}
		if !reflect.DeepEqual(decoded, command) {
			t.Errorf("%T round trip: got %+v, want %+v", command, decoded, command)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]func() error{
		"unknown server tag": func() error {
			_, err := DecodeServerBound([][]byte{[]byte("HELLO")})
			return err
		},
		"new session without marker": func() error {
			_, err := DecodeServerBound([][]byte{[]byte(TagNewSession), []byte("1"), []byte("TASK"), {}})
			return err
		},
		"task files arity": func() error {
			_, err := DecodeServerBound([][]byte{[]byte(TagTaskFiles), []byte("1"), []byte("dir")})
			return err
		},
		"bad session id": func() error {
			_, err := DecodeServerBound([][]byte{[]byte(TagCancelSession), []byte("x1")})
			return err
		},
		"bad confirmation flag": func() error {
			_, err := DecodeServerBound([][]byte{[]byte(TagSendConfirmation), []byte("1"), []byte("yes")})
			return err
		},
		"server done arity": func() error {
			_, err := DecodeManagerBound([][]byte{[]byte(TagServerDone), []byte("1"), []byte("0")})
			return err
		},
		"missing files payload": func() error {
			_, err := DecodeManagerBound([][]byte{[]byte(TagMissingFiles), []byte("1"), []byte("2"), {0xff}, []byte("0"), []byte("0")})
			return err
		},
		"empty client request": func() error {
			_, err := DecodeClientRequest(nil)
			return err
		},
		"compile without argv": func() error {
			_, err := DecodeClientRequest([][]byte{[]byte(TagCompile), []byte("/src")})
			return err
		},
	}
	for name, decode := range cases {
		t.Run(name, func(t *testing.T) {
			if err := decode(); !errors.Is(err, wire.ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}
