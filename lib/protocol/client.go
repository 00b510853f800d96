// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Client wrapper tags.
const (
	TagCompile = "COMPILE"
	TagOutput  = "OUTPUT"
	TagLocated = "LOCATED"

	TagRunLocally       = "RUN_LOCALLY"
	TagExecuteAndExit   = "EXECUTE_AND_EXIT"
	TagExecuteGetOutput = "EXECUTE_GET_OUTPUT"
	TagLocateFiles      = "LOCATE_FILES"
	TagExit             = "EXIT"
)

// ClientRequest is a message from the client wrapper to the manager.
type ClientRequest interface{ clientRequest() [][]byte }

// Compile opens a client conversation with the intercepted command.
// Argv[0] is the compiler as the build system invoked it.
type Compile struct {
	Cwd  string
	Argv []string
}

// Output answers ExecuteGetOutput.
type Output struct {
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
}

// Located answers LocateFiles with one absolute path per requested
// name, or an empty string for names not found.
type Located struct {
	Paths []string
}

// ClientCommand is a message from the manager to the client wrapper.
type ClientCommand interface{ clientCommand() [][]byte }

// RunLocally tells the client to execute the original command itself.
type RunLocally struct{}

// ExecuteAndExit tells the client to replace itself with Argv.
type ExecuteAndExit struct {
	Argv []string
}

// ExecuteGetOutput asks the client to run Argv and report the result.
type ExecuteGetOutput struct {
	Argv []string
}

// LocateFiles asks the client to resolve executables on its PATH.
type LocateFiles struct {
	Names []string
}

// Exit ends the conversation. The client prints the output and exits
// with Code.
type Exit struct {
	Code   int
	Stdout []byte
	Stderr []byte
}

func (m Compile) clientRequest() [][]byte {
	return join(TagCompile, append([][]byte{[]byte(m.Cwd)}, stringParts(m.Argv)...)...)
}

func (m Output) clientRequest() [][]byte {
	return join(TagOutput, intPart(m.ReturnCode), m.Stdout, m.Stderr)
}

func (m Located) clientRequest() [][]byte {
	return join(TagLocated, stringParts(m.Paths)...)
}

func (RunLocally) clientCommand() [][]byte { return join(TagRunLocally) }

func (m ExecuteAndExit) clientCommand() [][]byte {
	return join(TagExecuteAndExit, stringParts(m.Argv)...)
}

func (m ExecuteGetOutput) clientCommand() [][]byte {
	return join(TagExecuteGetOutput, stringParts(m.Argv)...)
}

func (m LocateFiles) clientCommand() [][]byte {
	return join(TagLocateFiles, stringParts(m.Names)...)
}

func (m Exit) clientCommand() [][]byte {
	return join(TagExit, intPart(m.Code), m.Stdout, m.Stderr)
}

// EncodeClientRequest returns the wire parts of message.
func EncodeClientRequest(message ClientRequest) [][]byte { return message.clientRequest() }

// EncodeClientCommand returns the wire parts of message.
func EncodeClientCommand(message ClientCommand) [][]byte { return message.clientCommand() }

// DecodeClientRequest parses one frame received by the manager from a
// client wrapper.
func DecodeClientRequest(parts [][]byte) (ClientRequest, error) {
	if len(parts) == 0 {
		return nil, malformed("empty message")
	}
	tag := string(parts[0])
	switch tag {
	case TagCompile:
		if err := expectAtLeast(tag, parts, 3); err != nil {
			return nil, err
		}
		return Compile{Cwd: string(parts[1]), Argv: partStrings(parts[2:])}, nil
	case TagOutput:
		if err := expectParts(tag, parts, 4); err != nil {
			return nil, err
		}
		returnCode, err := parseInt(tag, parts[1])
		if err != nil {
			return nil, err
		}
		return Output{ReturnCode: returnCode, Stdout: parts[2], Stderr: parts[3]}, nil
	case TagLocated:
		return Located{Paths: partStrings(parts[1:])}, nil
	}
	return nil, malformed("unknown client request tag %q", tag)
}

// DecodeClientCommand parses one frame received by the client wrapper.
func DecodeClientCommand(parts [][]byte) (ClientCommand, error) {
	if len(parts) == 0 {
		return nil, malformed("empty message")
	}
	tag := string(parts[0])
	switch tag {
	case TagRunLocally:
		if err := expectParts(tag, parts, 1); err != nil {
			return nil, err
		}
		return RunLocally{}, nil
	case TagExecuteAndExit:
		if err := expectAtLeast(tag, parts, 2); err != nil {
			return nil, err
		}
		return ExecuteAndExit{Argv: partStrings(parts[1:])}, nil
	case TagExecuteGetOutput:
		if err := expectAtLeast(tag, parts, 2); err != nil {
			return nil, err
		}
		return ExecuteGetOutput{Argv: partStrings(parts[1:])}, nil
	case TagLocateFiles:
		return LocateFiles{Names: partStrings(parts[1:])}, nil
	case TagExit:
		if err := expectParts(tag, parts, 4); err != nil {
			return nil, err
		}
		code, err := parseInt(tag, parts[1])
		if err != nil {
			return nil, err
		}
		return Exit{Code: code, Stdout: parts[2], Stderr: parts[3]}, nil
	}
	return nil, malformed("unknown client command tag %q", tag)
}
