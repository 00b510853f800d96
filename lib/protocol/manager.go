// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Server-to-manager tags.
const (
	TagMissingFiles     = "MISSING_FILES"
	TagServerDone       = "SERVER_DONE"
	TagServerFailed     = "SERVER_FAILED"
	TagResultChunk      = "RESULT_CHUNK"
	TagSessionCancelled = "SESSION_CANCELLED"
	TagTimedOut         = "TIMED_OUT"
)

// ManagerBound is a message from a compile server to the manager.
type ManagerBound interface {
	// Session returns the manager's id for the session.
	Session() SessionID
	managerBound() [][]byte
}

// MissingFiles is the server's reply to NewSession.
type MissingFiles struct {
	LocalID      SessionID
	RemoteID     SessionID
	Files        []FileRef
	NeedCompiler bool
	NeedPCH      bool
}

// ServerDone reports the compiler's exit. Timings maps phase names to
// seconds.
type ServerDone struct {
	LocalID    SessionID
	ReturnCode int
	Stdout     []byte
	Stderr     []byte
	Timings    map[string]float64
}

// ServerFailed reports an internal server error with its stack trace.
type ServerFailed struct {
	LocalID   SessionID
	Traceback string
}

// ResultChunk is one encoded piece of the object file. An empty Data
// ends the stream.
type ResultChunk struct {
	LocalID SessionID
	Data    []byte
}

// SessionCancelled acknowledges CancelSession.
type SessionCancelled struct {
	LocalID SessionID
}

// TimedOut reports that the server abandoned an idle session.
type TimedOut struct {
	LocalID SessionID
}

func (m MissingFiles) Session() SessionID     { return m.LocalID }
func (m ServerDone) Session() SessionID       { return m.LocalID }
func (m ServerFailed) Session() SessionID     { return m.LocalID }
func (m ResultChunk) Session() SessionID      { return m.LocalID }
func (m SessionCancelled) Session() SessionID { return m.LocalID }
func (m TimedOut) Session() SessionID         { return m.LocalID }

func (m MissingFiles) managerBound() [][]byte {
	files := m.Files
	if files == nil {
		files = []FileRef{}
	}
	return join(TagMissingFiles, m.LocalID.bytes(), m.RemoteID.bytes(),
		mustMarshal(files), flag(m.NeedCompiler), flag(m.NeedPCH))
}

func (m ServerDone) managerBound() [][]byte {
	timings := m.Timings
	if timings == nil {
		timings = map[string]float64{}
	}
	return join(TagServerDone, m.LocalID.bytes(), intPart(m.ReturnCode),
		m.Stdout, m.Stderr, mustMarshal(timings))
}

func (m ServerFailed) managerBound() [][]byte {
	return join(TagServerFailed, m.LocalID.bytes(), []byte(m.Traceback))
}

func (m ResultChunk) managerBound() [][]byte {
	return join(TagResultChunk, m.LocalID.bytes(), m.Data)
}

func (m SessionCancelled) managerBound() [][]byte {
	return join(TagSessionCancelled, m.LocalID.bytes())
}

func (m TimedOut) managerBound() [][]byte {
	return join(TagTimedOut, m.LocalID.bytes())
}

// EncodeManagerBound returns the wire parts of message.
func EncodeManagerBound(message ManagerBound) [][]byte { return message.managerBound() }

// DecodeManagerBound parses one frame received from a compile server.
func DecodeManagerBound(parts [][]byte) (ManagerBound, error) {
	if len(parts) < 2 {
		return nil, malformed("manager-bound message with %d parts", len(parts))
	}
	tag := string(parts[0])
	localID, err := parseID(tag, parts[1])
	if err != nil {
		return nil, err
	}

	switch tag {
	case TagMissingFiles:
		if err := expectParts(tag, parts, 6); err != nil {
			return nil, err
		}
		remoteID, err := parseID(tag, parts[2])
		if err != nil {
			return nil, err
		}
		message := MissingFiles{LocalID: localID, RemoteID: remoteID}
		if err := decodePayload(tag, parts[3], &message.Files); err != nil {
			return nil, err
		}
		if message.NeedCompiler, err = parseFlag(tag, parts[4]); err != nil {
			return nil, err
		}
		if message.NeedPCH, err = parseFlag(tag, parts[5]); err != nil {
			return nil, err
		}
		return message, nil

	case TagServerDone:
		if err := expectParts(tag, parts, 6); err != nil {
			return nil, err
		}
		returnCode, err := parseInt(tag, parts[2])
		if err != nil {
			return nil, err
		}
		message := ServerDone{LocalID: localID, ReturnCode: returnCode, Stdout: parts[3], Stderr: parts[4]}
		if err := decodePayload(tag, parts[5], &message.Timings); err != nil {
			return nil, err
		}
		return message, nil

	case TagServerFailed:
		if err := expectParts(tag, parts, 3); err != nil {
			return nil, err
		}
		return ServerFailed{LocalID: localID, Traceback: string(parts[2])}, nil

	case TagResultChunk:
		if err := expectParts(tag, parts, 3); err != nil {
			return nil, err
		}
		return ResultChunk{LocalID: localID, Data: parts[2]}, nil

	case TagSessionCancelled:
		if err := expectParts(tag, parts, 2); err != nil {
			return nil, err
		}
		return SessionCancelled{LocalID: localID}, nil

	case TagTimedOut:
		if err := expectParts(tag, parts, 2); err != nil {
			return nil, err
		}
		return TimedOut{LocalID: localID}, nil
	}
	return nil, malformed("unknown manager-bound tag %q", tag)
}
