// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

// Manager-to-server tags.
const (
	TagNewSession       = "NEW_SESSION"
	TagServerTask       = "SERVER_TASK"
	TagTaskFiles        = "TASK_FILES"
	TagDataChunk        = "DATA_CHUNK"
	TagSendConfirmation = "SEND_CONFIRMATION"
	TagCancelSession    = "CANCEL_SESSION"
)

// ServerBound is a message from the manager to a compile server.
type ServerBound interface {
	// Session returns the server's session id, or zero for
	// NewSession which has none yet.
	Session() SessionID
	serverBound() [][]byte
}

// NewSession opens a session. LocalID is the manager's id for it; the
// server echoes it in every reply.
type NewSession struct {
	LocalID SessionID
	Task    ServerTask
}

// TaskFiles carries the headers the server asked for followed by the
// source file.
type TaskFiles struct {
	RemoteID SessionID
	Files    []File
}

// DataChunk is one piece of a compiler archive or PCH stream. An empty
// Data ends the stream.
type DataChunk struct {
	RemoteID SessionID
	Data     []byte
}

// SendConfirmation tells the server whether to upload its object file.
type SendConfirmation struct {
	RemoteID SessionID
	Accept   bool
}

// CancelSession asks the server to abandon a session.
type CancelSession struct {
	RemoteID SessionID
}

func (NewSession) Session() SessionID         { return 0 }
func (m TaskFiles) Session() SessionID        { return m.RemoteID }
func (m DataChunk) Session() SessionID        { return m.RemoteID }
func (m SendConfirmation) Session() SessionID { return m.RemoteID }
func (m CancelSession) Session() SessionID    { return m.RemoteID }

func (m NewSession) serverBound() [][]byte {
	return join(TagNewSession, m.LocalID.bytes(), []byte(TagServerTask), mustMarshal(m.Task))
}

func (m TaskFiles) serverBound() [][]byte {
	parts := join(TagTaskFiles, m.RemoteID.bytes())
	for _, file := range m.Files {
		parts = append(parts, []byte(file.Dir), []byte(file.Name), file.Content)
	}
	return parts
}

func (m DataChunk) serverBound() [][]byte {
	return join(TagDataChunk, m.RemoteID.bytes(), m.Data)
}

func (m SendConfirmation) serverBound() [][]byte {
	return join(TagSendConfirmation, m.RemoteID.bytes(), flag(m.Accept))
}

func (m CancelSession) serverBound() [][]byte {
	return join(TagCancelSession, m.RemoteID.bytes())
}

// EncodeServerBound returns the wire parts of message.
func EncodeServerBound(message ServerBound) [][]byte { return message.serverBound() }

// DecodeServerBound parses one frame received by a compile server.
func DecodeServerBound(parts [][]byte) (ServerBound, error) {
	if len(parts) == 0 {
		return nil, malformed("empty message")
	}
	tag := string(parts[0])
	switch tag {
	case TagNewSession:
		if err := expectParts(tag, parts, 4); err != nil {
			return nil, err
		}
		if string(parts[2]) != TagServerTask {
			return nil, malformed("%s expects %s, got %q", tag, TagServerTask, parts[2])
		}
		localID, err := parseID(tag, parts[1])
		if err != nil {
			return nil, err
		}
		message := NewSession{LocalID: localID}
		if err := decodePayload(tag, parts[3], &message.Task); err != nil {
			return nil, err
		}
		return message, nil

	case TagTaskFiles:
		if err := expectAtLeast(tag, parts, 2); err != nil {
			return nil, err
		}
		if (len(parts)-2)%3 != 0 {
			return nil, malformed("%s has %d file parts, not a multiple of 3", tag, len(parts)-2)
		}
		remoteID, err := parseID(tag, parts[1])
		if err != nil {
			return nil, err
		}
		message := TaskFiles{RemoteID: remoteID}
		for index := 2; index < len(parts); index += 3 {
			message.Files = append(message.Files, File{
				Dir:     string(parts[index]),
				Name:    string(parts[index+1]),
				Content: parts[index+2],
			})
		}
		return message, nil

	case TagDataChunk:
		if err := expectParts(tag, parts, 3); err != nil {
			return nil, err
		}
		remoteID, err := parseID(tag, parts[1])
		if err != nil {
			return nil, err
		}
		return DataChunk{RemoteID: remoteID, Data: parts[2]}, nil

	case TagSendConfirmation:
		if err := expectParts(tag, parts, 3); err != nil {
			return nil, err
		}
		remoteID, err := parseID(tag, parts[1])
		if err != nil {
			return nil, err
		}
		accept, err := parseFlag(tag, parts[2])
		if err != nil {
			return nil, err
		}
		return SendConfirmation{RemoteID: remoteID, Accept: accept}, nil

	case TagCancelSession:
		if err := expectParts(tag, parts, 2); err != nil {
			return nil, err
		}
		remoteID, err := parseID(tag, parts[1])
		if err != nil {
			return nil, err
		}
		return CancelSession{RemoteID: remoteID}, nil
	}
	return nil, malformed("unknown server-bound tag %q", tag)
}
