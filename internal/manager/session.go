// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/bureau-foundation/ccfarm/lib/atomicfile"
	"github.com/bureau-foundation/ccfarm/lib/compress"
	"github.com/bureau-foundation/ccfarm/lib/mailbox"
	"github.com/bureau-foundation/ccfarm/lib/nodes"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/task"
)

var (
	errCancelConfirmed = errors.New("cancellation confirmed")
	errCancelRequested = errors.New("cancellation requested")
	errRemoteCancelled = errors.New("server cancelled the session")
	errRemoteTimedOut  = errors.New("server timed out the session")
)

type state int

const (
	stateCreated state = iota
	stateWaitMissingFiles
	stateSendingFiles
	stateWaitServerResponse
	stateReceiveResultFile
	stateDone
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "Created"
	case stateWaitMissingFiles:
		return "WaitMissingFiles"
	case stateSendingFiles:
		return "SendingFiles"
	case stateWaitServerResponse:
		return "WaitServerResponse"
	case stateReceiveResultFile:
		return "ReceiveResultFile"
	case stateDone:
		return "Done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session is one attempt to compile a task on one node.
type session struct {
	manager *Manager
	id      protocol.SessionID
	task    *task.Task
	node    *nodes.Node
	nodeID  string
	conn    *nodeConn
	logger  *slog.Logger

	inbox *mailbox.Mailbox[protocol.ManagerBound]
	ctx   context.Context
	stop  context.CancelCauseFunc

	cancelOnce      sync.Once
	cancelRequested chan struct{}

	// Owned by the session goroutine.
	state       state
	remoteID    protocol.SessionID
	cancelState task.CancelState
	cancelSeen  bool
}

func newSession(m *Manager, id protocol.SessionID, t *task.Task, n *nodes.Node, conn *nodeConn) *session {
	s := &session{
		manager:         m,
		id:              id,
		task:            t,
		node:            n,
		nodeID:          n.ID,
		conn:            conn,
		logger:          m.logger.With("session", id, "task", t.ID, "node", n.ID),
		inbox:           mailbox.New[protocol.ManagerBound](),
		cancelRequested: make(chan struct{}),
	}
	s.ctx, s.stop = context.WithCancelCause(context.Background())
	return s
}

// end stops the session with cause. The session still reports its
// result to the scheduler, which ignores it if it already forgot the
// session.
func (s *session) end(cause error) { s.stop(cause) }

// requestCancel asks the session to cancel. It is safe to call from
// any goroutine and more than once.
func (s *session) requestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelRequested) })
}

func (s *session) run() {
	result, detail := s.serve()
	s.state = stateDone
	s.conn.detach(s.id)
	s.task.SessionFinished(s.id)
	s.stop(nil)
	s.logger.Debug("session ended", "result", result.String())
	m := s.manager
	m.post(func() { m.schedule.sessionEnded(s, result, detail) })
}

func (s *session) serve() (task.Result, string) {
	if err := s.conn.attach(s); err != nil {
		return s.failed(err)
	}

	s.state = stateWaitMissingFiles
	if err := s.send(protocol.NewSession{LocalID: s.id, Task: *s.task.ServerTask}); err != nil {
		return s.failed(err)
	}
	message, err := s.next()
	if err != nil {
		return s.failed(err)
	}
	missing, ok := message.(protocol.MissingFiles)
	if !ok {
		return s.failed(s.unexpected(message))
	}
	s.remoteID = missing.RemoteID

	s.state = stateSendingFiles
	if err := s.sendFiles(missing); err != nil {
		if !errors.Is(err, errCancelRequested) {
			return s.failed(err)
		}
		if _, err = s.next(); err == nil {
			err = errCancelConfirmed
		}
		return s.failed(err)
	}

	s.state = stateWaitServerResponse
	message, err = s.next()
	if err != nil {
		return s.failed(err)
	}
	switch reply := message.(type) {
	case protocol.ServerFailed:
		s.logger.Warn("compile server failed", "traceback", reply.Traceback)
		return task.Failure, reply.Traceback
	case protocol.ServerDone:
		return s.finish(reply)
	default:
		return s.failed(s.unexpected(message))
	}
}

// finish races for the task's completion. The winner cancels the
// other sessions and downloads the object; a loser declines it.
func (s *session) finish(done protocol.ServerDone) (task.Result, string) {
	s.task.Times.Mark("server_done", s.manager.clock.Now())
	won, others := s.task.RegisterCompletion(s.id)
	if !won {
		if done.ReturnCode == 0 {
			if err := s.send(protocol.SendConfirmation{RemoteID: s.remoteID, Accept: false}); err != nil {
				s.logger.Debug("declining object failed", "error", err)
			}
		}
		s.logger.Debug("another session completed the task first")
		return task.TooLate, ""
	}
	if len(others) > 0 {
		m := s.manager
		m.post(func() {
			for _, id := range others {
				m.schedule.cancel(id)
			}
		})
	}
	s.logger.Debug("compile finished", "return_code", done.ReturnCode, "timings", done.Timings)

	outcome := task.Outcome{ReturnCode: done.ReturnCode, Stdout: done.Stdout, Stderr: done.Stderr}
	if done.ReturnCode != 0 {
		s.task.Complete(outcome)
		return task.Success, ""
	}

	s.state = stateReceiveResultFile
	err := s.send(protocol.SendConfirmation{RemoteID: s.remoteID, Accept: true})
	if err == nil {
		err = s.receiveResult()
	}
	if err != nil {
		outcome.ReturnCode = -1
		outcome.Stderr = append(bytes.Clone(done.Stderr),
			fmt.Appendf(nil, "ccfarm: receiving %s from %s: %v\n", s.task.Output, s.nodeID, err)...)
		s.task.Complete(outcome)
		return s.failed(err)
	}
	s.task.Times.Mark("received", s.manager.clock.Now())
	s.task.Complete(outcome)
	return task.Success, ""
}

// receiveResult writes the streamed object file to the task's output.
func (s *session) receiveResult() error {
	file, err := atomicfile.Create(s.task.Output, 0o644)
	if err != nil {
		return err
	}
	defer file.Abort()

	for {
		message, err := s.next()
		if err != nil {
			return err
		}
		switch reply := message.(type) {
		case protocol.ResultChunk:
			if len(reply.Data) == 0 {
				return file.Commit()
			}
			// The write must finish before Abort may run, so this
			// waits regardless of the session's context.
			err := s.manager.pool.Run(context.Background(), func() error {
				data, err := compress.DecodeChunk(reply.Data)
				if err != nil {
					return err
				}
				_, err = file.Write(data)
				return err
			})
			if err != nil {
				return fmt.Errorf("writing %s: %w", s.task.Output, err)
			}
		case protocol.ServerFailed:
			return fmt.Errorf("server failed during upload: %s", reply.Traceback)
		default:
			return s.unexpected(message)
		}
	}
}

// sendFiles answers MISSING_FILES: the requested shared headers, every
// relative header and the source, then the toolchain and PCH streams
// the server asked for.
func (s *session) sendFiles(missing protocol.MissingFiles) error {
	files, err := s.collectFiles(missing.Files)
	if err != nil {
		return err
	}
	if err := s.send(protocol.TaskFiles{RemoteID: s.remoteID, Files: files}); err != nil {
		return err
	}
	size := 0
	for _, file := range files {
		size += len(file.Content)
	}
	s.manager.metrics.sent("files", size)

	if missing.NeedCompiler {
		id := s.task.ServerTask.CompilerID
		archive, err := s.payload(func(onDone compress.DoneFunc) { s.manager.toolchainArchive(id, onDone) })
		if err != nil {
			return fmt.Errorf("archiving toolchain %s: %w", id, err)
		}
		if err := s.stream("compiler", archive); err != nil {
			return err
		}
	}
	if missing.NeedPCH {
		if s.task.PCH == nil {
			return errors.New("server asked for a precompiled header the task does not use")
		}
		path := s.task.PCH.Path
		compressed, err := s.payload(func(onDone compress.DoneFunc) { s.manager.files.CompressFile(path, onDone) })
		if err != nil {
			return err
		}
		if err := s.stream("pch", compressed); err != nil {
			return err
		}
	}
	return nil
}

// collectFiles reads the files for TASK_FILES on the worker pool. The
// server may only ask for shared headers the task announced.
func (s *session) collectFiles(requested []protocol.FileRef) ([]protocol.File, error) {
	server := s.task.ServerTask
	announced := make(map[protocol.FileRef]bool, len(server.Headers))
	var relative []protocol.FileRef
	for _, header := range server.Headers {
		ref := protocol.FileRef{Dir: header.Dir, Name: header.Name}
		if header.Relative {
			relative = append(relative, ref)
		} else {
			announced[ref] = true
		}
	}
	for _, ref := range requested {
		if !announced[ref] {
			return nil, fmt.Errorf("server asked for unannounced file %s/%s", ref.Dir, ref.Name)
		}
	}

	refs := slices.Concat(requested, relative, []protocol.FileRef{{
		Dir:  filepath.Dir(server.Source),
		Name: filepath.Base(server.Source),
	}})
	files := make([]protocol.File, len(refs))
	err := s.manager.pool.Run(s.ctx, func() error {
		for index, ref := range refs {
			content, err := os.ReadFile(filepath.Join(ref.Dir, filepath.FromSlash(ref.Name)))
			if err != nil {
				return err
			}
			files[index] = protocol.File{Dir: ref.Dir, Name: ref.Name, Content: content}
		}
		return nil
	})
	if err != nil {
		if cause := context.Cause(s.ctx); cause != nil {
			return nil, cause
		}
		return nil, err
	}
	return files, nil
}

// payload waits for a FileCache delivery.
func (s *session) payload(start func(compress.DoneFunc)) ([]byte, error) {
	type delivery struct {
		data []byte
		err  error
	}
	delivered := make(chan delivery, 1)
	start(func(data []byte, err error) { delivered <- delivery{data: data, err: err} })
	select {
	case result := <-delivered:
		return result.data, result.err
	case <-s.ctx.Done():
		return nil, context.Cause(s.ctx)
	}
}

// stream sends payload as DATA_CHUNK messages and the empty chunk that
// ends it. A cancel request stops the stream early.
func (s *session) stream(kind string, payload []byte) error {
	for offset := 0; offset < len(payload); offset += compress.ChunkSize {
		if err := s.pollCancel(); err != nil {
			return err
		}
		end := min(offset+compress.ChunkSize, len(payload))
		if err := s.send(protocol.DataChunk{RemoteID: s.remoteID, Data: payload[offset:end]}); err != nil {
			return err
		}
	}
	if err := s.send(protocol.DataChunk{RemoteID: s.remoteID}); err != nil {
		return err
	}
	s.manager.metrics.sent(kind, len(payload))
	return nil
}

// next returns the next reply for the session's current state.
// SESSION_CANCELLED and TIMED_OUT end the session in any state. Once a
// cancellation is deferred, the next reply is taken as its
// confirmation.
func (s *session) next() (protocol.ManagerBound, error) {
	for {
		if err := s.pollCancel(); err != nil && !errors.Is(err, errCancelRequested) {
			return nil, err
		}
		if message, ok := s.inbox.TryTake(); ok {
			switch message.(type) {
			case protocol.SessionCancelled:
				return nil, errRemoteCancelled
			case protocol.TimedOut:
				return nil, errRemoteTimedOut
			}
			if s.cancelState == task.CancelDeferred {
				if missing, ok := message.(protocol.MissingFiles); ok && s.remoteID == 0 {
					s.remoteID = missing.RemoteID
					if err := s.sendCancel(); err != nil {
						return nil, err
					}
					continue
				}
				s.cancelState = task.CancelApplied
				return nil, errCancelConfirmed
			}
			return message, nil
		}

		select {
		case <-s.inbox.Notify():
		case <-s.cancelChannel():
			if err := s.beginCancel(); err != nil {
				return nil, err
			}
		case <-s.ctx.Done():
			return nil, context.Cause(s.ctx)
		}
	}
}

// cancelChannel returns the cancel request channel until the request
// has been seen.
func (s *session) cancelChannel() <-chan struct{} {
	if s.cancelSeen {
		return nil
	}
	return s.cancelRequested
}

// pollCancel reports errCancelRequested if a cancellation has begun.
func (s *session) pollCancel() error {
	select {
	case <-s.cancelChannel():
		if err := s.beginCancel(); err != nil {
			return err
		}
	default:
	}
	if s.cancelState == task.CancelDeferred {
		return errCancelRequested
	}
	return nil
}

// beginCancel handles a cancel request. The session that owns its
// task's completion is never cancelled. Without a remote id the
// CANCEL_SESSION waits for MISSING_FILES.
func (s *session) beginCancel() error {
	s.cancelSeen = true
	if s.cancelState != task.CancelNone || s.task.Owner() == s.id {
		return nil
	}
	s.logger.Debug("cancelling session", "state", s.state.String())
	s.cancelState = task.CancelDeferred
	if s.remoteID == 0 {
		return nil
	}
	return s.sendCancel()
}

func (s *session) sendCancel() error {
	return s.send(protocol.CancelSession{RemoteID: s.remoteID})
}

func (s *session) send(message protocol.ServerBound) error {
	return s.conn.send(s.ctx, message)
}

func (s *session) unexpected(message protocol.ManagerBound) error {
	return fmt.Errorf("unexpected %T in state %s", message, s.state)
}

// failed maps the error that ended the session to its result.
func (s *session) failed(err error) (task.Result, string) {
	switch {
	case errors.Is(err, errCancelConfirmed), errors.Is(err, errRemoteCancelled):
		s.logger.Debug("session cancelled", "state", s.state.String())
		return task.Cancelled, ""
	case errors.Is(err, errRemoteTimedOut):
		s.logger.Warn("compile server timed out the session", "state", s.state.String())
		return task.TimedOut, err.Error()
	case errors.Is(err, errTerminated), errors.Is(err, errStopped):
		s.abort()
		return task.Terminated, err.Error()
	default:
		s.logger.Warn("session failed", "state", s.state.String(), "error", err)
		s.abort()
		return task.Failure, err.Error()
	}
}

// abort tells the server to drop a session that failed on this side,
// so its repository registrations are released.
func (s *session) abort() {
	if s.remoteID == 0 || s.cancelState != task.CancelNone || !s.conn.alive() {
		return
	}
	s.cancelState = task.CancelApplied
	if err := s.conn.send(context.Background(), protocol.CancelSession{RemoteID: s.remoteID}); err != nil {
		s.logger.Debug("cancel after failure not delivered", "error", err)
	}
}
