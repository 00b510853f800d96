// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/ccfarm/lib/clock"
	"github.com/bureau-foundation/ccfarm/lib/compress"
	"github.com/bureau-foundation/ccfarm/lib/mailbox"
	"github.com/bureau-foundation/ccfarm/lib/protocol"
	"github.com/bureau-foundation/ccfarm/lib/repository"
	"github.com/bureau-foundation/ccfarm/lib/toolchain"
)

// Causes a session's context ends with.
var (
	errIdle             = errors.New("session idle")
	errCancelled        = errors.New("session cancelled by manager")
	errConnectionClosed = errors.New("manager connection closed")
)

type state int

const (
	stateGetTask state = iota
	stateDownloadMissingHeaders
	stateDownloadingCompiler
	stateDownloadingPCH
	stateRunningCompiler
	stateWaitForConfirmation
	stateUploadingFile
	stateDone
)

func (s state) String() string {
	switch s {
	case stateGetTask:
		return "GetTask"
	case stateDownloadMissingHeaders:
		return "DownloadMissingHeaders"
	case stateDownloadingCompiler:
		return "DownloadingCompiler"
	case stateDownloadingPCH:
		return "DownloadingPCH"
	case stateRunningCompiler:
		return "RunningCompiler"
	case stateWaitForConfirmation:
		return "WaitForConfirmation"
	case stateUploadingFile:
		return "UploadingFile"
	case stateDone:
		return "Done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// session is one compile attempt requested by a manager.
type session struct {
	conn    *connection
	server  *Server
	id      protocol.SessionID
	localID protocol.SessionID
	task    protocol.ServerTask
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	inbox  *mailbox.Mailbox[protocol.ServerBound]

	idleMu        sync.Mutex
	idle          *clock.Timer
	idleSuspended bool
	idleStopped   bool

	// background tracks work submitted to the pool, which may still
	// touch repository registrations after the session gives up on it.
	background sync.WaitGroup

	state             state
	scratch           string
	transaction       string
	needed            []protocol.FileRef
	uploadingCompiler bool
	uploadingPCH      bool
	timings           map[string]float64
	phaseStart        time.Time
}

func newSession(ctx context.Context, conn *connection, id protocol.SessionID, request protocol.NewSession) *session {
	s := &session{
		conn:    conn,
		server:  conn.server,
		id:      id,
		localID: request.LocalID,
		task:    request.Task,
		inbox:   mailbox.New[protocol.ServerBound](),
		timings: make(map[string]float64),
	}
	s.logger = conn.logger.With("session", id, "local_session", request.LocalID, "source", request.Task.Source)
	s.ctx, s.cancel = context.WithCancelCause(ctx)
	s.idle = s.server.clock.AfterFunc(s.server.config.SessionTimeout, func() { s.cancel(errIdle) })
	s.phaseStart = s.server.clock.Now()
	s.server.active.Add(1)
	s.server.metrics.sessionStarted()
	return s
}

// touch re-arms the idle timer on inbound traffic.
func (s *session) touch() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleSuspended || s.idleStopped {
		return
	}
	s.idle.Reset(s.server.config.SessionTimeout)
}

// suspendIdle stops the idle timer while the session works locally.
func (s *session) suspendIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.idleSuspended = true
	s.idle.Stop()
}

func (s *session) resumeIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.idleSuspended = false
	if !s.idleStopped {
		s.idle.Reset(s.server.config.SessionTimeout)
	}
}

func (s *session) stopIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	s.idleStopped = true
	s.idle.Stop()
}

func (s *session) run() {
	err := protect(s.serve)
	reply, outcome := s.conclude(err)
	s.cleanup(err)
	if reply != nil {
		if sendErr := s.conn.send(reply); sendErr != nil {
			s.logger.Debug("final reply not delivered", "error", sendErr)
		}
	}
	s.server.active.Add(-1)
	s.server.metrics.sessionEnded(outcome)
}

// panicError carries a recovered panic and its stack.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", e.value, e.stack)
}

func protect(fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &panicError{value: recovered, stack: debug.Stack()}
		}
	}()
	return fn()
}

// conclude picks the session's single terminal message, if any.
func (s *session) conclude(err error) (protocol.ManagerBound, string) {
	s.stopIdle()
	if err == nil {
		s.logger.Debug("session finished", "timings", s.timings)
		return nil, "completed"
	}
	if s.ctx.Err() != nil {
		switch cause := context.Cause(s.ctx); {
		case errors.Is(cause, errIdle):
			s.logger.Warn("session timed out", "state", s.state.String())
			return protocol.TimedOut{LocalID: s.localID}, "timed_out"
		case errors.Is(cause, errCancelled):
			s.logger.Debug("session cancelled", "state", s.state.String())
			return protocol.SessionCancelled{LocalID: s.localID}, "cancelled"
		default:
			s.logger.Debug("session abandoned", "state", s.state.String(), "cause", cause)
			return nil, "disconnected"
		}
	}
	s.logger.Error("session failed", "state", s.state.String(), "error", err)
	return protocol.ServerFailed{LocalID: s.localID, Traceback: fmt.Sprintf("%s: %v", s.state, err)}, "failed"
}

// cleanup releases everything the session holds. Registrations this
// session still owns are abandoned so their waiters fail instead of
// hanging.
func (s *session) cleanup(err error) {
	s.conn.remove(s.id)
	s.background.Wait()
	s.cancel(nil)

	cause := err
	if cause == nil {
		cause = errors.New("session ended")
	}
	repositories := s.server.repositories
	if s.transaction != "" {
		repositories.Headers.Release(s.transaction, cause)
	}
	if s.uploadingCompiler {
		repositories.Compilers.Abandon(s.task.CompilerID, cause)
	}
	if s.uploadingPCH && s.task.PCH != nil {
		repositories.PCH.Abandon(*s.task.PCH, cause)
	}
	if s.scratch != "" {
		if err := os.RemoveAll(s.scratch); err != nil {
			s.logger.Warn("removing scratch directory", "path", s.scratch, "error", err)
		}
	}
}

// phase records the time since the previous phase ended under name.
func (s *session) phase(name string) {
	now := s.server.clock.Now()
	s.timings[name] = now.Sub(s.phaseStart).Seconds()
	s.phaseStart = now
}

// start runs fn on the worker pool.
func (s *session) start(fn func() error) <-chan error {
	done := make(chan error, 1)
	s.background.Add(1)
	s.server.pool.Submit(func() {
		defer s.background.Done()
		done <- protect(fn)
	})
	return done
}

// await waits for work begun with start, or the session's end.
func (s *session) await(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	}
}

func (s *session) receive() (protocol.ServerBound, error) {
	return s.inbox.Take(s.ctx)
}

func (s *session) unexpected(message protocol.ServerBound) error {
	return fmt.Errorf("unexpected %T", message)
}

func (s *session) serve() error {
	if err := s.getTask(); err != nil {
		return err
	}

	s.state = stateDownloadMissingHeaders
	message, err := s.receive()
	if err != nil {
		return err
	}
	files, ok := message.(protocol.TaskFiles)
	if !ok {
		return s.unexpected(message)
	}
	s.server.metrics.received("header", len(s.needed))
	transaction := s.transaction
	prepared := s.start(func() error {
		return s.server.repositories.Headers.PrepareDir(transaction, s.scratch, files.Files)
	})

	var installs []<-chan error
	if s.uploadingCompiler {
		s.state = stateDownloadingCompiler
		archive, err := s.receiveStream()
		if err != nil {
			return err
		}
		s.server.metrics.received("compiler", 1)
		id := s.task.CompilerID
		installs = append(installs, s.start(func() error {
			return s.server.repositories.Compilers.Install(id, func(directory string) error {
				return toolchain.Extract(archive, directory)
			})
		}))
	}
	if s.uploadingPCH {
		s.state = stateDownloadingPCH
		payload, err := s.receiveStream()
		if err != nil {
			return err
		}
		s.server.metrics.received("pch", 1)
		descriptor := *s.task.PCH
		installs = append(installs, s.start(func() error {
			return s.server.repositories.PCH.Install(descriptor, payload)
		}))
	}

	if err := s.await(prepared); err != nil {
		return fmt.Errorf("preparing headers: %w", err)
	}
	for _, install := range installs {
		if err := s.await(install); err != nil {
			return err
		}
	}
	s.phase("download")

	s.state = stateRunningCompiler
	if err := s.waitForInputs(); err != nil {
		return err
	}
	s.phase("wait_inputs")
	result, err := s.compile()
	if err != nil {
		return err
	}
	if err := s.conn.send(protocol.ServerDone{
		LocalID:    s.localID,
		ReturnCode: result.ReturnCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		Timings:    s.timings,
	}); err != nil {
		return err
	}
	if result.ReturnCode != 0 {
		s.state = stateDone
		return nil
	}

	s.state = stateWaitForConfirmation
	message, err = s.receive()
	if err != nil {
		return err
	}
	confirmation, ok := message.(protocol.SendConfirmation)
	if !ok {
		return s.unexpected(message)
	}
	if !confirmation.Accept {
		s.logger.Debug("manager declined object file")
		s.state = stateDone
		return nil
	}

	s.state = stateUploadingFile
	if err := s.upload(); err != nil {
		return err
	}
	s.state = stateDone
	return nil
}

// getTask registers the session's needs with the repositories and
// tells the manager what to send.
func (s *session) getTask() error {
	s.state = stateGetTask
	repositories := s.server.repositories

	s.scratch = filepath.Join(s.server.config.ScratchRoot, uuid.NewString())
	if err := os.MkdirAll(s.scratch, 0o755); err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}

	needed, transaction, err := repositories.Headers.MissingFiles(s.task.MachineID, s.task.Headers)
	if err != nil {
		return err
	}
	s.needed = needed
	s.transaction = transaction

	_, s.uploadingCompiler = repositories.Compilers.RegisterOrCheck(s.task.CompilerID)
	if s.task.PCH != nil {
		_, s.uploadingPCH = repositories.PCH.RegisterOrCheck(*s.task.PCH)
	}

	s.logger.Debug("session opened",
		"missing_headers", len(needed),
		"need_compiler", s.uploadingCompiler,
		"need_pch", s.uploadingPCH,
	)
	return s.conn.send(protocol.MissingFiles{
		LocalID:      s.localID,
		RemoteID:     s.id,
		Files:        needed,
		NeedCompiler: s.uploadingCompiler,
		NeedPCH:      s.uploadingPCH,
	})
}

// receiveStream collects DATA_CHUNK messages up to the empty chunk
// that ends the stream.
func (s *session) receiveStream() ([]byte, error) {
	var buffer bytes.Buffer
	for {
		message, err := s.receive()
		if err != nil {
			return nil, err
		}
		chunk, ok := message.(protocol.DataChunk)
		if !ok {
			return nil, s.unexpected(message)
		}
		if len(chunk.Data) == 0 {
			return buffer.Bytes(), nil
		}
		buffer.Write(chunk.Data)
	}
}

// waitForInputs blocks until content other sessions are uploading is
// Ready.
func (s *session) waitForInputs() error {
	repositories := s.server.repositories
	if err := repositories.Compilers.Wait(s.ctx, s.task.CompilerID); err != nil {
		return fmt.Errorf("waiting for toolchain %s: %w", s.task.CompilerID, err)
	}
	if s.task.PCH != nil {
		if err := repositories.PCH.Wait(s.ctx, *s.task.PCH); err != nil {
			return fmt.Errorf("waiting for PCH %s: %w", s.task.PCH.Path, err)
		}
	}
	received := func(header protocol.HeaderRef) bool {
		return slices.Contains(s.needed, protocol.FileRef{Dir: header.Dir, Name: header.Name})
	}
	shared := slices.DeleteFunc(slices.Clone(s.task.Headers), received)
	return repositories.Headers.WaitShared(s.ctx, s.task.MachineID, shared)
}

// compile runs the compiler once a compiler slot is free. Unless
// IdleDuringCompile is set the idle timer does not run while the
// session waits for a slot or compiles.
func (s *session) compile() (Result, error) {
	if !s.server.config.IdleDuringCompile {
		s.suspendIdle()
		defer s.resumeIdle()
	}

	release, err := s.server.gate.Acquire(s.ctx)
	if err != nil {
		return Result{}, err
	}
	defer release()
	s.phase("queue")

	repositories := s.server.repositories
	if s.task.PCH != nil {
		link := repository.ScratchDir(s.scratch, s.task.PCH.Path)
		if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
			return Result{}, fmt.Errorf("linking PCH: %w", err)
		}
		if err := os.Symlink(repositories.PCH.Path(*s.task.PCH), link); err != nil {
			return Result{}, fmt.Errorf("linking PCH: %w", err)
		}
	}

	invocation := commandLine(s.task, s.scratch, repositories.Headers, repositories.Compilers.Dir(s.task.CompilerID))
	s.logger.Debug("running compiler", "args", invocation.Args)
	s.server.metrics.compilerStarted()
	result, err := s.server.config.Runner(s.ctx, invocation)
	s.server.metrics.compilerFinished()
	if err != nil {
		return Result{}, err
	}
	s.phase("compile")
	return result, nil
}

// upload streams the object file as encoded RESULT_CHUNKs followed by
// an empty one.
func (s *session) upload() error {
	object := filepath.Join(s.scratch, objectName)
	var chunks [][]byte
	encoded := s.start(func() error {
		data, err := os.ReadFile(object)
		if err != nil {
			return fmt.Errorf("reading object file: %w", err)
		}
		return compress.SplitChunks(data, func(chunk []byte) error {
			chunks = append(chunks, chunk)
			return nil
		})
	})
	if err := s.await(encoded); err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := s.conn.send(protocol.ResultChunk{LocalID: s.localID, Data: chunk}); err != nil {
			return err
		}
	}
	if err := os.Remove(object); err != nil {
		s.logger.Debug("removing object file", "path", object, "error", err)
	}
	return s.conn.send(protocol.ResultChunk{LocalID: s.localID})
}
