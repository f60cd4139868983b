// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fusebridge

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/hostfs/fusebridge/fuseops"
	"github.com/hostfs/fusebridge/internal/buffer"
	"github.com/hostfs/fusebridge/internal/fusekernel"
	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// SessionConfig carries optional knobs for a session. The zero value is
// usable.
type SessionConfig struct {
	// The parent context for per-operation trace spans. Defaults to
	// context.Background().
	OpContext context.Context

	// The readahead limit announced to the kernel during the init handshake,
	// in bytes. Zero means accept whatever the kernel proposes.
	MaxReadahead uint32

	// If non-zero, the longest an operation may remain pending before the
	// session gives up on the host and fails it with EIO.
	CompletionTimeout time.Duration

	// A logger for protocol chatter. Defaults to the logger controlled by the
	// --fusebridge.debug flag.
	DebugLogger *log.Logger

	// A logger for conditions that indicate a bug in the host or a confused
	// kernel. Defaults to stderr.
	ErrorLogger *log.Logger

	// The clock used for converting the host's absolute cache expiration
	// times into the relative form the kernel wants. Defaults to the real
	// clock; tests substitute timeutil.SimulatedClock.
	Clock timeutil.Clock

	// The source of message buffers. Defaults to a freelist-backed provider.
	MessageProvider buffer.MessageProvider
}

// A Session drives a single kernel connection: it performs the init
// handshake, decodes and dispatches requests to the bridge's callbacks,
// tracks each request until a reply is chosen for it, and serializes
// replies back onto the transport.
type Session struct {
	bridge    *Bridge
	transport Transport

	debugLogger *log.Logger
	errorLogger *log.Logger
	clock       timeutil.Clock
	opContext   context.Context

	maxReadahead      uint32
	completionTimeout time.Duration

	messageProvider buffer.MessageProvider

	registry *requestRegistry
	handles  *handleTable

	// The protocol version negotiated during the init handshake. Written
	// once, before any operation is dispatched.
	protocol fusekernel.Protocol

	// Replies travel through here to the writer goroutine, which owns all
	// calls to transport.Write.
	outgoing   chan *buffer.OutMessage
	writerDone chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex

	// Cleared when teardown begins. Once false, no further replies are
	// accepted onto the outgoing channel.
	//
	// GUARDED_BY(mu)
	live bool

	// Set when explicit Close tears the session down, so that the resulting
	// transport read error is not reported as a failure.
	//
	// GUARDED_BY(mu)
	closed bool

	joinStatus          error
	joinStatusAvailable chan struct{}
}

// NewSession creates a session serving the supplied transport with the
// supplied bridge. The session does not read from the transport until Serve
// is called.
func NewSession(
	bridge *Bridge,
	transport Transport,
	config SessionConfig) (*Session, error) {
	if bridge == nil {
		return nil, errors.New("NewSession: nil bridge")
	}

	if transport == nil {
		return nil, errors.New("NewSession: nil transport")
	}

	s := &Session{
		bridge:            bridge,
		transport:         transport,
		debugLogger:       config.DebugLogger,
		errorLogger:       config.ErrorLogger,
		clock:             config.Clock,
		opContext:         config.OpContext,
		maxReadahead:      config.MaxReadahead,
		completionTimeout: config.CompletionTimeout,
		messageProvider:   config.MessageProvider,

		registry: newRequestRegistry(),
		handles:  newHandleTable(),

		outgoing:   make(chan *buffer.OutMessage, 16),
		writerDone: make(chan struct{}),

		live:                true,
		joinStatusAvailable: make(chan struct{}),
	}

	if s.debugLogger == nil {
		s.debugLogger = getLogger()
	}

	if s.errorLogger == nil {
		s.errorLogger = log.New(os.Stderr, "fusebridge: ", log.LstdFlags)
	}

	if s.clock == nil {
		s.clock = timeutil.RealClock()
	}

	if s.opContext == nil {
		s.opContext = context.Background()
	}

	if s.messageProvider == nil {
		s.messageProvider = &buffer.DefaultMessageProvider{}
	}

	return s, nil
}

// Serve reads requests from the transport and dispatches them until the
// kernel disconnects, Close is called, or the protocol is irrecoverably
// violated. All pending requests are cancelled before it returns; their
// late completions become no-ops.
//
// Serve may be called at most once.
func (s *Session) Serve() error {
	go s.writeReplies()

	err := s.readAndDispatch()
	s.tearDown()

	s.joinStatus = err
	close(s.joinStatusAvailable)

	return err
}

// Join blocks until Serve has returned, then returns its error. This is
// useful when Serve runs on a goroutine of its own.
func (s *Session) Join(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-s.joinStatusAvailable:
		return s.joinStatus
	}
}

// Close tears the session down from the host's side, unblocking Serve. It
// is safe to call concurrently with anything, more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.closeErr = s.transport.Close()
	})

	return s.closeErr
}

// PendingCount returns the number of requests currently awaiting
// completion.
func (s *Session) PendingCount() int {
	return s.registry.Size()
}

// HandleCount returns the number of currently open handles.
func (s *Session) HandleCount() int {
	return s.handles.Count()
}

func (s *Session) wasClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *Session) readAndDispatch() error {
	for {
		m := s.messageProvider.GetInMessage()

		if err := m.Init(s.transport); err != nil {
			s.messageProvider.PutInMessage(m)

			// EOF means the kernel hung up; a read error after Close is the
			// expected way to learn about the closure. Neither is a failure.
			if err == io.EOF || s.wasClosed() {
				return nil
			}

			return fmt.Errorf("reading message: %w", err)
		}

		if err := s.dispatch(m); err != nil {
			return err
		}
	}
}

// dispatch routes a single message. The returned error is non-nil only for
// conditions that invalidate the whole session.
func (s *Session) dispatch(m *buffer.InMessage) error {
	h := m.Header()

	switch h.Opcode {
	case fusekernel.OpInit:
		err := s.handleInit(m)
		s.messageProvider.PutInMessage(m)
		return err

	case fusekernel.OpInterrupt:
		s.handleInterrupt(m)
		s.messageProvider.PutInMessage(m)
		return nil

	case fusekernel.OpDestroy:
		s.debugLogger.Printf("<- Destroy")
		if f := s.bridge.destroyHandler(); f != nil {
			f()
		}

		s.writeErrorReply(h.Unique, nil)
		s.messageProvider.PutInMessage(m)
		return nil
	}

	op, err := decodeOp(m, s.protocol)
	if err != nil {
		defer s.messageProvider.PutInMessage(m)

		if _, ok := err.(*unknownOpcodeError); ok {
			s.debugLogger.Printf(
				"<- opcode %d (unique %d): unsupported, replying ENOSYS",
				h.Opcode,
				h.Unique)

			s.writeErrorReply(h.Unique, ENOSYS)
			return nil
		}

		// A message we can't parse is dropped rather than guessed at.
		s.errorLogger.Printf(
			"dropping malformed message, opcode %d: %v", h.Opcode, err)

		return nil
	}

	s.debugLogger.Printf("<- %s (unique %d)", op.Kind(), h.Unique)

	// Forget messages never receive replies; hand them to the host (if it
	// cares) and move on.
	switch typed := op.(type) {
	case *fuseops.ForgetInodeOp:
		if f := s.bridge.forgetInodeHandler(); f != nil {
			f(typed)
		}

		s.messageProvider.PutInMessage(m)
		return nil

	case *fuseops.BatchForgetOp:
		if f := s.bridge.batchForgetHandler(); f != nil {
			f(typed)
		}

		s.messageProvider.PutInMessage(m)
		return nil
	}

	handler := s.bridge.handler(op.Kind())
	if handler == nil {
		// Statfs is special: stat(1) and friends break badly if it errors, so
		// an uninterested host gets a sane default reply instead of ENOSYS.
		if _, ok := op.(*fuseops.StatFSOp); ok {
			s.writeOpReply(h.Unique, op, nil)
		} else {
			s.writeErrorReply(h.Unique, ENOSYS)
		}

		s.messageProvider.PutInMessage(m)
		return nil
	}

	// Operations naming a previously-minted handle are checked against the
	// table before the host sees them, so a confused kernel cannot hand the
	// host a handle it never issued.
	if err := s.validateHandle(op); err != nil {
		s.debugLogger.Printf(
			"<- %s (unique %d): bad handle, replying %v",
			op.Kind(),
			h.Unique,
			err)

		s.writeErrorReply(h.Unique, err)
		s.messageProvider.PutInMessage(m)
		return nil
	}

	// Mint handles before the host sees the op, so that the op the host
	// observes already describes the handle the kernel will echo back.
	switch typed := op.(type) {
	case *fuseops.OpenFileOp:
		typed.Handle = s.handles.Allocate(typed.Inode, false)

	case *fuseops.CreateFileOp:
		typed.Handle = s.handles.Allocate(fuseops.InodeID(0), false)

	case *fuseops.OpenDirOp:
		typed.Handle = s.handles.Allocate(typed.Inode, true)
	}

	req := &pendingRequest{
		unique:   h.Unique,
		op:       op,
		received: s.clock.Now(),
		inMsg:    m,
	}

	_, req.report = reqtrace.StartSpan(s.opContext, op.Kind().String())

	// The kernel never reuses a unique ID while its request is in flight, so
	// a duplicate means the stream is corrupt and nothing further can be
	// trusted.
	if err := s.registry.Register(req); err != nil {
		s.messageProvider.PutInMessage(m)
		return err
	}

	if s.completionTimeout > 0 {
		req.timer = time.AfterFunc(s.completionTimeout, func() {
			if s.cancelRequest(req, EIO) {
				s.errorLogger.Printf(
					"request %d (%s) timed out after %v; replied EIO",
					req.unique,
					req.op.Kind(),
					s.completionTimeout)
			}
		})
	}

	s.invokeHandler(handler, op, req)
	return nil
}

// invokeHandler calls the host's callback, converting a panic into an EIO
// completion so that one faulty handler does not wedge its request forever
// or take the session down.
func (s *Session) invokeHandler(
	handler handlerFunc,
	op fuseops.Op,
	req *pendingRequest) {
	defer func() {
		if r := recover(); r != nil {
			s.errorLogger.Printf(
				"handler for %s (unique %d) panicked: %v",
				op.Kind(),
				req.unique,
				r)

			s.cancelRequest(req, EIO)
		}
	}()

	handler(op, &Completion{s: s, req: req})
}

// validateHandle checks that an operation referring to an open file or
// directory names a handle this session actually minted. Data operations on
// an unknown handle get ESTALE; releasing one (as in a double release) gets
// EINVAL.
func (s *Session) validateHandle(op fuseops.Op) error {
	checkFile := func(id fuseops.HandleID) error {
		info, ok := s.handles.Lookup(id)
		if !ok || info.dir {
			return ESTALE
		}
		return nil
	}

	checkDir := func(id fuseops.HandleID) error {
		info, ok := s.handles.Lookup(id)
		if !ok || !info.dir {
			return ESTALE
		}
		return nil
	}

	switch typed := op.(type) {
	case *fuseops.ReadFileOp:
		return checkFile(typed.Handle)

	case *fuseops.WriteFileOp:
		return checkFile(typed.Handle)

	case *fuseops.FlushFileOp:
		return checkFile(typed.Handle)

	case *fuseops.SyncFileOp:
		return checkFile(typed.Handle)

	case *fuseops.ReadDirOp:
		return checkDir(typed.Handle)

	case *fuseops.SyncDirOp:
		return checkDir(typed.Handle)

	case *fuseops.ReleaseFileHandleOp:
		if _, ok := s.handles.Lookup(typed.Handle); !ok {
			return EINVAL
		}

	case *fuseops.ReleaseDirHandleOp:
		if _, ok := s.handles.Lookup(typed.Handle); !ok {
			return EINVAL
		}
	}

	return nil
}

func (s *Session) handleInit(m *buffer.InMessage) error {
	h := m.Header()

	in := (*fusekernel.InitIn)(m.Consume(uintptr(fusekernel.InitInSize)))
	if in == nil {
		return errors.New("truncated init message")
	}

	s.debugLogger.Printf(
		"<- Init: kernel protocol %d.%d, max readahead %d",
		in.Major,
		in.Minor,
		in.MaxReadahead)

	// A kernel from the future speaks our dialect if we just tell it which
	// one we have. Reply with our major version only; it will re-send init.
	if in.Major > fusekernel.ProtoVersionMajor {
		out, outMsg := s.newInitReply(h.Unique, fusekernel.Protocol{
			Major: fusekernel.ProtoVersionMajor,
			Minor: fusekernel.ProtoVersionMinor,
		})
		out.Major = fusekernel.ProtoVersionMajor
		out.Minor = fusekernel.ProtoVersionMinor
		s.enqueue(outMsg)
		return nil
	}

	// A kernel too old to speak our message layouts gets turned away.
	if in.Major < fusekernel.ProtoVersionMajor ||
		in.Minor < fusekernel.ProtoVersionMinMinor {
		s.writeErrorReply(h.Unique, EPROTO)
		return fmt.Errorf(
			"kernel protocol %d.%d is too old (minimum %d.%d)",
			in.Major,
			in.Minor,
			fusekernel.ProtoVersionMajor,
			fusekernel.ProtoVersionMinMinor)
	}

	// Settle on the lower of the two minor versions.
	minor := in.Minor
	if minor > fusekernel.ProtoVersionMinor {
		minor = fusekernel.ProtoVersionMinor
	}

	s.protocol = fusekernel.Protocol{
		Major: fusekernel.ProtoVersionMajor,
		Minor: minor,
	}

	maxReadahead := in.MaxReadahead
	if s.maxReadahead != 0 && s.maxReadahead < maxReadahead {
		maxReadahead = s.maxReadahead
	}

	out, outMsg := s.newInitReply(h.Unique, s.protocol)
	out.Major = s.protocol.Major
	out.Minor = s.protocol.Minor
	out.MaxReadahead = maxReadahead
	out.MaxWrite = buffer.MaxWriteSize
	out.Flags = in.Flags & fusekernel.InitBigWrites

	s.debugLogger.Printf(
		"-> Init: negotiated protocol %v, max write %d",
		s.protocol,
		out.MaxWrite)

	s.enqueue(outMsg)

	if f := s.bridge.initHandler(); f != nil {
		f(InitInfo{
			Major:        s.protocol.Major,
			Minor:        s.protocol.Minor,
			MaxWrite:     out.MaxWrite,
			MaxReadahead: out.MaxReadahead,
		})
	}

	return nil
}

// newInitReply allocates an outgoing message holding an InitOut sized for
// the supplied protocol, headed for the supplied request.
func (s *Session) newInitReply(
	unique uint64,
	p fusekernel.Protocol) (*fusekernel.InitOut, *buffer.OutMessage) {
	m := s.messageProvider.GetOutMessage()
	m.OutHeader().Unique = unique

	out := (*fusekernel.InitOut)(grow(m, fusekernel.InitOutSize(p)))
	return out, m
}

func (s *Session) handleInterrupt(m *buffer.InMessage) {
	in := (*fusekernel.InterruptIn)(m.Consume(
		unsafe.Sizeof(fusekernel.InterruptIn{})))
	if in == nil {
		s.errorLogger.Printf("dropping truncated interrupt message")
		return
	}

	s.debugLogger.Printf("<- Interrupt for unique %d", in.Unique)

	// Interrupt handling is best effort: if the target already finished, or
	// was never seen, there is nothing to do and no reply to send.
	req, ok := s.registry.Get(in.Unique)
	if !ok {
		return
	}

	if s.cancelRequest(req, EINTR) {
		s.debugLogger.Printf(
			"request %d (%s) interrupted; replied EINTR",
			req.unique,
			req.op.Kind())
	}
}

// cancelRequest completes a request from the bridge's side with the
// supplied errno, if the host hasn't completed it first. The host's own
// completion, when it eventually arrives, will be silently discarded.
func (s *Session) cancelRequest(req *pendingRequest, err error) bool {
	if !req.completeByBridge() {
		return false
	}

	req.stopTimer()
	s.registry.Forget(req.unique)
	s.releaseMintedHandle(req.op)
	req.report(err)

	s.writeErrorReply(req.unique, err)
	return true
}

// releaseMintedHandle retires the handle the bridge minted for an open
// operation whose success reply will now never be sent.
func (s *Session) releaseMintedHandle(op fuseops.Op) {
	switch typed := op.(type) {
	case *fuseops.OpenFileOp:
		s.handles.Release(typed.Handle)

	case *fuseops.CreateFileOp:
		s.handles.Release(typed.Handle)

	case *fuseops.OpenDirOp:
		s.handles.Release(typed.Handle)
	}
}

// completeRequest chooses the reply for a request on behalf of the host.
// opErr nil means success.
func (s *Session) completeRequest(req *pendingRequest, opErr error) {
	if !req.completeByHost() {
		// The bridge got there first, by interrupt, deadline, or teardown.
		s.debugLogger.Printf(
			"dropping late completion for request %d (%s)",
			req.unique,
			req.op.Kind())

		s.messageProvider.PutInMessage(req.inMsg)
		return
	}

	req.stopTimer()
	s.registry.Forget(req.unique)
	req.report(opErr)

	if opErr != nil {
		s.debugLogger.Printf(
			"-> %s (unique %d) error after %v: %v",
			req.op.Kind(),
			req.unique,
			s.clock.Now().Sub(req.received),
			opErr)

		s.releaseMintedHandle(req.op)
		s.writeErrorReply(req.unique, opErr)
	} else {
		s.debugLogger.Printf(
			"-> %s (unique %d) OK after %v",
			req.op.Kind(),
			req.unique,
			s.clock.Now().Sub(req.received))

		// A successful release retires the handle it names.
		switch typed := req.op.(type) {
		case *fuseops.ReleaseFileHandleOp:
			s.handles.Release(typed.Handle)

		case *fuseops.ReleaseDirHandleOp:
			s.handles.Release(typed.Handle)
		}

		s.writeOpReply(req.unique, req.op, nil)
	}

	s.messageProvider.PutInMessage(req.inMsg)
}

// writeOpReply encodes and enqueues a success reply for the supplied op.
func (s *Session) writeOpReply(unique uint64, op fuseops.Op, _ error) {
	m := s.messageProvider.GetOutMessage()
	m.OutHeader().Unique = unique

	encodeReply(m, op, s.protocol, s.clock)
	s.enqueue(m)
}

// writeErrorReply enqueues a payload-free reply. err nil means success (an
// empty OK reply); otherwise the reply carries the negated errno.
func (s *Session) writeErrorReply(unique uint64, err error) {
	m := s.messageProvider.GetOutMessage()
	m.OutHeader().Unique = unique
	m.OutHeader().Error = -errno(err)

	s.enqueue(m)
}

// enqueue hands a finished reply to the writer goroutine, unless teardown
// has begun, in which case the reply is dropped.
func (s *Session) enqueue(m *buffer.OutMessage) {
	m.OutHeader().Len = uint32(m.Len())

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live {
		s.messageProvider.PutOutMessage(m)
		return
	}

	s.outgoing <- m
}

// writeReplies runs on a dedicated goroutine, serializing all writes to the
// transport. It exits when the outgoing channel is closed at teardown.
func (s *Session) writeReplies() {
	defer close(s.writerDone)

	for m := range s.outgoing {
		if _, err := s.transport.Write(m.Bytes()); err != nil {
			// The kernel may legitimately be gone by now. This is worth a log
			// line but not a session failure beyond the one already underway.
			s.debugLogger.Printf("writing reply: %v", err)
		}

		s.messageProvider.PutOutMessage(m)
	}
}

// tearDown fails every pending request with EINTR, drains the writer, and
// releases the session's resources. Completions arriving after this are
// silently discarded.
func (s *Session) tearDown() {
	// Cancel while still live, so the EINTR replies get a best-effort trip
	// through the writer.
	for _, req := range s.registry.TakeAll() {
		if req.completeByBridge() {
			req.stopTimer()
			s.releaseMintedHandle(req.op)
			req.report(EINTR)
			s.writeErrorReply(req.unique, EINTR)
		}
	}

	s.mu.Lock()
	s.live = false
	s.mu.Unlock()

	close(s.outgoing)
	<-s.writerDone

	s.handles.Clear()
	s.transport.Close()
}

// A Completion is the host's side of one in-flight operation. Exactly one
// of Succeed or Fail must eventually be called, from any goroutine.
// Completing twice panics; completing an operation the bridge has already
// cancelled is a harmless no-op.
type Completion struct {
	s   *Session
	req *pendingRequest
}

// Op returns the operation this completion belongs to.
func (c *Completion) Op() fuseops.Op {
	return c.req.op
}

// Succeed replies to the kernel with the operation's reply fields as the
// host has filled them in. The host must not touch the op afterward.
func (c *Completion) Succeed() {
	c.s.completeRequest(c.req, nil)
}

// Fail replies to the kernel with an error. Errors that are not errnos are
// reported as EIO. A nil err is a host bug and panics.
func (c *Completion) Fail(err error) {
	if err == nil {
		panic("Completion.Fail called with nil error")
	}

	c.s.completeRequest(c.req, err)
}
