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
	"io/ioutil"
	"log"
	"syscall"
	"time"
	"unsafe"

	"github.com/hostfs/fusebridge/bridgetesting"
	"github.com/hostfs/fusebridge/fuseops"
	"github.com/hostfs/fusebridge/fuseutil"
	"github.com/hostfs/fusebridge/internal/buffer"
	"github.com/hostfs/fusebridge/internal/fusekernel"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// fromPayload copies reply payload bytes over the struct at dst, which has
// the supplied size. Short payloads fill a prefix of the struct.
func fromPayload(p []byte, dst unsafe.Pointer, size uintptr) {
	if uintptr(len(p)) < size {
		size = uintptr(len(p))
	}

	copy((*[1 << 20]byte)(dst)[:size], p)
}

func quietLogger() *log.Logger {
	return log.New(ioutil.Discard, "", 0)
}

type SessionTest struct {
	clock     timeutil.SimulatedClock
	transport *bridgetesting.FakeTransport
	bridge    *Bridge
	session   *Session

	// The reply to the handshake performed during SetUp.
	initReply bridgetesting.Reply
}

func init() { RegisterTestSuite(&SessionTest{}) }

func (t *SessionTest) SetUp(ti *TestInfo) {
	t.clock.SetTime(time.Date(2012, time.August, 15, 22, 56, 0, 0, time.Local))

	t.transport = bridgetesting.NewFakeTransport()
	t.bridge = NewBridge()

	var err error
	t.session, err = NewSession(t.bridge, t.transport, SessionConfig{
		Clock:       &t.clock,
		DebugLogger: quietLogger(),
		ErrorLogger: quietLogger(),
	})

	AssertEq(nil, err)

	go t.session.Serve()

	t.transport.SendInit(
		1,
		fusekernel.ProtoVersionMajor,
		fusekernel.ProtoVersionMinor,
		65536)

	t.initReply, err = t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, t.initReply.Error)
}

func (t *SessionTest) TearDown() {
	t.session.Close()
	t.session.Join(context.Background())
}

// openHandle registers a pass-through open callback and opens the supplied
// inode, returning the handle the bridge minted.
func (t *SessionTest) openHandle(unique uint64, inode uint64) uint64 {
	t.bridge.OnOpenFile(func(op *fuseops.OpenFileOp, c *Completion) {
		c.Succeed()
	})

	t.transport.SendOpen(unique, inode, uint32(syscall.O_RDONLY))

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	var out fusekernel.OpenOut
	fromPayload(reply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))
	return out.Fh
}

////////////////////////////////////////////////////////////////////////
// Handshake
////////////////////////////////////////////////////////////////////////

func (t *SessionTest) InitHandshake() {
	ExpectEq(1, t.initReply.Unique)

	var out fusekernel.InitOut
	fromPayload(t.initReply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))

	ExpectEq(fusekernel.ProtoVersionMajor, out.Major)
	ExpectEq(fusekernel.ProtoVersionMinor, out.Minor)
	ExpectEq(buffer.MaxWriteSize, out.MaxWrite)
	ExpectEq(65536, out.MaxReadahead)
	ExpectEq(fusekernel.InitBigWrites, out.Flags&fusekernel.InitBigWrites)
}

func (t *SessionTest) InitClampsToTheKernelsMinorVersion() {
	ft := bridgetesting.NewFakeTransport()
	s, err := NewSession(NewBridge(), ft, SessionConfig{
		DebugLogger: quietLogger(),
		ErrorLogger: quietLogger(),
	})
	AssertEq(nil, err)

	go s.Serve()
	defer func() {
		s.Close()
		s.Join(context.Background())
	}()

	ft.SendInit(1, fusekernel.ProtoVersionMajor, 19, 0)

	reply, err := ft.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	var out fusekernel.InitOut
	fromPayload(reply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))

	ExpectEq(19, out.Minor)
}

func (t *SessionTest) InitRejectsAncientKernels() {
	ft := bridgetesting.NewFakeTransport()
	s, err := NewSession(NewBridge(), ft, SessionConfig{
		DebugLogger: quietLogger(),
		ErrorLogger: quietLogger(),
	})
	AssertEq(nil, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	ft.SendInit(1, fusekernel.ProtoVersionMajor, 8, 0)

	reply, err := ft.NextReply()
	AssertEq(nil, err)
	ExpectEq(int32(EPROTO), reply.Error)

	err = <-serveErr
	AssertNe(nil, err)
	ExpectThat(err.Error(), HasSubstr("too old"))
}

////////////////////////////////////////////////////////////////////////
// Dispatch defaults
////////////////////////////////////////////////////////////////////////

func (t *SessionTest) UnregisteredOperationGetsENOSYS() {
	t.transport.SendLookUp(2, 1, "taco")

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)

	ExpectEq(2, reply.Unique)
	ExpectEq(int32(ENOSYS), reply.Error)
	ExpectEq(0, len(reply.Payload))
}

func (t *SessionTest) UnknownOpcodeGetsENOSYS() {
	t.transport.Send(2, fusekernel.OpRename2, 1)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)

	ExpectEq(2, reply.Unique)
	ExpectEq(int32(ENOSYS), reply.Error)
}

func (t *SessionTest) UnregisteredStatfsGetsDefaults() {
	t.transport.SendStatfs(2)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	var out fusekernel.StatfsOut
	fromPayload(reply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))

	ExpectEq(4096, out.St.Bsize)
	ExpectEq(4096, out.St.Frsize)
	ExpectEq(0, out.St.Blocks)
}

func (t *SessionTest) MalformedMessageIsDropped() {
	// A lookup whose name is missing its terminating NUL.
	t.transport.Send(2, fusekernel.OpLookup, 1, []byte("no-nul-here"))

	// The session should survive and serve the next request.
	t.transport.SendStatfs(3)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(3, reply.Unique)
	ExpectEq(0, t.transport.ReplyCount())
}

////////////////////////////////////////////////////////////////////////
// Replies
////////////////////////////////////////////////////////////////////////

func (t *SessionTest) LookUpInodeReply() {
	mtime := time.Date(2012, time.August, 1, 0, 0, 0, 0, time.UTC)

	t.bridge.OnLookUpInode(func(op *fuseops.LookUpInodeOp, c *Completion) {
		op.Entry = fuseops.ChildInodeEntry{
			Child:      17,
			Generation: 5,
			Attributes: fuseops.InodeAttributes{
				Size:  4096,
				Nlink: 1,
				Mode:  0644,
				Mtime: mtime,
				Uid:   500,
				Gid:   500,
			},
			AttributesExpiration: t.clock.Now().Add(time.Second),
			EntryExpiration:      t.clock.Now().Add(2 * time.Second),
		}

		c.Succeed()
	})

	t.transport.SendLookUp(2, 1, "taco")

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)
	AssertEq(unsafe.Sizeof(fusekernel.EntryOut{}), len(reply.Payload))

	var out fusekernel.EntryOut
	fromPayload(reply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))

	ExpectEq(17, out.Nodeid)
	ExpectEq(5, out.Generation)
	ExpectEq(1, out.AttrValid)
	ExpectEq(0, out.AttrValidNsec)
	ExpectEq(2, out.EntryValid)

	ExpectEq(17, out.Attr.Ino)
	ExpectEq(4096, out.Attr.Size)
	ExpectEq(1, out.Attr.Nlink)
	ExpectEq(syscall.S_IFREG|0644, out.Attr.Mode)
	ExpectEq(uint64(mtime.Unix()), out.Attr.Mtime)
	ExpectEq(500, out.Attr.Uid)
	ExpectEq(500, out.Attr.Gid)
}

func (t *SessionTest) HandlerFailureBecomesErrno() {
	t.bridge.OnUnlink(func(op *fuseops.UnlinkOp, c *Completion) {
		c.Fail(ENOENT)
	})

	t.transport.SendUnlink(2, 1, "taco")

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)

	ExpectEq(int32(ENOENT), reply.Error)
	ExpectEq(0, len(reply.Payload))
}

func (t *SessionTest) NonErrnoFailureBecomesEIO() {
	t.bridge.OnUnlink(func(op *fuseops.UnlinkOp, c *Completion) {
		c.Fail(errors.New("everything is broken"))
	})

	t.transport.SendUnlink(2, 1, "taco")

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)

	ExpectEq(int32(EIO), reply.Error)
}

func (t *SessionTest) WriteFileReply() {
	fh := t.openHandle(90, 17)

	contents := make(chan []byte, 1)

	t.bridge.OnWriteFile(func(op *fuseops.WriteFileOp, c *Completion) {
		data := make([]byte, len(op.Data))
		copy(data, op.Data)
		contents <- data

		c.Succeed()
	})

	t.transport.SendWrite(2, 17, fh, 512, []byte("burrito"))

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	ExpectEq("burrito", string(<-contents))

	var out fusekernel.WriteOut
	fromPayload(reply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))
	ExpectEq(len("burrito"), out.Size)
}

func (t *SessionTest) GetXattrSizeProbe() {
	t.bridge.OnGetXattr(func(op *fuseops.GetXattrOp, c *Completion) {
		op.Data = []byte("hello")
		c.Succeed()
	})

	// A zero-capacity request asks only for the size.
	t.transport.SendGetXattr(2, 17, "user.greeting", 0)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	var out fusekernel.GetxattrOut
	fromPayload(reply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))
	ExpectEq(5, out.Size)

	// With capacity, the value itself comes back.
	t.transport.SendGetXattr(3, 17, "user.greeting", 64)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)
	ExpectEq("hello", string(reply.Payload))
}

func (t *SessionTest) ReadDirUsesWireDirentFormat() {
	expected := fuseutil.AppendDirent(nil, fuseutil.Dirent{
		Offset: 1,
		Inode:  17,
		Name:   "hello",
		Type:   fuseutil.DT_File,
	})

	t.bridge.OnOpenDir(func(op *fuseops.OpenDirOp, c *Completion) {
		c.Succeed()
	})

	t.bridge.OnReadDir(func(op *fuseops.ReadDirOp, c *Completion) {
		op.Data = fuseutil.AppendDirent(nil, fuseutil.Dirent{
			Offset: 1,
			Inode:  17,
			Name:   "hello",
			Type:   fuseutil.DT_File,
		})

		c.Succeed()
	})

	t.transport.SendOpenDir(2, 1)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	var open fusekernel.OpenOut
	fromPayload(reply.Payload, unsafe.Pointer(&open), unsafe.Sizeof(open))

	t.transport.SendReadDir(3, 1, open.Fh, 0, 4096)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)
	ExpectThat(reply.Payload, DeepEquals(expected))
}

////////////////////////////////////////////////////////////////////////
// Handles
////////////////////////////////////////////////////////////////////////

func (t *SessionTest) OpenReadReleaseLifecycle() {
	seen := make(chan fuseops.HandleID, 2)

	t.bridge.OnOpenFile(func(op *fuseops.OpenFileOp, c *Completion) {
		seen <- op.Handle
		c.Succeed()
	})

	t.bridge.OnReadFile(func(op *fuseops.ReadFileOp, c *Completion) {
		seen <- op.Handle
		op.Data = []byte("taco")
		c.Succeed()
	})

	t.bridge.OnReleaseFileHandle(
		func(op *fuseops.ReleaseFileHandleOp, c *Completion) {
			c.Succeed()
		})

	// Open: the bridge mints the handle before the host sees the op, and the
	// reply carries the same one.
	t.transport.SendOpen(2, 17, uint32(syscall.O_RDONLY))

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	var out fusekernel.OpenOut
	fromPayload(reply.Payload, unsafe.Pointer(&out), unsafe.Sizeof(out))

	minted := <-seen
	ExpectEq(uint64(minted), out.Fh)
	ExpectEq(1, t.session.HandleCount())

	// Read: the kernel echoes the handle; the host sees the same ID.
	t.transport.SendRead(3, 17, out.Fh, 0, 4096)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)
	ExpectEq("taco", string(reply.Payload))
	ExpectEq(minted, <-seen)

	// Release retires the handle.
	t.transport.SendRelease(4, 17, out.Fh)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)
	ExpectEq(0, t.session.HandleCount())
}

func (t *SessionTest) UnknownHandleGetsESTALE() {
	t.bridge.OnReadFile(func(op *fuseops.ReadFileOp, c *Completion) {
		panic("should not be reached")
	})

	t.transport.SendRead(2, 17, 999, 0, 4096)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(2, reply.Unique)
	ExpectEq(int32(ESTALE), reply.Error)

	// The session survives.
	t.transport.SendStatfs(3)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(3, reply.Unique)
}

func (t *SessionTest) DoubleReleaseGetsEINVAL() {
	fh := t.openHandle(90, 17)

	t.bridge.OnReleaseFileHandle(
		func(op *fuseops.ReleaseFileHandleOp, c *Completion) {
			c.Succeed()
		})

	t.transport.SendRelease(2, 17, fh)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)
	AssertEq(0, t.session.HandleCount())

	t.transport.SendRelease(3, 17, fh)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(int32(EINVAL), reply.Error)
}

func (t *SessionTest) PanickingHandlerGetsEIO() {
	t.bridge.OnUnlink(func(op *fuseops.UnlinkOp, c *Completion) {
		panic("carnitas")
	})

	t.transport.SendUnlink(2, 1, "taco")

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(2, reply.Unique)
	ExpectEq(int32(EIO), reply.Error)

	// One bad handler must not take the session down.
	t.transport.SendStatfs(3)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(3, reply.Unique)
}

func (t *SessionTest) FailedOpenRetiresTheMintedHandle() {
	t.bridge.OnOpenFile(func(op *fuseops.OpenFileOp, c *Completion) {
		c.Fail(ENOENT)
	})

	t.transport.SendOpen(2, 17, uint32(syscall.O_RDONLY))

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(int32(ENOENT), reply.Error)
	ExpectEq(0, t.session.HandleCount())
}

func (t *SessionTest) CreateFileReply() {
	t.bridge.OnCreateFile(func(op *fuseops.CreateFileOp, c *Completion) {
		op.Entry.Child = 19
		op.Entry.Attributes.Mode = 0644
		op.Entry.Attributes.Nlink = 1
		c.Succeed()
	})

	t.transport.SendCreate(2, 1, "taco", 0644, uint32(syscall.O_RDWR))

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	entrySize := unsafe.Sizeof(fusekernel.EntryOut{})
	AssertEq(
		entrySize+unsafe.Sizeof(fusekernel.OpenOut{}),
		len(reply.Payload))

	var entry fusekernel.EntryOut
	fromPayload(reply.Payload, unsafe.Pointer(&entry), entrySize)
	ExpectEq(19, entry.Nodeid)

	var open fusekernel.OpenOut
	fromPayload(
		reply.Payload[entrySize:], unsafe.Pointer(&open), unsafe.Sizeof(open))

	ExpectEq(1, t.session.HandleCount())

	// The minted handle should be live in the session's table.
	t.bridge.OnReleaseFileHandle(
		func(op *fuseops.ReleaseFileHandleOp, c *Completion) {
			c.Succeed()
		})

	t.transport.SendRelease(3, 19, open.Fh)

	reply, err = t.transport.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)
	ExpectEq(0, t.session.HandleCount())
}

////////////////////////////////////////////////////////////////////////
// Cancellation
////////////////////////////////////////////////////////////////////////

func (t *SessionTest) InterruptCancelsPendingRequest() {
	fh := t.openHandle(90, 17)

	comps := make(chan *Completion, 1)

	t.bridge.OnReadFile(func(op *fuseops.ReadFileOp, c *Completion) {
		comps <- c
	})

	t.transport.SendRead(2, 17, fh, 0, 4096)
	c := <-comps

	t.transport.SendInterrupt(3, 2)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(2, reply.Unique)
	ExpectEq(int32(EINTR), reply.Error)
	ExpectEq(0, t.session.PendingCount())

	// The host's completion lost the race; it must be silently dropped.
	c.Succeed()
	time.Sleep(10 * time.Millisecond)
	ExpectEq(0, t.transport.ReplyCount())
}

func (t *SessionTest) InterruptForUnknownRequestIsIgnored() {
	t.transport.SendInterrupt(2, 999)

	// The session stays healthy, and no reply is sent for the interrupt.
	t.transport.SendStatfs(3)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(3, reply.Unique)
	ExpectEq(0, t.transport.ReplyCount())
}

func (t *SessionTest) CompletionDeadlineFailsTheRequest() {
	ft := bridgetesting.NewFakeTransport()
	bridge := NewBridge()

	bridge.OnOpenFile(func(op *fuseops.OpenFileOp, c *Completion) {
		c.Succeed()
	})

	comps := make(chan *Completion, 1)
	bridge.OnReadFile(func(op *fuseops.ReadFileOp, c *Completion) {
		comps <- c
	})

	s, err := NewSession(bridge, ft, SessionConfig{
		CompletionTimeout: 25 * time.Millisecond,
		DebugLogger:       quietLogger(),
		ErrorLogger:       quietLogger(),
	})
	AssertEq(nil, err)

	go s.Serve()
	defer func() {
		s.Close()
		s.Join(context.Background())
	}()

	ft.SendInit(
		1,
		fusekernel.ProtoVersionMajor,
		fusekernel.ProtoVersionMinor,
		0)

	_, err = ft.NextReply()
	AssertEq(nil, err)

	ft.SendOpen(2, 17, uint32(syscall.O_RDONLY))

	reply, err := ft.NextReply()
	AssertEq(nil, err)
	AssertEq(0, reply.Error)

	var open fusekernel.OpenOut
	fromPayload(reply.Payload, unsafe.Pointer(&open), unsafe.Sizeof(open))

	ft.SendRead(3, 17, open.Fh, 0, 4096)
	c := <-comps

	// The watchdog should give up on the host and reply EIO.
	reply, err = ft.NextReply()
	AssertEq(nil, err)
	ExpectEq(3, reply.Unique)
	ExpectEq(int32(EIO), reply.Error)

	// The host's eventual completion is void.
	c.Succeed()
	time.Sleep(10 * time.Millisecond)
	ExpectEq(0, ft.ReplyCount())
}

func (t *SessionTest) TeardownCancelsEverythingPending() {
	fh := t.openHandle(90, 17)

	comps := make(chan *Completion, 2)

	t.bridge.OnReadFile(func(op *fuseops.ReadFileOp, c *Completion) {
		comps <- c
	})

	t.transport.SendRead(2, 17, fh, 0, 4096)
	t.transport.SendRead(3, 17, fh, 4096, 4096)

	c0 := <-comps
	c1 := <-comps
	AssertEq(2, t.session.PendingCount())

	AssertEq(nil, t.session.Close())
	AssertEq(nil, t.session.Join(context.Background()))

	ExpectEq(0, t.session.PendingCount())
	ExpectEq(0, t.session.HandleCount())

	// Late completions after teardown must be harmless no-ops.
	c0.Succeed()
	c1.Fail(ENOENT)
}

func (t *SessionTest) DuplicateRequestIDKillsTheSession() {
	fh := t.openHandle(90, 17)

	comps := make(chan *Completion, 1)

	t.bridge.OnReadFile(func(op *fuseops.ReadFileOp, c *Completion) {
		comps <- c
	})

	t.transport.SendRead(2, 17, fh, 0, 4096)
	<-comps

	// Reusing an in-flight ID means we can no longer trust the stream.
	t.transport.SendRead(2, 17, fh, 4096, 4096)

	err := t.session.Join(context.Background())
	AssertNe(nil, err)
	ExpectThat(err.Error(), HasSubstr("duplicate"))
}

func (t *SessionTest) CompletionsFromManyGoroutines() {
	const numReads = 8

	fh := t.openHandle(90, 17)

	comps := make(chan *Completion, numReads)
	t.bridge.OnReadFile(func(op *fuseops.ReadFileOp, c *Completion) {
		op.Data = []byte{byte(op.Offset)}
		comps <- c
	})

	for i := 0; i < numReads; i++ {
		t.transport.SendRead(uint64(2+i), 17, fh, uint64(i), 4096)
	}

	pending := make([]*Completion, numReads)
	for i := 0; i < numReads; i++ {
		pending[i] = <-comps
	}

	// Complete out of order, off the dispatch goroutine.
	go func() {
		for i := numReads - 1; i >= 0; i-- {
			pending[i].Succeed()
		}
	}()

	// Each reply should carry the payload chosen for its unique ID,
	// whatever order they arrive in.
	for i := 0; i < numReads; i++ {
		reply, err := t.transport.NextReply()
		AssertEq(nil, err)
		AssertEq(0, reply.Error)

		AssertEq(1, len(reply.Payload))
		ExpectEq(byte(reply.Unique-2), reply.Payload[0])
	}

	ExpectEq(0, t.session.PendingCount())
}

////////////////////////////////////////////////////////////////////////
// Notifications
////////////////////////////////////////////////////////////////////////

func (t *SessionTest) DestroyNotifiesTheHost() {
	destroyed := make(chan struct{}, 1)
	t.bridge.OnDestroy(func() { destroyed <- struct{}{} })

	t.transport.SendDestroy(2)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(2, reply.Unique)
	ExpectEq(0, reply.Error)

	<-destroyed
}

func (t *SessionTest) ForgetIsDeliveredWithoutReply() {
	forgets := make(chan *fuseops.ForgetInodeOp, 1)
	t.bridge.OnForgetInode(func(op *fuseops.ForgetInodeOp) {
		forgets <- op
	})

	t.transport.SendForget(2, 17, 3)

	op := <-forgets
	ExpectEq(17, op.Inode)
	ExpectEq(3, op.N)

	// No reply for forget; the next request is served normally.
	t.transport.SendStatfs(3)

	reply, err := t.transport.NextReply()
	AssertEq(nil, err)
	ExpectEq(3, reply.Unique)
	ExpectEq(0, t.transport.ReplyCount())
}

func (t *SessionTest) BatchForgetIsDelivered() {
	forgets := make(chan *fuseops.BatchForgetOp, 1)
	t.bridge.OnBatchForget(func(op *fuseops.BatchForgetOp) {
		forgets <- op
	})

	t.transport.SendBatchForget(2, map[uint64]uint64{17: 3, 19: 1})

	op := <-forgets
	AssertEq(2, len(op.Entries))

	counts := make(map[fuseops.InodeID]uint64)
	for _, e := range op.Entries {
		counts[e.Inode] = e.N
	}

	ExpectEq(3, counts[17])
	ExpectEq(1, counts[19])
}

func (t *SessionTest) InitNotificationSeesNegotiatedLimits() {
	ft := bridgetesting.NewFakeTransport()
	bridge := NewBridge()

	infos := make(chan InitInfo, 1)
	bridge.OnInit(func(info InitInfo) { infos <- info })

	s, err := NewSession(bridge, ft, SessionConfig{
		MaxReadahead: 32768,
		DebugLogger:  quietLogger(),
		ErrorLogger:  quietLogger(),
	})
	AssertEq(nil, err)

	go s.Serve()
	defer func() {
		s.Close()
		s.Join(context.Background())
	}()

	ft.SendInit(1, fusekernel.ProtoVersionMajor, 26, 65536)

	_, err = ft.NextReply()
	AssertEq(nil, err)

	info := <-infos
	ExpectEq(fusekernel.ProtoVersionMajor, info.Major)
	ExpectEq(26, info.Minor)
	ExpectEq(buffer.MaxWriteSize, info.MaxWrite)
	ExpectEq(32768, info.MaxReadahead)
}
