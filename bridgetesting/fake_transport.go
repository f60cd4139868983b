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

// Package bridgetesting provides an in-memory stand-in for the kernel side
// of a session, for use in tests. A FakeTransport lets a test script the
// requests a session reads and observe the replies it writes, without a
// real mount.
package bridgetesting

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
	"unsafe"

	"github.com/hostfs/fusebridge/internal/fusekernel"
)

// A Reply is a single message written by the session, split into its header
// fields and payload.
type Reply struct {
	Unique uint64

	// The errno carried by the reply, negated back to its positive form.
	// Zero means success.
	Error int32

	// The bytes following the header, copied out of the session's buffer.
	Payload []byte
}

// FakeTransport implements the session's transport interface with in-memory
// queues. Requests pushed with the Send methods are handed to the session's
// reader one per call; replies the session writes come back out through
// NextReply.
type FakeTransport struct {
	incoming chan []byte
	replies  chan Reply

	closeOnce sync.Once
	closed    chan struct{}
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		incoming: make(chan []byte, 64),
		replies:  make(chan Reply, 64),
		closed:   make(chan struct{}),
	}
}

func (t *FakeTransport) Read(p []byte) (int, error) {
	select {
	case msg := <-t.incoming:
		if len(msg) > len(p) {
			return 0, errors.New("FakeTransport: message larger than read buffer")
		}

		return copy(p, msg), nil

	case <-t.closed:
		// The same thing the kernel device yields once the connection is
		// gone.
		return 0, io.EOF
	}
}

func (t *FakeTransport) Write(p []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, errors.New("FakeTransport: write on closed transport")
	default:
	}

	if len(p) < fusekernel.OutHeaderSize {
		return 0, fmt.Errorf("FakeTransport: short reply of %d bytes", len(p))
	}

	h := (*fusekernel.OutHeader)(unsafe.Pointer(&p[0]))
	if int(h.Len) != len(p) {
		return 0, fmt.Errorf(
			"FakeTransport: header says %d bytes, wrote %d", h.Len, len(p))
	}

	payload := make([]byte, len(p)-fusekernel.OutHeaderSize)
	copy(payload, p[fusekernel.OutHeaderSize:])

	t.replies <- Reply{
		Unique:  h.Unique,
		Error:   -h.Error,
		Payload: payload,
	}

	return len(p), nil
}

func (t *FakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// NextReply returns the next reply written by the session, waiting up to
// five seconds for one to arrive.
func (t *FakeTransport) NextReply() (Reply, error) {
	select {
	case r := <-t.replies:
		return r, nil

	case <-time.After(5 * time.Second):
		return Reply{}, errors.New("FakeTransport: timed out awaiting a reply")
	}
}

// ReplyCount returns the number of replies written but not yet taken with
// NextReply.
func (t *FakeTransport) ReplyCount() int {
	return len(t.replies)
}

////////////////////////////////////////////////////////////////////////
// Request builders
////////////////////////////////////////////////////////////////////////

func structBytes(p unsafe.Pointer, size uintptr) []byte {
	return (*[1 << 20]byte)(p)[:size:size]
}

// Send frames and queues a single request built from the supplied header
// fields and payload segments.
func (t *FakeTransport) Send(
	unique uint64,
	opcode uint32,
	nodeid uint64,
	segments ...[]byte) {
	n := fusekernel.InHeaderSize
	for _, seg := range segments {
		n += len(seg)
	}

	msg := make([]byte, n)
	h := (*fusekernel.InHeader)(unsafe.Pointer(&msg[0]))
	h.Len = uint32(n)
	h.Opcode = opcode
	h.Unique = unique
	h.Nodeid = nodeid
	h.Uid = 500
	h.Gid = 500
	h.Pid = 42

	p := msg[fusekernel.InHeaderSize:]
	for _, seg := range segments {
		p = p[copy(p, seg):]
	}

	t.incoming <- msg
}

func (t *FakeTransport) SendInit(
	unique uint64,
	major uint32,
	minor uint32,
	maxReadahead uint32) {
	in := fusekernel.InitIn{
		Major:        major,
		Minor:        minor,
		MaxReadahead: maxReadahead,
		Flags:        fusekernel.InitBigWrites,
	}

	t.Send(unique, fusekernel.OpInit, 0,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendLookUp(unique uint64, parent uint64, name string) {
	t.Send(unique, fusekernel.OpLookup, parent, append([]byte(name), 0))
}

func (t *FakeTransport) SendGetattr(unique uint64, inode uint64) {
	in := fusekernel.GetattrIn{}
	t.Send(unique, fusekernel.OpGetattr, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendMkDir(
	unique uint64,
	parent uint64,
	name string,
	mode uint32) {
	in := fusekernel.MkdirIn{Mode: mode}
	t.Send(unique, fusekernel.OpMkdir, parent,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		append([]byte(name), 0))
}

func (t *FakeTransport) SendUnlink(unique uint64, parent uint64, name string) {
	t.Send(unique, fusekernel.OpUnlink, parent, append([]byte(name), 0))
}

func (t *FakeTransport) SendRename(
	unique uint64,
	oldParent uint64,
	oldName string,
	newParent uint64,
	newName string) {
	in := fusekernel.RenameIn{Newdir: newParent}
	t.Send(unique, fusekernel.OpRename, oldParent,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		append([]byte(oldName), 0),
		append([]byte(newName), 0))
}

func (t *FakeTransport) SendOpen(unique uint64, inode uint64, flags uint32) {
	in := fusekernel.OpenIn{Flags: flags}
	t.Send(unique, fusekernel.OpOpen, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendOpenDir(unique uint64, inode uint64) {
	in := fusekernel.OpenIn{}
	t.Send(unique, fusekernel.OpOpendir, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendCreate(
	unique uint64,
	parent uint64,
	name string,
	mode uint32,
	flags uint32) {
	in := fusekernel.CreateIn{Flags: flags, Mode: mode}
	t.Send(unique, fusekernel.OpCreate, parent,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		append([]byte(name), 0))
}

func (t *FakeTransport) SendRead(
	unique uint64,
	inode uint64,
	handle uint64,
	offset uint64,
	size uint32) {
	in := fusekernel.ReadIn{Fh: handle, Offset: offset, Size: size}
	t.Send(unique, fusekernel.OpRead, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendReadDir(
	unique uint64,
	inode uint64,
	handle uint64,
	offset uint64,
	size uint32) {
	in := fusekernel.ReadIn{Fh: handle, Offset: offset, Size: size}
	t.Send(unique, fusekernel.OpReaddir, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendWrite(
	unique uint64,
	inode uint64,
	handle uint64,
	offset uint64,
	data []byte) {
	in := fusekernel.WriteIn{
		Fh:     handle,
		Offset: offset,
		Size:   uint32(len(data)),
	}

	t.Send(unique, fusekernel.OpWrite, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		data)
}

func (t *FakeTransport) SendFlush(
	unique uint64,
	inode uint64,
	handle uint64) {
	in := fusekernel.FlushIn{Fh: handle}
	t.Send(unique, fusekernel.OpFlush, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendRelease(
	unique uint64,
	inode uint64,
	handle uint64) {
	in := fusekernel.ReleaseIn{Fh: handle}
	t.Send(unique, fusekernel.OpRelease, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendReleaseDir(
	unique uint64,
	inode uint64,
	handle uint64) {
	in := fusekernel.ReleaseIn{Fh: handle}
	t.Send(unique, fusekernel.OpReleasedir, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendStatfs(unique uint64) {
	t.Send(unique, fusekernel.OpStatfs, 1)
}

func (t *FakeTransport) SendGetXattr(
	unique uint64,
	inode uint64,
	name string,
	size uint32) {
	in := fusekernel.GetxattrIn{Size: size}
	t.Send(unique, fusekernel.OpGetxattr, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		append([]byte(name), 0))
}

func (t *FakeTransport) SendListXattr(
	unique uint64,
	inode uint64,
	size uint32) {
	in := fusekernel.GetxattrIn{Size: size}
	t.Send(unique, fusekernel.OpListxattr, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendForget(unique uint64, inode uint64, n uint64) {
	in := fusekernel.ForgetIn{Nlookup: n}
	t.Send(unique, fusekernel.OpForget, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendBatchForget(
	unique uint64,
	entries map[uint64]uint64) {
	in := fusekernel.BatchForgetIn{Count: uint32(len(entries))}
	segments := [][]byte{
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
	}

	ones := make([]fusekernel.ForgetOne, 0, len(entries))
	for inode, n := range entries {
		ones = append(ones, fusekernel.ForgetOne{Nodeid: inode, Nlookup: n})
	}
	for i := range ones {
		segments = append(segments,
			structBytes(unsafe.Pointer(&ones[i]), unsafe.Sizeof(ones[i])))
	}

	t.Send(unique, fusekernel.OpBatchForget, 0, segments...)
}

func (t *FakeTransport) SendInterrupt(unique uint64, target uint64) {
	in := fusekernel.InterruptIn{Unique: target}
	t.Send(unique, fusekernel.OpInterrupt, 0,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}

func (t *FakeTransport) SendDestroy(unique uint64) {
	t.Send(unique, fusekernel.OpDestroy, 0)
}

func (t *FakeTransport) SendFallocate(
	unique uint64,
	inode uint64,
	handle uint64,
	offset uint64,
	length uint64,
	mode uint32) {
	in := fusekernel.FallocateIn{
		Fh:     handle,
		Offset: offset,
		Length: length,
		Mode:   mode,
	}

	t.Send(unique, fusekernel.OpFallocate, inode,
		structBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))
}
