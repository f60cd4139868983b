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
	"os"
	"time"
	"unsafe"

	"github.com/hostfs/fusebridge/bridgetesting"
	"github.com/hostfs/fusebridge/fuseops"
	"github.com/hostfs/fusebridge/internal/buffer"
	"github.com/hostfs/fusebridge/internal/fusekernel"
	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/kylelemons/godebug/pretty"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// The header fields that FakeTransport stamps on every request.
var testOpHeader = fuseops.OpHeader{Uid: 500, Gid: 500, Pid: 42}

func rawBytes(p unsafe.Pointer, size uintptr) []byte {
	return (*[1 << 20]byte)(p)[:size:size]
}

type DecodeTest struct {
	transport *bridgetesting.FakeTransport
}

func init() { RegisterTestSuite(&DecodeTest{}) }

func (t *DecodeTest) SetUp(ti *TestInfo) {
	t.transport = bridgetesting.NewFakeTransport()
}

// decodeNext reads the single queued message off the transport and decodes
// it at the newest protocol version.
func (t *DecodeTest) decodeNext() (fuseops.Op, error) {
	m := buffer.NewInMessage()
	AssertEq(nil, m.Init(t.transport))

	return decodeOp(m, fusekernel.Protocol{
		Major: fusekernel.ProtoVersionMajor,
		Minor: fusekernel.ProtoVersionMinor,
	})
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *DecodeTest) LookUp() {
	t.transport.SendLookUp(2, 1, "taco")

	op, err := t.decodeNext()
	AssertEq(nil, err)

	expected := &fuseops.LookUpInodeOp{
		Header: testOpHeader,
		Parent: 1,
		Name:   "taco",
	}

	ExpectEq("", pretty.Compare(expected, op))
}

func (t *DecodeTest) Rename() {
	t.transport.SendRename(2, 1, "burrito", 5, "enchilada")

	op, err := t.decodeNext()
	AssertEq(nil, err)

	expected := &fuseops.RenameOp{
		Header:    testOpHeader,
		OldParent: 1,
		OldName:   "burrito",
		NewParent: 5,
		NewName:   "enchilada",
	}

	ExpectEq("", pretty.Compare(expected, op))
}

func (t *DecodeTest) Symlink() {
	t.transport.Send(2, fusekernel.OpSymlink, 1, []byte("link\x00target\x00"))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	expected := &fuseops.CreateSymlinkOp{
		Header: testOpHeader,
		Parent: 1,
		Name:   "link",
		Target: "target",
	}

	ExpectEq("", pretty.Compare(expected, op))
}

func (t *DecodeTest) WriteCarriesItsData() {
	t.transport.SendWrite(2, 17, 7, 1024, []byte("burrito"))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.WriteFileOp)
	AssertTrue(ok)

	ExpectEq(17, typed.Inode)
	ExpectEq(7, typed.Handle)
	ExpectEq(1024, typed.Offset)
	ExpectEq("burrito", string(typed.Data))
}

func (t *DecodeTest) GetattrWithoutHandle() {
	t.transport.SendGetattr(2, 17)

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.GetInodeAttributesOp)
	AssertTrue(ok)

	ExpectEq(17, typed.Inode)
	ExpectEq(nil, typed.Handle)
}

func (t *DecodeTest) GetattrWithHandle() {
	in := fusekernel.GetattrIn{
		GetattrFlags: fusekernel.GetattrFh,
		Fh:           19,
	}

	t.transport.Send(2, fusekernel.OpGetattr, 17,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.GetInodeAttributesOp)
	AssertTrue(ok)

	AssertNe(nil, typed.Handle)
	ExpectEq(19, *typed.Handle)
}

func (t *DecodeTest) SetattrHonorsValidBits() {
	mtime := time.Date(2012, time.August, 15, 22, 56, 0, 0, time.UTC)

	in := fusekernel.SetattrIn{
		Valid: fusekernel.SetattrSize |
			fusekernel.SetattrMode |
			fusekernel.SetattrMtime,
		Size:      100,
		Mode:      0644,
		Mtime:     uint64(mtime.Unix()),
		MtimeNsec: 0,

		// Present on the wire, but not marked valid; must be ignored.
		Uid:   1000,
		Atime: uint64(mtime.Unix()),
	}

	t.transport.Send(2, fusekernel.OpSetattr, 17,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.SetInodeAttributesOp)
	AssertTrue(ok)

	ExpectEq(17, typed.Inode)
	ExpectEq(nil, typed.Handle)

	AssertNe(nil, typed.Size)
	ExpectEq(100, *typed.Size)

	AssertNe(nil, typed.Mode)
	ExpectEq(os.FileMode(0644), *typed.Mode)

	AssertNe(nil, typed.Mtime)
	ExpectTrue(typed.Mtime.Equal(mtime))

	ExpectEq(nil, typed.Uid)
	ExpectEq(nil, typed.Gid)
	ExpectEq(nil, typed.Atime)
}

func (t *DecodeTest) MkDirRestoresTheDirectoryBit() {
	t.transport.SendMkDir(2, 1, "queso", 0755)

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.MkDirOp)
	AssertTrue(ok)

	ExpectEq("queso", typed.Name)
	ExpectEq(os.ModeDir|0755, typed.Mode)
}

func (t *DecodeTest) SetlkVersusSetlkw() {
	in := fusekernel.LkIn{
		Fh:    7,
		Owner: 13,
		Lk:    fusekernel.FileLock{Start: 0, End: 99, Type: 1, Pid: 42},
	}

	t.transport.Send(2, fusekernel.OpSetlk, 17,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.SetLockOp)
	AssertTrue(ok)
	ExpectFalse(typed.Wait)
	ExpectEq(13, typed.Owner)
	ExpectEq(99, typed.Lock.End)

	t.transport.Send(3, fusekernel.OpSetlkw, 17,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))

	op, err = t.decodeNext()
	AssertEq(nil, err)

	typed, ok = op.(*fuseops.SetLockOp)
	AssertTrue(ok)
	ExpectTrue(typed.Wait)
}

func (t *DecodeTest) BatchForget() {
	in := fusekernel.BatchForgetIn{Count: 2}
	ones := []fusekernel.ForgetOne{
		{Nodeid: 17, Nlookup: 3},
		{Nodeid: 19, Nlookup: 1},
	}

	t.transport.Send(2, fusekernel.OpBatchForget, 0,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		rawBytes(unsafe.Pointer(&ones[0]), unsafe.Sizeof(ones[0])),
		rawBytes(unsafe.Pointer(&ones[1]), unsafe.Sizeof(ones[1])))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	expected := &fuseops.BatchForgetOp{
		Header: testOpHeader,
		Entries: []fuseops.ForgetEntry{
			{Inode: 17, N: 3},
			{Inode: 19, N: 1},
		},
	}

	ExpectEq("", pretty.Compare(expected, op))
}

func (t *DecodeTest) FsyncDatasyncBit() {
	in := fusekernel.FsyncIn{Fh: 7, FsyncFlags: 1}
	t.transport.Send(2, fusekernel.OpFsync, 17,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.SyncFileOp)
	AssertTrue(ok)
	ExpectTrue(typed.Datasync)
}

func (t *DecodeTest) SetXattr() {
	in := fusekernel.SetxattrIn{Size: 5, Flags: 1}
	t.transport.Send(2, fusekernel.OpSetxattr, 17,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		[]byte("user.taco\x00hello"))

	op, err := t.decodeNext()
	AssertEq(nil, err)

	typed, ok := op.(*fuseops.SetXattrOp)
	AssertTrue(ok)

	ExpectEq("user.taco", typed.Name)
	ExpectEq("hello", string(typed.Value))
	ExpectEq(1, typed.Flags)
}

func (t *DecodeTest) SetXattrSizeMismatch() {
	// The declared value size disagrees with the bytes present.
	in := fusekernel.SetxattrIn{Size: 100}
	t.transport.Send(2, fusekernel.OpSetxattr, 17,
		rawBytes(unsafe.Pointer(&in), unsafe.Sizeof(in)),
		[]byte("user.taco\x00hello"))

	_, err := t.decodeNext()
	ExpectThat(err, Error(HasSubstr("malformed")))
}

func (t *DecodeTest) LookupMissingItsNul() {
	t.transport.Send(2, fusekernel.OpLookup, 1, []byte("no-nul"))

	_, err := t.decodeNext()
	ExpectThat(err, Error(HasSubstr("malformed")))
}

func (t *DecodeTest) TruncatedFixedSizeStruct() {
	t.transport.Send(2, fusekernel.OpMkdir, 1, []byte{1, 2, 3})

	_, err := t.decodeNext()
	ExpectThat(err, Error(HasSubstr("malformed")))
}

func (t *DecodeTest) UnknownOpcode() {
	t.transport.Send(2, fusekernel.OpRename2, 1)

	_, err := t.decodeNext()

	_, ok := err.(*unknownOpcodeError)
	AssertTrue(ok)
	ExpectThat(err, Error(HasSubstr("45")))
}
