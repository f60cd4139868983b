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
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/hostfs/fusebridge/fuseops"
	"github.com/hostfs/fusebridge/internal/buffer"
	"github.com/hostfs/fusebridge/internal/fusekernel"
	"github.com/jacobsa/timeutil"
)

// The block size reported for an unimplemented statfs. Some stat
// implementations divide by this, so zero is not a usable default.
const defaultStatfsBlockSize = 4096

func grow(m *buffer.OutMessage, size uintptr) unsafe.Pointer {
	p := m.Grow(size)
	if p == nil {
		panic("out of space in OutMessage")
	}

	return p
}

// convertGoFileMode turns an os.FileMode into the kernel's representation.
func convertGoFileMode(mode os.FileMode) uint32 {
	unixMode := uint32(mode & 0777)

	switch {
	case mode&os.ModeDir != 0:
		unixMode |= syscall.S_IFDIR
	case mode&os.ModeCharDevice != 0:
		unixMode |= syscall.S_IFCHR
	case mode&os.ModeDevice != 0:
		unixMode |= syscall.S_IFBLK
	case mode&os.ModeNamedPipe != 0:
		unixMode |= syscall.S_IFIFO
	case mode&os.ModeSymlink != 0:
		unixMode |= syscall.S_IFLNK
	case mode&os.ModeSocket != 0:
		unixMode |= syscall.S_IFSOCK
	default:
		unixMode |= syscall.S_IFREG
	}

	if mode&os.ModeSetuid != 0 {
		unixMode |= syscall.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		unixMode |= syscall.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		unixMode |= syscall.S_ISVTX
	}

	return unixMode
}

func convertTime(t time.Time) (secs uint64, nsec uint32) {
	totalNano := t.UnixNano()
	secs = uint64(totalNano / 1e9)
	nsec = uint32(totalNano % 1e9)
	return
}

// convertExpirationTime turns an absolute cache expiration time into the
// relative form the kernel expects. Times in the past become a zero
// duration, i.e. an immediately stale cache.
func convertExpirationTime(
	t time.Time,
	now time.Time) (secs uint64, nsecs uint32) {
	d := t.Sub(now)
	if d > 0 {
		secs = uint64(d / time.Second)
		nsecs = uint32(d % time.Second)
	}

	return
}

func convertAttributes(
	inodeID fuseops.InodeID,
	in *fuseops.InodeAttributes,
	out *fusekernel.Attr) {
	out.Ino = uint64(inodeID)
	out.Size = in.Size
	out.Atime, out.AtimeNsec = convertTime(in.Atime)
	out.Mtime, out.MtimeNsec = convertTime(in.Mtime)
	out.Ctime, out.CtimeNsec = convertTime(in.Ctime)
	out.Mode = convertGoFileMode(in.Mode)
	out.Nlink = in.Nlink
	out.Uid = in.Uid
	out.Gid = in.Gid
	out.Rdev = in.Rdev
}

func convertChildInodeEntry(
	in *fuseops.ChildInodeEntry,
	now time.Time,
	out *fusekernel.EntryOut) {
	out.Nodeid = uint64(in.Child)
	out.Generation = uint64(in.Generation)
	out.EntryValid, out.EntryValidNsec = convertExpirationTime(
		in.EntryExpiration, now)
	out.AttrValid, out.AttrValidNsec = convertExpirationTime(
		in.AttributesExpiration, now)

	convertAttributes(in.Child, &in.Attributes, &out.Attr)
}

func appendEntryOut(
	m *buffer.OutMessage,
	protocol fusekernel.Protocol,
	entry *fuseops.ChildInodeEntry,
	now time.Time) {
	out := (*fusekernel.EntryOut)(grow(m, fusekernel.EntryOutSize(protocol)))
	convertChildInodeEntry(entry, now, out)
}

// clampPayload trims p to at most size bytes, the cap the kernel set for
// the reply in question.
func clampPayload(p []byte, size int) []byte {
	if len(p) > size {
		return p[:size]
	}

	return p
}

// encodeReply writes the success payload for the supplied operation into m,
// after the header. Operations whose replies carry no payload are left
// untouched.
func encodeReply(
	m *buffer.OutMessage,
	op fuseops.Op,
	protocol fusekernel.Protocol,
	clock timeutil.Clock) {
	switch typed := op.(type) {
	case *fuseops.LookUpInodeOp:
		appendEntryOut(m, protocol, &typed.Entry, clock.Now())

	case *fuseops.GetInodeAttributesOp:
		out := (*fusekernel.AttrOut)(grow(m, fusekernel.AttrOutSize(protocol)))
		out.AttrValid, out.AttrValidNsec = convertExpirationTime(
			typed.AttributesExpiration, clock.Now())
		convertAttributes(typed.Inode, &typed.Attributes, &out.Attr)

	case *fuseops.SetInodeAttributesOp:
		out := (*fusekernel.AttrOut)(grow(m, fusekernel.AttrOutSize(protocol)))
		out.AttrValid, out.AttrValidNsec = convertExpirationTime(
			typed.AttributesExpiration, clock.Now())
		convertAttributes(typed.Inode, &typed.Attributes, &out.Attr)

	case *fuseops.ReadSymlinkOp:
		m.AppendString(typed.Target)

	case *fuseops.CreateSymlinkOp:
		appendEntryOut(m, protocol, &typed.Entry, clock.Now())

	case *fuseops.CreateLinkOp:
		appendEntryOut(m, protocol, &typed.Entry, clock.Now())

	case *fuseops.MkNodeOp:
		appendEntryOut(m, protocol, &typed.Entry, clock.Now())

	case *fuseops.MkDirOp:
		appendEntryOut(m, protocol, &typed.Entry, clock.Now())

	case *fuseops.CreateFileOp:
		appendEntryOut(m, protocol, &typed.Entry, clock.Now())

		out := (*fusekernel.OpenOut)(grow(
			m, unsafe.Sizeof(fusekernel.OpenOut{})))
		out.Fh = uint64(typed.Handle)

	case *fuseops.OpenFileOp:
		out := (*fusekernel.OpenOut)(grow(
			m, unsafe.Sizeof(fusekernel.OpenOut{})))
		out.Fh = uint64(typed.Handle)

		if typed.KeepPageCache {
			out.OpenFlags |= fusekernel.FOpenKeepCache
		}
		if typed.UseDirectIO {
			out.OpenFlags |= fusekernel.FOpenDirectIO
		}

	case *fuseops.OpenDirOp:
		out := (*fusekernel.OpenOut)(grow(
			m, unsafe.Sizeof(fusekernel.OpenOut{})))
		out.Fh = uint64(typed.Handle)

	case *fuseops.ReadFileOp:
		m.Append(clampPayload(typed.Data, typed.Size))

	case *fuseops.ReadDirOp:
		m.Append(clampPayload(typed.Data, typed.Size))

	case *fuseops.WriteFileOp:
		out := (*fusekernel.WriteOut)(grow(
			m, unsafe.Sizeof(fusekernel.WriteOut{})))
		out.Size = uint32(len(typed.Data))

	case *fuseops.StatFSOp:
		out := (*fusekernel.StatfsOut)(grow(
			m, unsafe.Sizeof(fusekernel.StatfsOut{})))
		out.St.Blocks = typed.Blocks
		out.St.Bfree = typed.BlocksFree
		out.St.Bavail = typed.BlocksAvailable
		out.St.Files = typed.Inodes
		out.St.Ffree = typed.InodesFree
		out.St.Namelen = typed.MaxNameLength

		out.St.Bsize = typed.BlockSize
		if out.St.Bsize == 0 {
			out.St.Bsize = defaultStatfsBlockSize
		}
		out.St.Frsize = out.St.Bsize

	case *fuseops.GetXattrOp:
		if typed.Size == 0 {
			// A size probe: report how large the value is, without content.
			out := (*fusekernel.GetxattrOut)(grow(
				m, unsafe.Sizeof(fusekernel.GetxattrOut{})))
			out.Size = uint32(len(typed.Data))
		} else {
			m.Append(clampPayload(typed.Data, int(typed.Size)))
		}

	case *fuseops.ListXattrOp:
		if typed.Size == 0 {
			out := (*fusekernel.GetxattrOut)(grow(
				m, unsafe.Sizeof(fusekernel.GetxattrOut{})))
			out.Size = uint32(len(typed.Data))
		} else {
			m.Append(clampPayload(typed.Data, int(typed.Size)))
		}

	case *fuseops.GetLockOp:
		out := (*fusekernel.LkOut)(grow(m, unsafe.Sizeof(fusekernel.LkOut{})))
		out.Lk.Start = typed.Lock.Start
		out.Lk.End = typed.Lock.End
		out.Lk.Type = typed.Lock.Type
		out.Lk.Pid = typed.Lock.Pid

	case *fuseops.BmapOp:
		out := (*fusekernel.BmapOut)(grow(
			m, unsafe.Sizeof(fusekernel.BmapOut{})))
		out.Block = typed.Result

	case *fuseops.IoctlOp:
		out := (*fusekernel.IoctlOut)(grow(
			m, unsafe.Sizeof(fusekernel.IoctlOut{})))
		out.Result = typed.Result
		m.Append(clampPayload(typed.Output, int(typed.OutSize)))

	case *fuseops.UnlinkOp,
		*fuseops.RmDirOp,
		*fuseops.RenameOp,
		*fuseops.FlushFileOp,
		*fuseops.ReleaseFileHandleOp,
		*fuseops.SyncFileOp,
		*fuseops.ReleaseDirHandleOp,
		*fuseops.SyncDirOp,
		*fuseops.SetXattrOp,
		*fuseops.RemoveXattrOp,
		*fuseops.AccessOp,
		*fuseops.SetLockOp,
		*fuseops.FallocateOp:
		// No payload beyond the header.

	default:
		panic(fmt.Sprintf("unexpected op type %T", op))
	}
}
