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
	"bytes"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
	"unsafe"

	"github.com/hostfs/fusebridge/fuseops"
	"github.com/hostfs/fusebridge/internal/buffer"
	"github.com/hostfs/fusebridge/internal/fusekernel"
)

// unknownOpcodeError is returned by decodeOp for opcodes we have no typed
// representation for. The session answers these with ENOSYS rather than
// treating them as protocol corruption.
type unknownOpcodeError struct {
	opcode uint32
}

func (e *unknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode %d", e.opcode)
}

var errMalformed = errors.New("truncated or malformed message")

// extractString pulls the leading NUL-terminated string out of p, returning
// it along with the bytes that follow the NUL.
func extractString(p []byte) (s string, rest []byte, err error) {
	i := bytes.IndexByte(p, 0)
	if i < 0 {
		return "", nil, errMalformed
	}

	return string(p[:i]), p[i+1:], nil
}

// consumeString consumes the remainder of the message, which must be a
// single NUL-terminated string.
func consumeString(m *buffer.InMessage) (string, error) {
	s, rest, err := extractString(m.ConsumeBytes(m.Len()))
	if err != nil {
		return "", err
	}

	if len(rest) != 0 {
		return "", errMalformed
	}

	return s, nil
}

// convertFileMode turns a mode in kernel form, as found in e.g. mknod and
// mkdir requests, into an os.FileMode.
func convertFileMode(unixMode uint32) os.FileMode {
	mode := os.FileMode(unixMode & 0777)

	switch unixMode & syscall.S_IFMT {
	case syscall.S_IFREG:
		// Nothing to do.
	case syscall.S_IFDIR:
		mode |= os.ModeDir
	case syscall.S_IFCHR:
		mode |= os.ModeCharDevice | os.ModeDevice
	case syscall.S_IFBLK:
		mode |= os.ModeDevice
	case syscall.S_IFIFO:
		mode |= os.ModeNamedPipe
	case syscall.S_IFLNK:
		mode |= os.ModeSymlink
	case syscall.S_IFSOCK:
		mode |= os.ModeSocket
	}

	if unixMode&syscall.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if unixMode&syscall.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if unixMode&syscall.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}

	return mode
}

// decodeOp turns a raw kernel message into the typed operation it encodes.
// The init, interrupt, and destroy messages are session plumbing and are
// not handled here.
func decodeOp(
	m *buffer.InMessage,
	protocol fusekernel.Protocol) (fuseops.Op, error) {
	h := m.Header()

	opHeader := fuseops.OpHeader{
		Uid: h.Uid,
		Gid: h.Gid,
		Pid: h.Pid,
	}

	switch h.Opcode {
	case fusekernel.OpLookup:
		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.LookUpInodeOp{
			Header: opHeader,
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
		}, nil

	case fusekernel.OpForget:
		in := (*fusekernel.ForgetIn)(m.Consume(
			unsafe.Sizeof(fusekernel.ForgetIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.ForgetInodeOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			N:      in.Nlookup,
		}, nil

	case fusekernel.OpBatchForget:
		in := (*fusekernel.BatchForgetIn)(m.Consume(
			unsafe.Sizeof(fusekernel.BatchForgetIn{})))
		if in == nil {
			return nil, errMalformed
		}

		entries := make([]fuseops.ForgetEntry, 0, in.Count)
		for i := uint32(0); i < in.Count; i++ {
			one := (*fusekernel.ForgetOne)(m.Consume(
				unsafe.Sizeof(fusekernel.ForgetOne{})))
			if one == nil {
				return nil, errMalformed
			}

			entries = append(entries, fuseops.ForgetEntry{
				Inode: fuseops.InodeID(one.Nodeid),
				N:     one.Nlookup,
			})
		}

		return &fuseops.BatchForgetOp{
			Header:  opHeader,
			Entries: entries,
		}, nil

	case fusekernel.OpGetattr:
		in := (*fusekernel.GetattrIn)(m.Consume(
			unsafe.Sizeof(fusekernel.GetattrIn{})))
		if in == nil {
			return nil, errMalformed
		}

		op := &fuseops.GetInodeAttributesOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
		}

		if in.GetattrFlags&fusekernel.GetattrFh != 0 {
			fh := fuseops.HandleID(in.Fh)
			op.Handle = &fh
		}

		return op, nil

	case fusekernel.OpSetattr:
		in := (*fusekernel.SetattrIn)(m.Consume(
			unsafe.Sizeof(fusekernel.SetattrIn{})))
		if in == nil {
			return nil, errMalformed
		}

		op := &fuseops.SetInodeAttributesOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
		}

		valid := in.Valid

		if valid&fusekernel.SetattrFh != 0 {
			fh := fuseops.HandleID(in.Fh)
			op.Handle = &fh
		}

		if valid&fusekernel.SetattrSize != 0 {
			size := in.Size
			op.Size = &size
		}

		if valid&fusekernel.SetattrMode != 0 {
			mode := convertFileMode(in.Mode)
			op.Mode = &mode
		}

		if valid&fusekernel.SetattrUid != 0 {
			uid := in.Uid
			op.Uid = &uid
		}

		if valid&fusekernel.SetattrGid != 0 {
			gid := in.Gid
			op.Gid = &gid
		}

		if valid&fusekernel.SetattrAtime != 0 {
			t := time.Unix(int64(in.Atime), int64(in.AtimeNsec))
			if valid&fusekernel.SetattrAtimeNow != 0 {
				t = time.Now()
			}
			op.Atime = &t
		}

		if valid&fusekernel.SetattrMtime != 0 {
			t := time.Unix(int64(in.Mtime), int64(in.MtimeNsec))
			if valid&fusekernel.SetattrMtimeNow != 0 {
				t = time.Now()
			}
			op.Mtime = &t
		}

		return op, nil

	case fusekernel.OpReadlink:
		return &fuseops.ReadSymlinkOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
		}, nil

	case fusekernel.OpSymlink:
		// The payload is "name\x00target\x00".
		name, rest, err := extractString(m.ConsumeBytes(m.Len()))
		if err != nil {
			return nil, err
		}

		target, rest, err := extractString(rest)
		if err != nil || len(rest) != 0 {
			return nil, errMalformed
		}

		return &fuseops.CreateSymlinkOp{
			Header: opHeader,
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
			Target: target,
		}, nil

	case fusekernel.OpMknod:
		in := (*fusekernel.MknodIn)(m.Consume(
			unsafe.Sizeof(fusekernel.MknodIn{})))
		if in == nil {
			return nil, errMalformed
		}

		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.MkNodeOp{
			Header: opHeader,
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
			Mode:   convertFileMode(in.Mode),
			Rdev:   in.Rdev,
		}, nil

	case fusekernel.OpMkdir:
		in := (*fusekernel.MkdirIn)(m.Consume(
			unsafe.Sizeof(fusekernel.MkdirIn{})))
		if in == nil {
			return nil, errMalformed
		}

		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		// The mode from the kernel lacks the directory bit.
		return &fuseops.MkDirOp{
			Header: opHeader,
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
			Mode:   convertFileMode(in.Mode) | os.ModeDir,
		}, nil

	case fusekernel.OpUnlink:
		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.UnlinkOp{
			Header: opHeader,
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
		}, nil

	case fusekernel.OpRmdir:
		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.RmDirOp{
			Header: opHeader,
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
		}, nil

	case fusekernel.OpRename:
		in := (*fusekernel.RenameIn)(m.Consume(
			unsafe.Sizeof(fusekernel.RenameIn{})))
		if in == nil {
			return nil, errMalformed
		}

		// The payload is "oldname\x00newname\x00".
		oldName, rest, err := extractString(m.ConsumeBytes(m.Len()))
		if err != nil {
			return nil, err
		}

		newName, rest, err := extractString(rest)
		if err != nil || len(rest) != 0 {
			return nil, errMalformed
		}

		return &fuseops.RenameOp{
			Header:    opHeader,
			OldParent: fuseops.InodeID(h.Nodeid),
			OldName:   oldName,
			NewParent: fuseops.InodeID(in.Newdir),
			NewName:   newName,
		}, nil

	case fusekernel.OpLink:
		in := (*fusekernel.LinkIn)(m.Consume(
			unsafe.Sizeof(fusekernel.LinkIn{})))
		if in == nil {
			return nil, errMalformed
		}

		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.CreateLinkOp{
			Header: opHeader,
			Target: fuseops.InodeID(in.Oldnodeid),
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
		}, nil

	case fusekernel.OpOpen:
		in := (*fusekernel.OpenIn)(m.Consume(
			unsafe.Sizeof(fusekernel.OpenIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.OpenFileOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Flags:  in.Flags,
		}, nil

	case fusekernel.OpOpendir:
		in := (*fusekernel.OpenIn)(m.Consume(
			unsafe.Sizeof(fusekernel.OpenIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.OpenDirOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Flags:  in.Flags,
		}, nil

	case fusekernel.OpRead:
		in := (*fusekernel.ReadIn)(m.Consume(
			fusekernel.ReadInSize(protocol)))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.ReadFileOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
			Offset: int64(in.Offset),
			Size:   int(in.Size),
		}, nil

	case fusekernel.OpReaddir:
		in := (*fusekernel.ReadIn)(m.Consume(
			fusekernel.ReadInSize(protocol)))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.ReadDirOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
			Offset: fuseops.DirOffset(in.Offset),
			Size:   int(in.Size),
		}, nil

	case fusekernel.OpWrite:
		in := (*fusekernel.WriteIn)(m.Consume(
			fusekernel.WriteInSize(protocol)))
		if in == nil {
			return nil, errMalformed
		}

		data := m.ConsumeBytes(uintptr(in.Size))
		if uint32(len(data)) != in.Size {
			return nil, errMalformed
		}

		return &fuseops.WriteFileOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
			Offset: int64(in.Offset),
			Data:   data,
		}, nil

	case fusekernel.OpFlush:
		in := (*fusekernel.FlushIn)(m.Consume(
			unsafe.Sizeof(fusekernel.FlushIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.FlushFileOp{
			Header:    opHeader,
			Inode:     fuseops.InodeID(h.Nodeid),
			Handle:    fuseops.HandleID(in.Fh),
			LockOwner: in.LockOwner,
		}, nil

	case fusekernel.OpRelease:
		in := (*fusekernel.ReleaseIn)(m.Consume(
			unsafe.Sizeof(fusekernel.ReleaseIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.ReleaseFileHandleOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
		}, nil

	case fusekernel.OpReleasedir:
		in := (*fusekernel.ReleaseIn)(m.Consume(
			unsafe.Sizeof(fusekernel.ReleaseIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.ReleaseDirHandleOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
		}, nil

	case fusekernel.OpFsync:
		in := (*fusekernel.FsyncIn)(m.Consume(
			unsafe.Sizeof(fusekernel.FsyncIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.SyncFileOp{
			Header:   opHeader,
			Inode:    fuseops.InodeID(h.Nodeid),
			Handle:   fuseops.HandleID(in.Fh),
			Datasync: in.FsyncFlags&1 != 0,
		}, nil

	case fusekernel.OpFsyncdir:
		in := (*fusekernel.FsyncIn)(m.Consume(
			unsafe.Sizeof(fusekernel.FsyncIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.SyncDirOp{
			Header:   opHeader,
			Inode:    fuseops.InodeID(h.Nodeid),
			Handle:   fuseops.HandleID(in.Fh),
			Datasync: in.FsyncFlags&1 != 0,
		}, nil

	case fusekernel.OpStatfs:
		return &fuseops.StatFSOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
		}, nil

	case fusekernel.OpSetxattr:
		in := (*fusekernel.SetxattrIn)(m.Consume(
			unsafe.Sizeof(fusekernel.SetxattrIn{})))
		if in == nil {
			return nil, errMalformed
		}

		name, value, err := extractString(m.ConsumeBytes(m.Len()))
		if err != nil || uint32(len(value)) != in.Size {
			return nil, errMalformed
		}

		return &fuseops.SetXattrOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Name:   name,
			Value:  value,
			Flags:  in.Flags,
		}, nil

	case fusekernel.OpGetxattr:
		in := (*fusekernel.GetxattrIn)(m.Consume(
			unsafe.Sizeof(fusekernel.GetxattrIn{})))
		if in == nil {
			return nil, errMalformed
		}

		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.GetXattrOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Name:   name,
			Size:   in.Size,
		}, nil

	case fusekernel.OpListxattr:
		in := (*fusekernel.GetxattrIn)(m.Consume(
			unsafe.Sizeof(fusekernel.GetxattrIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.ListXattrOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Size:   in.Size,
		}, nil

	case fusekernel.OpRemovexattr:
		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.RemoveXattrOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Name:   name,
		}, nil

	case fusekernel.OpAccess:
		in := (*fusekernel.AccessIn)(m.Consume(
			unsafe.Sizeof(fusekernel.AccessIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.AccessOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Mask:   in.Mask,
		}, nil

	case fusekernel.OpCreate:
		in := (*fusekernel.CreateIn)(m.Consume(
			unsafe.Sizeof(fusekernel.CreateIn{})))
		if in == nil {
			return nil, errMalformed
		}

		name, err := consumeString(m)
		if err != nil {
			return nil, err
		}

		return &fuseops.CreateFileOp{
			Header: opHeader,
			Parent: fuseops.InodeID(h.Nodeid),
			Name:   name,
			Mode:   convertFileMode(in.Mode),
			Flags:  in.Flags,
		}, nil

	case fusekernel.OpGetlk:
		in := (*fusekernel.LkIn)(m.Consume(
			unsafe.Sizeof(fusekernel.LkIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.GetLockOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
			Owner:  in.Owner,
			Lock: fuseops.FileLock{
				Start: in.Lk.Start,
				End:   in.Lk.End,
				Type:  in.Lk.Type,
				Pid:   in.Lk.Pid,
			},
		}, nil

	case fusekernel.OpSetlk, fusekernel.OpSetlkw:
		in := (*fusekernel.LkIn)(m.Consume(
			unsafe.Sizeof(fusekernel.LkIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.SetLockOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
			Owner:  in.Owner,
			Lock: fuseops.FileLock{
				Start: in.Lk.Start,
				End:   in.Lk.End,
				Type:  in.Lk.Type,
				Pid:   in.Lk.Pid,
			},
			Wait: h.Opcode == fusekernel.OpSetlkw,
		}, nil

	case fusekernel.OpBmap:
		in := (*fusekernel.BmapIn)(m.Consume(
			unsafe.Sizeof(fusekernel.BmapIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.BmapOp{
			Header:    opHeader,
			Inode:     fuseops.InodeID(h.Nodeid),
			Block:     in.Block,
			BlockSize: in.BlockSize,
		}, nil

	case fusekernel.OpIoctl:
		in := (*fusekernel.IoctlIn)(m.Consume(
			unsafe.Sizeof(fusekernel.IoctlIn{})))
		if in == nil {
			return nil, errMalformed
		}

		input := m.ConsumeBytes(uintptr(in.InSize))
		if uint32(len(input)) != in.InSize {
			return nil, errMalformed
		}

		return &fuseops.IoctlOp{
			Header:  opHeader,
			Inode:   fuseops.InodeID(h.Nodeid),
			Handle:  fuseops.HandleID(in.Fh),
			Cmd:     in.Cmd,
			Arg:     in.Arg,
			Flags:   in.Flags,
			Input:   input,
			OutSize: in.OutSize,
		}, nil

	case fusekernel.OpFallocate:
		in := (*fusekernel.FallocateIn)(m.Consume(
			unsafe.Sizeof(fusekernel.FallocateIn{})))
		if in == nil {
			return nil, errMalformed
		}

		return &fuseops.FallocateOp{
			Header: opHeader,
			Inode:  fuseops.InodeID(h.Nodeid),
			Handle: fuseops.HandleID(in.Fh),
			Offset: in.Offset,
			Length: in.Length,
			Mode:   in.Mode,
		}, nil

	default:
		return nil, &unknownOpcodeError{opcode: h.Opcode}
	}
}
