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

package fusekernel

import "unsafe"

// InHeader leads every message read from the kernel.
type InHeader struct {
	Len     uint32 // Total message length, including this header.
	Opcode  uint32
	Unique  uint64 // Request ID, matched by the reply's OutHeader.Unique.
	Nodeid  uint64
	Uid     uint32
	Gid     uint32
	Pid     uint32
	Padding uint32
}

const InHeaderSize = int(unsafe.Sizeof(InHeader{}))

// OutHeader leads every message written to the kernel.
type OutHeader struct {
	Len    uint32 // Total message length, including this header.
	Error  int32  // Zero on success, otherwise a negated errno.
	Unique uint64
}

const OutHeaderSize = int(unsafe.Sizeof(OutHeader{}))

// Attr is the wire form of a set of inode attributes.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

type EntryOut struct {
	Nodeid         uint64
	Generation     uint64
	EntryValid     uint64 // Cache timeout for the name, in seconds.
	AttrValid      uint64 // Cache timeout for the attributes, in seconds.
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

// EntryOutSize returns the size of an EntryOut for the given protocol
// version. Before 7.9 the attr struct was shorter.
func EntryOutSize(p Protocol) uintptr {
	if p.LT(Protocol{7, 9}) {
		return unsafe.Offsetof(EntryOut{}.Attr) + unsafe.Offsetof(Attr{}.Blksize)
	}
	return unsafe.Sizeof(EntryOut{})
}

type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

// AttrOutSize returns the size of an AttrOut for the given protocol version.
func AttrOutSize(p Protocol) uintptr {
	if p.LT(Protocol{7, 9}) {
		return unsafe.Offsetof(AttrOut{}.Attr) + unsafe.Offsetof(Attr{}.Blksize)
	}
	return unsafe.Sizeof(AttrOut{})
}

type ForgetIn struct {
	Nlookup uint64
}

type BatchForgetIn struct {
	Count uint32
	Dummy uint32
}

type ForgetOne struct {
	Nodeid  uint64
	Nlookup uint64
}

type GetattrIn struct {
	GetattrFlags uint32
	Dummy        uint32
	Fh           uint64
}

type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Unused4   uint32
	Uid       uint32
	Gid       uint32
	Unused5   uint32
}

type MknodIn struct {
	Mode    uint32
	Rdev    uint32
	Umask   uint32
	Padding uint32
	// "name\x00" follows.
}

type MkdirIn struct {
	Mode  uint32
	Umask uint32
	// "name\x00" follows.
}

type RenameIn struct {
	Newdir uint64
	// "oldname\x00newname\x00" follows.
}

type LinkIn struct {
	Oldnodeid uint64
	// "newname\x00" follows.
}

type OpenIn struct {
	Flags  uint32
	Unused uint32
}

type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type CreateIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32
	Padding uint32
	// "name\x00" follows.
}

type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type FlushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

// ReadInSize returns the size of a ReadIn for the given protocol version.
// The LockOwner and Flags fields arrived in 7.9.
func ReadInSize(p Protocol) uintptr {
	if p.LT(Protocol{7, 9}) {
		return unsafe.Offsetof(ReadIn{}.LockOwner)
	}
	return unsafe.Sizeof(ReadIn{})
}

type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
	// Size bytes of data follow.
}

// WriteInSize returns the size of a WriteIn for the given protocol version.
func WriteInSize(p Protocol) uintptr {
	if p.LT(Protocol{7, 9}) {
		return unsafe.Offsetof(WriteIn{}.LockOwner)
	}
	return unsafe.Sizeof(WriteIn{})
}

type WriteOut struct {
	Size    uint32
	Padding uint32
}

type Kstatfs struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

type StatfsOut struct {
	St Kstatfs
}

type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

type SetxattrIn struct {
	Size  uint32
	Flags uint32
	// "name\x00" followed by Size bytes of value.
}

type GetxattrIn struct {
	Size    uint32
	Padding uint32
	// "name\x00" follows (absent for listxattr).
}

type GetxattrOut struct {
	Size    uint32
	Padding uint32
}

type FileLock struct {
	Start uint64
	End   uint64
	Type  uint32
	Pid   uint32
}

type LkIn struct {
	Fh      uint64
	Owner   uint64
	Lk      FileLock
	LkFlags uint32
	Padding uint32
}

type LkOut struct {
	Lk FileLock
}

type AccessIn struct {
	Mask    uint32
	Padding uint32
}

type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

const InitInSize = int(unsafe.Sizeof(InitIn{}))

type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32

	// Protocol 7.23 and later.
	TimeGran     uint32
	MaxPages     uint16
	MapAlignment uint16
	Unused       [8]uint32
}

// InitOutSize returns the size of an InitOut for the given protocol
// version. Kernels before 7.23 expect the short form ending at MaxWrite.
func InitOutSize(p Protocol) uintptr {
	if p.LT(Protocol{7, 23}) {
		return unsafe.Offsetof(InitOut{}.TimeGran)
	}
	return unsafe.Sizeof(InitOut{})
}

type InterruptIn struct {
	Unique uint64
}

type BmapIn struct {
	Block     uint64
	BlockSize uint32
	Padding   uint32
}

type BmapOut struct {
	Block uint64
}

type IoctlIn struct {
	Fh      uint64
	Flags   uint32
	Cmd     uint32
	Arg     uint64
	InSize  uint32
	OutSize uint32
	// InSize bytes of input data follow.
}

type IoctlOut struct {
	Result  int32
	Flags   uint32
	InIovs  uint32
	OutIovs uint32
	// Output data follows.
}

type FallocateIn struct {
	Fh      uint64
	Offset  uint64
	Length  uint64
	Mode    uint32
	Padding uint32
}

// Dirent is the fixed prefix of a single directory entry within a readdir
// reply. Namelen bytes of name follow, padded with zeroes to an 8-byte
// boundary.
type Dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

const DirentSize = int(unsafe.Sizeof(Dirent{}))
