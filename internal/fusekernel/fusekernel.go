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

// Package fusekernel contains definitions for the FUSE kernel protocol:
// opcodes, flag words, and the fixed binary layouts exchanged over the
// kernel transport. The struct definitions must match the kernel's fuse.h
// exactly for binary compatibility; numeric fields are fixed-width and
// host-endian.
package fusekernel

import "fmt"

// The FUSE version implemented by this package.
const (
	ProtoVersionMajor = 7
	ProtoVersionMinor = 28

	// The oldest minor revision whose message layouts we speak. Kernels
	// negotiating below this are rejected at init.
	ProtoVersionMinMinor = 12
)

// Protocol is a FUSE protocol version number, negotiated during the init
// handshake.
type Protocol struct {
	Major uint32
	Minor uint32
}

func (p Protocol) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

// LT returns whether a is less than b.
func (a Protocol) LT(b Protocol) bool {
	return a.Major < b.Major ||
		(a.Major == b.Major && a.Minor < b.Minor)
}

// GE returns whether a is greater than or equal to b.
func (a Protocol) GE(b Protocol) bool {
	return !a.LT(b)
}

// Opcodes, from fuse.h.
const (
	OpLookup      uint32 = 1
	OpForget      uint32 = 2
	OpGetattr     uint32 = 3
	OpSetattr     uint32 = 4
	OpReadlink    uint32 = 5
	OpSymlink     uint32 = 6
	OpMknod       uint32 = 8
	OpMkdir       uint32 = 9
	OpUnlink      uint32 = 10
	OpRmdir       uint32 = 11
	OpRename      uint32 = 12
	OpLink        uint32 = 13
	OpOpen        uint32 = 14
	OpRead        uint32 = 15
	OpWrite       uint32 = 16
	OpStatfs      uint32 = 17
	OpRelease     uint32 = 18
	OpFsync       uint32 = 20
	OpSetxattr    uint32 = 21
	OpGetxattr    uint32 = 22
	OpListxattr   uint32 = 23
	OpRemovexattr uint32 = 24
	OpFlush       uint32 = 25
	OpInit        uint32 = 26
	OpOpendir     uint32 = 27
	OpReaddir     uint32 = 28
	OpReleasedir  uint32 = 29
	OpFsyncdir    uint32 = 30
	OpGetlk       uint32 = 31
	OpSetlk       uint32 = 32
	OpSetlkw      uint32 = 33
	OpAccess      uint32 = 34
	OpCreate      uint32 = 35
	OpInterrupt   uint32 = 36
	OpBmap        uint32 = 37
	OpDestroy     uint32 = 38
	OpIoctl       uint32 = 39
	OpPoll        uint32 = 40
	OpNotifyReply uint32 = 41
	OpBatchForget uint32 = 42
	OpFallocate   uint32 = 43
	OpReaddirplus uint32 = 44
	OpRename2     uint32 = 45
	OpLseek       uint32 = 46
)

// Init request/reply flags.
const (
	InitAsyncRead       uint32 = 1 << 0
	InitPosixLocks      uint32 = 1 << 1
	InitFileOps         uint32 = 1 << 2
	InitAtomicTrunc     uint32 = 1 << 3
	InitExportSupport   uint32 = 1 << 4
	InitBigWrites       uint32 = 1 << 5
	InitDontMask        uint32 = 1 << 6
	InitSpliceWrite     uint32 = 1 << 7
	InitSpliceMove      uint32 = 1 << 8
	InitSpliceRead      uint32 = 1 << 9
	InitFlockLocks      uint32 = 1 << 10
	InitHasIoctlDir     uint32 = 1 << 11
	InitAutoInvalData   uint32 = 1 << 12
	InitDoReaddirplus   uint32 = 1 << 13
	InitReaddirplusAuto uint32 = 1 << 14
	InitAsyncDIO        uint32 = 1 << 15
	InitWritebackCache  uint32 = 1 << 16
	InitNoOpenSupport   uint32 = 1 << 17
	InitParallelDirops  uint32 = 1 << 18
	InitPosixACL        uint32 = 1 << 20
	InitMaxPages        uint32 = 1 << 22
)

// Flags returned in OpenOut.OpenFlags.
const (
	FOpenDirectIO    uint32 = 1 << 0 // Bypass page cache for this open file.
	FOpenKeepCache   uint32 = 1 << 1 // Don't invalidate the data cache on open.
	FOpenNonSeekable uint32 = 1 << 2 // The file is not seekable.
)

// Flags in GetattrIn.GetattrFlags.
const (
	// The Fh field names the handle the stat refers to.
	GetattrFh uint32 = 1 << 0
)

// Valid bits in SetattrIn.Valid, describing which fields carry a change.
const (
	SetattrMode      uint32 = 1 << 0
	SetattrUid       uint32 = 1 << 1
	SetattrGid       uint32 = 1 << 2
	SetattrSize      uint32 = 1 << 3
	SetattrAtime     uint32 = 1 << 4
	SetattrMtime     uint32 = 1 << 5
	SetattrFh        uint32 = 1 << 6
	SetattrAtimeNow  uint32 = 1 << 7
	SetattrMtimeNow  uint32 = 1 << 8
	SetattrLockOwner uint32 = 1 << 9
	SetattrCtime     uint32 = 1 << 10
)

// Flags in ReleaseIn.ReleaseFlags.
const (
	ReleaseFlush       uint32 = 1 << 0
	ReleaseFlockUnlock uint32 = 1 << 1
)

// Flags in WriteIn.WriteFlags.
const (
	WriteCache     uint32 = 1 << 0
	WriteLockOwner uint32 = 1 << 1
)

// Alignment for directory entries in a readdir reply, per FUSE_DIRENT_ALIGN.
const DirentAlignment = 8
