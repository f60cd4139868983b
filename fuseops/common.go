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

// Package fuseops contains the typed operation structs delivered to host
// handlers registered with the bridge, along with the common identifier
// types shared by requests and replies.
package fuseops

import (
	"os"
	"time"
)

// InodeID is a 64-bit number used to uniquely identify a file or directory
// in the file system. File systems may mint inode IDs with any value except
// for RootInodeID.
//
// This corresponds to struct inode::i_no in the VFS layer.
type InodeID uint64

// RootInodeID is a distinguished inode ID that identifies the root of the
// file system, e.g. in a request to open the root directory.
const RootInodeID InodeID = 1

// GenerationNumber distinguishes reuses of a particular inode ID over time.
// Constant zero is fine for file systems that never re-use IDs.
type GenerationNumber uint64

// HandleID is an opaque 64-bit number identifying an open file or directory.
// Handles are minted by the bridge when an open, opendir, or create
// operation succeeds, and are echoed by the kernel in follow-up operations
// on the same struct file. They stay valid until the matching release
// operation, or until session teardown.
type HandleID uint64

// DirOffset is an offset within an open directory, interpreted only by the
// host. Offset zero means reading from the beginning; each returned entry
// carries the offset at which to resume after it, forming the continuation
// protocol for listings larger than one reply.
type DirOffset uint64

// OpHeader describes the calling process for an operation.
type OpHeader struct {
	Uid uint32
	Gid uint32
	Pid uint32
}

// InodeAttributes contains attributes for a file or directory inode. It
// corresponds to struct inode (cf. http://goo.gl/tvYyQt).
type InodeAttributes struct {
	Size uint64

	// The number of incoming hard links to this inode.
	Nlink uint32

	// The mode of the inode. This is exposed to the user in e.g. the result of
	// fstat(2).
	Mode os.FileMode

	// The device number, for device special files.
	Rdev uint32

	// Time information. See `man 2 stat` for full details.
	Atime  time.Time // Time of last access
	Mtime  time.Time // Time of last modification
	Ctime  time.Time // Time of last modification to inode
	Crtime time.Time // Time of creation (OS X only)

	// Ownership information.
	Uid uint32
	Gid uint32
}

// ChildInodeEntry contains information about a child inode within its
// parent directory, as returned by operations that resolve or create
// entries. It is a large part of the reply payload for those operations.
type ChildInodeEntry struct {
	// The ID of the child inode. The file system must ensure that the returned
	// inode ID remains valid until a later forget operation.
	Child InodeID

	// A generation number for this incarnation of the inode. See comments on
	// GenerationNumber.
	Generation GenerationNumber

	// Current attributes for the child inode.
	Attributes InodeAttributes

	// The time until which the kernel may maintain its cache of the
	// attributes without refreshing. Zero means the cache expires immediately.
	AttributesExpiration time.Time

	// The time until which the kernel may maintain its cache of the mapping
	// from name to inode ID without refreshing.
	EntryExpiration time.Time
}

// FileLock describes a byte-range advisory lock, for the getlk/setlk
// operations.
type FileLock struct {
	Start uint64
	End   uint64
	Type  uint32
	Pid   uint32
}
