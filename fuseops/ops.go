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

package fuseops

import (
	"os"
	"time"
)

// Op is the interface implemented by all operation structs in this package.
// An Op's request fields are immutable once decoded; fields documented as
// "set by the host" (or "set by the bridge") form the success payload of the
// eventual reply.
type Op interface {
	// Kind returns the variant tag for this operation.
	Kind() OpKind
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

// Look up a child by name within a parent directory. The kernel sends this
// when resolving user paths to dentry structs, which are then cached.
type LookUpInodeOp struct {
	Header OpHeader

	// The ID of the directory inode to which the child belongs.
	Parent InodeID

	// The name of the child of interest, relative to the parent.
	Name string

	// Set by the host: the resulting entry.
	Entry ChildInodeEntry
}

func (o *LookUpInodeOp) Kind() OpKind { return KindLookUpInode }

// Forget an inode ID previously issued, e.g. by a lookup. The kernel
// guarantees the ID will not be used in further operations unless reissued.
// No reply is sent for this operation.
type ForgetInodeOp struct {
	Header OpHeader

	// The inode whose reference count should be decremented.
	Inode InodeID

	// The amount to decrement the reference count by.
	N uint64
}

func (o *ForgetInodeOp) Kind() OpKind { return KindForgetInode }

// A batched version of ForgetInodeOp, sent by kernels that coalesce cache
// eviction. No reply is sent for this operation.
type BatchForgetOp struct {
	Header OpHeader

	Entries []ForgetEntry
}

// ForgetEntry is a single (inode, count) pair within a BatchForgetOp.
type ForgetEntry struct {
	Inode InodeID
	N     uint64
}

func (o *BatchForgetOp) Kind() OpKind { return KindBatchForget }

// Refresh the attributes for an inode. The kernel sends this when its cache
// of the attributes is stale, controlled by the AttributesExpiration fields
// of earlier replies.
type GetInodeAttributesOp struct {
	Header OpHeader

	// The inode of interest.
	Inode InodeID

	// The handle the operation refers to, if the kernel supplied one.
	Handle *HandleID

	// Set by the host: attributes for the inode, and the time at which they
	// should expire.
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (o *GetInodeAttributesOp) Kind() OpKind { return KindGetInodeAttributes }

// Change attributes for an inode.
//
// The kernel sends this for obvious cases like chmod(2), and for less
// obvious cases like ftruncate(2). Fields that are nil require no change.
type SetInodeAttributesOp struct {
	Header OpHeader

	Inode  InodeID
	Handle *HandleID

	Size  *uint64
	Mode  *os.FileMode
	Uid   *uint32
	Gid   *uint32
	Atime *time.Time
	Mtime *time.Time

	// Set by the host: the new attributes, and the time at which they should
	// expire.
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

func (o *SetInodeAttributesOp) Kind() OpKind { return KindSetInodeAttributes }

////////////////////////////////////////////////////////////////////////
// Symlinks and links
////////////////////////////////////////////////////////////////////////

// Read the target of a symlink inode.
type ReadSymlinkOp struct {
	Header OpHeader

	Inode InodeID

	// Set by the host: the target of the symlink.
	Target string
}

func (o *ReadSymlinkOp) Kind() OpKind { return KindReadSymlink }

// Create a symlink inode as a child of an existing directory.
type CreateSymlinkOp struct {
	Header OpHeader

	// The ID of parent directory inode within which to create the child
	// symlink, and the name of the symlink to create.
	Parent InodeID
	Name   string

	// The target of the symlink.
	Target string

	// Set by the host: information about the inode that was created.
	Entry ChildInodeEntry
}

func (o *CreateSymlinkOp) Kind() OpKind { return KindCreateSymlink }

// Create a hard link to an existing inode.
type CreateLinkOp struct {
	Header OpHeader

	// The inode to link to, and the directory and name for the new link.
	Target InodeID
	Parent InodeID
	Name   string

	// Set by the host: information about the linked inode.
	Entry ChildInodeEntry
}

func (o *CreateLinkOp) Kind() OpKind { return KindCreateLink }

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

// Create a file, device, or fifo inode as a child of an existing directory,
// in response to mknod(2).
type MkNodeOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Mode   os.FileMode

	// The device number, for device special files.
	Rdev uint32

	// Set by the host: information about the inode that was created.
	Entry ChildInodeEntry
}

func (o *MkNodeOp) Kind() OpKind { return KindMkNode }

// Create a directory inode as a child of an existing directory inode, in
// response to mkdir(2).
//
// The kernel appears to verify the name doesn't already exist before
// sending this, but file systems that are volatile from its point of view
// should check for EEXIST themselves anyway.
type MkDirOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Mode   os.FileMode

	// Set by the host: information about the inode that was created.
	Entry ChildInodeEntry
}

func (o *MkDirOp) Kind() OpKind { return KindMkDir }

// Create a file inode and open it.
//
// The kernel sends this when the user asks to open a file with O_CREAT and
// the kernel has observed that the file doesn't exist.
type CreateFileOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
	Mode   os.FileMode

	// Flags for the open operation.
	Flags uint32

	// Set by the host: information about the inode that was created.
	Entry ChildInodeEntry

	// Set by the bridge: the handle minted for the new open file, echoed by
	// the kernel in follow-up operations using the same struct file.
	Handle HandleID
}

func (o *CreateFileOp) Kind() OpKind { return KindCreateFile }

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

// Unlink a file or symlink from its parent.
type UnlinkOp struct {
	Header OpHeader

	// The ID of parent directory inode, and the name of the entry being
	// removed within it.
	Parent InodeID
	Name   string
}

func (o *UnlinkOp) Kind() OpKind { return KindUnlink }

// Unlink a directory from its parent. The host is responsible for checking
// that the directory is empty, returning ENOTEMPTY otherwise.
type RmDirOp struct {
	Header OpHeader

	Parent InodeID
	Name   string
}

func (o *RmDirOp) Kind() OpKind { return KindRmDir }

// Rename an entry, atomically replacing any existing entry at the new name.
type RenameOp struct {
	Header OpHeader

	// The old parent directory, and the name of the entry within it to be
	// relocated.
	OldParent InodeID
	OldName   string

	// The new parent directory, and the new name of the entry within it.
	NewParent InodeID
	NewName   string
}

func (o *RenameOp) Kind() OpKind { return KindRename }

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

// Open a directory inode. The bridge mints a handle for the open directory
// on success; the kernel echoes it in follow-up operations on the same
// struct file.
type OpenDirOp struct {
	Header OpHeader

	Inode InodeID

	// Mode and options flags from open(2).
	Flags uint32

	// Set by the bridge: the minted handle.
	Handle HandleID
}

func (o *OpenDirOp) Kind() OpKind { return KindOpenDir }

// Read entries from a directory previously opened with OpenDir.
type ReadDirOp struct {
	Header OpHeader

	// The directory inode being read, and the handle previously minted when
	// opening it.
	Inode  InodeID
	Handle HandleID

	// The offset within the directory at which to read. Zero means the
	// beginning; otherwise it is a value previously handed out via an entry's
	// Offset field (see fuseutil.Dirent). This is the continuation protocol
	// for listings that don't fit in a single reply: the kernel comes back
	// with the offset after the last entry it consumed.
	Offset DirOffset

	// The maximum number of bytes to return in Data. A smaller number is
	// acceptable; an empty reply indicates the end of the directory.
	Size int

	// Set by the host: a sequence of wire-format directory entries, as
	// generated by fuseutil.AppendDirent. Must not exceed Size bytes; it is
	// okay for the final entry to be truncated at the limit, since the kernel
	// ignores a partial trailing record.
	Data []byte
}

func (o *ReadDirOp) Kind() OpKind { return KindReadDir }

// Release a previously-minted directory handle. The kernel sends this when
// there are no more references to the open directory. The bridge retires
// the handle once the host completes the operation.
type ReleaseDirHandleOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
}

func (o *ReleaseDirHandleOp) Kind() OpKind { return KindReleaseDirHandle }

// Synchronize a directory's contents to storage, in response to
// fsync(2)/fdatasync(2) on a directory fd.
type SyncDirOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID

	// If true, only data need be flushed, not metadata.
	Datasync bool
}

func (o *SyncDirOp) Kind() OpKind { return KindSyncDir }

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// Open a file inode. The bridge mints a handle for the open file on
// success; the kernel echoes it in follow-up read/write/flush/release
// operations using the same struct file.
type OpenFileOp struct {
	Header OpHeader

	Inode InodeID

	// Mode and options flags from open(2).
	Flags uint32

	// Set by the host: whether the kernel should keep its existing data cache
	// for the inode rather than invalidating it.
	KeepPageCache bool

	// Set by the host: whether to bypass the page cache for this open file.
	UseDirectIO bool

	// Set by the bridge: the minted handle.
	Handle HandleID
}

func (o *OpenFileOp) Kind() OpKind { return KindOpenFile }

// Read data from a file previously opened with CreateFile or OpenFile.
//
// Not sent for every read(2): some reads are served out of the page cache.
type ReadFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID

	// The range of the file to read. The kernel expects exactly Size bytes
	// except at EOF or on error; returning less signals EOF, and is not an
	// error.
	Offset int64
	Size   int

	// Set by the host: the data read. Must not exceed Size bytes.
	Data []byte
}

func (o *ReadFileOp) Kind() OpKind { return KindReadFile }

// Write data to a file previously opened with CreateFile or OpenFile.
//
// Writes arrive from the page cache on the kernel's writeback schedule,
// not one to one with write(2) calls. The kernel does flush dirty pages
// before sending a FlushFileOp for a closing descriptor, so a host that
// orders its handling per handle observes writes before the flush that
// covers them.
//
// The entire payload must be written; partial writes are not expressible in
// the protocol, only success or an error.
type WriteFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID

	// The offset at which to write. Writing past the end of the file extends
	// it, with any gap reading as zeroes.
	Offset int64

	// The data to write.
	Data []byte
}

func (o *WriteFileOp) Kind() OpKind { return KindWriteFile }

// Flush the current state of an open file upon a file descriptor being
// closed. Sent once per close(2) of a descriptor, which is not necessarily
// one to one with opens (consider dup(2)); do not use it for reference
// counting. The handle remains valid afterward, until released.
type FlushFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID

	// The lock owner of the closing descriptor.
	LockOwner uint64
}

func (o *FlushFileOp) Kind() OpKind { return KindFlushFile }

// Release a previously-minted file handle. The kernel sends this when there
// are no more references to the open file: all descriptors closed, all
// mappings unmapped. The bridge retires the handle once the host completes
// the operation.
type ReleaseFileHandleOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
}

func (o *ReleaseFileHandleOp) Kind() OpKind { return KindReleaseFileHandle }

// Synchronize the current contents of an open file to storage, in response
// to fsync(2)/fdatasync(2) and msync(2) with MS_SYNC.
type SyncFileOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID

	// If true, only data need be flushed, not metadata.
	Datasync bool
}

func (o *SyncFileOp) Kind() OpKind { return KindSyncFile }

////////////////////////////////////////////////////////////////////////
// Whole file system
////////////////////////////////////////////////////////////////////////

// Return statistics about the file system's capacity and available
// resources, in response to statfs(2).
type StatFSOp struct {
	Header OpHeader

	Inode InodeID

	// Set by the host. A BlockSize of zero is replaced with a sane default,
	// so that an unimplemented statfs still yields a usable mount.
	BlockSize       uint32
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64
	Inodes          uint64
	InodesFree      uint64
	MaxNameLength   uint32
}

func (o *StatFSOp) Kind() OpKind { return KindStatFS }

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

// Set an extended attribute on an inode.
type SetXattrOp struct {
	Header OpHeader

	Inode InodeID
	Name  string
	Value []byte

	// Creation flags from setxattr(2): XATTR_CREATE, XATTR_REPLACE, or zero.
	Flags uint32
}

func (o *SetXattrOp) Kind() OpKind { return KindSetXattr }

// Get an extended attribute's value, or probe its size.
//
// If Size is zero the caller is asking only how large the value is, and the
// reply carries the length of Data rather than its contents. If the value
// doesn't fit in Size bytes the host should fail with ERANGE.
type GetXattrOp struct {
	Header OpHeader

	Inode InodeID
	Name  string

	// The capacity of the caller's buffer. Zero means a size probe.
	Size uint32

	// Set by the host: the attribute value.
	Data []byte
}

func (o *GetXattrOp) Kind() OpKind { return KindGetXattr }

// List the extended attribute names recorded for an inode, packed as a
// concatenation of null-terminated names. The same size-probe protocol as
// GetXattrOp applies.
type ListXattrOp struct {
	Header OpHeader

	Inode InodeID

	// The capacity of the caller's buffer. Zero means a size probe.
	Size uint32

	// Set by the host: the packed, null-terminated attribute names.
	Data []byte
}

func (o *ListXattrOp) Kind() OpKind { return KindListXattr }

// Remove an extended attribute from an inode.
type RemoveXattrOp struct {
	Header OpHeader

	Inode InodeID
	Name  string
}

func (o *RemoveXattrOp) Kind() OpKind { return KindRemoveXattr }

////////////////////////////////////////////////////////////////////////
// Misc
////////////////////////////////////////////////////////////////////////

// Check access permissions for an inode, in response to access(2).
type AccessOp struct {
	Header OpHeader

	Inode InodeID

	// The requested access mask, e.g. R_OK|W_OK.
	Mask uint32
}

func (o *AccessOp) Kind() OpKind { return KindAccess }

// Test for the existence of a POSIX byte-range lock.
type GetLockOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
	Owner  uint64

	// The lock being queried. The host overwrites it with the conflicting
	// lock if one exists, or sets its Type to the unlock value if not.
	Lock FileLock
}

func (o *GetLockOp) Kind() OpKind { return KindGetLock }

// Acquire or release a POSIX byte-range lock.
type SetLockOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID
	Owner  uint64

	Lock FileLock

	// Whether to block until the lock can be acquired.
	Wait bool
}

func (o *SetLockOp) Kind() OpKind { return KindSetLock }

// Map a block index within a file to a block index within its backing
// device. Only relevant to block-device-backed file systems.
type BmapOp struct {
	Header OpHeader

	Inode     InodeID
	Block     uint64
	BlockSize uint32

	// Set by the host: the mapped block index.
	Result uint64
}

func (o *BmapOp) Kind() OpKind { return KindBmap }

// Perform a device-specific ioctl on an open file.
type IoctlOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID

	Cmd   uint32
	Arg   uint64
	Flags uint32

	// The ioctl's input payload, and the caller's output capacity.
	Input   []byte
	OutSize uint32

	// Set by the host: the ioctl result value and output payload. Output
	// must not exceed OutSize bytes.
	Result int32
	Output []byte
}

func (o *IoctlOp) Kind() OpKind { return KindIoctl }

// Manipulate the allocated space for an open file, in response to
// fallocate(2).
type FallocateOp struct {
	Header OpHeader

	Inode  InodeID
	Handle HandleID

	Offset uint64
	Length uint64
	Mode   uint32
}

func (o *FallocateOp) Kind() OpKind { return KindFallocate }
