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

import "fmt"

// OpKind tags the variant of an operation delivered to the bridge. Handler
// registration, the pending-invocation registry, and diagnostics are all
// keyed on it.
type OpKind int

const (
	KindLookUpInode OpKind = iota
	KindForgetInode
	KindBatchForget
	KindGetInodeAttributes
	KindSetInodeAttributes
	KindReadSymlink
	KindCreateSymlink
	KindMkNode
	KindMkDir
	KindUnlink
	KindRmDir
	KindRename
	KindCreateLink
	KindOpenFile
	KindReadFile
	KindWriteFile
	KindFlushFile
	KindReleaseFileHandle
	KindSyncFile
	KindOpenDir
	KindReadDir
	KindReleaseDirHandle
	KindSyncDir
	KindStatFS
	KindSetXattr
	KindGetXattr
	KindListXattr
	KindRemoveXattr
	KindAccess
	KindCreateFile
	KindGetLock
	KindSetLock
	KindBmap
	KindIoctl
	KindFallocate

	// NumOpKinds is the number of operation kinds above. Not itself a kind.
	NumOpKinds
)

var kindNames = [NumOpKinds]string{
	KindLookUpInode:        "LookUpInode",
	KindForgetInode:        "ForgetInode",
	KindBatchForget:        "BatchForget",
	KindGetInodeAttributes: "GetInodeAttributes",
	KindSetInodeAttributes: "SetInodeAttributes",
	KindReadSymlink:        "ReadSymlink",
	KindCreateSymlink:      "CreateSymlink",
	KindMkNode:             "MkNode",
	KindMkDir:              "MkDir",
	KindUnlink:             "Unlink",
	KindRmDir:              "RmDir",
	KindRename:             "Rename",
	KindCreateLink:         "CreateLink",
	KindOpenFile:           "OpenFile",
	KindReadFile:           "ReadFile",
	KindWriteFile:          "WriteFile",
	KindFlushFile:          "FlushFile",
	KindReleaseFileHandle:  "ReleaseFileHandle",
	KindSyncFile:           "SyncFile",
	KindOpenDir:            "OpenDir",
	KindReadDir:            "ReadDir",
	KindReleaseDirHandle:   "ReleaseDirHandle",
	KindSyncDir:            "SyncDir",
	KindStatFS:             "StatFS",
	KindSetXattr:           "SetXattr",
	KindGetXattr:           "GetXattr",
	KindListXattr:          "ListXattr",
	KindRemoveXattr:        "RemoveXattr",
	KindAccess:             "Access",
	KindCreateFile:         "CreateFile",
	KindGetLock:            "GetLock",
	KindSetLock:            "SetLock",
	KindBmap:               "Bmap",
	KindIoctl:              "Ioctl",
	KindFallocate:          "Fallocate",
}

func (k OpKind) String() string {
	if k < 0 || k >= NumOpKinds {
		return fmt.Sprintf("OpKind(%d)", int(k))
	}
	return kindNames[k]
}
