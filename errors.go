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
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	// Errors corresponding to kernel error numbers. These may be treated
	// specially by Completion.Fail.
	EACCES       = unix.EACCES
	EEXIST       = unix.EEXIST
	EINTR        = unix.EINTR
	EINVAL       = unix.EINVAL
	EIO          = unix.EIO
	EISDIR       = unix.EISDIR
	ENAMETOOLONG = unix.ENAMETOOLONG
	ENOENT       = unix.ENOENT
	ENOSPC       = unix.ENOSPC
	ENOSYS       = unix.ENOSYS
	ENOTDIR      = unix.ENOTDIR
	ENOTEMPTY    = unix.ENOTEMPTY
	EPERM        = unix.EPERM
	EPROTO       = unix.EPROTO
	ERANGE       = unix.ERANGE
	EROFS        = unix.EROFS
	ESTALE       = unix.ESTALE
)

// errno returns the kernel error number to transmit for the supplied error.
// Errors that are not already errnos are reported as EIO, so that a host
// handing back an arbitrary Go error still yields a legal reply.
func errno(err error) int32 {
	if err == nil {
		return 0
	}

	if errno, ok := err.(syscall.Errno); ok {
		return int32(errno)
	}

	return int32(EIO)
}
