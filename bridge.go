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
	"sync"

	"github.com/hostfs/fusebridge/fuseops"
)

// InitInfo describes the outcome of the init handshake, as delivered to the
// OnInit callback.
type InitInfo struct {
	// The negotiated protocol version.
	Major uint32
	Minor uint32

	// The limits announced to the kernel.
	MaxWrite     uint32
	MaxReadahead uint32
}

// handlerFunc is the erased form of a registered callback.
type handlerFunc func(op fuseops.Op, c *Completion)

// A Bridge holds the host's operation callbacks. The host registers one
// callback per operation kind it implements; a session consults the bridge
// when dispatching and answers unhandled kinds with ENOSYS itself.
//
// Callbacks are invoked on the session's dispatch goroutine, one at a time
// and in kernel order. A callback must not block on the completion of
// another operation; long-running work belongs on a goroutine of the host's
// choosing, with the Completion called when the work is done.
//
// Registration is typically done before the session starts serving, but is
// safe at any time. Registering a kind twice replaces the earlier callback.
type Bridge struct {
	mu sync.RWMutex

	// GUARDED_BY(mu)
	handlers [fuseops.NumOpKinds]handlerFunc

	// Notifications, which have no completion. GUARDED_BY(mu)
	init        func(InitInfo)
	destroy     func()
	forgetInode func(*fuseops.ForgetInodeOp)
	batchForget func(*fuseops.BatchForgetOp)
}

func NewBridge() *Bridge {
	return &Bridge{}
}

func (b *Bridge) set(k fuseops.OpKind, f handlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[k] = f
}

// handler returns the callback registered for the supplied kind, or nil.
func (b *Bridge) handler(k fuseops.OpKind) handlerFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k < 0 || k >= fuseops.NumOpKinds {
		return nil
	}

	return b.handlers[k]
}

// OnInit registers a notification for the completion of the init handshake.
// The session has already replied to the kernel by the time it fires.
func (b *Bridge) OnInit(f func(InitInfo)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.init = f
}

// OnDestroy registers a notification for the kernel announcing the end of
// the session. No reply is involved.
func (b *Bridge) OnDestroy(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.destroy = f
}

// OnForgetInode registers a callback for forget messages. These carry no
// reply, so the callback has no completion to call.
func (b *Bridge) OnForgetInode(f func(*fuseops.ForgetInodeOp)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.forgetInode = f
}

// OnBatchForget registers a callback for batched forget messages. Like
// OnForgetInode, there is no completion.
func (b *Bridge) OnBatchForget(f func(*fuseops.BatchForgetOp)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batchForget = f
}

func (b *Bridge) initHandler() func(InitInfo) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.init
}

func (b *Bridge) destroyHandler() func() {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.destroy
}

func (b *Bridge) forgetInodeHandler() func(*fuseops.ForgetInodeOp) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.forgetInode
}

func (b *Bridge) batchForgetHandler() func(*fuseops.BatchForgetOp) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.batchForget
}

func (b *Bridge) OnLookUpInode(f func(*fuseops.LookUpInodeOp, *Completion)) {
	b.set(fuseops.KindLookUpInode, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.LookUpInodeOp), c)
	})
}

func (b *Bridge) OnGetInodeAttributes(
	f func(*fuseops.GetInodeAttributesOp, *Completion)) {
	b.set(fuseops.KindGetInodeAttributes, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.GetInodeAttributesOp), c)
	})
}

func (b *Bridge) OnSetInodeAttributes(
	f func(*fuseops.SetInodeAttributesOp, *Completion)) {
	b.set(fuseops.KindSetInodeAttributes, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.SetInodeAttributesOp), c)
	})
}

func (b *Bridge) OnReadSymlink(f func(*fuseops.ReadSymlinkOp, *Completion)) {
	b.set(fuseops.KindReadSymlink, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.ReadSymlinkOp), c)
	})
}

func (b *Bridge) OnCreateSymlink(
	f func(*fuseops.CreateSymlinkOp, *Completion)) {
	b.set(fuseops.KindCreateSymlink, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.CreateSymlinkOp), c)
	})
}

func (b *Bridge) OnCreateLink(f func(*fuseops.CreateLinkOp, *Completion)) {
	b.set(fuseops.KindCreateLink, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.CreateLinkOp), c)
	})
}

func (b *Bridge) OnMkNode(f func(*fuseops.MkNodeOp, *Completion)) {
	b.set(fuseops.KindMkNode, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.MkNodeOp), c)
	})
}

func (b *Bridge) OnMkDir(f func(*fuseops.MkDirOp, *Completion)) {
	b.set(fuseops.KindMkDir, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.MkDirOp), c)
	})
}

func (b *Bridge) OnCreateFile(f func(*fuseops.CreateFileOp, *Completion)) {
	b.set(fuseops.KindCreateFile, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.CreateFileOp), c)
	})
}

func (b *Bridge) OnUnlink(f func(*fuseops.UnlinkOp, *Completion)) {
	b.set(fuseops.KindUnlink, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.UnlinkOp), c)
	})
}

func (b *Bridge) OnRmDir(f func(*fuseops.RmDirOp, *Completion)) {
	b.set(fuseops.KindRmDir, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.RmDirOp), c)
	})
}

func (b *Bridge) OnRename(f func(*fuseops.RenameOp, *Completion)) {
	b.set(fuseops.KindRename, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.RenameOp), c)
	})
}

func (b *Bridge) OnOpenFile(f func(*fuseops.OpenFileOp, *Completion)) {
	b.set(fuseops.KindOpenFile, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.OpenFileOp), c)
	})
}

func (b *Bridge) OnReadFile(f func(*fuseops.ReadFileOp, *Completion)) {
	b.set(fuseops.KindReadFile, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.ReadFileOp), c)
	})
}

func (b *Bridge) OnWriteFile(f func(*fuseops.WriteFileOp, *Completion)) {
	b.set(fuseops.KindWriteFile, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.WriteFileOp), c)
	})
}

func (b *Bridge) OnFlushFile(f func(*fuseops.FlushFileOp, *Completion)) {
	b.set(fuseops.KindFlushFile, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.FlushFileOp), c)
	})
}

func (b *Bridge) OnReleaseFileHandle(
	f func(*fuseops.ReleaseFileHandleOp, *Completion)) {
	b.set(fuseops.KindReleaseFileHandle, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.ReleaseFileHandleOp), c)
	})
}

func (b *Bridge) OnSyncFile(f func(*fuseops.SyncFileOp, *Completion)) {
	b.set(fuseops.KindSyncFile, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.SyncFileOp), c)
	})
}

func (b *Bridge) OnOpenDir(f func(*fuseops.OpenDirOp, *Completion)) {
	b.set(fuseops.KindOpenDir, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.OpenDirOp), c)
	})
}

func (b *Bridge) OnReadDir(f func(*fuseops.ReadDirOp, *Completion)) {
	b.set(fuseops.KindReadDir, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.ReadDirOp), c)
	})
}

func (b *Bridge) OnReleaseDirHandle(
	f func(*fuseops.ReleaseDirHandleOp, *Completion)) {
	b.set(fuseops.KindReleaseDirHandle, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.ReleaseDirHandleOp), c)
	})
}

func (b *Bridge) OnSyncDir(f func(*fuseops.SyncDirOp, *Completion)) {
	b.set(fuseops.KindSyncDir, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.SyncDirOp), c)
	})
}

func (b *Bridge) OnStatFS(f func(*fuseops.StatFSOp, *Completion)) {
	b.set(fuseops.KindStatFS, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.StatFSOp), c)
	})
}

func (b *Bridge) OnSetXattr(f func(*fuseops.SetXattrOp, *Completion)) {
	b.set(fuseops.KindSetXattr, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.SetXattrOp), c)
	})
}

func (b *Bridge) OnGetXattr(f func(*fuseops.GetXattrOp, *Completion)) {
	b.set(fuseops.KindGetXattr, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.GetXattrOp), c)
	})
}

func (b *Bridge) OnListXattr(f func(*fuseops.ListXattrOp, *Completion)) {
	b.set(fuseops.KindListXattr, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.ListXattrOp), c)
	})
}

func (b *Bridge) OnRemoveXattr(f func(*fuseops.RemoveXattrOp, *Completion)) {
	b.set(fuseops.KindRemoveXattr, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.RemoveXattrOp), c)
	})
}

func (b *Bridge) OnAccess(f func(*fuseops.AccessOp, *Completion)) {
	b.set(fuseops.KindAccess, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.AccessOp), c)
	})
}

func (b *Bridge) OnGetLock(f func(*fuseops.GetLockOp, *Completion)) {
	b.set(fuseops.KindGetLock, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.GetLockOp), c)
	})
}

func (b *Bridge) OnSetLock(f func(*fuseops.SetLockOp, *Completion)) {
	b.set(fuseops.KindSetLock, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.SetLockOp), c)
	})
}

func (b *Bridge) OnBmap(f func(*fuseops.BmapOp, *Completion)) {
	b.set(fuseops.KindBmap, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.BmapOp), c)
	})
}

func (b *Bridge) OnIoctl(f func(*fuseops.IoctlOp, *Completion)) {
	b.set(fuseops.KindIoctl, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.IoctlOp), c)
	})
}

func (b *Bridge) OnFallocate(f func(*fuseops.FallocateOp, *Completion)) {
	b.set(fuseops.KindFallocate, func(op fuseops.Op, c *Completion) {
		f(op.(*fuseops.FallocateOp), c)
	})
}
