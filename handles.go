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
	"github.com/hostfs/fusebridge/fuseops"
	"github.com/jacobsa/syncutil"
)

// handleInfo records what a live handle refers to.
type handleInfo struct {
	inode fuseops.InodeID
	dir   bool
}

// handleTable mints the handle IDs echoed by the kernel in operations that
// refer to an open file or directory. IDs are unique within a session for
// its lifetime; a released ID is never reissued.
type handleTable struct {
	mu syncutil.InvariantMutex

	// The ID to hand out next.
	//
	// INVARIANT: For each k in handles, k < nextID
	//
	// GUARDED_BY(mu)
	nextID fuseops.HandleID

	// GUARDED_BY(mu)
	handles map[fuseops.HandleID]handleInfo
}

func newHandleTable() *handleTable {
	t := &handleTable{
		handles: make(map[fuseops.HandleID]handleInfo),
	}

	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return t
}

func (t *handleTable) checkInvariants() {
	// INVARIANT: For each k in handles, k < nextID
	for k := range t.handles {
		if k >= t.nextID {
			panic("Improperly-allocated handle ID")
		}
	}
}

// Mint a new handle referring to the supplied inode.
func (t *handleTable) Allocate(
	inode fuseops.InodeID,
	dir bool) (id fuseops.HandleID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id = t.nextID
	t.nextID++
	t.handles[id] = handleInfo{inode: inode, dir: dir}

	return
}

// Look up a previously-minted handle.
func (t *handleTable) Lookup(id fuseops.HandleID) (info handleInfo, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok = t.handles[id]
	return
}

// Retire a previously-minted handle. Return EINVAL if the handle is not
// live, e.g. because it was already released.
func (t *handleTable) Release(id fuseops.HandleID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handles[id]; !ok {
		return EINVAL
	}

	delete(t.handles, id)
	return nil
}

// Return the number of live handles.
func (t *handleTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.handles)
}

// Drop all live handles, as on session teardown.
func (t *handleTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handles = make(map[fuseops.HandleID]handleInfo)
}
