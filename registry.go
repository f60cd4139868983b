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
	"sync/atomic"
	"time"

	"github.com/hostfs/fusebridge/fuseops"
	"github.com/hostfs/fusebridge/internal/buffer"
	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/syncutil"
)

// States for pendingRequest.state. A request can be completed at most once,
// and the two sides race for it: the host by succeeding or failing the
// operation, the bridge by cancelling it (interrupt, deadline, teardown).
const (
	requestPending   int32 = iota
	requestCompleted       // The host won; a reply has been chosen.
	requestCancelled       // The bridge won; the host's completion is void.
)

// pendingRequest tracks a single in-flight kernel request from decode until
// a reply is chosen for it.
type pendingRequest struct {
	unique uint64
	op     fuseops.Op

	// The time at which the request was accepted, for debug logging.
	received time.Time

	// The raw message the op was decoded from. Byte-slice fields of the op
	// alias its storage, so it is recycled only once the host has completed
	// the operation.
	inMsg *buffer.InMessage

	// See the request* constants. Accessed only via atomics.
	state int32

	// The completion deadline watchdog, if the session has one. May be nil.
	timer *time.Timer

	// Report function for the request's trace span.
	report reqtrace.ReportFunc
}

// completeByHost attempts to move the request from pending to completed on
// behalf of the host. It returns false if the bridge already cancelled the
// request, in which case the completion must be silently dropped. A second
// host completion is a bug in the host and panics.
func (r *pendingRequest) completeByHost() bool {
	if atomic.CompareAndSwapInt32(&r.state, requestPending, requestCompleted) {
		return true
	}

	if atomic.LoadInt32(&r.state) == requestCompleted {
		panic(fmt.Sprintf(
			"duplicate completion for request %d (%s)",
			r.unique,
			r.op.Kind()))
	}

	return false
}

// completeByBridge attempts to move the request from pending to cancelled,
// returning false if the host already completed it.
func (r *pendingRequest) completeByBridge() bool {
	return atomic.CompareAndSwapInt32(
		&r.state, requestPending, requestCancelled)
}

// stopTimer stops the deadline watchdog, if any.
func (r *pendingRequest) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// requestRegistry indexes in-flight requests by their kernel-assigned
// unique ID, so that interrupts can find their targets and teardown can
// find everything.
type requestRegistry struct {
	mu syncutil.InvariantMutex

	// INVARIANT: For each v in requests, requests[v.unique] == v
	//
	// GUARDED_BY(mu)
	requests map[uint64]*pendingRequest
}

func newRequestRegistry() *requestRegistry {
	r := &requestRegistry{
		requests: make(map[uint64]*pendingRequest),
	}

	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *requestRegistry) checkInvariants() {
	// INVARIANT: For each v in requests, requests[v.unique] == v
	for k, v := range r.requests {
		if v.unique != k {
			panic("Mis-indexed pending request")
		}
	}
}

// Add a request to the registry. The kernel never reuses a unique ID while
// the request it names is still outstanding, so a duplicate means we have
// lost protocol sync with it and the session must die.
func (r *requestRegistry) Register(req *pendingRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[req.unique]; ok {
		return fmt.Errorf("duplicate in-flight request ID %d", req.unique)
	}

	r.requests[req.unique] = req
	return nil
}

// Look up an in-flight request by ID.
func (r *requestRegistry) Get(unique uint64) (req *pendingRequest, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok = r.requests[unique]
	return
}

// Remove a request from the registry, if present.
func (r *requestRegistry) Forget(unique uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.requests, unique)
}

// Remove and return all in-flight requests, as on session teardown.
func (r *requestRegistry) TakeAll() []*pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*pendingRequest, 0, len(r.requests))
	for _, req := range r.requests {
		all = append(all, req)
	}

	r.requests = make(map[uint64]*pendingRequest)
	return all
}

// Return the number of in-flight requests.
func (r *requestRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.requests)
}
