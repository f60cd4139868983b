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

package buffer

import (
	"sync"
	"unsafe"

	"github.com/hostfs/fusebridge/internal/freelist"
)

// MessageProvider is used to get and release the buffers needed to
// communicate with the kernel. Implementations must be safe for concurrent
// access.
type MessageProvider interface {
	// GetInMessage is called before reading each request from the kernel. It
	// is generally recommended to maintain a pool of InMessages rather than
	// generating a new InMessage for every request, since the buffer size
	// needed to read a request from the kernel can be quite large.
	GetInMessage() *InMessage

	// GetOutMessage is called when constructing a reply. The result has been
	// Reset and is ready for use.
	GetOutMessage() *OutMessage

	// PutInMessage and PutOutMessage are called either on error, or after the
	// reply to a request has been written to the kernel.
	PutInMessage(*InMessage)
	PutOutMessage(*OutMessage)
}

// DefaultMessageProvider is the implementation used when no custom provider
// is supplied in the session config. It recycles messages with a simple list
// of pointers.
type DefaultMessageProvider struct {
	mu sync.Mutex

	inMessages  freelist.Freelist // GUARDED_BY(mu)
	outMessages freelist.Freelist // GUARDED_BY(mu)
}

func (m *DefaultMessageProvider) GetInMessage() *InMessage {
	m.mu.Lock()
	x := (*InMessage)(m.inMessages.Get())
	m.mu.Unlock()

	if x == nil {
		x = NewInMessage()
	}

	return x
}

func (m *DefaultMessageProvider) GetOutMessage() *OutMessage {
	m.mu.Lock()
	x := (*OutMessage)(m.outMessages.Get())
	m.mu.Unlock()

	if x == nil {
		x = new(OutMessage)
	}
	x.Reset()

	return x
}

func (m *DefaultMessageProvider) PutInMessage(x *InMessage) {
	m.mu.Lock()
	m.inMessages.Put(unsafe.Pointer(x))
	m.mu.Unlock()
}

func (m *DefaultMessageProvider) PutOutMessage(x *OutMessage) {
	m.mu.Lock()
	m.outMessages.Put(unsafe.Pointer(x))
	m.mu.Unlock()
}
