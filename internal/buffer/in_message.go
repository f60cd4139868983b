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
	"fmt"
	"io"
	"unsafe"

	"github.com/hostfs/fusebridge/internal/fusekernel"
)

// MaxWriteSize is the largest WriteIn payload the kernel may send us, and
// therefore the amount of scratch space an InMessage must provide beyond the
// headers. It is also the ceiling for the max_write value advertised during
// the init handshake.
const MaxWriteSize = 1 << 20

// All requests read from the kernel have a size of at most this many bytes:
// the largest variable payload is a write of MaxWriteSize bytes, behind an
// InHeader and a WriteIn.
const inMessageSize = MaxWriteSize + 4096

// An incoming message from the kernel, including the leading
// fusekernel.InHeader struct. Provides storage for messages and convenient
// access to their contents.
type InMessage struct {
	remaining []byte
	storage   []byte
}

// NewInMessage creates an InMessage with its own storage.
func NewInMessage() *InMessage {
	return &InMessage{
		storage: make([]byte, inMessageSize),
	}
}

// Initialize with the data read by a single call to r.Read. The first call
// to Consume will consume the bytes directly after the fusekernel.InHeader
// struct.
func (m *InMessage) Init(r io.Reader) error {
	n, err := r.Read(m.storage)
	if err != nil {
		return err
	}

	// Make sure the message is long enough.
	if n < fusekernel.InHeaderSize {
		return fmt.Errorf("unexpectedly read only %d bytes", n)
	}

	// The header's declared length must agree with what was actually read.
	if int(m.Header().Len) != n {
		return fmt.Errorf(
			"header says %d bytes, but read %d",
			m.Header().Len,
			n)
	}

	m.remaining = m.storage[fusekernel.InHeaderSize:n]
	return nil
}

// Return a reference to the header read in the most recent call to Init.
func (m *InMessage) Header() *fusekernel.InHeader {
	return (*fusekernel.InHeader)(unsafe.Pointer(&m.storage[0]))
}

// Return the number of bytes left to consume.
func (m *InMessage) Len() uintptr {
	return uintptr(len(m.remaining))
}

// Consume the next n bytes from the message, returning a nil pointer if
// there are fewer than n bytes available.
func (m *InMessage) Consume(n uintptr) unsafe.Pointer {
	if m.Len() == 0 || n > m.Len() {
		return nil
	}

	p := unsafe.Pointer(&m.remaining[0])
	m.remaining = m.remaining[n:]
	return p
}

// Equivalent to Consume, except returns a slice of bytes. The result will be
// nil if Consume fails.
func (m *InMessage) ConsumeBytes(n uintptr) []byte {
	if n > m.Len() {
		return nil
	}

	b := m.remaining[:n]
	m.remaining = m.remaining[n:]
	return b
}
