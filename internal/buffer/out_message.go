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
	"unsafe"

	"github.com/hostfs/fusebridge/internal/fusekernel"
)

// MaxReadSize is the largest read reply payload we support. Replies are
// sized to hold a header plus the largest read that may come in.
const MaxReadSize = 1 << 20

const outHeaderSize = unsafe.Sizeof(fusekernel.OutHeader{})

// We size out messages to be large enough to hold a header for the response
// plus the largest read that may come in.
const outMessageSize = outHeaderSize + MaxReadSize

// OutMessage provides a mechanism for constructing a single contiguous fuse
// message from multiple segments, where the first segment is always a
// fusekernel.OutHeader message.
//
// Must be initialized with Reset.
type OutMessage struct {
	offset uintptr

	// The high-water mark for offset since the last Reset. ShrinkTo may move
	// offset backwards, but the bytes beyond it are still dirty.
	watermark uintptr

	storage [outMessageSize]byte
}

// Reset the message so that it is ready to be used again. Afterward, the
// contents are solely a zeroed header.
func (m *OutMessage) Reset() {
	// Zero only what's been dirtied so far, not the full megabyte of storage.
	used := m.watermark
	if used < outHeaderSize {
		used = outHeaderSize
	}

	m.offset = outHeaderSize
	m.watermark = outHeaderSize
	memclr(unsafe.Pointer(&m.storage), used)
}

// Return a pointer to the header at the start of the message.
func (m *OutMessage) OutHeader() *fusekernel.OutHeader {
	return (*fusekernel.OutHeader)(unsafe.Pointer(&m.storage))
}

// Grow the buffer by the supplied number of bytes, returning a pointer to
// the start of the new segment, which is zeroed. If there is no space left,
// return the nil pointer.
func (m *OutMessage) Grow(size uintptr) unsafe.Pointer {
	p := m.GrowNoZero(size)
	if p != nil {
		memclr(p, size)
	}
	return p
}

// Equivalent to Grow, except the new segment is not zeroed. Use with
// caution!
func (m *OutMessage) GrowNoZero(size uintptr) unsafe.Pointer {
	if m.offset+size > outMessageSize {
		return nil
	}

	p := unsafe.Pointer(uintptr(unsafe.Pointer(&m.storage)) + m.offset)
	m.offset += size
	if m.offset > m.watermark {
		m.watermark = m.offset
	}
	return p
}

// ShrinkTo shrinks the message to the supplied size. It panics if the size
// is greater than Len() or less than the header size.
func (m *OutMessage) ShrinkTo(n int) {
	if n < int(outHeaderSize) || n > m.Len() {
		panic("ShrinkTo out of range")
	}
	m.offset = uintptr(n)
}

// Equivalent to growing by the length of p, then copying p over the new
// segment. Panics if there is not enough room available.
func (m *OutMessage) Append(p []byte) {
	dst := m.GrowNoZero(uintptr(len(p)))
	if dst == nil {
		panic("out of space in OutMessage")
	}

	sh := (*[outMessageSize]byte)(dst)
	copy(sh[:len(p)], p)
}

// Equivalent to growing by the length of s, then copying s over the new
// segment. Panics if there is not enough room available.
func (m *OutMessage) AppendString(s string) {
	dst := m.GrowNoZero(uintptr(len(s)))
	if dst == nil {
		panic("out of space in OutMessage")
	}

	sh := (*[outMessageSize]byte)(dst)
	copy(sh[:len(s)], s)
}

// Return the current size of the buffer.
func (m *OutMessage) Len() int {
	return int(m.offset)
}

// Return a reference to the current contents of the buffer.
func (m *OutMessage) Bytes() []byte {
	return m.storage[:m.offset]
}

// memclr zeroes the n bytes starting at p.
func memclr(p unsafe.Pointer, n uintptr) {
	s := (*[outMessageSize]byte)(p)[:n]
	for i := range s {
		s[i] = 0
	}
}
