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

import "io"

// Transport is the session's view of a kernel connection. A /dev/fuse file
// descriptor satisfies it directly, since the kernel device exchanges whole
// messages: each call to Read returns exactly one request, and each call to
// Write must be handed exactly one complete reply.
//
// Read is called from the session's single dispatch goroutine and Write
// from its single reply-writing goroutine, so implementations need not
// support concurrent calls to the same method. Read returning io.EOF is
// treated as a clean disconnect.
//
// Close must unblock any pending Read.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}
