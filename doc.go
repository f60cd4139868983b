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

// Package fusebridge speaks the FUSE kernel protocol on behalf of a host
// program, translating raw kernel messages into typed operations and typed
// completions back into kernel replies.
//
// The primary elements of interest are:
//
//  *  The Bridge type, on which the host registers one callback per
//     operation kind it cares about. Operations with no registered callback
//     are answered with ENOSYS.
//
//  *  The Session type, which drives a single kernel connection: it
//     performs the init handshake, decodes and dispatches requests, tracks
//     them until completed, and serializes replies.
//
//  *  The Transport interface, the session's view of the kernel connection.
//     In production this is a /dev/fuse file descriptor obtained by whatever
//     mounts the file system; in tests it can be anything that frames whole
//     messages.
//
// The package does not mount or unmount anything, and it holds no file
// system state beyond the bookkeeping the protocol itself requires (pending
// requests and open handles).
package fusebridge
