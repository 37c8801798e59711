// Copyright (c) 2024, Google LLC All rights reserved.
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

// Package resourcemgr implements the command-path engine: the pipeline
// that rewrites handles, loads and saves contexts around each command, the
// special-case virtualization of FlushContext/ContextSave/ContextLoad/
// GetCapability, and connection teardown. It is grounded throughout on
// resource-manager.c from the reference implementation.
package resourcemgr

import "github.com/google/tpm2-rm/connection"

// ControlCode identifies a control message traveling the same inbound
// queue as commands (spec.md §4.7).
type ControlCode int

const (
	// CheckCancel asks the worker loop to stop after forwarding the
	// message to the sink.
	CheckCancel ControlCode = iota
	// ConnectionRemoved signals that a client connection has closed; the
	// worker runs connection teardown (spec.md §4.6) before forwarding.
	ConnectionRemoved
)

// Command is an inbound TPM2 command paired with the connection it arrived
// on.
type Command struct {
	Conn *connection.Connection
	Buf  []byte
}

// ControlMessage is an inbound control message paired with, when
// applicable, the connection it concerns.
type ControlMessage struct {
	Code ControlCode
	Conn *connection.Connection
}
