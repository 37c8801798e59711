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

package session

import "github.com/google/tpm2-rm/tpm2const"

// Owner identifies whatever a SessionEntry belongs to. It is satisfied by
// *connection.Connection; session depends only on this narrow interface
// rather than the connection package itself, which is the Go rendition of
// the reference implementation's design note about avoiding a strong,
// owning cycle between SessionEntry and Connection (spec.md §9): the
// package holds an identity, not a reference that keeps a Connection
// alive.
type Owner interface {
	ID() uint64
}

// Entry is one TPM session: its owner, its stable handle, its saved
// context (empty while Loaded), and its place in the state machine.
//
// Invariant (spec.md §4.3): Context is non-empty iff State is one of
// SavedRM, SavedClient, or SavedClientClosed.
type Entry struct {
	Owner   Owner
	Handle  tpm2const.Handle
	Context []byte
	State   State
}
