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

// Package accessbroker defines the resource manager's view of the TPM
// device: the four blocking operations spec.md §6 calls out (send_command,
// context_load, context_saveflush, context_flush), plus a real
// implementation that serializes those onto a TPM character device. The
// interface shape follows direct/transport/tpm.go's TPM interface
// (Send/Close over an io.ReadWriteCloser); the operations themselves are
// grounded on access-broker.c's access_broker_* functions in the reference
// implementation.
package accessbroker

import (
	"github.com/google/tpm2-rm/tpm2const"
	"github.com/google/tpm2-rm/wire"
)

// Broker is everything the resource manager needs from the device. Every
// method blocks until the device responds; nothing here is safe to call
// concurrently; the resource manager's single worker thread is always its
// only caller (spec.md §5).
type Broker interface {
	// SendCommand forwards a fully-formed command buffer to the device and
	// returns its response buffer.
	SendCommand(cmd []byte) (resp []byte, err error)
	// ContextLoad loads a previously-saved context into the device,
	// returning the physical handle it was assigned.
	ContextLoad(ctx wire.Context) (phandle tpm2const.Handle, err error)
	// ContextSaveFlush saves the context of the object at phandle and then
	// flushes it from the device, returning the saved context.
	ContextSaveFlush(phandle tpm2const.Handle) (ctx wire.Context, err error)
	// ContextFlush flushes handle from the device without saving its
	// context first.
	ContextFlush(handle tpm2const.Handle) error
}
