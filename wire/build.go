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

package wire

import "github.com/google/tpm2-rm/tpm2const"

// BuildFlushContextCommand builds a TPM2_FlushContext command for handle,
// matching tpm2_command_new(TPM2_CC_FlushContext, handle) in the reference
// implementation's access broker.
func BuildFlushContextCommand(handle tpm2const.Handle) []byte {
	size := HeaderSize + 4
	buf := make([]byte, size)
	putHeader(buf, tpm2const.STNoSessions, uint32(size), uint32(tpm2const.CCFlushContext))
	putHandle(buf, HeaderSize, handle)
	return buf
}

// BuildContextSaveCommand builds a TPM2_ContextSave command for handle,
// matching tpm2_command_new_context_save.
func BuildContextSaveCommand(handle tpm2const.Handle) []byte {
	size := HeaderSize + 4
	buf := make([]byte, size)
	putHeader(buf, tpm2const.STNoSessions, uint32(size), uint32(tpm2const.CCContextSave))
	putHandle(buf, HeaderSize, handle)
	return buf
}

// BuildContextLoadCommand builds a TPM2_ContextLoad command carrying ctx,
// matching tpm2_command_new_context_load.
func BuildContextLoadCommand(ctx Context) []byte {
	body := ctx.Marshal()
	size := HeaderSize + len(body)
	buf := make([]byte, size)
	putHeader(buf, tpm2const.STNoSessions, uint32(size), uint32(tpm2const.CCContextLoad))
	copy(buf[HeaderSize:], body)
	return buf
}
