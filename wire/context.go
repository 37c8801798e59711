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

import (
	"encoding/binary"
	"fmt"

	"github.com/google/tpm2-rm/tpm2const"
)

// Context is a TPMS_CONTEXT: the structure ContextSave produces and
// ContextLoad consumes to suspend/resume a session or transient object.
// The resource manager treats the contextBlob as opaque bytes; it only
// needs SavedHandle to classify the context's kind.
type Context struct {
	Sequence    uint64
	SavedHandle tpm2const.Handle
	Hierarchy   tpm2const.Handle
	Blob        []byte
}

// ParseContext unmarshals a TPMS_CONTEXT from the front of buf. Trailing
// bytes are ignored, matching Tss2_MU_TPMS_CONTEXT_Unmarshal's behavior
// when called against a command body that contains nothing else.
func ParseContext(buf []byte) (Context, error) {
	if len(buf) < 8+4+4+2 {
		return Context{}, fmt.Errorf("wire: TPMS_CONTEXT buffer too short")
	}
	seq := binary.BigEndian.Uint64(buf[0:8])
	saved := getHandle(buf, 8)
	hier := getHandle(buf, 12)
	blobLen := int(binary.BigEndian.Uint16(buf[16:18]))
	if 18+blobLen > len(buf) {
		return Context{}, fmt.Errorf("wire: TPMS_CONTEXT blob length %d exceeds buffer", blobLen)
	}
	blob := make([]byte, blobLen)
	copy(blob, buf[18:18+blobLen])
	return Context{Sequence: seq, SavedHandle: saved, Hierarchy: hier, Blob: blob}, nil
}

// Marshal serializes a Context back to its TPMS_CONTEXT wire form.
func (c Context) Marshal() []byte {
	buf := make([]byte, 18+len(c.Blob))
	binary.BigEndian.PutUint64(buf[0:8], c.Sequence)
	putHandle(buf, 8, c.SavedHandle)
	putHandle(buf, 12, c.Hierarchy)
	binary.BigEndian.PutUint16(buf[16:18], uint16(len(c.Blob)))
	copy(buf[18:], c.Blob)
	return buf
}

// NewContextSaveResponse builds a TPM2_ContextSave response carrying ctx as
// its sole parameter, matching tpm2_response_new_context_save.
func NewContextSaveResponse(ctx Context) []byte {
	body := ctx.Marshal()
	buf := make([]byte, HeaderSize+len(body))
	putHeader(buf, tpm2const.STNoSessions, uint32(len(buf)), uint32(tpm2const.RCSuccess))
	copy(buf[HeaderSize:], body)
	return buf
}

// NewContextLoadResponse builds a TPM2_ContextLoad response returning
// handle as the loaded session/object handle, matching
// tpm2_response_new_context_load.
func NewContextLoadResponse(handle tpm2const.Handle) []byte {
	buf := make([]byte, HeaderSize+4)
	putHeader(buf, tpm2const.STNoSessions, uint32(len(buf)), uint32(tpm2const.RCSuccess))
	putHandle(buf, HeaderSize, handle)
	return buf
}
