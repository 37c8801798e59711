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

	"github.com/google/tpm2-rm/tpm2const"
)

// NewHandlesCapabilityResponse builds the response to a virtualized
// TPM2_GetCapability(TPM2_CAP_HANDLES, ...) call: tag NO_SESSIONS, success,
// then moreData (1 byte), capability (4), handle count (4), and the
// handles themselves, all big-endian. This mirrors
// build_cap_handles_response in the reference implementation.
func NewHandlesCapabilityResponse(handles []tpm2const.Handle, moreData bool) []byte {
	size := HeaderSize + 1 + 4 + 4 + 4*len(handles)
	buf := make([]byte, size)
	putHeader(buf, tpm2const.STNoSessions, uint32(size), uint32(tpm2const.RCSuccess))

	off := HeaderSize
	if moreData {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(tpm2const.CapHandles))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(handles)))
	off += 4
	for _, h := range handles {
		putHandle(buf, off, h)
		off += 4
	}
	return buf
}
