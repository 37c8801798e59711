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

// Response wraps a raw TPM2 response buffer, tracking whether it carries a
// handle in its handle area.
type Response struct {
	buf       []byte
	header    ResponseHeader
	hasHandle bool
}

// ParseResponse parses buf as a response to a command with code cc. cc is
// needed because whether a response's handle area is present cannot be
// determined from the response alone.
func ParseResponse(buf []byte, cc tpm2const.CC) (*Response, error) {
	hdr, err := parseResponseHeader(buf)
	if err != nil {
		return nil, err
	}
	r := &Response{buf: buf, header: hdr}
	if hdr.RC == tpm2const.RCSuccess {
		r.hasHandle = ResponseHasHandle(cc)
	}
	return r, nil
}

// RC returns the response code.
func (r *Response) RC() tpm2const.RC { return r.header.RC }

// Bytes returns the raw, possibly-rewritten response buffer.
func (r *Response) Bytes() []byte { return r.buf }

// HasHandle reports whether the response carries a handle.
func (r *Response) HasHandle() bool { return r.hasHandle }

// Handle returns the response's handle. Only valid if HasHandle is true.
func (r *Response) Handle() tpm2const.Handle {
	return getHandle(r.buf, HeaderSize)
}

// SetHandle overwrites the response's handle in place, e.g. to substitute a
// virtual handle for the device's physical one before it reaches the
// client.
func (r *Response) SetHandle(h tpm2const.Handle) {
	putHandle(r.buf, HeaderSize, h)
}

// NewRCResponse builds a minimal response buffer carrying only a response
// code, the way tpm2_response_new_rc does in the reference implementation.
// It is used both for synthesized errors and for bare-success
// acknowledgements (e.g. a virtualized FlushContext).
func NewRCResponse(rc tpm2const.RC) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, tpm2const.STNoSessions, HeaderSize, uint32(rc))
	return buf
}
