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

// Package wire parses and serializes TPM 2.0 command and response buffers:
// the header, handle area, auth area, and TPMS_CONTEXT structure. It plays
// the role that google-go-tpm's tpmutil package plays for the legacy TPM
// 1.2/2.0 client, adapted to the resource manager's need to rewrite handles
// in place and to inspect (not build) most command bodies.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/google/tpm2-rm/tpm2const"
)

// HeaderSize is the length in bytes of a TPM2 command or response header:
// tag (2) + size (4) + code/rc (4).
const HeaderSize = 10

// CommandHeader is the fixed-size prefix of every TPM2 command buffer.
type CommandHeader struct {
	Tag  tpm2const.ST
	Size uint32
	Code tpm2const.CC
}

// ResponseHeader is the fixed-size prefix of every TPM2 response buffer.
type ResponseHeader struct {
	Tag  tpm2const.ST
	Size uint32
	RC   tpm2const.RC
}

func parseCommandHeader(buf []byte) (CommandHeader, error) {
	if len(buf) < HeaderSize {
		return CommandHeader{}, fmt.Errorf("wire: command buffer too short: %d bytes", len(buf))
	}
	return CommandHeader{
		Tag:  tpm2const.ST(binary.BigEndian.Uint16(buf[0:2])),
		Size: binary.BigEndian.Uint32(buf[2:6]),
		Code: tpm2const.CC(binary.BigEndian.Uint32(buf[6:10])),
	}, nil
}

func parseResponseHeader(buf []byte) (ResponseHeader, error) {
	if len(buf) < HeaderSize {
		return ResponseHeader{}, fmt.Errorf("wire: response buffer too short: %d bytes", len(buf))
	}
	return ResponseHeader{
		Tag:  tpm2const.ST(binary.BigEndian.Uint16(buf[0:2])),
		Size: binary.BigEndian.Uint32(buf[2:6]),
		RC:   tpm2const.RC(binary.BigEndian.Uint32(buf[6:10])),
	}, nil
}

func putHeader(buf []byte, tag tpm2const.ST, size uint32, codeOrRC uint32) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(tag))
	binary.BigEndian.PutUint32(buf[2:6], size)
	binary.BigEndian.PutUint32(buf[6:10], codeOrRC)
}

func putHandle(buf []byte, off int, h tpm2const.Handle) {
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(h))
}

func getHandle(buf []byte, off int) tpm2const.Handle {
	return tpm2const.Handle(binary.BigEndian.Uint32(buf[off : off+4]))
}
