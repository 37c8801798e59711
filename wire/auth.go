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

// AuthEntry is one entry of a command's auth area: TPMS_AUTH_COMMAND minus
// the fields the resource manager has no use for.
type AuthEntry struct {
	Handle     tpm2const.Handle
	Attributes uint8 // TPMA_SESSION
}

// ContinueSession reports whether the auth entry's CONTINUESESSION bit is
// set, i.e. whether the session survives use in this command.
func (a AuthEntry) ContinueSession() bool {
	return a.Attributes&tpm2const.AttrContinueSession != 0
}

// parseAuthArea walks a command's auth area (the bytes following
// authorizationSize, not including it) and returns one AuthEntry per
// TPMS_AUTH_COMMAND structure.
func parseAuthArea(buf []byte) ([]AuthEntry, error) {
	var entries []AuthEntry
	off := 0
	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("wire: truncated auth entry")
		}
		handle := getHandle(buf, off)
		off += 4

		nonceSize, err := readU16Len(buf, off)
		if err != nil {
			return nil, err
		}
		off += 2 + nonceSize

		if off+1 > len(buf) {
			return nil, fmt.Errorf("wire: truncated auth entry attributes")
		}
		attrs := buf[off]
		off++

		hmacSize, err := readU16Len(buf, off)
		if err != nil {
			return nil, err
		}
		off += 2 + hmacSize

		entries = append(entries, AuthEntry{Handle: handle, Attributes: attrs})
	}
	return entries, nil
}

func readU16Len(buf []byte, off int) (int, error) {
	if off+2 > len(buf) {
		return 0, fmt.Errorf("wire: truncated length-prefixed field")
	}
	n := int(binary.BigEndian.Uint16(buf[off : off+2]))
	if off+2+n > len(buf) {
		return 0, fmt.Errorf("wire: length-prefixed field overruns buffer")
	}
	return n, nil
}
