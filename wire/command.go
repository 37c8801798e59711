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

// Command wraps a raw TPM2 command buffer with the offsets the resource
// manager needs to read and rewrite in place: the handle area and, when
// present, the auth area.
type Command struct {
	buf         []byte
	header      CommandHeader
	handleAreaOff int
	handleCount int
	authAreaOff int // 0 if no auth area
	authSize    uint32
}

// ParseCommand parses buf as a TPM2 command. It does not copy buf; callers
// that need to mutate handles in place should pass a buffer they own.
func ParseCommand(buf []byte) (*Command, error) {
	hdr, err := parseCommandHeader(buf)
	if err != nil {
		return nil, err
	}
	if int(hdr.Size) != len(buf) {
		return nil, fmt.Errorf("wire: command header size %d does not match buffer length %d", hdr.Size, len(buf))
	}
	c := &Command{
		buf:           buf,
		header:        hdr,
		handleAreaOff: HeaderSize,
		handleCount:   HandleAreaCount(hdr.Code),
	}
	bodyOff := c.handleAreaOff + 4*c.handleCount
	if bodyOff > len(buf) {
		return nil, fmt.Errorf("wire: command too short for %d handles", c.handleCount)
	}
	if hdr.Tag == tpm2const.STSessions {
		if bodyOff+4 > len(buf) {
			return nil, fmt.Errorf("wire: command missing authorizationSize")
		}
		c.authAreaOff = bodyOff + 4
		c.authSize = binary.BigEndian.Uint32(buf[bodyOff : bodyOff+4])
		if c.authAreaOff+int(c.authSize) > len(buf) {
			return nil, fmt.Errorf("wire: authorizationSize %d exceeds buffer", c.authSize)
		}
	}
	return c, nil
}

// Code returns the command code.
func (c *Command) Code() tpm2const.CC { return c.header.Code }

// Tag returns the command tag.
func (c *Command) Tag() tpm2const.ST { return c.header.Tag }

// Bytes returns the raw, possibly-rewritten command buffer.
func (c *Command) Bytes() []byte { return c.buf }

// HandleCount returns the number of handles in the command's handle area.
func (c *Command) HandleCount() int { return c.handleCount }

// Handle returns the i'th handle (0-based) in the command's handle area.
func (c *Command) Handle(i int) tpm2const.Handle {
	return getHandle(c.buf, c.handleAreaOff+4*i)
}

// Handles returns every handle in the command's handle area, in order.
func (c *Command) Handles() []tpm2const.Handle {
	hs := make([]tpm2const.Handle, c.handleCount)
	for i := range hs {
		hs[i] = c.Handle(i)
	}
	return hs
}

// SetHandle overwrites the i'th handle in place with h, e.g. to substitute
// a physical handle for the virtual one the client sent.
func (c *Command) SetHandle(i int, h tpm2const.Handle) {
	putHandle(c.buf, c.handleAreaOff+4*i, h)
}

// Flushed reports whether the device flushes every transient object in the
// command's handle area as part of completing it (TPMA_CC_FLUSHED).
func (c *Command) Flushed() bool {
	return Flushed(c.header.Code)
}

// HasAuths reports whether the command carries an auth area.
func (c *Command) HasAuths() bool {
	return c.header.Tag == tpm2const.STSessions
}

// Auths parses and returns the command's auth area entries.
func (c *Command) Auths() ([]AuthEntry, error) {
	if !c.HasAuths() {
		return nil, nil
	}
	return parseAuthArea(c.buf[c.authAreaOff : c.authAreaOff+int(c.authSize)])
}

// FlushHandle extracts the single handle parameter of a TPM2_FlushContext
// command body (that command has no handle area; the handle it flushes is
// its sole body parameter).
func (c *Command) FlushHandle() (tpm2const.Handle, error) {
	off := c.handleAreaOff
	if c.HasAuths() {
		off = c.authAreaOff + int(c.authSize)
	}
	if off+4 > len(c.buf) {
		return 0, fmt.Errorf("wire: FlushContext command missing handle parameter")
	}
	return getHandle(c.buf, off), nil
}

// ContextLoadContext parses the TPMS_CONTEXT parameter of a
// TPM2_ContextLoad command body.
func (c *Command) ContextLoadContext() (Context, error) {
	off := c.handleAreaOff
	if c.HasAuths() {
		off = c.authAreaOff + int(c.authSize)
	}
	if off > len(c.buf) {
		return Context{}, fmt.Errorf("wire: ContextLoad command missing body")
	}
	return ParseContext(c.buf[off:])
}

// ContextSaveHandle returns the handle a TPM2_ContextSave command names.
// TPM2_ContextSave's handle lives in the handle area (index 0).
func (c *Command) ContextSaveHandle() tpm2const.Handle {
	return c.Handle(0)
}

// GetCapabilityParams extracts the capability, property, and propertyCount
// body parameters of a TPM2_GetCapability command.
func (c *Command) GetCapabilityParams() (cap tpm2const.Cap, property uint32, count uint32, err error) {
	off := c.handleAreaOff
	if c.HasAuths() {
		off = c.authAreaOff + int(c.authSize)
	}
	if off+12 > len(c.buf) {
		return 0, 0, 0, fmt.Errorf("wire: GetCapability command body too short")
	}
	cap = tpm2const.Cap(binary.BigEndian.Uint32(c.buf[off : off+4]))
	property = binary.BigEndian.Uint32(c.buf[off+4 : off+8])
	count = binary.BigEndian.Uint32(c.buf[off+8 : off+12])
	return cap, property, count, nil
}
