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

package tpm2const

// CC identifies a TPM command (TPM_CC).
type CC uint32

// Command codes the resource manager gives special treatment to, plus the
// ones it quota-checks. Values are from Part 2 of the TPM 2.0 spec.
const (
	CCCreatePrimary   CC = 0x00000131
	CCLoad            CC = 0x00000157
	CCLoadExternal    CC = 0x00000167
	CCStartAuthSession CC = 0x00000176
	CCFlushContext    CC = 0x00000165
	CCContextSave     CC = 0x00000162
	CCContextLoad     CC = 0x00000161
	CCGetCapability   CC = 0x0000017A
)

// RC is a TPM response code (TPM_RC), or one of the resource manager's own
// RM_RC-composed codes.
type RC uint32

// RCSuccess is the response code for a successful command.
const RCSuccess RC = 0x000

// Format-1 error building blocks (TPM_RC_HANDLE composed with a parameter
// index), used to synthesize the FlushContext-of-unknown-handle error.
const (
	rcVer1     RC = 0x100
	rcFmt1     RC = 0x080
	RCHandle   RC = 0x08B
	rcP        RC = 0x040
	rcParam1   RC = 0x100
)

// RCHandleParam1 is TPM_RC_HANDLE | TPM_RC_P | TPM_RC_1: "the handle in
// parameter 1 does not reference an object we know about."
const RCHandleParam1 = rcFmt1 | RCHandle | rcP | rcParam1

// RM_RC-space codes: the resource manager's own layer, added on top of the
// TCG-assigted TSS2_RESMGR_RC space the way resource-manager.c's RM_RC()
// macro does.
const (
	rmRCLayer      RC = 0x00098000
	RCObjectMemory RC = rmRCLayer | 0x400
	RCSessionMemory RC = rmRCLayer | 0x401
	// RCMalformedCommand is returned (never forwarded to the device) when
	// the resource manager cannot parse an inbound buffer well enough to
	// process it: too short, a truncated auth area, or a truncated body
	// for a command the resource manager itself must inspect.
	RCMalformedCommand RC = rmRCLayer | 0x402
)

// Session attribute bits (TPMA_SESSION) the resource manager consults when
// deciding whether an auth-area session handle survives the command.
const (
	AttrContinueSession uint8 = 1 << 0
)

// Command attribute bits (TPMA_CC) that affect post-processing.
const (
	// AttrFlushed is TPMA_CC_FLUSHED: set in a command's properties when the
	// device itself flushes every transient object the command's handle
	// area loaded once the command completes, so step 9 must drop those
	// HandleMapEntry records instead of context-saving them.
	AttrFlushed uint32 = 1 << 24
)

// Capability selectors (TPM_CAP) relevant to GetCapability virtualization.
type Cap uint32

// CapHandles selects handle enumeration in TPM2_GetCapability.
const CapHandles Cap = 0x00000001

// ST is a structure tag (TPM_ST) used in response headers.
type ST uint16

// STNoSessions is the response tag used when no session auth area is
// present, which is always true for the synthesized GetCapability(handles)
// response.
const STNoSessions ST = 0x8001

// STSessions is the command/response tag used when an auth area is
// present.
const STSessions ST = 0x8002
