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

// commandInfo describes the parts of a command's shape that the resource
// manager needs to locate without decoding the full command body: how many
// handles sit in the handle area, and whether a successful response carries
// a handle of its own. A real TSS stack derives this from the full TPM
// command-and-response metadata table; the resource manager only needs the
// commands it virtualizes or forwards handles for, so this table carries a
// representative subset plus a handful of ordinary commands used in tests.
type commandInfo struct {
	handleCount   int
	respHasHandle bool
	// attrs holds the command's TPMA_CC properties bit-for-bit, so callers
	// needing a bit this table doesn't already expose through a dedicated
	// accessor (e.g. AttrFlushed) can consult it directly.
	attrs uint32
}

var commandTable = map[tpm2const.CC]commandInfo{
	tpm2const.CCCreatePrimary:    {handleCount: 1, respHasHandle: true},
	tpm2const.CCLoad:             {handleCount: 1, respHasHandle: true},
	tpm2const.CCLoadExternal:     {handleCount: 0, respHasHandle: true},
	tpm2const.CCStartAuthSession: {handleCount: 2, respHasHandle: true},
	tpm2const.CCFlushContext:     {handleCount: 0, respHasHandle: false},
	tpm2const.CCContextSave:      {handleCount: 1, respHasHandle: false},
	tpm2const.CCContextLoad:      {handleCount: 0, respHasHandle: true},
	tpm2const.CCGetCapability:    {handleCount: 0, respHasHandle: false},

	// A handful of ordinary commands, useful for pipeline tests exercising
	// the generic handle/auth loading path against commands the resource
	// manager does not otherwise special-case.
	CCSign:         {handleCount: 1, respHasHandle: false},
	CCUnseal:       {handleCount: 1, respHasHandle: false},
	CCPolicySecret: {handleCount: 2, respHasHandle: false},
	CCCertify:      {handleCount: 2, respHasHandle: false},
	// CCClear carries TPMA_CC_FLUSHED per its command properties: the
	// device flushes every transient object in its handle area as part of
	// completing the command, so step 9 must never try to context-save
	// what the device has already dropped.
	CCClear: {handleCount: 1, respHasHandle: false, attrs: tpm2const.AttrFlushed},
}

// Additional command codes not part of the core virtualized set but used by
// the representative subset above.
const (
	CCSign         tpm2const.CC = 0x0000015D
	CCUnseal       tpm2const.CC = 0x0000015E
	CCPolicySecret tpm2const.CC = 0x00000151
	CCCertify      tpm2const.CC = 0x00000148
	CCClear        tpm2const.CC = 0x00000126
)

// HandleAreaCount returns the number of handles in cc's command handle
// area. Unknown command codes are assumed to carry none, i.e. the
// resource manager will not attempt to virtualize their handle area (it
// forwards them unchanged, letting the device reject anything malformed).
func HandleAreaCount(cc tpm2const.CC) int {
	return commandTable[cc].handleCount
}

// ResponseHasHandle reports whether a successful response to cc carries a
// handle in its handle area.
func ResponseHasHandle(cc tpm2const.CC) bool {
	return commandTable[cc].respHasHandle
}

// Flushed reports whether cc carries TPMA_CC_FLUSHED: whether the device
// itself flushes the transient objects named in cc's handle area once the
// command completes.
func Flushed(cc tpm2const.CC) bool {
	return commandTable[cc].attrs&tpm2const.AttrFlushed != 0
}
