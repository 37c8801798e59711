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

import "strconv"

var rcMsgs = map[RC]string{
	RCSuccess:       "success",
	RCHandleParam1:  "handle in parameter 1 does not reference a loaded object",
	RCObjectMemory:  "connection has exceeded its transient object quota",
	RCSessionMemory: "connection has exceeded its session quota",
}

// Error implements the error interface so an RC can be returned and
// compared like any other Go error, the way tpm.tpmError does for TPM 1.2
// codes in tpm_errors.go.
func (rc RC) Error() string {
	if s, ok := rcMsgs[rc]; ok {
		return "tpm2: " + s
	}
	return "tpm2: response code 0x" + strconv.FormatUint(uint64(rc), 16)
}
