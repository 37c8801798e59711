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

// Package tpm2const holds the TPM 2.0 wire-format constants the resource
// manager needs to classify handles and commands. It mirrors the
// TPM_-prefixed constant tables in google-go-tpm's tpmutil and legacy tpm2
// packages, trimmed to the subset the resource manager actually consults.
package tpm2const

// Handle is a 32-bit TPM handle, physical or virtual. The top byte encodes
// the handle's kind.
type Handle uint32

// HandleKind is the top byte of a Handle (TPM_HT).
type HandleKind uint8

// HRShift is the bit offset of the handle-kind byte within a Handle.
const HRShift = 24

// Kind returns the handle kind encoded in the top byte of h.
func (h Handle) Kind() HandleKind {
	return HandleKind(h >> HRShift)
}

// Handle kinds relevant to the resource manager (TPM_HT_*).
const (
	KindPCR             HandleKind = 0x00
	KindNVIndex         HandleKind = 0x01
	KindHMACSession     HandleKind = 0x02
	KindPolicySession   HandleKind = 0x03
	KindPermanent       HandleKind = 0x40
	KindTransient       HandleKind = 0x80
	KindPersistent      HandleKind = 0x81
	KindACT             HandleKind = 0x90
)

// IsSession reports whether kind identifies an HMAC or policy session.
func (k HandleKind) IsSession() bool {
	return k == KindHMACSession || k == KindPolicySession
}

// TransientRangeStart is the lowest virtual handle the resource manager
// allocates, i.e. the first handle in the TPM_HT_TRANSIENT range.
const TransientRangeStart = Handle(KindTransient) << HRShift

// TransientRangeEnd is one past the highest handle in the TPM_HT_TRANSIENT
// range.
const TransientRangeEnd = Handle(KindTransient+1) << HRShift
