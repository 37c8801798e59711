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

package resourcemgr

import (
	"github.com/google/tpm2-rm/connection"
	"github.com/google/tpm2-rm/tpm2const"
	"github.com/google/tpm2-rm/wire"
)

// quotaCheck is pipeline step 1 (spec.md §4.4): reject a command outright,
// before touching the device, if it would need a resource the requesting
// connection has already exhausted. It is grounded on
// resource_manager_quota_check in the reference implementation, trimmed to
// the four command codes that ever allocate a new transient object or
// session.
func (m *Manager) quotaCheck(cmd *wire.Command, conn *connection.Connection) tpm2const.RC {
	switch cmd.Code() {
	case tpm2const.CCCreatePrimary, tpm2const.CCLoad, tpm2const.CCLoadExternal:
		if conn.TransMap.IsFull() {
			return tpm2const.RCObjectMemory
		}
	case tpm2const.CCStartAuthSession:
		if m.sessions.IsFull(conn) {
			return tpm2const.RCSessionMemory
		}
	}
	return tpm2const.RCSuccess
}
