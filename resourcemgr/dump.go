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
	"encoding/hex"

	"github.com/sirupsen/logrus"

	"github.com/google/tpm2-rm/wire"
)

// dumpCommand logs cmd's raw wire bytes and FLUSHED attribute at debug
// level, grounded on dump_command in the reference implementation
// (g_debug_bytes over the command buffer plus g_debug_tpma_cc). Cheap to
// call unconditionally since it checks IsLevelEnabled itself and returns
// before formatting the hex string when debug logging is off.
func dumpCommand(log *logrus.Entry, cmd *wire.Command) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.WithFields(logrus.Fields{
		"code":    cmd.Code(),
		"flushed": cmd.Flushed(),
		"bytes":   hex.EncodeToString(cmd.Bytes()),
	}).Debug("dispatching command")
}

// dumpResponse is dumpCommand's counterpart for the outgoing side,
// grounded on dump_response.
func dumpResponse(log *logrus.Entry, resp *wire.Response) {
	if !log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.WithFields(logrus.Fields{
		"rc":    resp.RC(),
		"bytes": hex.EncodeToString(resp.Bytes()),
	}).Debug("returning response")
}
