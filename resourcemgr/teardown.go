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
	"github.com/google/tpm2-rm/session"
)

// teardown runs when conn's transport has gone away (spec.md §4.6),
// grounded on connection_close_session_callback in the reference
// implementation. Every transient object the connection still had resident
// is flushed from the device outright: nothing else can ever name it
// again, since transient virtual handles exist only inside conn's own map.
// Sessions are handled per their state: LOADED and SAVED_RM sessions are
// both flushed from the device outright (a SAVED_RM session still holds a
// device slot even though its context lives in the resource manager, so
// closing its owner without flushing leaks that slot), and SAVED_CLIENT
// sessions are abandoned into the bounded FIFO because a well-formed
// reconnect could still present that exact context and claim it back.
// Once the FIFO exceeds MaxAbandoned, the oldest abandoned sessions are
// flushed from the device and dropped. Any other session state here panics.
func (m *Manager) teardown(conn *connection.Connection) {
	for _, vh := range conn.TransMap.KeysSorted() {
		entry := conn.TransMap.Lookup(vh)
		if entry.Physical == 0 {
			continue
		}
		if err := m.broker.ContextFlush(entry.Physical); err != nil {
			m.log.WithError(err).WithField("handle", vh).Warn("failed to flush transient object on connection teardown")
		}
	}

	for _, e := range m.sessions.OwnedBy(conn) {
		switch e.State {
		case session.Loaded, session.SavedRM:
			if err := m.broker.ContextFlush(e.Handle); err != nil {
				m.log.WithError(err).WithField("handle", e.Handle).Warn("failed to flush session on connection teardown")
			}
			m.sessions.Remove(e)
		case session.SavedClient:
			m.sessions.Abandon(e)
		default:
			panic("resourcemgr: session in state " + e.State.String() + " at connection teardown")
		}
	}

	m.sessions.PruneAbandoned(func(e *session.Entry) {
		m.log.WithField("handle", e.Handle).Debug("evicting abandoned session, FIFO full")
		if err := m.broker.ContextFlush(e.Handle); err != nil {
			m.log.WithError(err).WithField("handle", e.Handle).Warn("failed to flush pruned abandoned session")
		}
	})
}
