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

// Run drains the inbound queue on the calling goroutine until it is closed
// or a CheckCancel control message arrives, dispatching each item to the
// command pipeline or to connection teardown (spec.md §4.7). It is meant to be the resource manager's single worker:
// every mutation of session or handle-map state happens here and nowhere
// else, which is what lets the rest of the package skip locking entirely.
func (m *Manager) Run() {
	for {
		item, ok := m.in.Dequeue()
		if !ok {
			return
		}
		switch v := item.(type) {
		case *Command:
			m.processCommand(v.Conn, v.Buf)
		case *ControlMessage:
			switch v.Code {
			case ConnectionRemoved:
				m.teardown(v.Conn)
				m.sink.Enqueue(v.Conn, v)
			case CheckCancel:
				m.sink.Enqueue(v.Conn, v)
				return
			}
		}
	}
}

// Stop closes the inbound queue, causing Run to return once it has drained
// whatever was already enqueued.
func (m *Manager) Stop() {
	m.in.Close()
}
