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
	"github.com/sirupsen/logrus"

	"github.com/google/tpm2-rm/accessbroker"
	"github.com/google/tpm2-rm/connection"
	"github.com/google/tpm2-rm/queue"
	"github.com/google/tpm2-rm/session"
)

// Sink is where finished responses and forwarded control traffic go. In
// the daemon this is a thin wrapper around the target connection's own
// Out queue; tests substitute a recording Sink to assert on emitted
// bytes without a real transport.
type Sink interface {
	Enqueue(conn *connection.Connection, payload queue.Item)
}

// DirectSink delivers straight to the connection's own outbound queue,
// which is all the daemon needs since Connection.Out is already demuxed
// per client.
type DirectSink struct{}

// Enqueue implements Sink.
func (DirectSink) Enqueue(conn *connection.Connection, payload queue.Item) {
	conn.Out.Enqueue(payload)
}

// Manager is the resource manager core: single-writer state (a SessionList
// and, indirectly through each Connection, every transient handle map) plus
// the broker used to reach the physical device. Every exported entry point
// below is meant to be called from exactly one goroutine, Run's caller; the
// type carries no internal locking because it needs none (spec.md §5).
type Manager struct {
	broker   accessbroker.Broker
	sessions *session.List
	in       *queue.Queue
	sink     Sink
	log      *logrus.Entry
}

// NewManager builds a Manager. in is the inbound queue the worker loop
// drains; sink is where responses and forwarded control messages are
// delivered; sessionQuota bounds how many sessions a single connection may
// hold open at once.
func NewManager(broker accessbroker.Broker, sessionQuota int, in *queue.Queue, sink Sink, log *logrus.Entry) *Manager {
	return &Manager{
		broker:   broker,
		sessions: session.NewList(sessionQuota),
		in:       in,
		sink:     sink,
		log:      log,
	}
}

// Sessions exposes the session registry for diagnostics (e.g. a GetCapability
// virtualization that enumerates session handles) and for tests.
func (m *Manager) Sessions() *session.List { return m.sessions }

func (m *Manager) emit(conn *connection.Connection, payload []byte) {
	m.sink.Enqueue(conn, payload)
}
