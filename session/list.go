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

package session

import (
	"bytes"

	eapachequeue "github.com/eapache/queue"

	"github.com/google/tpm2-rm/tpm2const"
)

// MaxAbandoned is the upper bound on the abandonment FIFO (spec.md §6).
const MaxAbandoned = 4

// List is the process-wide registry of every SessionEntry, plus the
// bounded FIFO of sessions abandoned by a closed connection.
//
// List is not internally synchronized: spec.md §5 makes the resource
// manager's single worker thread the sole mutator of a List, the same
// single-writer discipline that lets resource-manager.c get away with a
// plain GSList instead of a lock-protected structure.
type List struct {
	entries   []*Entry
	abandoned *eapachequeue.Queue
	quota     int
}

// NewList returns an empty List enforcing a per-connection session quota
// of quota.
func NewList(quota int) *List {
	return &List{
		entries:   nil,
		abandoned: eapachequeue.New(),
		quota:     quota,
	}
}

// Insert adds e to the registry.
func (l *List) Insert(e *Entry) {
	l.entries = append(l.entries, e)
}

// Remove deletes e from the registry, if present. It does not touch the
// abandonment queue.
func (l *List) Remove(e *Entry) {
	for i, x := range l.entries {
		if x == e {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// LookupHandle returns the entry with the given handle, or nil.
func (l *List) LookupHandle(h tpm2const.Handle) *Entry {
	for _, e := range l.entries {
		if e.Handle == h {
			return e
		}
	}
	return nil
}

// LookupContext returns the entry whose saved context bytes equal ctx, or
// nil if no tracked session matches. Used by ContextLoad to recognize a
// context blob the resource manager itself produced. It searches the
// abandoned FIFO as well as the main registry: a client presenting a
// context that was abandoned when its connection closed is exactly the
// reconnect-and-claim case the FIFO exists for.
func (l *List) LookupContext(ctx []byte) *Entry {
	for _, e := range l.entries {
		if bytes.Equal(e.Context, ctx) {
			return e
		}
	}
	n := l.abandoned.Length()
	for i := 0; i < n; i++ {
		e := l.abandoned.Get(i).(*Entry)
		if bytes.Equal(e.Context, ctx) {
			return e
		}
	}
	return nil
}

// RemoveHandle removes the entry with the given handle, if any, from the
// registry (but not the abandonment queue) and reports whether one was
// found.
func (l *List) RemoveHandle(h tpm2const.Handle) bool {
	e := l.LookupHandle(h)
	if e == nil {
		return false
	}
	l.Remove(e)
	return true
}

// IsFull reports whether owner already has quota sessions registered
// (abandoned sessions, having changed hands, do not count against their
// original owner).
func (l *List) IsFull(owner Owner) bool {
	n := 0
	for _, e := range l.entries {
		if e.Owner.ID() == owner.ID() {
			n++
		}
	}
	return n >= l.quota
}

// OwnedBy returns a snapshot of every entry currently owned by owner. It is
// a snapshot, not a live view, so callers may safely mutate the List while
// iterating the result (spec.md §9's snapshot-then-visit pattern).
func (l *List) OwnedBy(owner Owner) []*Entry {
	var out []*Entry
	for _, e := range l.entries {
		if e.Owner.ID() == owner.ID() {
			out = append(out, e)
		}
	}
	return out
}

// Loaded returns a snapshot of every entry currently in state Loaded,
// which the pipeline saves at the end of each command (spec.md §4.4 step
// 8).
func (l *List) Loaded() []*Entry {
	var out []*Entry
	for _, e := range l.entries {
		if e.State == Loaded {
			out = append(out, e)
		}
	}
	return out
}

// Abandon removes e from the main registry, marks it SavedClientClosed,
// and enqueues it on the abandonment FIFO. The caller is responsible for
// calling PruneAbandoned afterward to enforce MaxAbandoned.
func (l *List) Abandon(e *Entry) {
	l.Remove(e)
	e.State = SavedClientClosed
	l.abandoned.Add(e)
}

// PruneAbandoned evicts the oldest abandoned entries until the FIFO holds
// at most MaxAbandoned, invoking flush on each evicted entry before
// dropping it. flush is expected to release the entry's context from the
// device (access_broker_context_flush in the reference implementation).
func (l *List) PruneAbandoned(flush func(*Entry)) {
	for l.abandoned.Length() > MaxAbandoned {
		e := l.abandoned.Peek().(*Entry)
		l.abandoned.Remove()
		flush(e)
	}
}

// Claim transfers ownership of the abandoned session with the given handle
// to newOwner, moving it from the abandonment FIFO back into the main
// registry. It reports false if
// no abandoned session has that handle: claim only ever succeeds for
// sessions currently sitting in the FIFO (spec.md §4.2, §8).
func (l *List) Claim(handle tpm2const.Handle, newOwner Owner) (*Entry, bool) {
	n := l.abandoned.Length()
	for i := 0; i < n; i++ {
		e := l.abandoned.Get(i).(*Entry)
		if e.Handle == handle {
			l.removeAbandonedAt(i)
			e.Owner = newOwner
			l.Insert(e)
			return e, true
		}
	}
	return nil, false
}

// removeAbandonedAt removes the i'th element of the abandonment FIFO,
// preserving the relative order of the rest. eapache/queue exposes no
// direct "remove at index" operation, so this rebuilds the queue; the FIFO
// is bounded to MaxAbandoned entries so the cost is negligible.
func (l *List) removeAbandonedAt(i int) {
	n := l.abandoned.Length()
	rest := make([]*Entry, 0, n-1)
	for j := 0; j < n; j++ {
		if j == i {
			continue
		}
		rest = append(rest, l.abandoned.Get(j).(*Entry))
	}
	l.abandoned = eapachequeue.New()
	for _, e := range rest {
		l.abandoned.Add(e)
	}
}

// AbandonedLen reports how many sessions are currently in the abandonment
// FIFO. Exposed for tests verifying spec.md §8's "|abandonment FIFO| <= 4"
// invariant.
func (l *List) AbandonedLen() int {
	return l.abandoned.Length()
}
