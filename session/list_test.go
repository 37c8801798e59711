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
	"testing"

	"github.com/google/tpm2-rm/tpm2const"
)

type fakeOwner uint64

func (f fakeOwner) ID() uint64 { return uint64(f) }

func TestQuotaPerOwner(t *testing.T) {
	l := NewList(2)
	a, b := fakeOwner(1), fakeOwner(2)

	l.Insert(&Entry{Owner: a, Handle: 0x02000001})
	if l.IsFull(a) {
		t.Fatal("owner a reports full at 1/2")
	}
	l.Insert(&Entry{Owner: a, Handle: 0x02000002})
	if !l.IsFull(a) {
		t.Fatal("owner a does not report full at 2/2")
	}
	if l.IsFull(b) {
		t.Fatal("owner b affected by owner a's sessions")
	}
}

func TestAbandonAndClaim(t *testing.T) {
	l := NewList(4)
	a, b := fakeOwner(1), fakeOwner(2)
	e := &Entry{Owner: a, Handle: 0x02000042, State: SavedClient}
	l.Insert(e)

	l.Abandon(e)
	if e.State != SavedClientClosed {
		t.Fatalf("Abandon left state %v, want SavedClientClosed", e.State)
	}
	if l.LookupHandle(e.Handle) != nil {
		t.Fatal("abandoned entry still visible in the main registry")
	}
	if l.AbandonedLen() != 1 {
		t.Fatalf("AbandonedLen() = %d, want 1", l.AbandonedLen())
	}

	claimed, ok := l.Claim(e.Handle, b)
	if !ok {
		t.Fatal("Claim() did not find the abandoned session")
	}
	if claimed.Owner.ID() != b.ID() {
		t.Fatalf("claimed session owner = %d, want %d", claimed.Owner.ID(), b.ID())
	}
	if l.AbandonedLen() != 0 {
		t.Fatalf("AbandonedLen() after claim = %d, want 0", l.AbandonedLen())
	}

	if _, ok := l.Claim(0x02000042, a); ok {
		t.Fatal("Claim() succeeded twice for the same handle")
	}
}

func TestPruneAbandonedEvictsOldestFirst(t *testing.T) {
	l := NewList(10)
	owner := fakeOwner(1)

	var entries []*Entry
	for i := 0; i < 5; i++ {
		e := &Entry{Owner: owner, Handle: tpm2const.Handle(0x02000000 + i), State: SavedClient}
		l.Insert(e)
		l.Abandon(e)
		entries = append(entries, e)
	}
	if l.AbandonedLen() != 5 {
		t.Fatalf("AbandonedLen() = %d, want 5 before pruning", l.AbandonedLen())
	}

	var evicted []tpm2const.Handle
	l.PruneAbandoned(func(e *Entry) { evicted = append(evicted, e.Handle) })

	if l.AbandonedLen() != MaxAbandoned {
		t.Fatalf("AbandonedLen() = %d, want %d after pruning", l.AbandonedLen(), MaxAbandoned)
	}
	if len(evicted) != 1 {
		t.Fatalf("PruneAbandoned evicted %d entries, want 1", len(evicted))
	}
	if evicted[0] != entries[0].Handle {
		t.Fatalf("PruneAbandoned evicted handle %x, want the oldest (%x)", evicted[0], entries[0].Handle)
	}
	if _, ok := l.Claim(entries[0].Handle, owner); ok {
		t.Fatal("evicted session can still be claimed")
	}
	if _, ok := l.Claim(entries[len(entries)-1].Handle, owner); !ok {
		t.Fatal("most recently abandoned session was incorrectly evicted")
	}
}

func TestLookupContext(t *testing.T) {
	l := NewList(4)
	ctx := []byte{1, 2, 3, 4}
	e := &Entry{Handle: 0x02000099, Context: ctx}
	l.Insert(e)

	if got := l.LookupContext(ctx); got != e {
		t.Fatalf("LookupContext() = %v, want %v", got, e)
	}
	if got := l.LookupContext([]byte{9, 9}); got != nil {
		t.Fatalf("LookupContext() for unknown context = %v, want nil", got)
	}
}

func TestLoadedSnapshot(t *testing.T) {
	l := NewList(4)
	l.Insert(&Entry{Handle: 1, State: Loaded})
	l.Insert(&Entry{Handle: 2, State: SavedRM})
	l.Insert(&Entry{Handle: 3, State: Loaded})

	loaded := l.Loaded()
	if len(loaded) != 2 {
		t.Fatalf("Loaded() returned %d entries, want 2", len(loaded))
	}
}
