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

package handlemap

import (
	"testing"

	"github.com/google/tpm2-rm/tpm2const"
)

func TestInsertLookupRemove(t *testing.T) {
	m := New(2)
	h := m.NextVirtual()
	m.Insert(h, &Entry{Virtual: h, Physical: 0x80000001})

	got := m.Lookup(h)
	if got == nil || got.Physical != 0x80000001 {
		t.Fatalf("Lookup(%x) = %+v, want physical 0x80000001", h, got)
	}

	m.Remove(h)
	if m.Lookup(h) != nil {
		t.Fatalf("entry for %x survived Remove", h)
	}
}

func TestQuota(t *testing.T) {
	m := New(2)
	if m.IsFull() {
		t.Fatal("empty map reports full")
	}
	m.Insert(m.NextVirtual(), &Entry{})
	if m.IsFull() {
		t.Fatal("map with 1/2 entries reports full")
	}
	m.Insert(m.NextVirtual(), &Entry{})
	if !m.IsFull() {
		t.Fatal("map with 2/2 entries does not report full")
	}
}

func TestNextVirtualAllocatesInTransientRange(t *testing.T) {
	m := New(10)
	h1 := m.NextVirtual()
	h2 := m.NextVirtual()

	if h1.Kind() != tpm2const.KindTransient {
		t.Fatalf("first allocated handle %x is not in the transient range", h1)
	}
	if h2 != h1+1 {
		t.Fatalf("NextVirtual() = %x, want %x (monotonic)", h2, h1+1)
	}
}

func TestNextVirtualRollover(t *testing.T) {
	m := New(10)
	m.next = tpm2const.TransientRangeEnd - 1
	if h := m.NextVirtual(); h == 0 {
		t.Fatalf("expected one more valid handle before rollover, got 0")
	}
	if h := m.NextVirtual(); h != 0 {
		t.Fatalf("NextVirtual() past the transient range = %x, want 0", h)
	}
}

func TestKeysSorted(t *testing.T) {
	m := New(10)
	var want []tpm2const.Handle
	for i := 0; i < 5; i++ {
		h := m.NextVirtual()
		m.Insert(h, &Entry{Virtual: h})
		want = append(want, h)
	}

	got := m.KeysSorted()
	if len(got) != len(want) {
		t.Fatalf("KeysSorted() returned %d handles, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("KeysSorted()[%d] = %x, want %x", i, got[i], want[i])
		}
	}
}
