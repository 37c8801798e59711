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

// Package handlemap implements the per-connection virtual-to-physical
// handle map for transient objects, grounded on the HandleMap/
// HandleMapEntry types in resource-manager.c and connection.c of the
// reference implementation.
package handlemap

import (
	"sort"

	"github.com/google/tpm2-rm/tpm2const"
)

// Entry represents one live transient object owned by a single connection.
//
// Invariants (spec.md §3): the virtual handle is unique within its owning
// map; Physical is nonzero only while the object is resident in the
// device; Context is present whenever the entry is not currently loaded.
type Entry struct {
	Virtual  tpm2const.Handle
	Physical tpm2const.Handle
	Context  []byte
}

// Map is the per-connection transient handle map: entries keyed by virtual
// handle, each recording its physical handle, plus a monotonic
// virtual-handle allocator and a quota. There is no lookup by physical
// handle.
type Map struct {
	entries map[tpm2const.Handle]*Entry
	next    tpm2const.Handle
	quota   int
}

// New returns an empty Map whose IsFull reports true once it holds quota
// entries.
func New(quota int) *Map {
	return &Map{
		entries: make(map[tpm2const.Handle]*Entry),
		next:    tpm2const.TransientRangeStart,
		quota:   quota,
	}
}

// Lookup returns the entry for vhandle, or nil if none exists.
func (m *Map) Lookup(vhandle tpm2const.Handle) *Entry {
	return m.entries[vhandle]
}

// Insert adds entry under vhandle. It does not check the quota; callers
// must consult IsFull before allocating a new entry (NextVirtual checks
// only the handle range, not the quota).
func (m *Map) Insert(vhandle tpm2const.Handle, entry *Entry) {
	m.entries[vhandle] = entry
}

// Remove deletes the entry for vhandle, if any.
func (m *Map) Remove(vhandle tpm2const.Handle) {
	delete(m.entries, vhandle)
}

// IsFull reports whether the map already holds quota entries.
func (m *Map) IsFull() bool {
	return len(m.entries) >= m.quota
}

// NextVirtual allocates the next virtual handle in the transient range. It
// returns 0 if the counter has rolled out of the transient range, which
// the caller must treat as a fatal allocation failure (spec.md §4.1).
func (m *Map) NextVirtual() tpm2const.Handle {
	if m.next >= tpm2const.TransientRangeEnd {
		return 0
	}
	h := m.next
	m.next++
	return h
}

// KeysSorted returns every virtual handle currently tracked, in ascending
// numeric order, for stable GetCapability(handles) output.
func (m *Map) KeysSorted() []tpm2const.Handle {
	keys := make([]tpm2const.Handle, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Len reports how many entries the map currently holds.
func (m *Map) Len() int {
	return len(m.entries)
}
