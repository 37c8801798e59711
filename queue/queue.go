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

// Package queue provides the blocking FIFO the resource manager uses as
// its inbound sink/source: an unbounded queue whose Dequeue blocks until
// an item is available. It wraps github.com/eapache/queue (adopted from
// momentics-hioload-ws, the one example in the retrieval pack that reaches
// for a dedicated queue library instead of a channel) with the
// condvar-guarded blocking discipline resource-manager.c gets for free from
// GLib's GAsyncQueue.
package queue

import (
	"sync"

	"github.com/eapache/queue"
)

// Item is anything that can travel through the queue: a command or a
// control message. The resource manager type-switches on the concrete
// type it dequeues.
type Item interface{}

// Queue is an unbounded, thread-safe FIFO with a blocking Dequeue.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{q: queue.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item to the tail of the queue and wakes one blocked
// Dequeue call, if any.
func (b *Queue) Enqueue(item Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.q.Add(item)
	b.cond.Signal()
}

// Dequeue blocks until an item is available and returns it. It returns
// (nil, false) if the queue was closed and drained.
func (b *Queue) Dequeue() (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.q.Length() == 0 {
		if b.closed {
			return nil, false
		}
		b.cond.Wait()
	}
	item := b.q.Peek()
	b.q.Remove()
	return item, true
}

// Close marks the queue closed and wakes any blocked Dequeue calls once it
// has been drained. Enqueue after Close is still accepted: the item is
// queued and a later Dequeue returns it.
func (b *Queue) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

// Len returns the number of items currently queued.
func (b *Queue) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}
