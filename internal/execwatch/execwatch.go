/*
Copyright (c) Meta Platforms, Inc. and its affiliates.
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package execwatch bridges the kernel's exec tracepoint to a
// coalescing user-space queue: one pid enqueued per exec, drained in
// batches every batchWindow so the discovery path is never driven pid
// by pid during an exec storm.
package execwatch

import (
	"sync"
	"time"
)

const (
	// queueCap is the safety valve: under exec storms it's acceptable
	// to drop tail entries, the next scheduled full scan catches
	// whatever was missed.
	queueCap = 1024

	// batchWindow is the coalescing sleep before draining the queue.
	batchWindow = 50 * time.Millisecond
)

// Bridge owns the bounded pid queue and the notifier that wakes the
// batching reader.
type Bridge struct {
	mu      sync.Mutex
	pending []int
	notify  chan struct{}

	dropped uint64
}

// New returns a ready-to-use exec watch bridge.
func New() *Bridge {
	return &Bridge{
		notify: make(chan struct{}, 1),
	}
}

// Enqueue is called by the ring-buffer handler for the exec tracepoint.
// Overflow entries are dropped silently, per spec.md §3/§4.D.
func (b *Bridge) Enqueue(pid int) {
	b.mu.Lock()
	if len(b.pending) >= queueCap {
		b.dropped++
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, pid)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Dropped returns the number of pids dropped due to queue overflow,
// for diagnostics.
func (b *Bridge) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// AwaitBatch blocks until the notifier fires or done closes, then
// sleeps batchWindow to let a burst accumulate, and returns the full
// drained batch. ok is false if done closed before a batch arrived.
func (b *Bridge) AwaitBatch(done <-chan struct{}) (batch []int, ok bool) {
	select {
	case <-b.notify:
	case <-done:
		return nil, false
	}

	select {
	case <-time.After(batchWindow):
	case <-done:
		return nil, false
	}

	b.mu.Lock()
	batch = b.pending
	b.pending = nil
	b.mu.Unlock()
	return batch, true
}
