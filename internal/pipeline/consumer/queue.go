// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package consumer

import "sync"

// recordQueue is the bounded FIFO of encoded records shared by the producer
// and the flush jobs. One mutex guards both sides, so no record is ever
// drained twice and insertion order is preserved end to end.
//
// Group accounting: accSize and sinceBoundary track bytes and items since the
// last group boundary. PushBack reports when a boundary opens so the caller
// can trigger a flush.
type recordQueue struct {
	mu sync.Mutex

	items []([]byte)
	head  int // index of the front record inside items

	maxLen   int
	flushLen int
	byteCap  int

	accSize       int
	sinceBoundary int
}

func newRecordQueue(maxLen, flushLen, byteCap int) *recordQueue {
	return &recordQueue{maxLen: maxLen, flushLen: flushLen, byteCap: byteCap}
}

// Len returns the number of queued records.
func (q *recordQueue) Len() int {
	q.mu.Lock()
	n := len(q.items) - q.head
	q.mu.Unlock()
	return n
}

// Cap returns the configured hard cap.
func (q *recordQueue) Cap() int { return q.maxLen }

// PushBack appends rec. ok is false when the queue is full. boundary reports
// that this record opened a new group, which should trigger a flush.
func (q *recordQueue) PushBack(rec []byte) (ok, boundary bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items)-q.head >= q.maxLen {
		return false, false
	}
	q.items = append(q.items, rec)
	q.sinceBoundary++
	q.accSize += len(rec)
	if q.accSize >= q.byteCap || q.sinceBoundary >= q.flushLen {
		q.accSize = 0
		q.sinceBoundary = 0
		return true, true
	}
	return true, false
}

// PushFront re-inserts a previously drained batch at the head, preserving its
// internal order. The hard cap is not enforced here: these records were
// already admitted once and head insertion must not lose them.
func (q *recordQueue) PushFront(batch [][]byte) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	rest := q.items[q.head:]
	items := make([][]byte, 0, len(batch)+len(rest))
	items = append(items, batch...)
	items = append(items, rest...)
	q.items = items
	q.head = 0
	q.mu.Unlock()
}

// DrainGroup removes and returns a prefix of at most maxItems records whose
// cumulative size stays within maxBytes. A first record that alone exceeds
// maxBytes is still drained, so a lone oversize event is attempted rather
// than wedging the queue.
func (q *recordQueue) DrainGroup(maxItems, maxBytes int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out [][]byte
	size := 0
	for q.head < len(q.items) && len(out) < maxItems {
		rec := q.items[q.head]
		if len(out) > 0 && size+len(rec) > maxBytes {
			break
		}
		out = append(out, rec)
		size += len(rec)
		q.items[q.head] = nil
		q.head++
	}
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 >= len(q.items) {
		// Reclaim the drained prefix once it dominates the backing array.
		q.items = append(q.items[:0:0], q.items[q.head:]...)
		q.head = 0
	}
	return out
}
