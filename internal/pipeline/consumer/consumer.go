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

// Package consumer buffers serialized event records in a bounded in-memory
// queue and uploads them in batches: a group boundary opens whenever the
// accumulated size or item count crosses the configured threshold, flush jobs
// run on a worker pool, and a timer goroutine flushes after quiet intervals.
package consumer

import "eventpipe/internal/pipeline/pager"

// Consumer is the swappable delivery surface behind the public façade. The
// async batch consumer is the default; a cache-backed variant persists
// records before upload.
type Consumer interface {
	// AppID returns the app this consumer uploads for.
	AppID() string

	// Add requests the supplier's records be queued for upload. The supplier
	// runs synchronously so serialization errors surface to the caller;
	// delivery itself is asynchronous and never reported through Add.
	Add(supplier func() ([][]byte, error)) error

	// Flush triggers a best-effort upload without blocking.
	Flush()

	// Close drains the queue (bounded) and releases resources. Add after
	// Close is a silent no-op.
	Close()

	// RegisterPager subscribes a listener for SDK-internal codes; the handle
	// unregisters it.
	RegisterPager(p pager.Pager) int
	UnregisterPager(id int)
}

// Base carries the pager registry shared by consumer implementations.
type Base struct {
	pagers pager.Set
}

func (b *Base) RegisterPager(p pager.Pager) int { return b.pagers.Register(p) }
func (b *Base) UnregisterPager(id int)          { b.pagers.Unregister(id) }

// Page publishes (code, message) to the registered pagers; it never blocks
// the flusher and never panics.
func (b *Base) Page(code int, message string) { b.pagers.Page(code, message) }
