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

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// flushTimer drives interval flushes for a consumer. It wakes every interval
// (or immediately on awake), submits a flush when there is pending data, and
// parks when the queue is empty until resume signals new data.
//
// refresh suppresses the next wake-up without flushing, so an explicit flush
// resets the cadence instead of stacking a second upload right behind it.
type flushTimer struct {
	interval time.Duration

	hasPending func() bool
	submit     func()

	awake   chan struct{} // wakes the interval wait
	resume  chan struct{} // wakes the empty-queue park
	stop    atomic.Bool
	refresh atomic.Bool
	done    chan struct{}
}

func newFlushTimer(interval time.Duration, hasPending func() bool, submit func()) *flushTimer {
	t := &flushTimer{
		interval:   interval,
		hasPending: hasPending,
		submit:     submit,
		awake:      make(chan struct{}, 1),
		resume:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *flushTimer) run() {
	defer close(t.done)
	for {
		select {
		case <-t.awake:
		case <-time.After(t.interval):
		}
		if t.stop.Load() {
			// Final interval flush so records queued during shutdown still go
			// out before the drain loop takes over.
			t.submit()
			log.Debug("[flush-timer] stopped")
			return
		}
		if t.refresh.CompareAndSwap(true, false) {
			continue
		}
		if !t.hasPending() {
			select {
			case <-t.resume:
			case <-t.awake:
			}
			if t.stop.Load() {
				t.submit()
				log.Debug("[flush-timer] stopped")
				return
			}
			continue
		}
		t.submit()
	}
}

// refreshTimer restarts the interval without triggering a flush.
func (t *flushTimer) refreshTimer() {
	t.refresh.Store(true)
	poke(t.awake)
}

// resumePaused wakes the timer out of its empty-queue park. Called on every
// successful insert; a no-op while the timer is mid-interval.
func (t *flushTimer) resumePaused() {
	poke(t.resume)
}

// stopAndWait shuts the timer down and blocks until its goroutine exits.
func (t *flushTimer) stopAndWait() {
	t.stop.Store(true)
	poke(t.awake)
	poke(t.resume)
	<-t.done
}

func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
