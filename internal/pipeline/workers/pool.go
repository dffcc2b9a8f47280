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

// Package workers implements a fixed-size worker pool backed by a single
// min-priority queue of (ready-time, item). The one queue unifies immediate
// work, delayed work, idle-timeout markers and shutdown sentinels, so there is
// no separate scheduler goroutine and no race between a scheduler and the
// workers.
package workers

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// barrierTimeout bounds how long a worker blocks on the pause barrier before
// re-checking; the barrier is advisory, matching the original semantics.
const barrierTimeout = 100 * time.Millisecond

type itemKind int

const (
	kindTask itemKind = iota
	kindOvertime
	kindTerminate
)

type poolItem struct {
	readyAt  time.Time
	seq      uint64 // FIFO tiebreak for equal ready times
	kind     itemKind
	task     func()
	queuedAt time.Time // overtime markers only
}

type itemHeap []*poolItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	// Terminate sentinels sort after everything else so queued work drains
	// before workers stop.
	if (h[i].kind == kindTerminate) != (h[j].kind == kindTerminate) {
		return h[j].kind == kindTerminate
	}
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*poolItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type worker struct {
	name       string
	idx        int
	done       chan struct{}
	alive      bool      // guarded by Pool.mu
	lastActive time.Time // guarded by Pool.mu; zero until the first item
}

// Options configures Pool construction.
type Options struct {
	// Size is the number of workers; minimum 1.
	Size int

	// KeepAlive is how long a worker may sit idle before self-terminating.
	// Negative disables idle self-termination. Terminated workers are revived
	// on the next Execute.
	KeepAlive time.Duration

	// OnAllWorkersStop fires when the last live worker exits, whether by idle
	// timeout or by Terminate.
	OnAllWorkersStop func()

	// OnTerminate fires once after Terminate has joined every worker.
	OnTerminate func()
}

// Pool dispatches tasks to a fixed set of named workers.
type Pool struct {
	name      string
	size      int
	keepAlive time.Duration

	mu         sync.Mutex
	items      itemHeap
	seq        uint64
	notify     chan struct{} // closed-and-replaced broadcast
	gate       chan struct{} // closed = barrier removed
	gateOpen   bool
	started    bool
	terminated bool
	workers    []*worker

	onAllWorkersStop func()
	onTerminate      func()
}

// NewPool creates a pool of opts.Size workers named name#0..name#N-1.
// Workers are not started until Start or the first Execute.
func NewPool(name string, opts Options) *Pool {
	size := opts.Size
	if size < 1 {
		size = 1
	}
	keepAlive := opts.KeepAlive
	if opts.KeepAlive == 0 {
		// Zero means "no keep-alive configured" for callers using the zero
		// value; idle self-termination needs an explicit positive duration.
		keepAlive = -1
	}
	p := &Pool{
		name:             name,
		size:             size,
		keepAlive:        keepAlive,
		notify:           make(chan struct{}),
		gate:             make(chan struct{}),
		gateOpen:         true,
		onAllWorkersStop: opts.OnAllWorkersStop,
		onTerminate:      opts.OnTerminate,
	}
	close(p.gate)
	return p
}

// Start launches all workers. It is idempotent and implied by Execute.
func (p *Pool) Start() {
	p.mu.Lock()
	p.startLocked()
	p.mu.Unlock()
}

func (p *Pool) startLocked() {
	if p.started {
		return
	}
	log.Debugf("[%s] starting %d workers", p.name, p.size)
	p.workers = make([]*worker, p.size)
	for i := 0; i < p.size; i++ {
		p.workers[i] = p.spawnLocked(i)
	}
	p.started = true
	p.terminated = false
}

func (p *Pool) spawnLocked(idx int) *worker {
	w := &worker{
		name:  fmt.Sprintf("%s#%d", p.name, idx),
		idx:   idx,
		done:  make(chan struct{}),
		alive: true,
	}
	go p.run(w)
	return w
}

// reviveLocked re-spawns any worker that self-terminated on idle timeout.
func (p *Pool) reviveLocked() {
	if !p.started {
		return
	}
	for i, w := range p.workers {
		if !w.alive {
			p.workers[i] = p.spawnLocked(i)
			log.Debugf("[%s] revived stopped worker #%d", p.name, i)
		}
	}
}

// Execute enqueues task to run after delay. It returns false when the pool
// has been terminated. Stopped workers are revived and the pool is started on
// first use.
func (p *Pool) Execute(task func(), delay time.Duration) bool {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		log.Debugf("[%s] received a task, but pool is terminated", p.name)
		return false
	}
	p.reviveLocked()
	if !p.started {
		p.startLocked()
	}
	p.pushLocked(&poolItem{readyAt: time.Now().Add(delay), kind: kindTask, task: task})
	p.broadcastLocked()
	p.mu.Unlock()
	return true
}

// Terminate posts one sentinel per worker, wakes everyone and joins all
// workers. Safe to call once; subsequent calls are no-ops.
func (p *Pool) Terminate() {
	p.mu.Lock()
	if !p.started || p.terminated {
		p.mu.Unlock()
		return
	}
	log.Debugf("[%s] terminating", p.name)
	for i := 0; i < len(p.workers)+1; i++ {
		p.pushLocked(&poolItem{kind: kindTerminate})
	}
	p.broadcastLocked()
	workers := make([]*worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}

	p.mu.Lock()
	p.terminated = true
	p.started = false
	p.items = nil
	p.mu.Unlock()

	if p.onTerminate != nil {
		p.onTerminate()
	}
	log.Debugf("[%s] terminated", p.name)
}

// PlaceBarrier pauses all workers before their next dequeue. Remember to call
// RemoveBarrier, otherwise workers only make progress at the advisory
// re-check cadence.
func (p *Pool) PlaceBarrier() {
	p.mu.Lock()
	if p.gateOpen {
		p.gate = make(chan struct{})
		p.gateOpen = false
	}
	p.mu.Unlock()
}

// RemoveBarrier lifts the barrier and lets workers continue.
func (p *Pool) RemoveBarrier() {
	p.mu.Lock()
	if !p.gateOpen {
		close(p.gate)
		p.gateOpen = true
	}
	p.mu.Unlock()
}

// Size returns the configured number of workers.
func (p *Pool) Size() int { return p.size }

func (p *Pool) pushLocked(it *poolItem) {
	p.seq++
	it.seq = p.seq
	heap.Push(&p.items, it)
}

func (p *Pool) popLocked() *poolItem {
	return heap.Pop(&p.items).(*poolItem)
}

// broadcastLocked wakes every goroutine blocked on the notify channel.
func (p *Pool) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *Pool) run(w *worker) {
	defer close(w.done)
	for {
		// Advisory pause barrier; re-check every barrierTimeout.
		p.mu.Lock()
		gate := p.gate
		p.mu.Unlock()
		select {
		case <-gate:
		default:
			select {
			case <-gate:
			case <-time.After(barrierTimeout):
			}
		}

		p.mu.Lock()
		if len(p.items) == 0 {
			if p.keepAlive >= 0 {
				now := time.Now()
				p.pushLocked(&poolItem{readyAt: now.Add(p.keepAlive), kind: kindOvertime, queuedAt: now})
				ch := p.notify
				p.mu.Unlock()
				select {
				case <-ch:
				case <-time.After(p.keepAlive):
				}
			} else {
				ch := p.notify
				p.mu.Unlock()
				<-ch
			}
			continue
		}
		it := p.popLocked()

		if it.kind == kindTerminate {
			w.alive = false
			p.mu.Unlock()
			log.Debugf("[%s] got the terminate sentinel", w.name)
			p.onWorkerExit(w.idx)
			return
		}

		now := time.Now()
		if it.readyAt.After(now) {
			// Not ready yet; put it back and wait out the remaining delay or a
			// new-task notification.
			p.pushLocked(it)
			ch := p.notify
			p.mu.Unlock()
			select {
			case <-ch:
			case <-time.After(it.readyAt.Sub(now)):
			}
			continue
		}

		prevActive := w.lastActive
		w.lastActive = now
		p.mu.Unlock()

		if it.kind == kindOvertime {
			// The marker expires only when nothing ran since it was queued a
			// full keep-alive ago. A worker that never ran a task ignores it.
			if prevActive.IsZero() {
				continue
			}
			if now.Sub(prevActive) > p.keepAlive {
				p.mu.Lock()
				w.alive = false
				p.mu.Unlock()
				log.Debugf("[%s] idle past keep-alive, stopping", w.name)
				p.onWorkerExit(w.idx)
				return
			}
			continue
		}

		p.safeRun(w, it.task)
	}
}

func (p *Pool) safeRun(w *worker, task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[%s] panic during task: %v", w.name, r)
		}
	}()
	task()
}

// onWorkerExit fires OnAllWorkersStop when no other worker remains alive.
func (p *Pool) onWorkerExit(idx int) {
	p.mu.Lock()
	hasAlive := false
	for i, w := range p.workers {
		if i != idx && w.alive {
			hasAlive = true
			break
		}
	}
	cb := p.onAllWorkersStop
	p.mu.Unlock()
	if !hasAlive && cb != nil {
		cb()
	}
}
