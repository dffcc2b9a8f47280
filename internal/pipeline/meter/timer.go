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

package meter

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// timerState tracks the Timer lifecycle. Stopped is terminal.
type timerState int

const (
	timerRunning timerState = iota
	timerPaused
	timerStopped
)

// Timer measures wall time between Start and Stop, excluding paused gaps.
// A Timer is started on creation. It is owned by one goroutine; only the
// recording sink behind it is shared.
type Timer struct {
	key     string
	total   time.Duration
	startAt time.Time
	state   timerState
	record  func(key string, elapsed time.Duration)
}

// Pause freezes the timer. Calling Pause when not running logs a warning and
// is a no-op.
func (t *Timer) Pause() {
	if t.state != timerRunning {
		log.Warnf("[meter] timer pause called (%q) but the timer is not running (%d)", t.key, t.state)
		return
	}
	t.total += time.Since(t.startAt)
	t.state = timerPaused
}

// Resume restarts a paused timer. Calling Resume when not paused logs a
// warning and is a no-op.
func (t *Timer) Resume() {
	if t.state != timerPaused {
		log.Warnf("[meter] timer resume called (%q) but the timer is not paused (%d)", t.key, t.state)
		return
	}
	t.startAt = time.Now()
	t.state = timerRunning
}

// Stop terminates the timer and returns the elapsed milliseconds, or -1 when
// the timer was already stopped. When record is true, one sample is
// contributed to the owning TimeMonitor.
func (t *Timer) Stop(record bool) float64 {
	return t.StopIf(func(float64) bool { return record })
}

// StopIf is Stop with a predicate over the elapsed milliseconds deciding
// whether to record the sample.
func (t *Timer) StopIf(shouldRecord func(elapsedMS float64) bool) float64 {
	if t.state == timerStopped {
		log.Warnf("[meter] timer stop called (%q) but the timer is stopped already", t.key)
		return -1
	}
	if t.state == timerRunning {
		t.total += time.Since(t.startAt)
	}
	elapsedMS := float64(t.total) / float64(time.Millisecond)
	t.state = timerStopped
	if shouldRecord(elapsedMS) && t.record != nil && t.key != "" {
		t.record(t.key, t.total)
	}
	return elapsedMS
}

// Peek returns the elapsed milliseconds so far without changing state.
func (t *Timer) Peek() float64 {
	total := t.total
	if t.state == timerRunning {
		total += time.Since(t.startAt)
	}
	return float64(total) / float64(time.Millisecond)
}

type avgCount struct {
	avg time.Duration // running average per sample
	n   int64
}

// TimeMonitor aggregates Timer samples per key as (running average, count).
type TimeMonitor struct {
	mu    sync.Mutex
	table map[string]avgCount
}

// NewTimeMonitor returns an empty monitor.
func NewTimeMonitor() *TimeMonitor {
	return &TimeMonitor{table: make(map[string]avgCount)}
}

var (
	defaultMonitor     *TimeMonitor
	defaultMonitorOnce sync.Once
)

// DefaultTime returns the lazily-initialized process-wide time monitor.
func DefaultTime() *TimeMonitor {
	defaultMonitorOnce.Do(func() {
		defaultMonitor = NewTimeMonitor()
	})
	return defaultMonitor
}

// Start returns a running Timer that records into this monitor on Stop.
func (m *TimeMonitor) Start(key string) *Timer {
	return &Timer{key: key, startAt: time.Now(), record: m.recordSample}
}

func (m *TimeMonitor) recordSample(key string, elapsed time.Duration) {
	m.mu.Lock()
	ac := m.table[key]
	ac.avg = time.Duration((float64(ac.avg)*float64(ac.n) + float64(elapsed)) / float64(ac.n+1))
	ac.n++
	m.table[key] = ac
	m.mu.Unlock()
}

// GetSum returns the accumulated milliseconds for key, -1 when never recorded.
func (m *TimeMonitor) GetSum(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.table[key]
	if !ok {
		return -1
	}
	return float64(ac.avg) * float64(ac.n) / float64(time.Millisecond)
}

// GetAvg returns the average milliseconds per sample for key, -1 when never
// recorded.
func (m *TimeMonitor) GetAvg(key string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.table[key]
	if !ok {
		return -1
	}
	return float64(ac.avg) / float64(time.Millisecond)
}

// GetCount returns the number of recorded samples for key, -1 when never
// recorded.
func (m *TimeMonitor) GetCount(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ac, ok := m.table[key]
	if !ok {
		return -1
	}
	return ac.n
}

// Delete removes key from the table.
func (m *TimeMonitor) Delete(key string) {
	m.mu.Lock()
	delete(m.table, key)
	m.mu.Unlock()
}
