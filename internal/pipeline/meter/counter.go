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

// Package meter provides process-wide numeric and timing aggregates used by
// the ingestion pipeline for self-diagnostics: insertion/drop counts, upload
// durations, compression ratios. Counters and timers are cheap enough to be
// updated from hot paths; both tables are guarded by read-many/write-one
// locks.
package meter

import (
	"sync"
)

// Counter is a named table of float64 values with atomic arithmetic updates.
// A single instance is shared process-wide via Default; tests construct fresh
// instances with NewCounter so scenarios do not observe each other's state.
type Counter struct {
	mu    sync.RWMutex
	table map[string]float64
}

// NewCounter returns an empty counter table.
func NewCounter() *Counter {
	return &Counter{table: make(map[string]float64)}
}

var (
	defaultCounter     *Counter
	defaultCounterOnce sync.Once
)

// Default returns the lazily-initialized process-wide counter table.
func Default() *Counter {
	defaultCounterOnce.Do(func() {
		defaultCounter = NewCounter()
	})
	return defaultCounter
}

// Get returns the current value for name, 0 if never set.
func (c *Counter) Get(name string) float64 {
	c.mu.RLock()
	v := c.table[name]
	c.mu.RUnlock()
	return v
}

// Set stores v under name.
func (c *Counter) Set(name string, v float64) {
	c.mu.Lock()
	c.table[name] = v
	c.mu.Unlock()
}

// Add increments name by delta and returns the new value.
func (c *Counter) Add(name string, delta float64) float64 {
	return c.Apply(name, func(old float64) float64 { return old + delta })
}

// Apply atomically replaces the value under name with op(old) and returns the
// new value. Missing names are treated as 0.
func (c *Counter) Apply(name string, op func(old float64) float64) float64 {
	c.mu.Lock()
	nv := op(c.table[name])
	c.table[name] = nv
	c.mu.Unlock()
	return nv
}

// CountAvg maintains a running average under name with a companion sample
// count under name+"_avgcnt". The count wraps modulo maxCnt and restarts at
// longTermKeep, so the average keeps responding to recent samples instead of
// freezing once n grows large. Returns the new average.
func (c *Counter) CountAvg(name string, x float64, maxCnt, longTermKeep int64) float64 {
	cntKey := name + "_avgcnt"
	c.mu.Lock()
	oldAvg := c.table[name]
	oldCnt := int64(c.table[cntKey])
	newAvg := (oldAvg*float64(oldCnt) + x) / float64(oldCnt+1)
	c.table[name] = newAvg
	newCnt := (oldCnt + 1) % maxCnt
	if newCnt == 0 {
		newCnt = longTermKeep
	}
	c.table[cntKey] = float64(newCnt)
	c.mu.Unlock()
	return newAvg
}
