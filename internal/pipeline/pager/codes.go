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

// Package pager publishes SDK-internal error and warning codes to registered
// listeners, and ships out-of-band quality reports to a diagnostics endpoint.
// Code layout: 4 00 NN CCC — severity, component namespace, category, code.
package pager

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Stable pager codes.
const (
	// Common: 4(Error)00(Common)00(Category)000(Code)
	CodeCommon = 40000000

	// Common - Network: 4(Error)00(Common)01(Network)000(Code).
	// Add a transport subcode (HTTP status or transport.Subcode*) to this base.
	CodeCommonNetworkError = 40001000

	// Common - Data: 4(Error)00(Common)02(Data)000(Code)
	CodeCommonDataError = 40002000

	// Consumer - AsyncBatch: 4(Error)01(Consumer)01(AsyncBatchConsumer)000(Code)
	CodeConsumerABQueueReachThreshold = 40101001
	CodeConsumerABQueueFull           = 40101002

	// Consumer - Cache: 4(Error)01(Consumer)02(CacheConsumer)000(Code)
	CodeConsumerCacheExceedLimit = 40102001
)

// Pager receives (code, message) pairs for SDK-internal errors and warnings.
type Pager func(code int, message string)

// Set is a registry of pagers. Emission never blocks or fails the caller:
// listener panics are logged and the remaining listeners still run.
type Set struct {
	mu     sync.Mutex
	nextID int
	pagers map[int]Pager
}

// Register adds p and returns a handle for Unregister.
func (s *Set) Register(p Pager) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pagers == nil {
		s.pagers = make(map[int]Pager)
	}
	s.nextID++
	s.pagers[s.nextID] = p
	return s.nextID
}

// Unregister removes the pager registered under id.
func (s *Set) Unregister(id int) {
	s.mu.Lock()
	delete(s.pagers, id)
	s.mu.Unlock()
}

// Page delivers (code, message) to every registered pager.
func (s *Set) Page(code int, message string) {
	s.mu.Lock()
	pagers := make([]Pager, 0, len(s.pagers))
	for _, p := range s.pagers {
		pagers = append(pagers, p)
	}
	s.mu.Unlock()
	for _, p := range pagers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("[pager] failed to page to a pager: %v", r)
				}
			}()
			p(code, message)
		}()
	}
}
