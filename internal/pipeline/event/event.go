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

// Package event validates and enriches caller-supplied analytics events into
// canonical wire records and serializes them to compact JSON. Keys starting
// with '#' or '$' are meta keys; recognized ones are lifted from the property
// map to the top level of the canonical record.
package event

import "time"

// SendType selects the backend table an event is routed to.
type SendType string

const (
	SendTypeTrack SendType = "track"
	SendTypeUser  SendType = "user"
)

// Event is a caller-supplied record. At least one of DTID and ACID must be
// non-empty.
type Event struct {
	// DTID is the unique identifier per user per device.
	DTID string

	// ACID is the account-level identifier.
	ACID string

	// Name is the event name; it must match ^[#$a-zA-Z][a-zA-Z0-9_]{0,63}$.
	Name string

	// Properties carries arbitrary event properties. Recognized meta keys may
	// be set here and are moved to the top level of the canonical record.
	Properties map[string]any

	// Meta optionally carries meta keys separately; only recognized meta keys
	// are used and the map is never mutated.
	Meta map[string]any
}

// Date is a date-only property value, serialized as YYYY-MM-DD. Use a plain
// time.Time for datetime values (YYYY-MM-DD HH:MM:SS.mmm).
type Date time.Time

// Time returns the underlying time.
func (d Date) Time() time.Time { return time.Time(d) }
