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

package event

import "fmt"

// MetaError reports a missing or ill-typed required field (ids, event time,
// event name). It surfaces synchronously to the caller at add time.
type MetaError struct {
	Message string
}

func (e *MetaError) Error() string { return e.Message }

func metaErrorf(format string, args ...any) *MetaError {
	return &MetaError{Message: fmt.Sprintf(format, args...)}
}

// IllegalDataError reports a property name or value that violates the schema.
// It surfaces synchronously to the caller at add time.
type IllegalDataError struct {
	Message string
}

func (e *IllegalDataError) Error() string { return e.Message }

func illegalDataErrorf(format string, args ...any) *IllegalDataError {
	return &IllegalDataError{Message: fmt.Sprintf(format, args...)}
}
