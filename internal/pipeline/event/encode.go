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

import (
	"encoding/json"
	"math"
	"time"
)

const (
	dateFormat     = "2006-01-02"
	dateTimeFormat = "2006-01-02 15:04:05.000"
)

// Marshal serializes a canonical record to compact JSON. Date and datetime
// values are rendered through a visitor before generic encoding; NaN and Inf
// are rejected.
func Marshal(data map[string]any) ([]byte, error) {
	visited, err := visit(data)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(visited)
	if err != nil {
		return nil, illegalDataErrorf("encode: %v", err)
	}
	return raw, nil
}

// visit walks the value tree converting Date/time.Time to their wire string
// forms and rejecting non-finite numbers. Containers are copied, never
// mutated in place.
func visit(v any) (any, error) {
	switch t := v.(type) {
	case Date:
		return t.Time().Format(dateFormat), nil
	case time.Time:
		return t.Format(dateTimeFormat), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, illegalDataErrorf("Nan or Inf data are not allowed")
		}
		return t, nil
	case float32:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, illegalDataErrorf("Nan or Inf data are not allowed")
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			vv, err := visit(val)
			if err != nil {
				return nil, err
			}
			out[k] = vv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			vv, err := visit(val)
			if err != nil {
				return nil, err
			}
			out[i] = vv
		}
		return out, nil
	default:
		return v, nil
	}
}
