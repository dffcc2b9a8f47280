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

package transport

import "fmt"

// Network error subcodes. 1xx-5xx are reserved for raw HTTP status codes.
const (
	SubcodeMaxRetries = 901
	SubcodeConnection = 902
	SubcodeOversize   = 903 // a single event body exceeds the server maximum
	SubcodeOther      = 999
)

// NetworkError is a transport failure: non-2xx status, exhausted retries or a
// connection-level fault. Subcode is either an HTTP status code or one of the
// Subcode* constants.
type NetworkError struct {
	Subcode int
	Message string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (subcode %d): %s", e.Subcode, e.Message)
}

// IllegalDataError means the collector accepted the request but rejected the
// payload semantically. Retrying the same batch cannot succeed.
type IllegalDataError struct {
	Code    int
	Message string
}

func (e *IllegalDataError) Error() string {
	return fmt.Sprintf("unexpected result code: %d reason: %s", e.Code, e.Message)
}

// OversizeError means the collector rejected the request for size. The
// consumer re-chunks the batch, or drops it when it holds a single event.
type OversizeError struct {
	ReceiveSize    int64 // size the server received
	CompressedSize int64 // size this client sent after compression
	MaxSize        int64 // server-side maximum
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("request oversize: received %d, sent %d, server max %d",
		e.ReceiveSize, e.CompressedSize, e.MaxSize)
}
