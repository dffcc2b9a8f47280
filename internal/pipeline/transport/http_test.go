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

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"eventpipe/internal/pipeline/meter"
)

func newTestService(counter *meter.Counter) *Service {
	return NewService(Options{
		Timeout: 2 * time.Second,
		Retries: -1, // fail fast in tests
		Counter: counter,
	})
}

func TestPostEventSuccess(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("body is not gzip: %v", err)
			return
		}
		gotBody, _ = io.ReadAll(gz)
		fmt.Fprint(w, `{"code":0,"msg":"ok"}`)
	}))
	defer srv.Close()

	svc := newTestService(meter.NewCounter())
	body := []byte(`[{"#event_name":"demo"}]`)
	if err := svc.PostEvent(srv.URL, "app1", "tok1", body, 1); err != nil {
		t.Fatalf("PostEvent: %v", err)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("decompressed body = %s, want %s", gotBody, body)
	}
	checks := map[string]string{
		"App_id":      "app1",
		"Token":       "tok1",
		"Sdk-Type":    SDKType,
		"Sdk-Version": SDKVersion,
		"Data-Count":  "1",
		"Compress":    "gzip",
	}
	for k, want := range checks {
		if got := gotHeaders.Get(k); got != want {
			t.Fatalf("header %s = %q, want %q", k, got, want)
		}
	}
}

func TestPostRecordsCompressionStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0}`)
	}))
	defer srv.Close()

	counter := meter.NewCounter()
	svc := newTestService(counter)
	if err := svc.Post(srv.URL, make([]byte, 4096), nil); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if rate := counter.Get(KeyAvgCompressRate); rate <= 1 {
		t.Fatalf("avg compress rate = %v, want > 1 for compressible input", rate)
	}
	if size := counter.Get(KeyAvgCompressSize); size <= 0 {
		t.Fatalf("avg compress size = %v, want > 0", size)
	}
}

func TestPostIllegalDataResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":42,"msg":"bad payload"}`)
	}))
	defer srv.Close()

	svc := newTestService(meter.NewCounter())
	err := svc.Post(srv.URL, []byte(`[]`), nil)
	var dataErr *IllegalDataError
	if !errors.As(err, &dataErr) {
		t.Fatalf("err = %v, want *IllegalDataError", err)
	}
	if dataErr.Code != 42 || dataErr.Message != "bad payload" {
		t.Fatalf("dataErr = %+v", dataErr)
	}
}

func TestPostOversizeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":11,"msg":"too big","data":{"max_size":1048576,"receive_size":2097152}}`)
	}))
	defer srv.Close()

	svc := newTestService(meter.NewCounter())
	err := svc.Post(srv.URL, []byte(`[]`), nil)
	var overErr *OversizeError
	if !errors.As(err, &overErr) {
		t.Fatalf("err = %v, want *OversizeError", err)
	}
	if overErr.MaxSize != 1048576 || overErr.ReceiveSize != 2097152 {
		t.Fatalf("overErr = %+v", overErr)
	}
	if overErr.CompressedSize <= 0 {
		t.Fatalf("CompressedSize = %d, want > 0", overErr.CompressedSize)
	}
}

func TestPostHTTPStatusBecomesSubcode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := newTestService(meter.NewCounter())
	err := svc.Post(srv.URL, []byte(`[]`), nil)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if netErr.Subcode != http.StatusServiceUnavailable {
		t.Fatalf("Subcode = %d, want %d", netErr.Subcode, http.StatusServiceUnavailable)
	}
}

func TestPostConnectionFailureWithoutRetries(t *testing.T) {
	svc := newTestService(meter.NewCounter())
	err := svc.Post("http://127.0.0.1:1/unreachable", []byte(`[]`), nil)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if netErr.Subcode != SubcodeConnection {
		t.Fatalf("Subcode = %d, want %d", netErr.Subcode, SubcodeConnection)
	}
}

func TestPostConnectionRefusedWithRetries(t *testing.T) {
	svc := NewService(Options{
		Timeout:       2 * time.Second,
		Retries:       1,
		BackoffFactor: 0.001,
		Counter:       meter.NewCounter(),
	})
	err := svc.Post("http://127.0.0.1:1/unreachable", []byte(`[]`), nil)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	// A refused connection stays a connection failure even after the retry
	// budget is spent.
	if netErr.Subcode != SubcodeConnection {
		t.Fatalf("Subcode = %d, want %d", netErr.Subcode, SubcodeConnection)
	}
}

func TestPostRetriesThenMaxRetries(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		// Kill the connection so the client sees a transport-level error.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	svc := NewService(Options{
		Timeout:       2 * time.Second,
		Retries:       2,
		BackoffFactor: 0.001,
		Counter:       meter.NewCounter(),
	})
	err := svc.Post(srv.URL, []byte(`[]`), nil)
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("err = %v, want *NetworkError", err)
	}
	if netErr.Subcode != SubcodeMaxRetries {
		t.Fatalf("Subcode = %d, want %d", netErr.Subcode, SubcodeMaxRetries)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", attempts)
	}
}

func TestSimulateShortCircuits(t *testing.T) {
	svc := NewService(Options{Debug: true, Retries: -1, Counter: meter.NewCounter()})
	svc.SetSimulate(0)
	// No server at all: simulation must keep this off the network.
	if err := svc.Post("http://127.0.0.1:1/none", []byte(`[]`), nil); err != nil {
		t.Fatalf("simulated success returned %v", err)
	}
	svc.SetSimulate(-1)
	if err := svc.Post("http://127.0.0.1:1/none", []byte(`[]`), nil); err == nil {
		t.Fatal("simulated failure returned nil")
	}
	svc.ClearSimulate()
}

func TestPostRawSwallowsErrors(t *testing.T) {
	svc := newTestService(meter.NewCounter())
	if svc.PostRaw("http://127.0.0.1:1/none", []byte(`{}`)) {
		t.Fatal("PostRaw = true for unreachable endpoint")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0}`)
	}))
	defer srv.Close()
	if !svc.PostRaw(srv.URL, []byte(`{}`)) {
		t.Fatal("PostRaw = false for healthy endpoint")
	}
}

func TestSplitByCompressedSize(t *testing.T) {
	counter := meter.NewCounter()
	svc := NewService(Options{Retries: -1, Counter: counter})

	items := [][]byte{make([]byte, 100), make([]byte, 100), make([]byte, 100)}

	// No stats yet: one group.
	groups := svc.SplitByCompressedSize(items, 1)
	if len(groups) != 1 || len(groups[0]) != 3 {
		t.Fatalf("groups = %d, want a single group of 3", len(groups))
	}

	// Rate 1:1 with a 1MB target still fits easily in one group.
	counter.Set(KeyAvgCompressRate, 1)
	groups = svc.SplitByCompressedSize(items, 1)
	if len(groups) != 1 {
		t.Fatalf("groups = %d, want 1", len(groups))
	}

	// A tiny effective limit forces one item per group.
	counter.Set(KeyAvgCompressRate, 100.0/float64(2*megabyte))
	groups = svc.SplitByCompressedSize(items, 1)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	for i, g := range groups {
		if len(g) != 1 {
			t.Fatalf("group %d has %d items, want 1", i, len(g))
		}
	}

	if got := svc.SplitByCompressedSize(nil, 1); got != nil {
		t.Fatalf("split of empty input = %v, want nil", got)
	}
}
