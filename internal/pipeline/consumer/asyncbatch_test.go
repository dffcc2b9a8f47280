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
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"eventpipe/internal/pipeline/meter"
	"eventpipe/internal/pipeline/pager"
	"eventpipe/internal/pipeline/transport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// collector is a scripted mock backend recording every uploaded batch.
type collector struct {
	t  *testing.T
	mu sync.Mutex

	// respond decides the response for the nth request (0-based). Nil always
	// acknowledges.
	respond func(n int) string

	batches [][]map[string]any
	hits    int
}

func (c *collector) handler(w http.ResponseWriter, r *http.Request) {
	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		c.t.Errorf("body is not gzip: %v", err)
		return
	}
	raw, _ := io.ReadAll(gz)
	var batch []map[string]any
	if err := json.Unmarshal(raw, &batch); err != nil {
		c.t.Errorf("body is not a JSON array: %v (%s)", err, raw)
		return
	}

	c.mu.Lock()
	n := c.hits
	c.hits++
	c.mu.Unlock()

	resp := `{"code":0}`
	if c.respond != nil {
		resp = c.respond(n)
	}
	if resp == "" {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
	fmt.Fprint(w, resp)
}

func (c *collector) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// receivedSeq flattens the "i" property of every acknowledged record in
// arrival order.
func (c *collector) receivedSeq() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var seq []int
	for _, b := range c.batches {
		for _, rec := range b {
			seq = append(seq, int(rec["i"].(float64)))
		}
	}
	return seq
}

type testEnv struct {
	c       *AsyncBatchConsumer
	col     *collector
	counter *meter.Counter

	mu    sync.Mutex
	pages []int
}

func (e *testEnv) pagedCodes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.pages...)
}

func newTestEnv(t *testing.T, cfg Config, respond func(n int) string) *testEnv {
	t.Helper()
	col := &collector{t: t, respond: respond}
	srv := httptest.NewServer(http.HandlerFunc(col.handler))
	t.Cleanup(srv.Close)

	quality := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0}`)
	}))
	t.Cleanup(quality.Close)

	cfg.AppID = "app1"
	cfg.Token = "tok1"
	cfg.ServerURL = srv.URL
	cfg.QualityURL = quality.URL
	cfg.NetworkRetries = -1
	cfg.NetworkTimeout = 2 * time.Second
	if cfg.Counter == nil {
		cfg.Counter = meter.NewCounter()
	}
	if cfg.Times == nil {
		cfg.Times = meter.NewTimeMonitor()
	}
	env := &testEnv{col: col, counter: cfg.Counter}
	env.c = NewAsyncBatchConsumer(cfg)
	env.c.RegisterPager(func(code int, message string) {
		env.mu.Lock()
		env.pages = append(env.pages, code)
		env.mu.Unlock()
	})
	t.Cleanup(env.c.Close)
	return env
}

func supply(from, to int) func() ([][]byte, error) {
	return func() ([][]byte, error) {
		var out [][]byte
		for i := from; i < to; i++ {
			out = append(out, []byte(fmt.Sprintf(`{"i":%d}`, i)))
		}
		return out, nil
	}
}

func TestAsyncBatchUploadsOnFlush(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour}, nil)
	if err := env.c.Add(supply(0, 3)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	env.c.Flush()
	waitFor(t, 3*time.Second, func() bool {
		return env.counter.Get(KeyUploadSuccess) == 3
	})
	seq := env.col.receivedSeq()
	if len(seq) != 3 {
		t.Fatalf("received %d records, want 3", len(seq))
	}
	for i, v := range seq {
		if v != i {
			t.Fatalf("seq = %v, want 0..2 in order", seq)
		}
	}
}

func TestAsyncBatchGroupsByFlushLen(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, FlushLen: 3}, nil)
	if err := env.c.Add(supply(0, 7)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	env.c.Flush()
	waitFor(t, 3*time.Second, func() bool {
		return env.counter.Get(KeyUploadSuccess) == 7
	})

	env.col.mu.Lock()
	batches := env.col.batches
	env.col.mu.Unlock()
	for i, b := range batches {
		if len(b) > 3 {
			t.Fatalf("batch %d has %d records, want <= flush_len", i, len(b))
		}
	}
	seq := env.col.receivedSeq()
	for i, v := range seq {
		if v != i {
			t.Fatalf("seq = %v, want 0..6 in order", seq)
		}
	}
}

func TestAsyncBatchSupplierErrorPropagates(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour}, nil)
	wantErr := errors.New("bad event")
	err := env.c.Add(func() ([][]byte, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("Add = %v, want %v", err, wantErr)
	}
	if got := env.counter.Get(KeyInsert); got != 0 {
		t.Fatalf("insert counter = %v after failed supplier", got)
	}
}

func TestAsyncBatchQueueFullDropsAndPages(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, FlushLen: 100, QueueSize: 5}, nil)
	if err := env.c.Add(supply(0, 8)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := env.counter.Get(KeyInsert); got != 5 {
		t.Fatalf("insert counter = %v, want 5", got)
	}
	if got := env.counter.Get(KeyDrop); got != 3 {
		t.Fatalf("drop counter = %v, want 3", got)
	}
	codes := env.pagedCodes()
	found := false
	for _, c := range codes {
		if c == pager.CodeConsumerABQueueFull {
			found = true
		}
	}
	if !found {
		t.Fatalf("codes = %v, want queue-full pager", codes)
	}
}

func TestAsyncBatchWatermarkPagesOncePerCrossing(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, FlushLen: 100, QueueSize: 10}, nil)

	countThreshold := func() int {
		n := 0
		for _, c := range env.pagedCodes() {
			if c == pager.CodeConsumerABQueueReachThreshold {
				n++
			}
		}
		return n
	}

	if err := env.c.Add(supply(0, 7)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := countThreshold(); got != 1 {
		t.Fatalf("threshold pages = %d, want 1", got)
	}
	// Still above the watermark: no repeat.
	if err := env.c.Add(supply(7, 8)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := countThreshold(); got != 1 {
		t.Fatalf("threshold pages after second add = %d, want 1", got)
	}

	// Drain below, then cross again.
	env.c.Flush()
	waitFor(t, 3*time.Second, func() bool {
		return env.counter.Get(KeyUploadSuccess) == 8
	})
	if err := env.c.Add(supply(8, 15)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := countThreshold(); got != 2 {
		t.Fatalf("threshold pages after re-crossing = %d, want 2", got)
	}
}

func TestAsyncBatchNetworkErrorRequeuesInOrder(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 50 * time.Millisecond, FlushLen: 100},
		func(n int) string {
			if n < 2 {
				return "" // 500
			}
			return `{"code":0}`
		})
	if err := env.c.Add(supply(0, 3)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	env.c.Flush()
	waitFor(t, 5*time.Second, func() bool {
		return env.counter.Get(KeyUploadSuccess) == 3
	})
	seq := env.col.receivedSeq()
	if len(seq) != 3 {
		t.Fatalf("received %d records, want 3", len(seq))
	}
	for i, v := range seq {
		if v != i {
			t.Fatalf("seq = %v, want original order after re-queue", seq)
		}
	}
	if got := env.counter.Get(KeyDrop); got != 0 {
		t.Fatalf("drop counter = %v, want 0 (network failures never drop)", got)
	}
	foundNet := false
	for _, c := range env.pagedCodes() {
		if c == pager.CodeCommonNetworkError+http.StatusInternalServerError {
			foundNet = true
		}
	}
	if !foundNet {
		t.Fatalf("codes = %v, want network pager with HTTP status subcode", env.pagedCodes())
	}
}

func TestAsyncBatchIllegalDataDropsPermanently(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, FlushLen: 100},
		func(n int) string { return `{"code":42,"msg":"schema mismatch"}` })
	if err := env.c.Add(supply(0, 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	env.c.Flush()
	waitFor(t, 3*time.Second, func() bool {
		return env.counter.Get(KeyDrop) == 2
	})
	foundData := false
	for _, c := range env.pagedCodes() {
		if c == pager.CodeCommonDataError {
			foundData = true
		}
	}
	if !foundData {
		t.Fatalf("codes = %v, want data-error pager", env.pagedCodes())
	}

	// Nothing was re-queued: another flush performs no upload.
	hits := env.col.requestCount()
	env.c.Flush()
	time.Sleep(100 * time.Millisecond)
	if env.col.requestCount() != hits {
		t.Fatal("rejected batch was re-uploaded")
	}
	if got := env.counter.Get(KeyUploadSuccess); got != 0 {
		t.Fatalf("upload counter = %v, want 0", got)
	}
}

func TestAsyncBatchOversizeSingleEventDrops(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, FlushLen: 100},
		func(n int) string {
			return `{"code":11,"msg":"too big","data":{"max_size":1024,"receive_size":4096}}`
		})
	if err := env.c.Add(supply(0, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	env.c.Flush()
	waitFor(t, 3*time.Second, func() bool {
		return env.counter.Get(KeyDrop) == 1
	})
	wantCode := pager.CodeCommonNetworkError + transport.SubcodeOversize
	found := false
	for _, c := range env.pagedCodes() {
		if c == wantCode {
			found = true
		}
	}
	if !found {
		t.Fatalf("codes = %v, want %d", env.pagedCodes(), wantCode)
	}
	if got := env.c.queue.Len(); got != 0 {
		t.Fatalf("queue length = %d, want 0 (oversize single dropped)", got)
	}
}

func TestAsyncBatchOversizeBatchIsRetried(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 50 * time.Millisecond, FlushLen: 100},
		func(n int) string {
			if n == 0 {
				return `{"code":11,"msg":"too big","data":{"max_size":1024,"receive_size":4096}}`
			}
			return `{"code":0}`
		})
	if err := env.c.Add(supply(0, 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	env.c.Flush()
	waitFor(t, 5*time.Second, func() bool {
		return env.counter.Get(KeyUploadSuccess) == 2
	})
	if got := env.counter.Get(KeyDrop); got != 0 {
		t.Fatalf("drop counter = %v, want 0 (multi-record oversize is re-queued)", got)
	}
}

func TestAsyncBatchTimerFlushes(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 50 * time.Millisecond, FlushLen: 100}, nil)
	if err := env.c.Add(supply(0, 1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// No explicit Flush: the interval timer must deliver it.
	waitFor(t, 3*time.Second, func() bool {
		return env.counter.Get(KeyUploadSuccess) == 1
	})
}

func TestAsyncBatchIdleTimerStaysQuiet(t *testing.T) {
	env := newTestEnv(t, Config{Interval: 30 * time.Millisecond, FlushLen: 100}, nil)
	time.Sleep(200 * time.Millisecond)
	if hits := env.col.requestCount(); hits != 0 {
		t.Fatalf("collector hit %d times with an empty queue", hits)
	}
}

func TestAsyncBatchCloseDrains(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, FlushLen: 100}, nil)
	if err := env.c.Add(supply(0, 5)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	env.c.Close()
	if got := env.counter.Get(KeyUploadSuccess); got != 5 {
		t.Fatalf("upload counter = %v, want 5 after Close", got)
	}
	seq := env.col.receivedSeq()
	for i, v := range seq {
		if v != i {
			t.Fatalf("seq = %v, want 0..4 in order", seq)
		}
	}
}

func TestAsyncBatchCloseBoundedOnPermanentFailure(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour, FlushLen: 100, CloseRetry: 1},
		func(n int) string { return "" })
	if err := env.c.Add(supply(0, 2)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	start := time.Now()
	env.c.Close()
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Close took %v, drain is not bounded", elapsed)
	}
	// The discarded remainder is accounted as drops.
	if got := env.counter.Get(KeyDrop); got != 2 {
		t.Fatalf("drop counter = %v, want 2", got)
	}
	if got := env.counter.Get(KeyUploadSuccess); got != 0 {
		t.Fatalf("upload counter = %v, want 0", got)
	}
}

func TestAsyncBatchAddAfterClose(t *testing.T) {
	env := newTestEnv(t, Config{Interval: time.Hour}, nil)
	env.c.Close()
	if err := env.c.Add(supply(0, 3)); err != nil {
		t.Fatalf("Add after Close = %v, want nil", err)
	}
	if got := env.counter.Get(KeyInsert); got != 0 {
		t.Fatalf("insert counter = %v after Close", got)
	}
}
