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

// Package transport posts gzip-compressed event batches to the collector over
// a single pooled HTTPS session and classifies every response into success,
// illegal-data, oversize or network error. Compression statistics feed the
// process-wide meter so batch splitting can estimate compressed sizes.
package transport

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"eventpipe/internal/pipeline/meter"
)

const (
	// DefaultServerURL is the collector endpoint used when none is configured.
	DefaultServerURL = "https://s2s.roiquery.com/sync"

	// SDKType and SDKVersion are attached to every event upload.
	SDKType    = "dt_go_sdk"
	SDKVersion = "1.0.0"

	megabyte = 1024 * 1024
)

// Meter keys for compression statistics.
const (
	KeyAvgCompressRate = "http_avg_compress_rate"
	KeyAvgCompressSize = "http_avg_compress_size"
)

// Options configures a Service.
type Options struct {
	// Timeout bounds each HTTP attempt. Default 30s.
	Timeout time.Duration

	// Retries is the number of additional attempts after a connection-level
	// failure. Default 3. Negative disables retries.
	Retries int

	// BackoffFactor scales the exponential retry backoff, in seconds.
	// Default 0.3 (0.3s, 0.6s, 1.2s, ...).
	BackoffFactor float64

	// Compress gzip-compresses request bodies. Default true; DisableCompress
	// turns it off.
	DisableCompress bool

	// Debug enables the simulation hook set via SetSimulate.
	Debug bool

	// Counter receives compression statistics. Defaults to meter.Default().
	Counter *meter.Counter
}

// Service is a thread-safe HTTP uploader sharing one pooled client.
type Service struct {
	client   *http.Client
	retries  int
	backoff  float64
	compress bool
	debug    bool
	counter  *meter.Counter

	// simulate, when set in debug mode, short-circuits Post: sleep |v| ms and
	// succeed iff v >= 0. Stored as v+1 so 0 can mean "unset".
	simulate atomic.Int64
}

// NewService builds a Service from opts, applying defaults for zero values.
func NewService(opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	} else if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BackoffFactor <= 0 {
		opts.BackoffFactor = 0.3
	}
	if opts.Counter == nil {
		opts.Counter = meter.Default()
	}
	return &Service{
		client:   &http.Client{Timeout: opts.Timeout},
		retries:  opts.Retries,
		backoff:  opts.BackoffFactor,
		compress: !opts.DisableCompress,
		debug:    opts.Debug,
		counter:  opts.Counter,
	}
}

// SetSimulate arranges for Post to skip network I/O in debug mode: it sleeps
// |ms| milliseconds and reports success iff ms >= 0.
func (s *Service) SetSimulate(ms int64) {
	if ms >= 0 {
		s.simulate.Store(ms + 1)
	} else {
		s.simulate.Store(ms)
	}
}

// ClearSimulate disables the simulation hook.
func (s *Service) ClearSimulate() {
	s.simulate.Store(0)
}

// PostEvent uploads an assembled batch body to the collector with the
// identity headers the backend expects.
func (s *Service) PostEvent(serverURL, appID, token string, body []byte, count int) error {
	headers := map[string]string{
		"app_id":      appID,
		"token":       token,
		"sdk-type":    SDKType,
		"sdk-version": SDKVersion,
		"data-count":  strconv.Itoa(count),
	}
	return s.Post(serverURL, body, headers)
}

// PostRaw posts without classification; failures are logged and reported as a
// plain false. Used by fire-and-forget channels such as the quality reporter.
func (s *Service) PostRaw(url string, body []byte) bool {
	if err := s.Post(url, body, nil); err != nil {
		log.Debugf("[transport] post_raw: %v", err)
		return false
	}
	return true
}

// Post compresses and uploads body, classifying the response. A nil return
// means the collector acknowledged the batch (code == 0). Failure variants
// are *NetworkError, *IllegalDataError and *OversizeError.
func (s *Service) Post(url string, body []byte, headers map[string]string) error {
	if headers == nil {
		headers = map[string]string{}
	}

	data := body
	compressedSize := int64(len(body))
	if s.compress {
		gz, err := gzipBytes(body)
		if err != nil {
			return &NetworkError{Subcode: SubcodeOther, Message: fmt.Sprintf("gzip: %v", err)}
		}
		if len(gz) > 0 {
			rate := float64(len(body)) / float64(len(gz))
			// ~long-short-term average, 5/1000
			avg := s.counter.CountAvg(KeyAvgCompressRate, rate, 1000, 5)
			s.counter.CountAvg(KeyAvgCompressSize, float64(len(gz)), 1000, 5)
			log.Debugf("[transport] avg compress rate: %.4f", avg)
		}
		data = gz
		compressedSize = int64(len(gz))
		headers["compress"] = "gzip"
	} else {
		headers["compress"] = "none"
	}

	if s.debug {
		if sim := s.simulate.Load(); sim != 0 {
			ms := sim
			if ms > 0 {
				ms--
			}
			success := ms >= 0
			if d := time.Duration(abs64(ms)) * time.Millisecond; d > 0 {
				time.Sleep(d)
			}
			log.Infof("[transport] simulating result -> %t (%d)", success, ms)
			if success {
				return nil
			}
			return &NetworkError{Subcode: SubcodeOther, Message: "simulated failure"}
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return &NetworkError{Subcode: SubcodeOther, Message: fmt.Sprintf("http failed: %v", err)}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := s.client.Do(req)
		if err == nil {
			return s.classify(resp, compressedSize)
		}
		lastErr = err
		if attempt >= s.retries {
			break
		}
		time.Sleep(time.Duration(s.backoff * math.Pow(2, float64(attempt)) * float64(time.Second)))
	}
	if s.retries > 0 && !isConnectError(lastErr) {
		return &NetworkError{Subcode: SubcodeMaxRetries, Message: fmt.Sprintf("reached max retry limit: %v", lastErr)}
	}
	return &NetworkError{Subcode: SubcodeConnection, Message: fmt.Sprintf("data transmission failed: %v", lastErr)}
}

// isConnectError reports whether err is a connection-establishment failure,
// as opposed to a failure on an already established connection. The former
// classifies as SubcodeConnection even when the retry budget is exhausted.
func isConnectError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// collectorResponse is the wire response envelope.
type collectorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		MaxSize     int64 `json:"max_size"`
		ReceiveSize int64 `json:"receive_size"`
	} `json:"data"`
}

const oversizeCode = 11

func (s *Service) classify(resp *http.Response, compressedSize int64) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Debugf("[transport] response status=%d", resp.StatusCode)
		return &NetworkError{
			Subcode: resp.StatusCode,
			Message: fmt.Sprintf("unexpected http status code %d", resp.StatusCode),
		}
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Subcode: SubcodeOther, Message: fmt.Sprintf("read response: %v", err)}
	}
	var cr collectorResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return &NetworkError{Subcode: SubcodeOther, Message: fmt.Sprintf("decode response: %v", err)}
	}
	switch cr.Code {
	case 0:
		return nil
	case oversizeCode:
		return &OversizeError{
			ReceiveSize:    cr.Data.ReceiveSize,
			CompressedSize: compressedSize,
			MaxSize:        cr.Data.MaxSize,
		}
	default:
		return &IllegalDataError{Code: cr.Code, Message: cr.Msg}
	}
}

// SplitByCompressedSize divides items into groups whose estimated compressed
// size stays under targetMB, using the running average compression rate. With
// no compression statistics yet, everything goes into one group. A single
// item estimated above the target still forms its own group.
func (s *Service) SplitByCompressedSize(items [][]byte, targetMB int) [][][]byte {
	if len(items) == 0 {
		return nil
	}
	rate := s.counter.Get(KeyAvgCompressRate)
	if rate <= 0 {
		return [][][]byte{items}
	}
	limit := float64(targetMB) * megabyte

	var result [][][]byte
	var group [][]byte
	size := 0.0
	for _, item := range items {
		itemSize := float64(len(item)) / rate
		if size+itemSize >= limit {
			if len(group) == 0 {
				result = append(result, [][]byte{item})
				size = 0
				continue
			}
			result = append(result, group)
			group = [][]byte{item}
			size = itemSize
			continue
		}
		group = append(group, item)
		size += itemSize
	}
	if len(group) > 0 {
		result = append(result, group)
	}
	return result
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
