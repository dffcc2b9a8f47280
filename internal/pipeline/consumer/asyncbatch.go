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
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"eventpipe/internal/pipeline/meter"
	"eventpipe/internal/pipeline/pager"
	"eventpipe/internal/pipeline/transport"
	"eventpipe/internal/pipeline/workers"
)

const (
	defaultInterval  = 3 * time.Second
	defaultFlushLen  = 10000
	defaultQueueSize = 100000

	// maxRequestBytes is the hard per-request payload cap (uncompressed).
	maxRequestBytes = 16 * 1024 * 1024

	// queueWarnRatio is the fill level whose upward crossing emits a
	// reach-threshold pager.
	queueWarnRatio = 0.7
)

// Meter keys for consumer self-diagnostics.
const (
	KeyInsert          = "async_batch-insert"
	KeyQueueSize       = "async_batch-queue_size"
	KeyDrop            = "async_batch-drop"
	KeyUploadSuccess   = "async_batch-upload_success"
	KeyFlushBufferSize = "async_batch-flush_buffer_size"

	keyTimeUploadTotal = "async_batch-upload_total"
	keyTimeUpload      = "async_batch-upload"
	keyTimeFetch       = "async_batch-upload_fetch_from_queue"
)

// Config configures an AsyncBatchConsumer. Zero values select the documented
// defaults.
type Config struct {
	AppID     string
	Token     string
	ServerURL string // default transport.DefaultServerURL

	// Interval is the idle-flush period. Default 3s.
	Interval time.Duration

	// FlushLen is the number of records that closes a group and bounds a
	// single upload. Default 10000.
	FlushLen int

	// QueueSize is the hard cap on buffered records. Default 100000.
	QueueSize int

	// CloseRetry bounds the shutdown drain: after this many consecutive
	// same-size observations the remaining records are discarded. Zero selects
	// the default of 1; negative drains without bound.
	CloseRetry int

	// NumNetworkThreads sizes the upload worker pool. Default 1.
	NumNetworkThreads int

	// Debug marks every event with #debug and enables transport simulation.
	Debug bool

	// NetworkTimeout and NetworkRetries pass through to the transport layer;
	// zero values keep its defaults.
	NetworkTimeout time.Duration
	NetworkRetries int

	// QualityURL overrides the diagnostics endpoint. Empty keeps the default.
	QualityURL string

	// Counter and Times override the process-wide meter tables, mainly for
	// tests.
	Counter *meter.Counter
	Times   *meter.TimeMonitor

	// Service overrides the constructed transport, mainly for tests.
	Service *transport.Service
}

// AsyncBatchConsumer buffers encoded records in a bounded in-memory queue and
// uploads them in batches from a worker pool. Records are dropped only when
// the queue is full, when a lone event exceeds the collector limit, or when
// the collector rejects a batch as illegal data.
type AsyncBatchConsumer struct {
	Base

	appID      string
	token      string
	serverURL  string
	flushLen   int
	closeRetry int

	svc      *transport.Service
	queue    *recordQueue
	pool     *workers.Pool
	timer    *flushTimer
	counter  *meter.Counter
	times    *meter.TimeMonitor
	reporter *pager.Reporter

	closed    atomic.Bool
	startedAt time.Time
}

// NewAsyncBatchConsumer builds and starts a consumer: the upload pool and the
// flush timer run immediately.
func NewAsyncBatchConsumer(cfg Config) *AsyncBatchConsumer {
	if cfg.ServerURL == "" {
		cfg.ServerURL = transport.DefaultServerURL
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.FlushLen <= 0 {
		cfg.FlushLen = defaultFlushLen
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.CloseRetry == 0 {
		cfg.CloseRetry = 1
	}
	if cfg.NumNetworkThreads < 1 {
		cfg.NumNetworkThreads = 1
	}
	if cfg.Counter == nil {
		cfg.Counter = meter.Default()
	}
	if cfg.Times == nil {
		cfg.Times = meter.DefaultTime()
	}
	svc := cfg.Service
	if svc == nil {
		svc = transport.NewService(transport.Options{
			Timeout: cfg.NetworkTimeout,
			Retries: cfg.NetworkRetries,
			Debug:   cfg.Debug,
			Counter: cfg.Counter,
		})
	}

	c := &AsyncBatchConsumer{
		appID:      cfg.AppID,
		token:      cfg.Token,
		serverURL:  cfg.ServerURL,
		flushLen:   cfg.FlushLen,
		closeRetry: cfg.CloseRetry,
		svc:        svc,
		queue:      newRecordQueue(cfg.QueueSize, cfg.FlushLen, maxRequestBytes),
		counter:    cfg.Counter,
		times:      cfg.Times,
		reporter:   pager.NewReporter(svc, cfg.QualityURL),
		startedAt:  time.Now(),
	}
	c.pool = workers.NewPool("async-batch-upload", workers.Options{Size: cfg.NumNetworkThreads})
	c.pool.Start()
	c.timer = newFlushTimer(cfg.Interval, c.hasPendingData, c.submitFlush)
	log.Infof("[async-batch] started (app_id: %s, flush_len: %d, queue_size: %d)", cfg.AppID, cfg.FlushLen, cfg.QueueSize)
	return c
}

// AppID returns the app this consumer uploads for.
func (c *AsyncBatchConsumer) AppID() string { return c.appID }

// Add runs supplier and queues its records. Supplier errors are returned to
// the caller unchanged; records that do not fit the queue are dropped with a
// queue-full pager. After Close, Add discards silently.
func (c *AsyncBatchConsumer) Add(supplier func() ([][]byte, error)) error {
	if c.closed.Load() {
		return nil
	}
	records, err := supplier()
	if err != nil {
		return err
	}
	c.add(records)
	return nil
}

func (c *AsyncBatchConsumer) add(records [][]byte) {
	if len(records) == 0 {
		return
	}
	preSize := c.queue.Len()
	inserted := 0
	triggered := false
	for _, rec := range records {
		ok, boundary := c.queue.PushBack(rec)
		if !ok {
			break
		}
		inserted++
		if boundary {
			triggered = true
		}
	}
	crtSize := c.queue.Len()
	c.counter.Add(KeyInsert, float64(inserted))
	c.counter.Set(KeyQueueSize, float64(crtSize))
	metricInserts.Add(float64(inserted))
	metricQueueSize.Set(float64(crtSize))

	if inserted < len(records) {
		dropped := len(records) - inserted
		c.counter.Add(KeyDrop, float64(dropped))
		metricDrops.Add(float64(dropped))
		msg := fmt.Sprintf("message queue is full, %d records dropped (%d given)", dropped, len(records))
		log.Error("[async-batch] " + msg)
		c.Page(pager.CodeConsumerABQueueFull, msg)
		c.reporter.Report(c.appID, pager.CodeConsumerABQueueFull, msg, pager.LevelError)
	} else {
		c.checkWatermark(preSize, crtSize)
	}

	if inserted > 0 {
		c.timer.resumePaused()
	}
	if triggered {
		c.Flush()
	}
}

// checkWatermark pages once per upward crossing of the warn fill level.
func (c *AsyncBatchConsumer) checkWatermark(preSize, crtSize int) {
	threshold := int(float64(c.queue.Cap()) * queueWarnRatio)
	if preSize < threshold && crtSize >= threshold {
		msg := fmt.Sprintf("message queue size is reaching threshold (%d), current: %d", threshold, crtSize)
		log.Warn("[async-batch] " + msg)
		c.Page(pager.CodeConsumerABQueueReachThreshold, msg)
		c.reporter.Report(c.appID, pager.CodeConsumerABQueueReachThreshold, msg, pager.LevelWarning)
	}
}

// Flush schedules an upload on the worker pool and restarts the idle timer.
func (c *AsyncBatchConsumer) Flush() {
	c.submitFlush()
	c.timer.refreshTimer()
}

func (c *AsyncBatchConsumer) submitFlush() {
	c.pool.Execute(c.performRequest, 0)
}

func (c *AsyncBatchConsumer) hasPendingData() bool {
	return c.queue.Len() > 0
}

// performRequest drains one group off the queue and uploads it. On network
// failure the batch goes back to the head of the queue so ordering is kept; a
// collector data rejection drops the batch for good.
func (c *AsyncBatchConsumer) performRequest() {
	totalTimer := c.times.Start(keyTimeUploadTotal)
	defer totalTimer.Stop(true)

	fetchTimer := c.times.Start(keyTimeFetch)
	batch := c.queue.DrainGroup(c.flushLen, maxRequestBytes)
	fetchTimer.Stop(true)

	crtSize := c.queue.Len()
	c.counter.Set(KeyQueueSize, float64(crtSize))
	c.counter.Set(KeyFlushBufferSize, float64(len(batch)))
	metricQueueSize.Set(float64(crtSize))
	if len(batch) == 0 {
		return
	}

	body := assembleBody(batch)
	uploadTimer := c.times.Start(keyTimeUpload)
	err := c.svc.PostEvent(c.serverURL, c.appID, c.token, body, len(batch))
	uploadTimer.Stop(true)

	if err == nil {
		c.counter.Add(KeyUploadSuccess, float64(len(batch)))
		metricUploaded.Add(float64(len(batch)))
		metricBatchSize.Observe(float64(len(batch)))
		log.Debugf("[async-batch] uploaded %d records", len(batch))
		return
	}

	var (
		netErr      *transport.NetworkError
		dataErr     *transport.IllegalDataError
		oversizeErr *transport.OversizeError
	)
	switch {
	case errors.As(err, &oversizeErr):
		if len(batch) == 1 {
			// A single event above the collector limit can never succeed.
			c.counter.Add(KeyDrop, 1)
			metricDrops.Inc()
			msg := fmt.Sprintf("a single event is oversize! (compressed: %dB, max: %dB)",
				oversizeErr.CompressedSize, oversizeErr.MaxSize)
			log.Error("[async-batch] " + msg)
			c.Page(pager.CodeCommonNetworkError+transport.SubcodeOversize, msg)
			c.reporter.Report(c.appID, pager.CodeCommonNetworkError+transport.SubcodeOversize, msg, pager.LevelError)
			return
		}
		log.Warnf("[async-batch] batch oversize (max: %dB), re-queueing %d records for smaller groups",
			oversizeErr.MaxSize, len(batch))
		c.queue.PushFront(batch)

	case errors.As(err, &dataErr):
		// The collector rejected the payload; retrying can only fail again.
		c.counter.Add(KeyDrop, float64(len(batch)))
		metricDrops.Add(float64(len(batch)))
		log.Errorf("[async-batch] collector rejected %d records (code: %d): %s", len(batch), dataErr.Code, dataErr.Message)
		c.Page(pager.CodeCommonDataError, dataErr.Error())
		c.reporter.Report(c.appID, pager.CodeCommonDataError, dataErr.Error(), pager.LevelError)

	case errors.As(err, &netErr):
		metricNetworkErrors.Inc()
		log.Warnf("[async-batch] upload failed, re-queueing %d records: %v", len(batch), err)
		c.Page(pager.CodeCommonNetworkError+netErr.Subcode, netErr.Message)
		c.queue.PushFront(batch)

	default:
		metricNetworkErrors.Inc()
		log.Warnf("[async-batch] upload failed, re-queueing %d records: %v", len(batch), err)
		c.Page(pager.CodeCommonNetworkError+transport.SubcodeOther, err.Error())
		c.queue.PushFront(batch)
	}
}

// assembleBody concatenates pre-encoded records into one JSON array without
// re-encoding them.
func assembleBody(batch [][]byte) []byte {
	size := 2
	for _, rec := range batch {
		size += len(rec) + 1
	}
	var buf bytes.Buffer
	buf.Grow(size)
	buf.WriteByte('[')
	for i, rec := range batch {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(rec)
	}
	buf.WriteByte(']')
	return buf.Bytes()
}

// Close stops intake, drains the queue within the close-retry bound, logs any
// discarded remainder and terminates the workers. Idempotent.
func (c *AsyncBatchConsumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	log.Info("[async-batch] closing, draining the queue")
	c.timer.stopAndWait()

	preSize := -1
	retried := 0
	for c.queue.Len() > 0 {
		crt := c.queue.Len()
		if crt == preSize && c.closeRetry >= 0 {
			if retried >= c.closeRetry {
				break
			}
			retried++
		} else {
			retried = 0
		}
		log.Infof("[async-batch] %d records waiting to be uploaded", crt)
		preSize = crt
		c.performRequest()
	}
	// Terminate before the final accounting so no flush job still holds a
	// drained batch.
	c.pool.Terminate()
	if unsent := c.queue.Len(); unsent > 0 {
		log.Errorf("[async-batch] closed with %d records unsent, discarding", unsent)
		c.counter.Add(KeyDrop, float64(unsent))
		metricDrops.Add(float64(unsent))
	}
	c.reporter.Close()
	c.logStatistics()
}

func (c *AsyncBatchConsumer) logStatistics() {
	log.Infof(
		"[async-batch] statistics: uptime %s, inserted: %.0f, uploaded: %.0f, dropped: %.0f, avg upload: %.1fms (x%d)",
		time.Since(c.startedAt).Round(time.Second),
		c.counter.Get(KeyInsert),
		c.counter.Get(KeyUploadSuccess),
		c.counter.Get(KeyDrop),
		c.times.GetAvg(keyTimeUpload),
		c.times.GetCount(keyTimeUpload),
	)
}
