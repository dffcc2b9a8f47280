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

// Package cache provides a Redis-backed consumer: records are persisted to a
// Redis list before upload, so buffered events survive process restarts.
// Upload semantics mirror the in-memory consumer: head pops, head re-insertion
// on network failure, permanent drop on collector data rejection.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"eventpipe/internal/pipeline/consumer"
	"eventpipe/internal/pipeline/meter"
	"eventpipe/internal/pipeline/pager"
	"eventpipe/internal/pipeline/transport"
	"eventpipe/internal/pipeline/workers"
)

const (
	defaultKeyPrefix = "eventpipe:buffer"
	defaultBatchLen  = 1000
	defaultCacheSize = 5000
	defaultInterval  = 3 * time.Second
	opTimeout        = 5 * time.Second
)

// InsertionStrategy picks what gives way when an insertion would push the
// buffer list past CacheSize.
type InsertionStrategy int

const (
	// StrategyDeleteOldest evicts the oldest buffered records to make room,
	// then inserts the whole batch.
	StrategyDeleteOldest InsertionStrategy = iota

	// StrategyDiscardNew inserts only the prefix of the batch that fits and
	// drops the rest.
	StrategyDiscardNew

	// StrategyAbort drops the whole batch when it does not fit.
	StrategyAbort

	// StrategyIgnore inserts past the bound.
	StrategyIgnore
)

// Meter keys for cache consumer self-diagnostics.
const (
	KeyInsert        = "redis_cache-insert"
	KeyDrop          = "redis_cache-drop"
	KeyUploadSuccess = "redis_cache-upload_success"
)

// Config configures a RedisConsumer. Client or Addr must be set.
type Config struct {
	AppID     string
	Token     string
	ServerURL string // default transport.DefaultServerURL

	// Client is the Redis connection. When nil, one is constructed from Addr
	// and owned (closed) by the consumer.
	Client ListClient
	Addr   string

	// KeyPrefix namespaces the buffer list; the full key is
	// "<prefix>:<app_id>". Default "eventpipe:buffer".
	KeyPrefix string

	// BatchLen bounds records per upload and triggers a flush when the list
	// reaches it. Default 1000.
	BatchLen int

	// CacheSize caps the number of records held in the buffer list. Zero
	// selects the default of 5000; negative removes the bound.
	CacheSize int

	// Strategy is applied when an insertion would exceed CacheSize. Default
	// StrategyDeleteOldest.
	Strategy InsertionStrategy

	// Interval is the idle-flush period. Default 3s.
	Interval time.Duration

	// CloseRetry bounds the shutdown drain, as in the in-memory consumer.
	// Zero selects the default of 1; negative drains without bound.
	CloseRetry int

	// Counter overrides the process-wide counter table, mainly for tests.
	Counter *meter.Counter

	// Service overrides the constructed transport, mainly for tests.
	Service *transport.Service

	NetworkTimeout time.Duration
	NetworkRetries int
	Debug          bool
}

// RedisConsumer implements consumer.Consumer on top of a Redis list.
type RedisConsumer struct {
	consumer.Base

	appID      string
	token      string
	serverURL  string
	key        string
	batchLen   int
	cacheSize  int
	strategy   InsertionStrategy
	closeRetry int

	client    ListClient
	ownClient bool
	svc       *transport.Service
	counter   *meter.Counter
	pool      *workers.Pool

	closed atomic.Bool
	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRedisConsumer builds and starts a consumer; the upload worker and the
// interval ticker run immediately.
func NewRedisConsumer(cfg Config) (*RedisConsumer, error) {
	if cfg.Client == nil && cfg.Addr == "" {
		return nil, errors.New("cache: either Client or Addr must be set")
	}
	if cfg.ServerURL == "" {
		cfg.ServerURL = transport.DefaultServerURL
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.BatchLen <= 0 {
		cfg.BatchLen = defaultBatchLen
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.CloseRetry == 0 {
		cfg.CloseRetry = 1
	}
	if cfg.Counter == nil {
		cfg.Counter = meter.Default()
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
	client := cfg.Client
	ownClient := false
	if client == nil {
		client = NewGoRedisListClient(cfg.Addr)
		ownClient = true
	}

	c := &RedisConsumer{
		appID:      cfg.AppID,
		token:      cfg.Token,
		serverURL:  cfg.ServerURL,
		key:        fmt.Sprintf("%s:%s", cfg.KeyPrefix, cfg.AppID),
		batchLen:   cfg.BatchLen,
		cacheSize:  cfg.CacheSize,
		strategy:   cfg.Strategy,
		closeRetry: cfg.CloseRetry,
		client:     client,
		ownClient:  ownClient,
		svc:        svc,
		counter:    cfg.Counter,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	c.pool = workers.NewPool("redis-cache-upload", workers.Options{Size: 1})
	c.pool.Start()
	c.ticker = time.NewTicker(cfg.Interval)
	go c.intervalLoop()
	log.Infof("[redis-cache] started (app_id: %s, key: %s, batch_len: %d)", cfg.AppID, c.key, cfg.BatchLen)
	return c, nil
}

// AppID returns the app this consumer uploads for.
func (c *RedisConsumer) AppID() string { return c.appID }

// Add persists the supplier's records to the Redis list, applying the
// insertion strategy when the batch would push the list past CacheSize. A
// Redis write failure is returned to the caller; nothing is buffered in
// memory.
func (c *RedisConsumer) Add(supplier func() ([][]byte, error)) error {
	if c.closed.Load() {
		return nil
	}
	records, err := supplier()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if records, err = c.applyCacheBound(ctx, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	vals := make([]any, len(records))
	for i, rec := range records {
		vals[i] = rec
	}
	if err := c.client.PushTail(ctx, c.key, vals...); err != nil {
		return fmt.Errorf("cache: push records: %w", err)
	}
	c.counter.Add(KeyInsert, float64(len(records)))
	if n, err := c.client.Len(ctx, c.key); err == nil && n >= int64(c.batchLen) {
		c.Flush()
	}
	return nil
}

// applyCacheBound enforces CacheSize on an incoming batch and returns what
// remains to insert.
func (c *RedisConsumer) applyCacheBound(ctx context.Context, records [][]byte) ([][]byte, error) {
	if c.cacheSize <= 0 || c.strategy == StrategyIgnore {
		return records, nil
	}
	n, err := c.client.Len(ctx, c.key)
	if err != nil {
		return nil, fmt.Errorf("cache: list length: %w", err)
	}
	exceed := n + int64(len(records)) - int64(c.cacheSize)
	if exceed <= 0 {
		return records, nil
	}
	switch c.strategy {
	case StrategyDeleteOldest:
		evicted, err := c.client.PopHead(ctx, c.key, int(exceed))
		if err != nil {
			return nil, fmt.Errorf("cache: evict oldest: %w", err)
		}
		c.dropForBound(len(evicted), "oldest records evicted")
	case StrategyDiscardNew:
		keep := int64(len(records)) - exceed
		if keep < 0 {
			keep = 0
		}
		c.dropForBound(len(records)-int(keep), "batch tail discarded")
		records = records[:keep]
	case StrategyAbort:
		c.dropForBound(len(records), "batch aborted")
		records = nil
	}
	return records, nil
}

func (c *RedisConsumer) dropForBound(n int, detail string) {
	if n <= 0 {
		return
	}
	c.counter.Add(KeyDrop, float64(n))
	msg := fmt.Sprintf("cache bound (%d) reached, %d records dropped (%s)", c.cacheSize, n, detail)
	log.Warn("[redis-cache] " + msg)
	c.Page(pager.CodeConsumerCacheExceedLimit, msg)
}

// Flush schedules an upload on the worker pool.
func (c *RedisConsumer) Flush() {
	c.pool.Execute(c.performRequest, 0)
}

func (c *RedisConsumer) intervalLoop() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.ticker.C:
			c.Flush()
		case <-c.stopCh:
			return
		}
	}
}

// performRequest pops one batch off the list head and uploads it. Network
// failure pushes the batch back to the head; a collector data rejection drops
// it for good.
func (c *RedisConsumer) performRequest() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	batch, err := c.client.PopHead(ctx, c.key, c.batchLen)
	cancel()
	if err != nil {
		log.Errorf("[redis-cache] pop records: %v", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	body := assembleBody(batch)
	err = c.svc.PostEvent(c.serverURL, c.appID, c.token, body, len(batch))
	if err == nil {
		c.counter.Add(KeyUploadSuccess, float64(len(batch)))
		log.Debugf("[redis-cache] uploaded %d records", len(batch))
		return
	}

	var oversizeErr *transport.OversizeError
	if errors.As(err, &oversizeErr) {
		if len(batch) == 1 {
			// A single event above the collector limit can never succeed.
			c.dropOversize(oversizeErr)
			return
		}
		log.Warnf("[redis-cache] batch oversize (max: %dB), splitting %d records", oversizeErr.MaxSize, len(batch))
		c.uploadSplit(batch, oversizeErr)
		return
	}

	var dataErr *transport.IllegalDataError
	if errors.As(err, &dataErr) {
		c.counter.Add(KeyDrop, float64(len(batch)))
		log.Errorf("[redis-cache] collector rejected %d records (code: %d): %s", len(batch), dataErr.Code, dataErr.Message)
		c.Page(pager.CodeCommonDataError, dataErr.Error())
		return
	}

	var netErr *transport.NetworkError
	code := pager.CodeCommonNetworkError + transport.SubcodeOther
	if errors.As(err, &netErr) {
		code = pager.CodeCommonNetworkError + netErr.Subcode
	}
	log.Warnf("[redis-cache] upload failed, re-queueing %d records: %v", len(batch), err)
	c.Page(code, err.Error())
	c.requeueHead(batch)
}

// uploadSplit re-sends an oversize batch in smaller groups sized by the
// running compression statistics, halving when no statistics exist yet. A
// group that fails on the network returns to the list head together with
// everything after it; a lone record the collector still rejects as oversize
// is dropped.
func (c *RedisConsumer) uploadSplit(batch []string, cause *transport.OversizeError) {
	items := make([][]byte, len(batch))
	for i := range batch {
		items[i] = []byte(batch[i])
	}
	targetMB := int(cause.MaxSize / (1024 * 1024))
	if targetMB < 1 {
		targetMB = 1
	}
	groups := c.svc.SplitByCompressedSize(items, targetMB)
	if len(groups) <= 1 {
		mid := len(items) / 2
		groups = [][][]byte{items[:mid], items[mid:]}
	}
	for gi, group := range groups {
		recs := make([]string, len(group))
		for i := range group {
			recs[i] = string(group[i])
		}
		err := c.svc.PostEvent(c.serverURL, c.appID, c.token, assembleBody(recs), len(recs))
		if err == nil {
			c.counter.Add(KeyUploadSuccess, float64(len(recs)))
			continue
		}
		var over *transport.OversizeError
		if errors.As(err, &over) && len(recs) == 1 {
			c.dropOversize(over)
			continue
		}
		var dataErr *transport.IllegalDataError
		if errors.As(err, &dataErr) {
			c.counter.Add(KeyDrop, float64(len(recs)))
			log.Errorf("[redis-cache] collector rejected %d records (code: %d): %s", len(recs), dataErr.Code, dataErr.Message)
			c.Page(pager.CodeCommonDataError, dataErr.Error())
			continue
		}
		var remaining []string
		for _, g := range groups[gi:] {
			for _, rec := range g {
				remaining = append(remaining, string(rec))
			}
		}
		code := pager.CodeCommonNetworkError + transport.SubcodeOther
		var netErr *transport.NetworkError
		if errors.As(err, &netErr) {
			code = pager.CodeCommonNetworkError + netErr.Subcode
		}
		log.Warnf("[redis-cache] split upload failed, re-queueing %d records: %v", len(remaining), err)
		c.Page(code, err.Error())
		c.requeueHead(remaining)
		return
	}
}

func (c *RedisConsumer) dropOversize(cause *transport.OversizeError) {
	c.counter.Add(KeyDrop, 1)
	msg := fmt.Sprintf("a single event is oversize! (compressed: %dB, max: %dB)",
		cause.CompressedSize, cause.MaxSize)
	log.Error("[redis-cache] " + msg)
	c.Page(pager.CodeCommonNetworkError+transport.SubcodeOversize, msg)
}

// requeueHead restores batch to the list head in its original order.
func (c *RedisConsumer) requeueHead(batch []string) {
	vals := make([]any, len(batch))
	for i := range batch {
		// PushHead prepends values one by one, so reversing the batch puts
		// batch[0] back at the head.
		vals[i] = batch[len(batch)-1-i]
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.client.PushHead(ctx, c.key, vals...); err != nil {
		log.Errorf("[redis-cache] re-queue %d records: %v", len(batch), err)
	}
}

func assembleBody(batch []string) []byte {
	size := 2
	for _, rec := range batch {
		size += len(rec) + 1
	}
	body := make([]byte, 0, size)
	body = append(body, '[')
	for i, rec := range batch {
		if i > 0 {
			body = append(body, ',')
		}
		body = append(body, rec...)
	}
	body = append(body, ']')
	return body
}

// Close stops intake, drains the list within the close-retry bound and
// terminates the worker. Records still in Redis after the bound stay there
// for the next run; nothing is deleted.
func (c *RedisConsumer) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	log.Info("[redis-cache] closing, draining the buffer list")
	c.ticker.Stop()
	close(c.stopCh)
	<-c.doneCh

	preSize := int64(-1)
	retried := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		crt, err := c.client.Len(ctx, c.key)
		cancel()
		if err != nil {
			log.Errorf("[redis-cache] drain: %v", err)
			break
		}
		if crt == 0 {
			break
		}
		if crt == preSize && c.closeRetry >= 0 {
			if retried >= c.closeRetry {
				break
			}
			retried++
		} else {
			retried = 0
		}
		log.Infof("[redis-cache] %d records waiting to be uploaded", crt)
		preSize = crt
		c.performRequest()
	}
	c.pool.Terminate()
	if c.ownClient {
		if err := c.client.Close(); err != nil {
			log.Errorf("[redis-cache] close client: %v", err)
		}
	}
}
