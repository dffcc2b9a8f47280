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

// Package eventpipe is a client-side analytics ingestion pipeline: events are
// validated and enriched into canonical records, buffered in a bounded queue
// and uploaded to the collector in gzip-compressed batches from background
// workers. Track and the user-profile operations never block on the network;
// delivery failures re-queue at the head so event order is preserved.
package eventpipe

import (
	"sync"
	"time"

	"eventpipe/internal/pipeline/cache"
	"eventpipe/internal/pipeline/consumer"
	"eventpipe/internal/pipeline/event"
	"eventpipe/internal/pipeline/pager"
)

// Event is a caller-supplied record; see the field docs for the identity
// rules. Re-exported so callers never import internal packages.
type Event = event.Event

// Date marks a property value as date-only (YYYY-MM-DD on the wire). Plain
// time.Time values serialize as datetimes.
type Date = event.Date

// Pager receives (code, message) pairs for SDK-internal errors and warnings,
// such as queue-full drops and upload failures.
type Pager func(code int, message string)

// User-profile operation names.
const (
	userSet        = "#user_set"
	userSetOnce    = "#user_set_once"
	userAdd        = "#user_add"
	userUnset      = "#user_unset"
	userDelete     = "#user_delete"
	userAppend     = "#user_append"
	userUniqAppend = "#user_uniq_append"
)

// Config configures the default in-memory Analytics instance. Zero values
// select the documented defaults.
type Config struct {
	// AppID identifies the app; required.
	AppID string

	// BundleID is the app package name, attached to every event as
	// #bundle_id. The collector requires it; events without one are rejected
	// at validation time.
	BundleID string

	// Token authenticates uploads.
	Token string

	// ServerURL is the collector endpoint; empty selects the production one.
	ServerURL string

	// Debug marks every event with #debug so the collector echoes validation
	// results, and enables transport simulation hooks.
	Debug bool

	// FlushLen is the number of buffered records that triggers an upload and
	// bounds a single batch. Default 10000.
	FlushLen int

	// QueueSize is the hard cap on buffered records; past it Track drops and
	// pages. Default 100000.
	QueueSize int

	// Interval is the idle-flush period. Default 3s.
	Interval time.Duration

	// CloseRetry bounds the drain on Close; negative drains without bound.
	// Zero selects the default of 1.
	CloseRetry int

	// NumNetworkThreads sizes the upload worker pool. Default 1.
	NumNetworkThreads int

	NetworkTimeout time.Duration
	NetworkRetries int

	// QualityURL overrides the out-of-band diagnostics endpoint.
	QualityURL string
}

// RedisConfig configures an Analytics instance whose buffer lives in a Redis
// list, surviving process restarts.
type RedisConfig struct {
	AppID     string
	BundleID  string
	Token     string
	ServerURL string
	Debug     bool

	// Addr is the Redis address, e.g. "127.0.0.1:6379". Either Addr or Client
	// must be set.
	Addr   string
	Client cache.ListClient

	// KeyPrefix namespaces the buffer list. Default "eventpipe:buffer".
	KeyPrefix string

	// BatchLen bounds records per upload. Default 1000.
	BatchLen int

	Interval   time.Duration
	CloseRetry int

	NetworkTimeout time.Duration
	NetworkRetries int
}

// Analytics is the public pipeline handle. All methods are safe for
// concurrent use; Track and the user-profile operations return only
// caller-fault validation errors and never block on the network.
type Analytics struct {
	c    consumer.Consumer
	proc *event.Processor
	meta map[string]any // shared meta attached to every event

	mu         sync.RWMutex
	superProps map[string]any

	closeOnce sync.Once
}

// New builds an Analytics instance backed by the in-memory async batch
// consumer.
func New(cfg Config) *Analytics {
	c := consumer.NewAsyncBatchConsumer(consumer.Config{
		AppID:             cfg.AppID,
		Token:             cfg.Token,
		ServerURL:         cfg.ServerURL,
		Interval:          cfg.Interval,
		FlushLen:          cfg.FlushLen,
		QueueSize:         cfg.QueueSize,
		CloseRetry:        cfg.CloseRetry,
		NumNetworkThreads: cfg.NumNetworkThreads,
		Debug:             cfg.Debug,
		NetworkTimeout:    cfg.NetworkTimeout,
		NetworkRetries:    cfg.NetworkRetries,
		QualityURL:        cfg.QualityURL,
	})
	return newAnalytics(c, cfg.AppID, cfg.BundleID, cfg.Debug)
}

// NewWithRedisCache builds an Analytics instance whose buffer is a Redis
// list.
func NewWithRedisCache(cfg RedisConfig) (*Analytics, error) {
	c, err := cache.NewRedisConsumer(cache.Config{
		AppID:          cfg.AppID,
		Token:          cfg.Token,
		ServerURL:      cfg.ServerURL,
		Client:         cfg.Client,
		Addr:           cfg.Addr,
		KeyPrefix:      cfg.KeyPrefix,
		BatchLen:       cfg.BatchLen,
		Interval:       cfg.Interval,
		CloseRetry:     cfg.CloseRetry,
		NetworkTimeout: cfg.NetworkTimeout,
		NetworkRetries: cfg.NetworkRetries,
		Debug:          cfg.Debug,
	})
	if err != nil {
		return nil, err
	}
	return newAnalytics(c, cfg.AppID, cfg.BundleID, cfg.Debug), nil
}

// NewWithConsumer builds an Analytics instance over a custom consumer,
// mainly for tests.
func NewWithConsumer(c consumer.Consumer, bundleID string, debug bool) *Analytics {
	return newAnalytics(c, c.AppID(), bundleID, debug)
}

func newAnalytics(c consumer.Consumer, appID, bundleID string, debug bool) *Analytics {
	a := &Analytics{
		c:    c,
		proc: event.NewProcessor(appID, debug),
	}
	if bundleID != "" {
		a.meta = map[string]any{"#bundle_id": bundleID}
	}
	return a
}

// Track records one event. dtID and acid identify the user; at least one
// must be non-empty. Super properties apply underneath the event's own.
func (a *Analytics) Track(dtID, acid, eventName string, properties map[string]any) error {
	return a.send(event.SendTypeTrack, Event{
		DTID: dtID, ACID: acid, Name: eventName, Properties: properties,
	})
}

// TrackBatch records several events in one call, preserving their order.
// Validation errors abort the whole batch before anything is queued.
func (a *Analytics) TrackBatch(events ...Event) error {
	merged := make([]Event, len(events))
	for i, ev := range events {
		ev.Properties = a.mergeSuper(ev.Properties)
		ev.Meta = a.mergeMeta(ev.Meta)
		merged[i] = ev
	}
	return a.c.Add(func() ([][]byte, error) {
		return a.proc.Encode(event.SendTypeTrack, merged...)
	})
}

// UserSet sets user profile properties, overwriting existing values.
func (a *Analytics) UserSet(dtID, acid string, properties map[string]any) error {
	return a.user(dtID, acid, userSet, properties)
}

// UserSetOnce sets user profile properties only where no value exists yet.
func (a *Analytics) UserSetOnce(dtID, acid string, properties map[string]any) error {
	return a.user(dtID, acid, userSetOnce, properties)
}

// UserAdd increments numeric user profile properties. All values must be
// numbers.
func (a *Analytics) UserAdd(dtID, acid string, properties map[string]any) error {
	return a.user(dtID, acid, userAdd, properties)
}

// UserUnset removes the named properties from the user profile.
func (a *Analytics) UserUnset(dtID, acid string, keys ...string) error {
	properties := make(map[string]any, len(keys))
	for _, k := range keys {
		properties[k] = 0
	}
	return a.user(dtID, acid, userUnset, properties)
}

// UserDelete removes the whole user profile.
func (a *Analytics) UserDelete(dtID, acid string) error {
	return a.user(dtID, acid, userDelete, map[string]any{})
}

// UserAppend appends to list-valued user profile properties. All values must
// be lists.
func (a *Analytics) UserAppend(dtID, acid string, properties map[string]any) error {
	return a.user(dtID, acid, userAppend, properties)
}

// UserUniqAppend appends to list-valued user profile properties, dropping
// duplicates server-side. All values must be lists.
func (a *Analytics) UserUniqAppend(dtID, acid string, properties map[string]any) error {
	return a.user(dtID, acid, userUniqAppend, properties)
}

func (a *Analytics) user(dtID, acid, name string, properties map[string]any) error {
	// User-profile operations carry exactly what the caller gave; super
	// properties are event context, not profile state.
	return a.c.Add(func() ([][]byte, error) {
		return a.proc.Encode(event.SendTypeUser, Event{
			DTID: dtID, ACID: acid, Name: name, Properties: properties,
			Meta: a.mergeMeta(nil),
		})
	})
}

func (a *Analytics) send(st event.SendType, ev Event) error {
	ev.Properties = a.mergeSuper(ev.Properties)
	ev.Meta = a.mergeMeta(ev.Meta)
	return a.c.Add(func() ([][]byte, error) {
		return a.proc.Encode(st, ev)
	})
}

// mergeMeta layers the configured shared meta under the event's own.
func (a *Analytics) mergeMeta(meta map[string]any) map[string]any {
	if len(a.meta) == 0 {
		return meta
	}
	if len(meta) == 0 {
		return a.meta
	}
	merged := make(map[string]any, len(a.meta)+len(meta))
	for k, v := range a.meta {
		merged[k] = v
	}
	for k, v := range meta {
		merged[k] = v
	}
	return merged
}

// SetSuperProperties replaces the super property set applied underneath
// every tracked event. Event properties win on conflict. A nil map clears.
func (a *Analytics) SetSuperProperties(properties map[string]any) {
	cp := make(map[string]any, len(properties))
	for k, v := range properties {
		cp[k] = v
	}
	a.mu.Lock()
	a.superProps = cp
	a.mu.Unlock()
}

// ClearSuperProperties removes all super properties.
func (a *Analytics) ClearSuperProperties() {
	a.SetSuperProperties(nil)
}

func (a *Analytics) mergeSuper(properties map[string]any) map[string]any {
	a.mu.RLock()
	super := a.superProps
	a.mu.RUnlock()
	if len(super) == 0 {
		return properties
	}
	merged := make(map[string]any, len(super)+len(properties))
	for k, v := range super {
		merged[k] = v
	}
	for k, v := range properties {
		merged[k] = v
	}
	return merged
}

// Flush triggers a best-effort upload without blocking.
func (a *Analytics) Flush() {
	a.c.Flush()
}

// Close flushes, drains within the configured bound and releases resources.
// Track after Close is a silent no-op. Idempotent.
func (a *Analytics) Close() {
	a.closeOnce.Do(func() {
		a.c.Close()
	})
}

// RegisterPager subscribes p to SDK-internal error and warning codes; the
// returned handle unregisters it.
func (a *Analytics) RegisterPager(p Pager) int {
	return a.c.RegisterPager(pager.Pager(p))
}

// UnregisterPager removes the pager registered under id.
func (a *Analytics) UnregisterPager(id int) {
	a.c.UnregisterPager(id)
}
