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

package pager

import (
	"encoding/json"
	"os"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"eventpipe/internal/pipeline/transport"
	"eventpipe/internal/pipeline/workers"
)

// Level grades a quality report.
type Level int

const (
	LevelError Level = iota + 1
	LevelWarning
	LevelMessage
)

// DefaultQualityURL receives fire-and-forget diagnostic reports.
const DefaultQualityURL = "https://debug.roiquery.com/debug"

// reporterKeepAlive keeps the report pool short-lived; reports are rare and
// the workers respawn on demand.
const reporterKeepAlive = 100 * time.Millisecond

// Reporter posts quality messages out of band. Reports never block the
// caller and failures are only logged.
type Reporter struct {
	svc *transport.Service
	url string

	mu   sync.Mutex
	pool *workers.Pool
}

// NewReporter builds a Reporter posting through svc. An empty url selects
// DefaultQualityURL.
func NewReporter(svc *transport.Service, url string) *Reporter {
	if url == "" {
		url = DefaultQualityURL
	}
	return &Reporter{svc: svc, url: url}
}

// Report schedules one quality message. The worker pool is created on first
// use and self-terminates when idle.
func (r *Reporter) Report(appID string, code int, msg string, level Level) {
	r.mu.Lock()
	if r.pool == nil {
		r.pool = workers.NewPool("quality-reporter", workers.Options{Size: 1, KeepAlive: reporterKeepAlive})
	}
	pool := r.pool
	r.mu.Unlock()
	pool.Execute(func() { r.send(appID, code, msg, level) }, 0)
}

// Close terminates the report pool, dropping any unsent reports.
func (r *Reporter) Close() {
	r.mu.Lock()
	pool := r.pool
	r.mu.Unlock()
	if pool != nil {
		pool.Terminate()
	}
}

func (r *Reporter) send(appID string, code int, msg string, level Level) {
	body, err := json.Marshal(map[string]any{
		"app_id":           appID,
		"error_code":       code,
		"error_level":      int(level),
		"error_message":    msg,
		"sdk_type":         transport.SDKType,
		"sdk_version_name": transport.SDKVersion,
		"os_version_name":  runtime.GOOS + "-" + runtime.GOARCH,
		"device_model":     hostname(),
	})
	if err != nil {
		log.Errorf("[quality] build report: %v", err)
		return
	}
	if r.svc.PostRaw(r.url, body) {
		log.Debugf("[quality] successfully reported (code: %d, level: %d)", code, level)
	} else {
		log.Errorf("[quality] failed to report (code: %d, msg: %s, level: %d)", code, msg, level)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
