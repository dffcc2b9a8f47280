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

// Package main provides a runnable demonstration of the eventpipe analytics
// pipeline.
//
// By default it starts a local mock collector that acknowledges every batch,
// pumps a configurable number of events through the pipeline and prints the
// internal meters on exit, so the whole flow can be observed without any
// backend. Point -server_url at a real collector (and drop -mock) for live
// traffic, or set -redis_addr to buffer through a Redis list instead of
// memory.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"eventpipe"
	"eventpipe/internal/pipeline/meter"
)

func main() {
	appID := flag.String("app_id", "demo_app", "App id attached to every event")
	token := flag.String("token", "demo_token", "Upload token")
	serverURL := flag.String("server_url", "", "Collector endpoint; empty uses the mock (or the production URL with -mock=false)")
	mock := flag.Bool("mock", true, "Start a local mock collector and point the pipeline at it")
	events := flag.Int("events", 1000, "Number of demo events to track")
	flushLen := flag.Int("flush_len", 10000, "Records per upload batch / flush trigger")
	queueSize := flag.Int("queue_size", 100000, "Hard cap on buffered records")
	interval := flag.Duration("interval", 3*time.Second, "Idle-flush period")
	threads := flag.Int("network_threads", 1, "Upload worker count")
	debug := flag.Bool("debug", false, "Mark events with #debug")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	redisAddr := flag.String("redis_addr", "", "If non-empty, buffer events in a Redis list at this address instead of memory")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *serverURL == "" && *mock {
		url, stop, err := startMockCollector()
		if err != nil {
			log.Fatalf("start mock collector: %v", err)
		}
		defer stop()
		*serverURL = url
		log.Infof("mock collector listening at %s", url)
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Infof("metrics at http://%s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	analytics, err := buildAnalytics(*appID, *token, *serverURL, *redisAddr, *flushLen, *queueSize, *interval, *threads, *debug)
	if err != nil {
		log.Fatalf("build pipeline: %v", err)
	}

	analytics.RegisterPager(func(code int, message string) {
		log.Warnf("pager: code=%d msg=%s", code, message)
	})
	analytics.SetSuperProperties(map[string]any{
		"channel": "demo",
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	start := time.Now()
	sent := 0
loop:
	for i := 0; i < *events; i++ {
		select {
		case sig := <-sigCh:
			log.Infof("received %v, stopping early", sig)
			break loop
		default:
		}
		dtID := fmt.Sprintf("demo-device-%04d", i%50)
		err := analytics.Track(dtID, "", "purchase", map[string]any{
			"sku":      fmt.Sprintf("sku-%d", i%7),
			"price":    9.99,
			"quantity": 1 + i%3,
			"ts":       time.Now(),
		})
		if err != nil {
			log.Errorf("track: %v", err)
			continue
		}
		sent++
		if i%100 == 0 {
			if err := analytics.UserSet(dtID, "", map[string]any{"last_sku": fmt.Sprintf("sku-%d", i%7)}); err != nil {
				log.Errorf("user_set: %v", err)
			}
		}
	}

	analytics.Flush()
	analytics.Close()

	c := meter.Default()
	log.Infof("demo finished in %s: tracked %d events", time.Since(start).Round(time.Millisecond), sent)
	log.Infof("meters: inserted=%.0f uploaded=%.0f dropped=%.0f avg_upload=%.1fms",
		c.Get("async_batch-insert"),
		c.Get("async_batch-upload_success"),
		c.Get("async_batch-drop"),
		meter.DefaultTime().GetAvg("async_batch-upload"),
	)
}

func buildAnalytics(appID, token, serverURL, redisAddr string, flushLen, queueSize int, interval time.Duration, threads int, debug bool) (*eventpipe.Analytics, error) {
	if redisAddr != "" {
		return eventpipe.NewWithRedisCache(eventpipe.RedisConfig{
			AppID:     appID,
			BundleID:  "com.example.demo",
			Token:     token,
			ServerURL: serverURL,
			Addr:      redisAddr,
			Interval:  interval,
			Debug:     debug,
		})
	}
	return eventpipe.New(eventpipe.Config{
		AppID:             appID,
		BundleID:          "com.example.demo",
		Token:             token,
		ServerURL:         serverURL,
		FlushLen:          flushLen,
		QueueSize:         queueSize,
		Interval:          interval,
		NumNetworkThreads: threads,
		Debug:             debug,
	}), nil
}

// startMockCollector serves a collector that acknowledges every batch with
// code 0 and logs the declared event count.
func startMockCollector() (url string, stop func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("mock collector: %s events (compress: %s)", r.Header.Get("data-count"), r.Header.Get("compress"))
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "msg": "ok"})
	})
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("mock collector: %v", err)
		}
	}()
	return fmt.Sprintf("http://%s/sync", ln.Addr()), func() { _ = srv.Close() }, nil
}
