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

package eventpipe

import (
	"encoding/json"
	"testing"

	"eventpipe/internal/pipeline/pager"
)

// captureConsumer records everything queued through it.
type captureConsumer struct {
	appID   string
	records [][]byte
	flushes int
	closed  bool
	pagers  []pager.Pager
}

func (c *captureConsumer) AppID() string { return c.appID }

func (c *captureConsumer) Add(supplier func() ([][]byte, error)) error {
	records, err := supplier()
	if err != nil {
		return err
	}
	c.records = append(c.records, records...)
	return nil
}

func (c *captureConsumer) Flush() { c.flushes++ }
func (c *captureConsumer) Close() { c.closed = true }

func (c *captureConsumer) RegisterPager(p pager.Pager) int {
	c.pagers = append(c.pagers, p)
	return len(c.pagers)
}

func (c *captureConsumer) UnregisterPager(id int) {}

func newTestAnalytics() (*Analytics, *captureConsumer) {
	cc := &captureConsumer{appID: "app1"}
	return NewWithConsumer(cc, "com.example.app", false), cc
}

func decode(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("record is not valid JSON: %v", err)
	}
	return m
}

func TestTrackProducesCanonicalRecord(t *testing.T) {
	a, cc := newTestAnalytics()
	err := a.Track("device-1", "acct-1", "purchase", map[string]any{
		"sku": "sku-9",
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if len(cc.records) != 1 {
		t.Fatalf("records = %d, want 1", len(cc.records))
	}
	rec := decode(t, cc.records[0])
	if rec["#app_id"] != "app1" {
		t.Fatalf("#app_id = %v", rec["#app_id"])
	}
	if rec["#event_name"] != "purchase" || rec["#event_type"] != "track" {
		t.Fatalf("name/type = %v/%v", rec["#event_name"], rec["#event_type"])
	}
	if rec["#dt_id"] != "device-1" || rec["#acid"] != "acct-1" {
		t.Fatalf("ids = %v/%v", rec["#dt_id"], rec["#acid"])
	}
	if rec["#bundle_id"] != "com.example.app" {
		t.Fatalf("#bundle_id = %v, want configured bundle id", rec["#bundle_id"])
	}
	props := rec["properties"].(map[string]any)
	if props["sku"] != "sku-9" {
		t.Fatalf("properties = %v", props)
	}
	if syn, _ := rec["#event_syn"].(string); len(syn) != 16 {
		t.Fatalf("#event_syn = %v, want 16 chars", rec["#event_syn"])
	}
}

func TestTrackValidationErrorSurfaces(t *testing.T) {
	a, cc := newTestAnalytics()
	if err := a.Track("", "", "purchase", nil); err == nil {
		t.Fatal("Track accepted an event with no identity")
	}
	if len(cc.records) != 0 {
		t.Fatalf("records = %d after failed Track", len(cc.records))
	}
}

func TestSuperPropertiesApplyUnderneath(t *testing.T) {
	a, cc := newTestAnalytics()
	a.SetSuperProperties(map[string]any{
		"channel": "organic",
		"plan":    "free",
	})
	err := a.Track("device-1", "", "signup", map[string]any{"plan": "pro"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	props := decode(t, cc.records[0])["properties"].(map[string]any)
	if props["channel"] != "organic" {
		t.Fatalf("super property missing: %v", props)
	}
	if props["plan"] != "pro" {
		t.Fatalf("event property must win: %v", props)
	}

	a.ClearSuperProperties()
	err = a.Track("device-1", "", "signup", nil)
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	props = decode(t, cc.records[1])["properties"].(map[string]any)
	if _, ok := props["channel"]; ok {
		t.Fatal("super property survived ClearSuperProperties")
	}
}

func TestSuperPropertiesSnapshotIsolation(t *testing.T) {
	a, cc := newTestAnalytics()
	source := map[string]any{"k": "v1"}
	a.SetSuperProperties(source)
	source["k"] = "v2"
	if err := a.Track("d", "", "e", nil); err != nil {
		t.Fatalf("Track: %v", err)
	}
	props := decode(t, cc.records[0])["properties"].(map[string]any)
	if props["k"] != "v1" {
		t.Fatalf("super properties must be copied at Set time, got %v", props["k"])
	}
}

func TestTrackBatchKeepsOrder(t *testing.T) {
	a, cc := newTestAnalytics()
	err := a.TrackBatch(
		Event{DTID: "d", Name: "first"},
		Event{DTID: "d", Name: "second"},
		Event{DTID: "d", Name: "third"},
	)
	if err != nil {
		t.Fatalf("TrackBatch: %v", err)
	}
	if len(cc.records) != 3 {
		t.Fatalf("records = %d, want 3", len(cc.records))
	}
	names := []string{"first", "second", "third"}
	for i, raw := range cc.records {
		if got := decode(t, raw)["#event_name"]; got != names[i] {
			t.Fatalf("record %d name = %v, want %s", i, got, names[i])
		}
	}
}

func TestUserOperations(t *testing.T) {
	a, cc := newTestAnalytics()
	a.SetSuperProperties(map[string]any{"ignored": "by-user-ops"})

	cases := []struct {
		name string
		call func() error
	}{
		{"#user_set", func() error {
			return a.UserSet("d", "", map[string]any{"plan": "pro"})
		}},
		{"#user_set_once", func() error {
			return a.UserSetOnce("d", "", map[string]any{"joined": "2026-01-01"})
		}},
		{"#user_add", func() error {
			return a.UserAdd("d", "", map[string]any{"coins": 5})
		}},
		{"#user_append", func() error {
			return a.UserAppend("d", "", map[string]any{"tags": []any{"a"}})
		}},
		{"#user_uniq_append", func() error {
			return a.UserUniqAppend("d", "", map[string]any{"tags": []any{"a"}})
		}},
	}
	for i, tc := range cases {
		if err := tc.call(); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		rec := decode(t, cc.records[i])
		if rec["#event_name"] != tc.name {
			t.Fatalf("record %d name = %v, want %s", i, rec["#event_name"], tc.name)
		}
		if rec["#event_type"] != "user" {
			t.Fatalf("record %d type = %v, want user", i, rec["#event_type"])
		}
		props := rec["properties"].(map[string]any)
		if _, ok := props["ignored"]; ok {
			t.Fatal("super properties leaked into a user-profile operation")
		}
	}
}

func TestUserUnsetBuildsZeroedProps(t *testing.T) {
	a, cc := newTestAnalytics()
	if err := a.UserUnset("d", "", "age", "city"); err != nil {
		t.Fatalf("UserUnset: %v", err)
	}
	rec := decode(t, cc.records[0])
	if rec["#event_name"] != "#user_unset" {
		t.Fatalf("name = %v", rec["#event_name"])
	}
	props := rec["properties"].(map[string]any)
	if props["age"] != float64(0) || props["city"] != float64(0) {
		t.Fatalf("properties = %v, want zeroed keys", props)
	}
}

func TestUserDeleteFailsWithoutIdentity(t *testing.T) {
	a, _ := newTestAnalytics()
	if err := a.UserDelete("", ""); err == nil {
		t.Fatal("UserDelete accepted empty identity")
	}
}

func TestFlushAndCloseDelegate(t *testing.T) {
	a, cc := newTestAnalytics()
	a.Flush()
	if cc.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", cc.flushes)
	}
	a.Close()
	a.Close() // idempotent
	if !cc.closed {
		t.Fatal("Close did not reach the consumer")
	}
}

func TestRegisterPagerDelegates(t *testing.T) {
	a, cc := newTestAnalytics()
	id := a.RegisterPager(func(code int, message string) {})
	if id != 1 || len(cc.pagers) != 1 {
		t.Fatalf("RegisterPager id = %d, pagers = %d", id, len(cc.pagers))
	}
	a.UnregisterPager(id)
}
