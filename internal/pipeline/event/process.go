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

package event

import (
	"math/rand/v2"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var namePattern = regexp.MustCompile(`^[#$a-zA-Z][a-zA-Z0-9_]{0,63}$`)

// zeroDTID is the sentinel stored under #dt_id when the caller supplies none.
const zeroDTID = "0000000000000000000000000000000000000000"

const synLength = 16

const randAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomSyn returns an n-character random id used for #event_syn.
func RandomSyn(n int) string {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(randAlphabet[rand.IntN(len(randAlphabet))])
	}
	return b.String()
}

// metaKeys are the recognized meta keys moved from the property map to the
// top level of the canonical record. #event_type is injected, never moved.
var metaKeys = []string{
	"#app_id", "#bundle_id", "#android_id", "#gaid", "#dt_id", "#acid", "#event_time", "#event_syn",
}

// compulsoryMeta must all be present on the canonical record, with the listed
// type where one is declared in metaKeyTypes.
var compulsoryMeta = []string{
	"#app_id", "#bundle_id", "#event_time", "#event_name", "#event_type", "#event_syn",
}

var metaKeyTypes = map[string]kind{
	"#app_id": kindString, "#bundle_id": kindString, "#android_id": kindString,
	"#gaid": kindString, "#dt_id": kindString, "#acid": kindString,
	"#event_time": kindInt, "#event_syn": kindString,
}

// Processor turns caller events into canonical records bound to one app id.
type Processor struct {
	appID string
	debug bool

	// now and randSyn are swappable for tests.
	now     func() time.Time
	randSyn func() string
}

// NewProcessor returns a Processor for appID. With debug set, every canonical
// record carries #debug:"true".
func NewProcessor(appID string, debug bool) *Processor {
	return &Processor{
		appID:   appID,
		debug:   debug,
		now:     time.Now,
		randSyn: func() string { return RandomSyn(synLength) },
	}
}

// Encode builds and serializes a batch of events, one compact-JSON record per
// event. Validation errors abort the whole batch.
func (p *Processor) Encode(sendType SendType, events ...Event) ([][]byte, error) {
	out := make([][]byte, 0, len(events))
	for _, ev := range events {
		data, err := p.Build(sendType, ev)
		if err != nil {
			return nil, err
		}
		raw, err := Marshal(data)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// Build validates and enriches one event into its canonical record.
func (p *Processor) Build(sendType SendType, ev Event) (map[string]any, error) {
	if ev.DTID == "" && ev.ACID == "" {
		return nil, metaErrorf("dt_id and acid must be set at least one")
	}
	if err := assertProperties(ev.Name, ev.Properties); err != nil {
		return nil, err
	}

	data := map[string]any{"#event_type": string(sendType)}

	// Shallow copy so moving meta keys never mutates the caller's map.
	properties := make(map[string]any, len(ev.Properties))
	for k, v := range ev.Properties {
		properties[k] = v
	}
	moveMeta(properties, data, true)
	moveMeta(ev.Meta, data, false)

	if _, ok := data["#event_time"]; !ok {
		data["#event_time"] = p.now().UnixMilli()
	}
	t, ok := asInt64(data["#event_time"])
	if !ok || len(strconv.FormatInt(t, 10)) != 13 {
		return nil, metaErrorf("event_time must be timestamp (ms)")
	}
	data["#event_time"] = t

	if _, ok := data["#event_syn"]; !ok {
		data["#event_syn"] = p.randSyn()
	}

	if ev.DTID == "" {
		data["#dt_id"] = zeroDTID
	} else {
		data["#dt_id"] = ev.DTID
	}
	if p.debug {
		data["#debug"] = "true"
	}
	data["#app_id"] = p.appID
	data["#event_name"] = ev.Name
	if ev.ACID != "" {
		data["#acid"] = ev.ACID
	}
	data["properties"] = properties

	if err := extraVerify(data); err != nil {
		return nil, err
	}
	return data, nil
}

func isRecognizedMeta(key string) bool {
	for _, k := range metaKeys {
		if k == key {
			return true
		}
	}
	return false
}

// moveMeta lifts recognized meta keys from source to target, optionally
// deleting them from source.
func moveMeta(source, target map[string]any, del bool) {
	if source == nil {
		return
	}
	for _, key := range metaKeys {
		if v, ok := source[key]; ok {
			target[key] = v
			if del {
				delete(source, key)
			}
		}
	}
}

// assertProperties performs the early caller-fault checks: event name shape
// and property key shape, plus the #user_add numeric rule.
func assertProperties(eventName string, properties map[string]any) error {
	if !namePattern.MatchString(eventName) {
		return illegalDataErrorf("event_name must be a valid variable name")
	}
	for key, value := range properties {
		if value == nil {
			continue
		}
		if !namePattern.MatchString(key) {
			return illegalDataErrorf("event_name=[%s] property key must be a valid variable name. [key=%s]", eventName, key)
		}
		// Meta keys mixed into the property map are lifted out later and are
		// exempt from the numeric rule.
		if strings.EqualFold(eventName, "#user_add") && !isRecognizedMeta(key) && !isNumber(value) {
			return illegalDataErrorf("user_add properties must be number type")
		}
	}
	return nil
}

// extraVerify checks the assembled canonical record: compulsory meta
// presence and types, id rules, and the property schema.
func extraVerify(data map[string]any) error {
	for _, prop := range compulsoryMeta {
		v, ok := data[prop]
		if !ok {
			return metaErrorf("required meta property %q is missing", prop)
		}
		if k, declared := metaKeyTypes[prop]; declared && !matchesKind(v, k) {
			return metaErrorf("type of meta property %q (%T) is not valid", prop, v)
		}
	}
	if s, _ := data["#app_id"].(string); s == "" {
		return metaErrorf("app_id cannot missing or be empty")
	}

	dtID, ok := data["#dt_id"]
	if !ok {
		return metaErrorf("dt_id should be provided but missing")
	}
	dtStr, ok := dtID.(string)
	if !ok {
		return metaErrorf("dt_id should be string type")
	}
	if dtStr == "" {
		return metaErrorf("dt_id can not be empty")
	}
	if acid, ok := data["#acid"]; ok {
		if _, ok := acid.(string); !ok {
			return metaErrorf("acid should be string type")
		}
	}

	eventName, _ := data["#event_name"].(string)
	if !namePattern.MatchString(eventName) {
		return metaErrorf("event_name must be a valid variable name")
	}

	properties, _ := data["properties"].(map[string]any)
	if data["#event_type"] == string(SendTypeTrack) &&
		(strings.HasPrefix(eventName, "#") || strings.HasPrefix(eventName, "$")) {
		if _, ok := presetEvents[eventName]; !ok {
			return metaErrorf("event_name (%q) is out of scope", eventName)
		}
		return verifyPresetProperties(eventName, properties)
	}
	return verifyProperties(eventName, properties)
}

func verifyPresetProperties(eventName string, properties map[string]any) error {
	for key, value := range properties {
		k, ok := findPresetProp(eventName, key)
		if !ok {
			return illegalDataErrorf("key of property (%q) is out of scope for preset event (%q)", key, eventName)
		}
		if !matchesKind(value, k) {
			return illegalDataErrorf("the type of value for property %q is not valid (given: %T)", key, value)
		}
	}
	return nil
}

func verifyProperties(eventName string, properties map[string]any) error {
	lower := strings.ToLower(eventName)
	for key, value := range properties {
		if value == nil {
			continue
		}
		if !namePattern.MatchString(key) {
			return illegalDataErrorf("property key must be a valid variable name. [key=%s]", key)
		}
		switch lower {
		case "#user_add":
			if !isNumber(value) {
				return illegalDataErrorf("user_add properties must be number type")
			}
		case "#user_append", "#user_uniq_append":
			if !isList(value) {
				return illegalDataErrorf("%s properties must be list type", lower)
			}
		default:
			if !isAllowedValue(value) {
				return illegalDataErrorf("property value type %T is not allowed. [key=%s]", value, key)
			}
		}
	}
	return nil
}

func matchesKind(v any, k kind) bool {
	switch k {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindBool:
		_, ok := v.(bool)
		return ok
	case kindInt:
		_, ok := asInt64(v)
		return ok
	case kindFloat:
		return isNumber(v)
	}
	return false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case float32:
		if float64(n) == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func isMap(v any) bool {
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Map
}

// isAllowedValue admits the tagged variant set: number, string, bool, list,
// map, date, datetime.
func isAllowedValue(v any) bool {
	switch v.(type) {
	case string, bool, time.Time, Date:
		return true
	}
	return isNumber(v) || isList(v) || isMap(v)
}
