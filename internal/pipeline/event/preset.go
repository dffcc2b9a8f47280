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

// kind is the expected variant tag for a preset property value.
type kind int

const (
	kindString kind = iota
	kindInt
	kindFloat
	kindBool
)

func props(pairs ...any) map[string]kind {
	m := make(map[string]kind, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		m[pairs[i].(string)] = pairs[i+1].(kind)
	}
	return m
}

func merge(ms ...map[string]kind) map[string]kind {
	out := make(map[string]kind)
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// presetPropsCommon are accepted on every preset event in addition to the
// event's own allowed keys.
var presetPropsCommon = props(
	"$uid", kindString, "#dt_id", kindString, "#acid", kindString, "#event_syn", kindString,
	"#session_id", kindString, "#device_manufacturer", kindString, "#event_name", kindString,
	"#is_foreground", kindBool, "#android_id", kindString, "#gaid", kindString,
	"#mcc", kindString, "#mnc", kindString, "#os_country_code", kindString,
	"#os_lang_code", kindString, "#event_time", kindInt, "#bundle_id", kindString,
	"#app_version_code", kindInt, "#app_version_name", kindString, "#sdk_type", kindString,
	"#sdk_version_name", kindString, "#os", kindString, "#os_version_name", kindString,
	"#os_version_code", kindInt, "#device_brand", kindString, "#device_model", kindString,
	"#build_device", kindString, "#screen_height", kindInt, "#screen_width", kindInt,
	"#memory_used", kindString, "#storage_used", kindString, "#network_type", kindString,
	"#simulator", kindBool, "#fps", kindInt, "$ip", kindString, "$country_code", kindString,
	"$server_time", kindInt,
)

var presetPropsAd = props(
	"#ad_seq", kindString, "#ad_id", kindString, "#ad_type_code", kindString,
	"#ad_platform_code", kindString, "#ad_entrance", kindString, "#ad_result", kindBool,
	"#ad_duration", kindInt, "#ad_location", kindString, "#errorCode", kindInt,
	"#errorMessage", kindString, "#ad_value", kindString, "#ad_currency", kindString,
	"#ad_precision", kindString, "#ad_country_code", kindString, "#ad_mediation_code", kindString,
	"#ad_mediation_id", kindString, "#ad_conversion_source", kindString, "#ad_click_gap", kindString,
	"#ad_return_gap", kindString, "#error_code", kindString, "#error_message", kindString,
	"#load_result", kindString, "#load_duration", kindString,
)

var presetPropsIas = props(
	"#ias_seq", kindString, "#ias_original_order", kindString, "#ias_order", kindString,
	"#ias_sku", kindString, "#ias_price", kindFloat, "#ias_currency", kindString,
	"$ias_price_exchange", kindFloat,
)

// presetEvents is the closed table of preset track events and their allowed
// property keys. A track event named with a leading '#' or '$' must appear
// here, and every property must be listed for the event or in
// presetPropsCommon.
var presetEvents = map[string]map[string]kind{
	"#app_install": props(
		"#referrer_url", kindString, "#referrer_click_time", kindInt, "#app_install_time", kindInt,
		"#instant_experience_launched", kindBool, "#failed_reason", kindString, "#cnl", kindString,
	),
	"#session_start": props(
		"#is_first_time", kindBool, "#resume_from_background", kindBool, "#start_reason", kindString,
	),
	"$app_install": props(
		"$network_id", kindString, "$network_name", kindString, "$tracker_id", kindString,
		"$tracker_name", kindString, "$channel_id", kindString, "$channel_sub_id", kindString,
		"$channel_ssub_id", kindString, "$channel_name", kindString, "$channel_sub_name", kindString,
		"$channel_ssub_name", kindString, "$channel_platform_id", kindInt,
		"$channel_platform_name", kindString, "$attribution_source", kindString,
		"$fraud_network_id", kindString, "$original_tracker_id", kindString,
		"$original_tracker_name", kindString, "$original_network_id", kindString,
		"$original_network_name", kindString,
	),
	"#session_end":    props("#session_duration", kindInt),
	"#ad_load_begin":  presetPropsAd,
	"#ad_load_end":    presetPropsAd,
	"#ad_to_show":     presetPropsAd,
	"#ad_show":        presetPropsAd,
	"#ad_show_failed": presetPropsAd,
	"#ad_close":       presetPropsAd,
	"#ad_click":       presetPropsAd,
	"#ad_left_app":    presetPropsAd,
	"#ad_return_app":  presetPropsAd,
	"#ad_rewarded":    presetPropsAd,
	"#ad_conversion":  merge(presetPropsAd, props("$earnings", kindFloat)),
	"#ad_paid":        presetPropsAd,
	"#iap_purchase_success": props(
		"#iap_order", kindString, "#iap_sku", kindString, "#iap_price", kindFloat,
		"#iap_currency", kindString, "$iap_price_exchange", kindFloat,
	),
	"#ias_subscribe_success": presetPropsIas,
	"#ias_subscribe_notify":  merge(presetPropsIas, props("$original_ios_notification_type", kindString)),
}

// findPresetProp resolves key against the event's table first, then the
// common table. Nil when the key is out of scope.
func findPresetProp(eventName, key string) (kind, bool) {
	if tbl, ok := presetEvents[eventName]; ok {
		if k, ok := tbl[key]; ok {
			return k, true
		}
	}
	k, ok := presetPropsCommon[key]
	return k, ok
}
