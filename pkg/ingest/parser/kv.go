package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/netwall-io/netwall/pkg/model"
)

// kvPairRe scans key=value pairs anywhere in the payload. Values may be
// double quoted to carry spaces; unquoted values run to the next space.
var kvPairRe = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|(\S+))`)

var leadingDigitsRe = regexp.MustCompile(`^\d+`)

// Keys whose values are counters, ports or scores. Coerced to integers
// at scan time by reading the leading digit run so unit suffixes like
// "1812ms" still count.
var intFields = map[string]bool{
	"prio":             true,
	"rev":              true,
	"origsent":         true,
	"termsent":         true,
	"conntime":         true,
	"score":            true,
	"iprep_src_score":  true,
	"iprep_dest_score": true,
	"connsrcport":      true,
	"conndestport":     true,
	"connnewsrcport":   true,
	"connnewdestport":  true,
	"devicerank":       true,
}

// mappedKeys are consumed by the event mapping; everything else a CONN
// record carries is preserved under extra_json.unmapped.
var mappedKeys = map[string]bool{
	"event":            true,
	"conn":             true,
	"action":           true,
	"rule":             true,
	"satsrcrule":       true,
	"satdestrule":      true,
	"srcusername":      true,
	"destusername":     true,
	"connipproto":      true,
	"connrecvif":       true,
	"connrecvzone":     true,
	"connsrcip":        true,
	"connsrcport":      true,
	"connsrcmac":       true,
	"connsrcdevice":    true,
	"conndestif":       true,
	"conndestzone":     true,
	"conndestip":       true,
	"conndestport":     true,
	"conndestmac":      true,
	"conndestdevice":   true,
	"connnewsrcip":     true,
	"connnewsrcport":   true,
	"connnewdestip":    true,
	"connnewdestport":  true,
	"origsent":         true,
	"termsent":         true,
	"conntime":         true,
	"app_name":         true,
	"app_risk":         true,
	"app_family":       true,
	"ip":               true,
	"score":            true,
	"categories":       true,
	"iprep_src":        true,
	"iprep_dest":       true,
	"iprep_src_score":  true,
	"iprep_dest_score": true,
}

// parseKVInto scans key=value pairs in s into dst, later pairs winning.
// Int fields that fail coercion become nil, or keep the raw token when
// keepRaw is set (the InControl payload convention).
func parseKVInto(dst map[string]any, s string, keepRaw bool) {
	for _, idx := range kvPairRe.FindAllStringSubmatchIndex(s, -1) {
		key := s[idx[2]:idx[3]]
		var raw string
		if idx[4] >= 0 {
			raw = s[idx[4]:idx[5]]
		} else {
			raw = s[idx[6]:idx[7]]
		}

		var val any = raw
		if intFields[key] {
			if n, ok := coerceInt(raw); ok {
				val = n
			} else if keepRaw {
				val = raw
			} else {
				val = nil
			}
		}
		dst[key] = val
	}
}

// parseInControlMessage flattens the InControl payload: id= and event=
// ride in front of the first bracket block and the blocks carry the
// rest, nested blocks included. Later occurrences win.
func parseInControlMessage(msg string) map[string]any {
	kv := make(map[string]any)
	prefix, rest, found := strings.Cut(msg, "[")
	parseKVInto(kv, strings.TrimSpace(prefix), true)
	if found {
		for _, part := range bracketInnerParts("[" + rest) {
			parseKVInto(kv, part, true)
		}
	}
	return kv
}

// bracketInnerParts returns the contents of every balanced [ ] block,
// including blocks nested inside other blocks. Unterminated blocks are
// skipped.
func bracketInnerParts(s string) []string {
	var parts []string
	for i := 0; i < len(s); {
		if s[i] != '[' {
			i++
			continue
		}
		depth := 1
		j := i + 1
		for j < len(s) && depth > 0 {
			switch s[j] {
			case '[':
				depth++
			case ']':
				depth--
			}
			j++
		}
		if depth == 0 {
			inner := s[i+1 : j-1]
			parts = append(parts, inner)
			parts = append(parts, bracketInnerParts(inner)...)
		}
		i = j
	}
	return parts
}

// normalizeKV lowercases the enum-carrying values and aligns the
// srcuser alias some firmware lines use.
func normalizeKV(kv map[string]any) {
	for _, key := range []string{"conn", "action", "event"} {
		if v, ok := kv[key].(string); ok && v != "" {
			kv[key] = strings.ToLower(strings.TrimSpace(v))
		}
	}
	if v, ok := kv["srcuser"]; ok {
		if _, exists := kv["srcusername"]; !exists {
			kv["srcusername"] = v
		}
	}
}

// coerceInt reads the leading digit run of s.
func coerceInt(s string) (int64, bool) {
	digits := leadingDigitsRe.FindString(s)
	if digits == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func extractStr(kv map[string]any, key string) *string {
	v, ok := kv[key]
	if !ok || v == nil {
		return nil
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case int64:
		s = strconv.FormatInt(t, 10)
	default:
		s = fmt.Sprint(t)
	}
	return &s
}

// extractStrAny returns the first key holding a non-blank value.
func extractStrAny(kv map[string]any, keys ...string) *string {
	for _, k := range keys {
		if v := extractStr(kv, k); v != nil && strings.TrimSpace(*v) != "" {
			return v
		}
	}
	return nil
}

func extractInt64(kv map[string]any, key string) *int64 {
	v, ok := kv[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case int64:
		n := t
		return &n
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

func extractInt(kv map[string]any, key string) *int {
	if n := extractInt64(kv, key); n != nil {
		i := int(*n)
		return &i
	}
	return nil
}

// connEvent maps a CONN record onto the event row. Absent keys stay
// nil; anything the mapping does not consume rides along in extra_json.
func connEvent(rec parsedRecord) *model.Event {
	kv := rec.kv
	return &model.Event{
		TsUTC:  rec.ts,
		Device: rec.device,

		EventType:    eventType(kv),
		Action:       extractStr(kv, "action"),
		Rule:         extractStr(kv, "rule"),
		SatSrcRule:   extractStr(kv, "satsrcrule"),
		SatDestRule:  extractStr(kv, "satdestrule"),
		SrcUsername:  extractStrAny(kv, "srcusername", "srcuser"),
		DestUsername: extractStr(kv, "destusername"),

		Proto:    upperPtr(extractStr(kv, "connipproto")),
		RecvIf:   extractStr(kv, "connrecvif"),
		RecvZone: extractStr(kv, "connrecvzone"),

		SrcIP:     extractStr(kv, "connsrcip"),
		SrcPort:   extractInt(kv, "connsrcport"),
		SrcMAC:    macPtr(extractStr(kv, "connsrcmac")),
		SrcDevice: extractStr(kv, "connsrcdevice"),

		DestIf:     extractStr(kv, "conndestif"),
		DestZone:   extractStr(kv, "conndestzone"),
		DestIP:     extractStr(kv, "conndestip"),
		DestPort:   extractInt(kv, "conndestport"),
		DestMAC:    macPtr(extractStr(kv, "conndestmac")),
		DestDevice: extractStr(kv, "conndestdevice"),

		XlatSrcIP:    extractStr(kv, "connnewsrcip"),
		XlatSrcPort:  extractInt(kv, "connnewsrcport"),
		XlatDestIP:   extractStr(kv, "connnewdestip"),
		XlatDestPort: extractInt(kv, "connnewdestport"),

		BytesOrig: extractInt64(kv, "origsent"),
		BytesTerm: extractInt64(kv, "termsent"),
		DurationS: extractInt64(kv, "conntime"),

		AppName:   extractStr(kv, "app_name"),
		AppRisk:   extractStr(kv, "app_risk"),
		AppFamily: extractStr(kv, "app_family"),

		IprepIP:         extractStr(kv, "ip"),
		IprepScore:      extractInt(kv, "score"),
		IprepCategories: extractStr(kv, "categories"),
		IprepSrc:        extractStr(kv, "iprep_src"),
		IprepDest:       extractStr(kv, "iprep_dest"),
		IprepSrcScore:   extractInt(kv, "iprep_src_score"),
		IprepDestScore:  extractInt(kv, "iprep_dest_score"),

		ExtraJSON: extraJSON(rec.extra, kv),
	}
}

// eventType resolves the record disposition. NetWall units carry it in
// conn=; InControl exports spell it out in event=.
func eventType(kv map[string]any) *string {
	if v, ok := kv["event"].(string); ok && v != "" {
		s := v
		return &s
	}
	if v, ok := kv["conn"].(string); ok && v != "" {
		s := "conn_" + v
		return &s
	}
	return nil
}

// deviceUpdate maps a DEVICE record. Firmware flips between underscore
// and bare spellings of the identity keys, so both are accepted. A
// record without a usable srcmac returns nil.
func deviceUpdate(rec parsedRecord) *model.DeviceUpdate {
	var mac string
	if v := extractStr(rec.kv, "srcmac"); v != nil {
		mac = NormalizeMAC(*v)
	}
	if mac == "" {
		return nil
	}
	return &model.DeviceUpdate{
		TsUTC:    rec.ts,
		Device:   rec.device,
		MAC:      mac,
		IP:       fieldAny(rec.kv, "device_ip4", "deviceip4"),
		Vendor:   fieldAny(rec.kv, "device_vendor", "devicevendor"),
		HWType:   fieldAny(rec.kv, "device_type_name", "devicetypename"),
		OSType:   fieldAny(rec.kv, "device_os_name", "deviceosname"),
		Hostname: fieldAny(rec.kv, "hostname"),
		Brand:    fieldAny(rec.kv, "device_brand", "devicebrand"),
		Model:    fieldAny(rec.kv, "device_model", "devicemodel"),
	}
}

// fieldAny returns the first non-blank value among keys, or "".
func fieldAny(kv map[string]any, keys ...string) string {
	if v := extractStrAny(kv, keys...); v != nil {
		return *v
	}
	return ""
}

// extraJSON folds framing extras and unmapped keys into the stored JSON
// blob. Returns nil when there is nothing to keep.
func extraJSON(extra, kv map[string]any) *string {
	out := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		out[k] = v
	}

	var unmapped map[string]any
	for k, v := range kv {
		if mappedKeys[k] {
			continue
		}
		if unmapped == nil {
			unmapped = make(map[string]any)
		}
		unmapped[k] = v
	}
	if unmapped != nil {
		out["unmapped"] = unmapped
	}

	if len(out) == 0 {
		return nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}

// NormalizeMAC canonicalizes a MAC to upper-case AA-BB-CC-DD-EE-FF form.
// Colon, hyphen, dot separated and bare hex spellings are accepted.
// Values that do not look like a 6-byte MAC come back stripped and
// upper-cased with colons turned to hyphens; empty input returns "".
func NormalizeMAC(mac string) string {
	trimmed := strings.TrimSpace(mac)
	if trimmed == "" {
		return ""
	}

	cleaned := strings.ToUpper(trimmed)
	cleaned = strings.NewReplacer(":", "", "-", "", ".", "").Replace(cleaned)
	if cleaned == "" {
		return ""
	}
	if len(cleaned) != 12 || !isUpperHex(cleaned) {
		return strings.ReplaceAll(strings.ToUpper(trimmed), ":", "-")
	}

	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(cleaned[i : i+2])
	}
	return b.String()
}

func isUpperHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func upperPtr(s *string) *string {
	if s == nil {
		return nil
	}
	u := strings.ToUpper(*s)
	return &u
}

func macPtr(s *string) *string {
	if s == nil {
		return nil
	}
	if m := NormalizeMAC(*s); m != "" {
		return &m
	}
	return nil
}
