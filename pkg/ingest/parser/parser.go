// Package parser turns NetWall syslog records into normalized rows.
//
// NetWall units emit the CONN and DEVICE log families in four framings:
// classic BSD headers (yearless), a bracketed relay header with no
// hostname, native RFC 5424, and the InControl export flavor of RFC 5424
// whose payload nests key=value pairs inside bracket blocks. The parser
// recognizes all four, keeps the raw line regardless of outcome, and
// routes accepted records by their id prefix.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravwell/syslogparser"
	"github.com/gravwell/syslogparser/rfc5424"
	timegrinder "github.com/gravwell/timegrinder/v3"

	"github.com/netwall-io/netwall/pkg/model"
)

// Year inference modes for BSD timestamps that lack a year.
const (
	YearAuto     = "auto"
	YearCurrent  = "current"
	YearPrevious = "previous"
)

// Record kinds routed by the id prefix. Records whose id belongs to
// neither accepted family are tagged other and stored raw-only.
const (
	KindConn   = "conn"
	KindDevice = "device"
	KindOther  = "other"
)

// The four header framings, tried in order of specificity. Each anchors
// the category tag so unrelated syslog traffic falls through to the
// malformed path instead of producing junk events.
var (
	// InControl export: "<PRI>1 ISO HOST APP : id=... event=... [SD]".
	// The payload may span joined continuation lines, hence (?s).
	inControlRe = regexp.MustCompile(`(?s)^<\d+>\d\s+(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))\s+(\S+)\s+([A-Z_]+)\s*:\s*(.*)$`)

	// Native RFC 5424: "<PRI>1 ISO HOST EFW - - - CAT: kv...".
	rfc5424Re = regexp.MustCompile(`^(?:<\d+>\s*)?1\s+(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2}))\s+(\S+)\s+EFW\s+(?:-\s+){3}[A-Z][A-Z0-9_]*:\s+`)

	// Relay format: "<PRI>[YYYY-MM-DD HH:MM:SS] EFW: CAT: kv...". Month
	// and day may be a single digit. Carries no hostname.
	bracketRe = regexp.MustCompile(`^(?:<\d+>\s*)?\[(\d{4})-(\d{1,2})-(\d{1,2})\s+(\d{2}:\d{2}:\d{2})\]\s+EFW:\s+[A-Z][A-Z0-9_]*:\s+`)

	// BSD: "<PRI>MMM DD HH:MM:SS HOST EFW: CAT: kv..." with an optional
	// bracketed chunk between host and tag.
	bsdRe = regexp.MustCompile(`^(?:<\d+>\s*)?([A-Z][a-z]{2})\s+(\d{1,2})\s+(\d{2}:\d{2}:\d{2})\s+(\S+)(?:\s+\[[^\]]+\])?\s+EFW:\s+[A-Z][A-Z0-9_]*:\s+`)
)

var months = map[string]time.Month{
	"Jan": time.January,
	"Feb": time.February,
	"Mar": time.March,
	"Apr": time.April,
	"May": time.May,
	"Jun": time.June,
	"Jul": time.July,
	"Aug": time.August,
	"Sep": time.September,
	"Oct": time.October,
	"Nov": time.November,
	"Dec": time.December,
}

// Options configure a Parser.
type Options struct {
	// YearMode selects the year inferred for yearless BSD timestamps.
	// Empty means YearAuto.
	YearMode string

	// Now overrides the wall clock used for year inference and for
	// timestamping unparseable records. Nil means time.Now.
	Now func() time.Time
}

// Parser parses reconstructed NetWall records. A Parser is not safe for
// concurrent use; create one per worker.
type Parser struct {
	yearMode string
	now      func() time.Time
	tg       *timegrinder.TimeGrinder
}

// New builds a Parser.
func New(opts Options) (*Parser, error) {
	tg, err := timegrinder.NewTimeGrinder(timegrinder.Config{EnableLeftMostSeed: true})
	if err != nil {
		return nil, fmt.Errorf("failed to build timestamp extractor: %w", err)
	}
	tg.SetUTC()

	yearMode := opts.YearMode
	if yearMode == "" {
		yearMode = YearAuto
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Parser{yearMode: yearMode, now: now, tg: tg}, nil
}

// Result is the outcome of parsing one reconstructed record. Raw is
// always populated and is stored regardless of outcome. Event and Device
// are set when an accepted CONN or DEVICE record parsed cleanly; a
// DEVICE record without a usable srcmac leaves Device nil.
type Result struct {
	Raw    model.RawLog
	Kind   string
	Event  *model.Event
	Device *model.DeviceUpdate
}

// parsedRecord is the framing-independent intermediate form.
type parsedRecord struct {
	ts      time.Time
	device  string
	kv      map[string]any
	extra   map[string]any
	status  string
	errText *string
}

// Parse parses one record. It never panics; records that match no
// framing come back with parse status error and the wall-clock time.
func (p *Parser) Parse(record string) Result {
	rec := p.parseRecord(record)
	res := Result{Raw: model.RawLog{
		TsUTC:       rec.ts,
		Device:      rec.device,
		RawRecord:   record,
		ParseStatus: rec.status,
		ParseError:  rec.errText,
	}}
	if rec.status != model.ParseStatusOK {
		return res
	}

	var id string
	if v := extractStr(rec.kv, "id"); v != nil {
		id = *v
	}
	switch {
	case id == "":
		// No record id: keep the raw row, nothing to route.
	case strings.HasPrefix(id, "0890") || strings.HasPrefix(id, "89"):
		res.Kind = KindDevice
		res.Device = deviceUpdate(rec)
	case strings.HasPrefix(id, "0060") || strings.HasPrefix(id, "60"):
		res.Kind = KindConn
		res.Event = connEvent(rec)
	default:
		res.Kind = KindOther
		res.Raw.ParseStatus = model.ParseStatusFiltered
	}
	return res
}

func (p *Parser) parseRecord(record string) parsedRecord {
	if m := inControlRe.FindStringSubmatch(record); m != nil {
		return p.parseInControl(m)
	}

	hdr, ok, err := p.parseHeader(record)
	if err != nil {
		return p.errorRecord(err.Error())
	}
	if !ok {
		return p.errorRecord("malformed: no recognized syslog framing")
	}

	kv := make(map[string]any)
	parseKVInto(kv, hdr.rest, false)
	normalizeKV(kv)
	return parsedRecord{
		ts:     hdr.ts,
		device: hdr.device,
		kv:     kv,
		extra:  map[string]any{},
		status: model.ParseStatusOK,
	}
}

func (p *Parser) parseInControl(m []string) parsedRecord {
	ts, err := time.Parse(time.RFC3339Nano, m[1])
	if err != nil {
		return p.errorRecord("bad_timestamp: " + err.Error())
	}
	host := strings.TrimSpace(m[2])
	if host == "" {
		host = "unknown"
	}

	kv := parseInControlMessage(m[4])
	normalizeKV(kv)
	return parsedRecord{
		ts:     ts.UTC(),
		device: host,
		kv:     kv,
		extra:  map[string]any{"log_type": strings.TrimSpace(m[3])},
		status: model.ParseStatusOK,
	}
}

// header is the result of cracking one of the EFW framings: the event
// time, the device hint and the key=value payload after the category.
type header struct {
	ts     time.Time
	device string
	rest   string
}

func (p *Parser) parseHeader(record string) (header, bool, error) {
	if m := rfc5424Re.FindStringSubmatch(record); m != nil {
		device, ts, err := p.rfc5424Header(record, m[1], m[2])
		if err != nil {
			return header{}, true, err
		}
		return header{ts: ts, device: device, rest: record[len(m[0]):]}, true, nil
	}

	if m := bracketRe.FindStringSubmatch(record); m != nil {
		ts, err := bracketTimestamp(m[1], m[2], m[3], m[4])
		if err != nil {
			return header{}, true, err
		}
		return header{ts: ts, device: "unknown", rest: record[len(m[0]):]}, true, nil
	}

	if m := bsdRe.FindStringSubmatch(record); m != nil {
		ts, err := p.bsdTimestamp(m[1], m[2], m[3])
		if err != nil {
			return header{}, true, err
		}
		device := strings.TrimSpace(m[4])
		if device == "" {
			device = "unknown"
		}
		return header{ts: ts, device: device, rest: record[len(m[0]):]}, true, nil
	}

	return header{}, false, nil
}

// rfc5424Header resolves the host and timestamp of a native RFC 5424
// record, preferring the gravwell parser and falling back to the
// matched header groups for near-miss lines it will not accept.
func (p *Parser) rfc5424Header(record, tsGroup, hostGroup string) (string, time.Time, error) {
	if host, ts, ok := crackRFC5424([]byte(record)); ok {
		return host, ts, nil
	}

	host := strings.TrimSpace(hostGroup)
	if host == "" {
		host = "unknown"
	}
	ts, err := time.Parse(time.RFC3339Nano, tsGroup)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bad_timestamp: %v", err)
	}
	return host, ts.UTC(), nil
}

// crackRFC5424 parses a well-formed RFC 5424 line with the gravwell
// parser. Dump key casing differs across syslogparser revisions, so
// both spellings are consulted.
func crackRFC5424(data []byte) (string, time.Time, bool) {
	if tp, err := syslogparser.DetectRFC(data); err != nil || tp != syslogparser.RFC_5424 {
		return "", time.Time{}, false
	}
	parser := rfc5424.NewParser(data)
	if parser == nil || parser.Parse() != nil {
		return "", time.Time{}, false
	}
	parts := parser.Dump()

	host, hok := partString(parts, "Hostname", "hostname")
	ts, tok := partTime(parts, "Timestamp", "timestamp")
	if !hok || !tok {
		return "", time.Time{}, false
	}
	return host, ts.UTC(), true
}

func partString(parts syslogparser.LogParts, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := parts[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s != "" && s != "-" {
			return s, true
		}
	}
	return "", false
}

func partTime(parts syslogparser.LogParts, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := parts[k].(time.Time); ok && !t.IsZero() {
			return t, true
		}
	}
	return time.Time{}, false
}

func bracketTimestamp(year, month, day, clock string) (time.Time, error) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad_timestamp: %v", err)
	}
	mo, err := strconv.Atoi(month)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad_timestamp: %v", err)
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad_timestamp: %v", err)
	}
	hms, err := time.Parse("15:04:05", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad_timestamp: %v", err)
	}

	t := time.Date(y, time.Month(mo), d, hms.Hour(), hms.Minute(), hms.Second(), 0, time.UTC)
	// time.Date normalizes out-of-range components; reject those.
	if t.Month() != time.Month(mo) || t.Day() != d {
		return time.Time{}, fmt.Errorf("bad_timestamp: no such date %s-%s-%s", year, month, day)
	}
	return t, nil
}

// bsdTimestamp resolves a yearless BSD header timestamp. The clock is
// extracted with timegrinder when it recognizes the chunk, otherwise
// built by hand; the year always comes from the configured mode.
func (p *Parser) bsdTimestamp(monthName, day, clock string) (time.Time, error) {
	chunk := monthName + " " + day + " " + clock
	if t, ok, err := p.tg.Extract([]byte(chunk)); err == nil && ok {
		return p.resolveYear(t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second())
	}

	mo, ok := months[monthName]
	if !ok {
		return time.Time{}, fmt.Errorf("bad_timestamp: unknown month %q", monthName)
	}
	d, err := strconv.Atoi(day)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad_timestamp: %v", err)
	}
	hms, err := time.Parse("15:04:05", clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad_timestamp: %v", err)
	}
	return p.resolveYear(mo, d, hms.Hour(), hms.Minute(), hms.Second())
}

// resolveYear builds the instant for a yearless month/day clock. Auto
// picks the year that puts the instant no later than now and within the
// previous six months, preferring the current year; the pinned modes
// use the named year unconditionally.
func (p *Parser) resolveYear(mo time.Month, day, hh, mm, ss int) (time.Time, error) {
	now := p.now().UTC()
	build := func(year int) (time.Time, bool) {
		t := time.Date(year, mo, day, hh, mm, ss, 0, time.UTC)
		return t, t.Month() == mo && t.Day() == day
	}

	switch p.yearMode {
	case YearCurrent:
		if t, ok := build(now.Year()); ok {
			return t, nil
		}
	case YearPrevious:
		if t, ok := build(now.Year() - 1); ok {
			return t, nil
		}
	default:
		horizon := now.AddDate(0, -6, 0)
		if t, ok := build(now.Year()); ok && !t.After(now) && t.After(horizon) {
			return t, nil
		}
		if t, ok := build(now.Year() - 1); ok && !t.After(now) && t.After(horizon) {
			return t, nil
		}
		if t, ok := build(now.Year()); ok {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad_timestamp: no such date %s %d", mo, day)
}

func (p *Parser) errorRecord(detail string) parsedRecord {
	return parsedRecord{
		ts:      p.now().UTC(),
		device:  "unknown",
		status:  model.ParseStatusError,
		errText: &detail,
	}
}
