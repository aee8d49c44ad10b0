// Package logdata defines the log record model shared by ingestion,
// analysis, storage and the API surface.
package logdata

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Record is a single parsed log line.
//
// Timestamp may be zero when the source line carried none or the value
// could not be parsed; consumers substitute the current time in that case.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level,omitempty"`
	Logger    string            `json:"logger,omitempty"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Accepted timestamp layouts, tried in order. time.Parse tolerates
// fractional seconds even when the layout omits them.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 style timestamp, with or without a
// trailing Z, zone offset or fractional seconds. The space-separated
// date-time form is accepted as well.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// levelAliases maps common encoder spellings onto the canonical
// severity names used by the analysis engine.
var levelAliases = map[string]string{
	"WARN":  "WARNING",
	"ERR":   "ERROR",
	"FATAL": "CRITICAL",
	"PANIC": "CRITICAL",
	"CRIT":  "CRITICAL",
}

// CanonicalLevel upper-cases a severity string and resolves common
// aliases (warn, fatal, panic). Unknown levels pass through upper-cased.
func CanonicalLevel(level string) string {
	up := strings.ToUpper(strings.TrimSpace(level))
	if canon, ok := levelAliases[up]; ok {
		return canon
	}
	return up
}

// Normalize returns a copy of the record with its level canonicalized.
// The analysis engine matches levels case-sensitively, so normalization
// is an ingest-time decision rather than something the engine does.
func (r Record) Normalize() Record {
	r.Level = CanonicalLevel(r.Level)
	return r
}

// recordJSON mirrors Record for tolerant decoding: timestamps arrive as
// strings or epoch numbers, and zap's production encoder uses ts/msg keys.
type recordJSON struct {
	Timestamp json.RawMessage   `json:"timestamp"`
	TS        json.RawMessage   `json:"ts"`
	Level     string            `json:"level"`
	Logger    string            `json:"logger"`
	Message   *string           `json:"message"`
	Msg       *string           `json:"msg"`
	Fields    map[string]string `json:"fields"`
}

// UnmarshalJSON decodes a record, accepting both timestamp/message and
// the ts/msg key pair, and timestamps as either strings or epoch
// seconds. An unparseable timestamp leaves the field zero rather than
// failing the whole record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.Level = raw.Level
	r.Logger = raw.Logger
	r.Fields = raw.Fields

	switch {
	case raw.Message != nil:
		r.Message = *raw.Message
	case raw.Msg != nil:
		r.Message = *raw.Msg
	}

	ts := raw.Timestamp
	if len(ts) == 0 {
		ts = raw.TS
	}
	r.Timestamp = decodeTimestamp(ts)
	return nil
}

func decodeTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := ParseTimestamp(s)
		if err != nil {
			return time.Time{}
		}
		return t
	}

	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil && epoch > 0 {
		sec, frac := math.Modf(epoch)
		return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
	}

	return time.Time{}
}
