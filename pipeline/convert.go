package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// converterRecord is one normalized line of converter output: the flattened
// field map plus the metadata columns promoted out of it.
type converterRecord struct {
	Fields    map[string]interface{}
	Raw       map[string]interface{}
	Timestamp time.Time
	Provider  string
	Channel   string
	RecordID  uint64
}

var timestampKeys = []string{
	"Event.System.TimeCreated.#attributes.SystemTime",
	"Event.System.TimeCreated.SystemTime",
	"timestamp",
	"@timestamp",
}

var providerKeys = []string{
	"Event.System.Provider.#attributes.Name",
	"Event.System.Provider.Name",
	"provider",
}

// parseConverterLine decodes one NDJSON line of converter output. Nested
// objects are flattened to dot-joined keys so the index backend can extract
// any field with a single key lookup.
func parseConverterLine(line []byte) (*converterRecord, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("malformed converter output line: %w", err)
	}

	fields := make(map[string]interface{})
	flattenInto(fields, "", raw)

	rec := &converterRecord{
		Fields:   fields,
		Raw:      raw,
		Provider: firstString(fields, providerKeys),
		Channel:  stringValue(fields["Event.System.Channel"]),
	}
	for _, key := range timestampKeys {
		if ts, ok := parseTimestamp(fields[key]); ok {
			rec.Timestamp = ts
			break
		}
	}
	if n, ok := parseUint(fields["Event.System.EventRecordID"]); ok {
		rec.RecordID = n
	}
	return rec, nil
}

func flattenInto(dst map[string]interface{}, prefix string, v interface{}) {
	nested, ok := v.(map[string]interface{})
	if !ok {
		if prefix != "" {
			dst[prefix] = v
		}
		return
	}
	for k, vv := range nested {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		flattenInto(dst, key, vv)
	}
}

func firstString(fields map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if s := stringValue(fields[key]); s != "" {
			return s
		}
	}
	return ""
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func parseTimestamp(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999 MST", "2006-01-02T15:04:05.999999"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func parseUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return uint64(n), true
		}
	case string:
		if parsed, err := strconv.ParseUint(n, 10, 64); err == nil {
			return parsed, true
		}
	case json.Number:
		if parsed, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
