// Package parser normalizes device payloads into canonical signal snapshots.
//
// Devices in the field speak several JSON dialects ({"estados":{"Verde":true}},
// {"lights":{"green":{"state":true}}}, ...). A Dialect recognises one shape and
// extracts its raw lines; a SignalMap then maps those lines onto the canonical
// green/yellow/red/counter signals for the machine that sent them.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned for payloads that cannot be turned into a snapshot.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownDialect is returned when no registered dialect recognises a payload.
	ErrUnknownDialect = errors.New("unknown payload dialect")
)

// Document is a decoded top-level JSON object.
type Document map[string]json.RawMessage

// Frame is what a dialect extracts from a document before signal mapping.
type Frame struct {
	MachineID int // 0 when the payload does not carry one
	Timestamp time.Time
	Lines     map[string]bool
}

// Dialect recognises and extracts one payload shape.
type Dialect interface {
	// Name returns the unique name of the dialect.
	Name() string
	// CanParse reports whether doc looks like this dialect.
	CanParse(doc Document) bool
	// Extract pulls the machine id, timestamp and raw lines out of doc.
	Extract(doc Document) (Frame, error)
}

var (
	boolTrue  = map[string]bool{"ON": true, "TRUE": true, "1": true, "YES": true, "HIGH": true}
	boolFalse = map[string]bool{"OFF": true, "FALSE": true, "0": true, "NO": true, "LOW": true, "": true}
)

// ParseLine coerces one raw line value into a bool. Accepted shapes are JSON
// booleans, numbers (non-zero is true), strings such as "ON"/"off"/"1", and
// objects carrying a "state" field.
func ParseLine(raw json.RawMessage) (bool, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return false, fmt.Errorf("%w: empty line value", ErrMalformed)
	}

	switch s[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return b, nil
	case '"':
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		u := strings.ToUpper(strings.TrimSpace(str))
		if boolTrue[u] {
			return true, nil
		}
		if boolFalse[u] {
			return false, nil
		}
		return false, fmt.Errorf("%w: line value %q", ErrMalformed, str)
	case '{':
		var obj struct {
			State json.RawMessage `json:"state"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return false, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return ParseLine(obj.State)
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return false, fmt.Errorf("%w: line value %s", ErrMalformed, s)
		}
		return f != 0, nil
	}
}

// ParseTimestamp accepts RFC 3339 strings (with or without fractional seconds)
// and Unix epoch milliseconds.
func ParseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ts, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, str)
		}
		return ts, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %s", ErrMalformed, s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// parseLines decodes a JSON object of line values. null or non-object is malformed.
func parseLines(raw json.RawMessage) (map[string]bool, error) {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil || values == nil {
		return nil, fmt.Errorf("%w: lines must be an object", ErrMalformed)
	}

	lines := make(map[string]bool, len(values))
	for key, v := range values {
		b, err := ParseLine(v)
		if err != nil {
			return nil, fmt.Errorf("line %s: %w", key, err)
		}
		lines[key] = b
	}
	return lines, nil
}

// machineIDFrom reads machine_id or machineId; absent means 0.
func machineIDFrom(doc Document) (int, error) {
	for _, key := range []string{"machine_id", "machineId"} {
		raw, ok := doc[key]
		if !ok || string(raw) == "null" {
			continue
		}
		var id int
		if err := json.Unmarshal(raw, &id); err != nil {
			var str string
			if json.Unmarshal(raw, &str) != nil {
				return 0, fmt.Errorf("%w: %s is not an integer", ErrMalformed, key)
			}
			if id, err = strconv.Atoi(str); err != nil {
				return 0, fmt.Errorf("%w: %s is not an integer", ErrMalformed, key)
			}
		}
		if id <= 0 {
			return 0, fmt.Errorf("%w: %s must be positive", ErrMalformed, key)
		}
		return id, nil
	}
	return 0, nil
}

// timestampFrom reads the timestamp field; a zero time means absent.
func timestampFrom(doc Document) (time.Time, error) {
	raw, ok := doc["timestamp"]
	if !ok {
		return time.Time{}, nil
	}
	return ParseTimestamp(raw)
}
