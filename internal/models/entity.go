package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Entity is a decoded JSON object snapshot of a record, local or remote.
type Entity map[string]any

// ID returns the "id" field rendered as a string, or "" when absent.
func (e Entity) ID() string {
	switch v := e["id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	}
	return ""
}

// LastModified parses the "lastModified" field. RFC 3339 strings and unix
// millisecond numbers are accepted; anything else yields the zero time.
func (e Entity) LastModified() time.Time {
	switch v := e["lastModified"].(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	case float64:
		return time.UnixMilli(int64(v)).UTC()
	case int64:
		return time.UnixMilli(v).UTC()
	case time.Time:
		return v
	}
	return time.Time{}
}

// Notes returns the free-text "notes" field exactly as entered.
func (e Entity) Notes() string {
	s, _ := e["notes"].(string)
	return s
}

// HasNotes reports whether the notes field holds more than whitespace.
func (e Entity) HasNotes() bool {
	return strings.TrimSpace(e.Notes()) != ""
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return cloneValue(map[string]any(e)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Entity:
		return cloneValue(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	}
	return v
}
