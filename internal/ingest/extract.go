package ingest

import (
	"math"
	"strconv"
)

// fieldPath is one extraction strategy: a key path into a decoded JSON
// object. Vendor payloads spell the same field several ways and nest it at
// several depths, so callers supply an ordered strategy list and take the
// first hit. New vendor variants are handled by appending a path, not by
// editing lookup logic.
type fieldPath []string

// lookup walks the path through nested map[string]any objects.
func (p fieldPath) lookup(obj map[string]any) (any, bool) {
	cur := any(obj)
	for _, key := range p {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstNumber returns the first numeric value found by trying each path in
// order.
func firstNumber(obj map[string]any, paths ...fieldPath) (float64, bool) {
	for _, p := range paths {
		v, ok := p.lookup(obj)
		if !ok {
			continue
		}
		if f, ok := asNumber(v); ok {
			return f, true
		}
	}
	return 0, false
}

// firstString returns the first non-empty string (or stringified number)
// found by trying each path in order.
func firstString(obj map[string]any, paths ...fieldPath) (string, bool) {
	for _, p := range paths {
		v, ok := p.lookup(obj)
		if !ok {
			continue
		}
		if s, ok := asString(v); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		// JSON numbers decode as float64; node ids and packet ids are
		// integers on the wire.
		if s == math.Trunc(s) {
			return strconv.FormatInt(int64(s), 10), true
		}
		return "", false
	}
	return "", false
}
