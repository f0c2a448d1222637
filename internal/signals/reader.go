// Package signals derives normalized risk and behavior signals from enriched cases.
//
// Extraction is total: missing or malformed input degrades to conservative
// defaults and is reported as a defect note instead of an error.
package signals

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// reader pulls typed values out of decoded JSON and records every defect.
type reader struct {
	defects []string
}

func (r *reader) defect(path, format string, args ...any) {
	r.defects = append(r.defects, path+": "+fmt.Sprintf(format, args...))
}

// object decodes a raw sub-payload as a JSON object.
func (r *reader) object(raw json.RawMessage, path string) map[string]any {
	if len(raw) == 0 || string(raw) == "null" {
		r.defect(path, "missing")
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		r.defect(path, "expected object")
		return nil
	}
	return m
}

// list decodes a raw sub-payload as a JSON array of objects.
// Elements that are not objects are skipped and reported.
func (r *reader) list(raw json.RawMessage, path string) ([]map[string]any, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		r.defect(path, "missing")
		return nil, false
	}
	var items []any
	if err := json.Unmarshal(raw, &items); err != nil {
		r.defect(path, "expected list")
		return nil, false
	}
	out := make([]map[string]any, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			r.defect(fmt.Sprintf("%s[%d]", path, i), "expected object")
			continue
		}
		out = append(out, m)
	}
	return out, true
}

// float reads a number or numeric string. Booleans are not numbers.
func (r *reader) float(m map[string]any, key, path string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key]
	if !ok || v == nil {
		r.defect(path+"."+key, "missing")
		return 0, false
	}
	f, ok := toFloat(v)
	if !ok {
		r.defect(path+"."+key, "expected numeric, got %v", v)
		return 0, false
	}
	return f, true
}

// nonNegative reads a number and clamps negatives to zero.
func (r *reader) nonNegative(m map[string]any, key, path string) (float64, bool) {
	f, ok := r.float(m, key, path)
	if !ok {
		return 0, false
	}
	if f < 0 {
		r.defect(path+"."+key, "negative value %v clamped to 0", f)
		return 0, true
	}
	return f, true
}

// count reads an integer-valued number. Fractions are truncated and reported.
func (r *reader) count(m map[string]any, key, path string) (int, bool) {
	f, ok := r.nonNegative(m, key, path)
	if !ok {
		return 0, false
	}
	if f != math.Trunc(f) {
		r.defect(path+"."+key, "expected integer, got %v", f)
	}
	return int(f), true
}

func (r *reader) boolean(m map[string]any, key, path string) bool {
	if m == nil {
		return false
	}
	v, ok := m[key]
	if !ok || v == nil {
		r.defect(path+"."+key, "missing")
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.defect(path+"."+key, "expected bool, got %v", v)
		return false
	}
	return b
}

func (r *reader) str(m map[string]any, key, path string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok || v == nil {
		r.defect(path+"."+key, "missing")
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		r.defect(path+"."+key, "expected string, got %v", v)
		return "", false
	}
	return strings.TrimSpace(s), true
}

func (r *reader) timestamp(m map[string]any, key, path string) (time.Time, bool) {
	s, ok := r.str(m, key, path)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	r.defect(path+"."+key, "invalid timestamp %q", s)
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
