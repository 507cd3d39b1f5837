package tools

import (
	"fmt"
	"strconv"
	"strings"
)

// Params carries the loosely typed builder parameters a request supplies.
// Values arrive from JSON or YAML, so numbers may be float64 or int and
// booleans may be strings.
type Params map[string]any

// String returns the trimmed string form of key, or "" when absent.
func (p Params) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// StringOr returns String(key), or def when that is empty.
func (p Params) StringOr(key, def string) string {
	if s := p.String(key); s != "" {
		return s
	}
	return def
}

// Bool reports whether key holds a truthy value.
func (p Params) Bool(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return false
	}
}

// Int returns key as an integer, or def when absent or not numeric.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Target is the scan target every builder reads.
func (p Params) Target() string {
	return p.String("target")
}

// With returns a copy of p with key set to value.
func (p Params) With(key string, value any) Params {
	out := make(Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = value
	return out
}

// extraFlags splits the free-form extra_flags parameter on whitespace.
func (p Params) extraFlags() []string {
	return strings.Fields(p.String("extra_flags"))
}
