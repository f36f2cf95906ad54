package config

import (
	"time"

	"github.com/dshills/chronicle/internal/config/loader"
)

// decoder reads typed settings from a merged map, collecting type errors.
// A missing setting yields the default.
type decoder struct {
	m    map[string]any
	errs []error
}

func (d *decoder) mismatch(path, expected string, v any) {
	d.errs = append(d.errs, wrongType(path, expected, v))
}

func (d *decoder) stringOr(path, def string) string {
	v, ok := loader.GetByPath(d.m, path)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		d.mismatch(path, "string", v)
		return def
	}
	return s
}

func (d *decoder) intOr(path string, def int64) int64 {
	v, ok := loader.GetByPath(d.m, path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case int:
		return int64(val)
	case int64:
		return val
	case uint64:
		return int64(val)
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
	}
	d.mismatch(path, "int", v)
	return def
}

func (d *decoder) boolOr(path string, def bool) bool {
	v, ok := loader.GetByPath(d.m, path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		if val == 0 || val == 1 {
			return val == 1
		}
	}
	d.mismatch(path, "bool", v)
	return def
}

// durationOr accepts a duration string, a time.Duration or whole seconds.
func (d *decoder) durationOr(path string, def time.Duration) time.Duration {
	v, ok := loader.GetByPath(d.m, path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case time.Duration:
		return val
	case string:
		dur, err := time.ParseDuration(val)
		if err == nil {
			return dur
		}
	case int64:
		return time.Duration(val) * time.Second
	case int:
		return time.Duration(val) * time.Second
	}
	d.mismatch(path, "duration", v)
	return def
}

func (d *decoder) stringSliceOr(path string, def []string) []string {
	v, ok := loader.GetByPath(d.m, path)
	if !ok {
		return def
	}
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...)
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				d.mismatch(path, "[]string", v)
				return def
			}
			out = append(out, s)
		}
		return out
	case string:
		// A single argument.
		return []string{val}
	}
	d.mismatch(path, "[]string", v)
	return def
}
