package config

import (
	"fmt"
	"strconv"
	"time"
)

// OptionString returns the string value of key in e.Options, or def.
func (e ProviderEntry) OptionString(key, def string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def
	}
	return fmtValue(v)
}

// OptionInt returns the integer value of key in e.Options, or def when the
// key is absent. YAML integers and numeric strings are accepted.
func (e ProviderEntry) OptionInt(key string, def int) (int, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("config: option %q: %w", key, err)
		}
		return i, nil
	}
	return 0, fmt.Errorf("config: option %q: unsupported type %T", key, v)
}

// OptionDuration returns the duration value of key in e.Options, or def when
// the key is absent. Values use time.ParseDuration syntax (e.g., "90s").
func (e ProviderEntry) OptionDuration(key string, def time.Duration) (time.Duration, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	d, err := time.ParseDuration(fmtValue(v))
	if err != nil {
		return 0, fmt.Errorf("config: option %q: %w", key, err)
	}
	return d, nil
}

func fmtValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
