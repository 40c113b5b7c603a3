package core

import (
	"strconv"
	"strings"
	"time"
)

// Properties is a flat configuration property set handed to services on start.
type Properties map[string]string

// Get returns the value for key or def when absent or blank.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Int returns the integer value for key or def when absent or malformed.
func (p Properties) Int(key string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(p[key]))
	if err != nil {
		return def
	}
	return v
}

// Bool returns the boolean value for key or def when absent or malformed.
func (p Properties) Bool(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(p[key]))
	if err != nil {
		return def
	}
	return v
}

// Duration returns the duration value for key or def when absent or malformed.
func (p Properties) Duration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(p[key]))
	if err != nil {
		return def
	}
	return v
}

// Strings splits a comma separated value into trimmed, non-empty entries.
func (p Properties) Strings(key string) []string {
	raw := p[key]
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Merge returns a new property set containing p overlaid with other.
func (p Properties) Merge(other Properties) Properties {
	out := make(Properties, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
