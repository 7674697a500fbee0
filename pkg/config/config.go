// Package config provides environment-backed configuration helpers shared by
// the gateway entrypoint and the security components.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Get returns an environment variable or default value.
func Get(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetInt parses an integer environment variable, falling back to def on
// absence or parse failure.
func GetInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetInt64 parses a 64-bit integer environment variable.
func GetInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetDuration parses a duration environment variable ("30s", "5m").
func GetDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// GetBool parses a boolean environment variable. Accepts 1/true/yes/on and
// 0/false/no/off.
func GetBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		vv := strings.ToLower(strings.TrimSpace(v))
		if vv == "1" || vv == "true" || vv == "yes" || vv == "on" {
			return true
		}
		if vv == "0" || vv == "false" || vv == "no" || vv == "off" {
			return false
		}
	}
	return def
}

// GetList parses a comma-separated environment variable into a slice,
// trimming whitespace and dropping empty entries.
func GetList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
