package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env helpers: empty or malformed values always fall back to the default so a
// bad deployment env cannot produce a half-configured server.

func envRaw(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	if v, ok := envRaw(key); ok {
		return v
	}
	return def
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	v, ok := envRaw(key)
	if !ok {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// EnvInt reads a positive int env var with a default.
func EnvInt(key string, def int) int {
	v, ok := envRaw(key)
	if !ok {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return n
	}
	return def
}

// EnvInt32 reads a non-negative int32 env var with a default.
func EnvInt32(key string, def int32) int32 {
	v, ok := envRaw(key)
	if !ok {
		return def
	}
	if n, err := strconv.ParseInt(v, 10, 32); err == nil && n >= 0 {
		return int32(n)
	}
	return def
}

// EnvDuration reads a positive duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v, ok := envRaw(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}

// EnvCSV reads a comma-separated env var, trimming entries and dropping empty
// ones. An empty result returns nil.
func EnvCSV(key, def string) []string {
	raw, ok := envRaw(key)
	if !ok {
		raw = def
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
