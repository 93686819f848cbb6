// Package cliutil provides small helpers shared by the cmd/ entrypoints
// for layering environment-variable defaults under cobra flags, since the
// spec requires every configuration item to be environment-settable in
// addition to flag-settable.
package cliutil

import (
	"os"
	"strconv"
	"time"
)

// EnvOr returns os.Getenv(key) if set, else fallback.
func EnvOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// EnvOrInt parses an int env var, falling back to def on absence or
// malformed input.
func EnvOrInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvOrInt64 parses an int64 env var, falling back to def.
func EnvOrInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// EnvOrBool parses a bool env var, falling back to def.
func EnvOrBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvOrDuration parses a duration env var, falling back to def.
func EnvOrDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
