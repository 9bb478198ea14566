// Package cmdutil holds the WSFETCH_* environment helpers shared by the CLIs.
package cmdutil

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix namespaces every environment variable the CLIs read.
const EnvPrefix = "WSFETCH_"

// EnvKey returns the full variable name for a flag-style name ("max-conns" -> WSFETCH_MAX_CONNS).
func EnvKey(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

// envParse returns fallback for an unset or blank key, and otherwise the parsed value.
// Parse failures name the variable.
func envParse[T any](key string, fallback T, parse func(string) (T, error)) (T, error) {
	raw, ok := lookup(key)
	if !ok {
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func EnvString(key string, fallback string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return fallback
}

func EnvBool(key string, fallback bool) (bool, error) {
	return envParse(key, fallback, strconv.ParseBool)
}

func EnvInt(key string, fallback int) (int, error) {
	return envParse(key, fallback, strconv.Atoi)
}

func EnvInt64(key string, fallback int64) (int64, error) {
	return envParse(key, fallback, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func EnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	return envParse(key, fallback, time.ParseDuration)
}

// EnvCSV splits a comma-separated value into trimmed, non-empty parts.
func EnvCSV(key string) []string {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
