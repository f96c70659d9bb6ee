// Package environment reads configuration from environment variables.
//
// Every helper follows the same contract: read one variable, return the
// parsed value or the caller's default. Unparseable values fall back to the
// default rather than failing — environment overrides are a convenience
// layer, the config file is the source of record. Only RequiredString
// returns an error, and it never calls os.Exit.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// String returns the named variable's value and whether it was set at all
// (an explicit empty value still counts as set).
func String(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}

// StringOr returns the named variable's value, or defaultValue when it is
// unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// RequiredString returns the named variable's value, or an error when it is
// unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("required environment variable %q is not set", name)
	}
	return v, nil
}

// BoolOr parses the named variable with strconv.ParseBool ("1", "t", "true",
// "0", "f", "false", ...), returning defaultValue when unset or unparseable.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the named variable as a decimal integer, returning
// defaultValue when unset or unparseable.
func IntOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// FloatOr parses the named variable as a float64, returning defaultValue
// when unset or unparseable.
func FloatOr(name string, defaultValue float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// DurationOr parses the named variable as a time.Duration ("30s", "2m",
// "1h"), returning defaultValue when unset or unparseable.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}

// StringSliceOr parses the named variable as a comma-separated list,
// trimming whitespace around each element. Returns defaultValue when unset,
// empty, or containing no non-empty elements.
func StringSliceOr(name string, defaultValue []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
