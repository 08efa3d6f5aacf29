package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads KEY=VALUE pairs from the given files (".env" when none are
// given) into the process environment without overriding variables that are
// already set. A missing file is returned as an error; callers usually ignore
// it and run on the plain environment.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the trimmed value of key, or fallback when it is unset or
// blank.
func GetEnv(key, fallback string) string {
	return lookup(key, fallback, func(s string) (string, error) { return s, nil })
}

// GetEnvInt returns key parsed as a base-10 integer, or fallback.
func GetEnvInt(key string, fallback int) int {
	return lookup(key, fallback, strconv.Atoi)
}

// GetEnvFloat returns key parsed as a float, or fallback.
func GetEnvFloat(key string, fallback float64) float64 {
	return lookup(key, fallback, func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetEnvDuration returns key parsed with time.ParseDuration ("2s", "1m30s"),
// or fallback. Bare numbers have no unit and fall back.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	return lookup(key, fallback, time.ParseDuration)
}

func lookup[T any](key string, fallback T, parse func(string) (T, error)) T {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	v, err := parse(s)
	if err != nil {
		return fallback
	}
	return v
}
