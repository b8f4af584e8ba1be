package util

import (
	"log/slog"
	"os"
	"strings"
)

// EnvOrDefault returns the trimmed value of key, or fallback when it is unset or blank.
func EnvOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// ParseBoolEnv reads key as a flag such as OPENAI_DEBUG. true/1/yes/on and
// false/0/no/off are accepted in any case; anything else logs and keeps fallback.
func ParseBoolEnv(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("util.ParseBoolEnv: not a boolean, keeping default", "key", key, "value", raw, "default", fallback)
	return fallback
}
