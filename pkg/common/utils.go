package common

import (
	"os"
)

func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}

	return fallback
}

// TruncateMinutes converts a millisecond duration to whole minutes.
// Durations are truncated, never rounded, when shown to the user or
// persisted in a resumable-session record.
func TruncateMinutes(ms int64) int {
	return int(ms / 60000)
}
