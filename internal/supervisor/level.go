package supervisor

import (
	"slices"
	"strings"
)

var levels = []string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

// parseLevel extracts the level from lines written by the agent's logging
// formatters, either "LEVEL: message" or
// "time - logger - LEVEL - message". It returns "" for anything else.
func parseLevel(line string) string {
	if prefix, _, ok := strings.Cut(line, ": "); ok && isLevel(prefix) {
		return prefix
	}

	parts := strings.SplitN(line, " - ", 4)
	if len(parts) == 4 && isLevel(parts[2]) {
		return parts[2]
	}

	return ""
}

func isLevel(s string) bool {
	return slices.Contains(levels, s)
}
