package dispatch

import (
	"strconv"
	"strings"
)

// ParseDelay reads a delay form value the way browsers parse an integer
// field: optional sign and leading digits, anything after is ignored.
// Absent, non-numeric and zero values become DefaultDelayMs. Negative values
// are returned as-is so Start rejects them.
func ParseDelay(raw string) int {
	s := strings.TrimSpace(raw)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return DefaultDelayMs
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n == 0 {
		// overflow falls back too
		return DefaultDelayMs
	}
	return n
}
