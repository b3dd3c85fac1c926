package helpers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration extends time.ParseDuration with a "d" (day) unit, so config
// values such as "7d" or "1d12h" are accepted.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	idx := strings.Index(s, "d")
	if idx < 0 {
		return time.ParseDuration(s)
	}

	days, err := strconv.ParseFloat(s[:idx], 64)
	if err != nil || days < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	total := time.Duration(days * float64(24*time.Hour))

	if rest := s[idx+1:]; rest != "" {
		extra, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total += extra
	}
	return total, nil
}
