package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// longer suffixes first so "ms" is not read as minutes
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses durations written as "<n><unit>" with unit one of ms, s, m, h, d
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	for _, u := range timeUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format %q: %w", timeString, err)
		}
		if number < 0 {
			return 0, fmt.Errorf("negative time %q", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %q", timeString)
}

