package internal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseCompactDuration parses the compact duration strings used throughout
// the configuration surface: "30s", "15m", "1h", "7d", "4w". Plain
// time.ParseDuration forms are accepted too. An empty string is an error;
// callers that allow omission must check before parsing.
func ParseCompactDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	// Day and week suffixes are not understood by time.ParseDuration.
	if n, ok := strings.CutSuffix(s, "d"); ok && !strings.ContainsAny(n, "smhdw") {
		days, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days * float64(24*time.Hour)), nil
	}
	if n, ok := strings.CutSuffix(s, "w"); ok && !strings.ContainsAny(n, "smhdw") {
		weeks, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(weeks * float64(7*24*time.Hour)), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
