// Package pricing converts a video's length into its chip cost.
package pricing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// SecondsPerChip is the length of video one chip pays for.
	SecondsPerChip = 30 * 60
	// MaxDurationSeconds bounds accepted durations at one week.
	MaxDurationSeconds = 7 * 24 * 3600
)

var ErrInvalidDuration = errors.New("pricing: invalid duration")

// Cost returns ceil(seconds / 30min), never less than one chip.
func Cost(durationSeconds int64) (int64, error) {
	if durationSeconds <= 0 || durationSeconds > MaxDurationSeconds {
		return 0, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, durationSeconds)
	}
	return (durationSeconds-1)/SecondsPerChip + 1, nil
}

var isoDuration = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// ParseDuration accepts "HH:MM:SS", "MM:SS", plain seconds or an ISO-8601
// time duration such as "PT1H2M3S".
func ParseDuration(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidDuration)
	}

	if m := isoDuration.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		var total int64
		for i, unit := range []int64{3600, 60, 1} {
			if m[i+1] == "" {
				continue
			}
			n, err := strconv.ParseInt(m[i+1], 10, 64)
			if err != nil || n > MaxDurationSeconds/unit {
				return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
			}
			total += n * unit
		}
		return positive(total, raw)
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}

	var total int64
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		// minutes and seconds fields after the first must be below 60
		if i > 0 && n >= 60 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		if n > MaxDurationSeconds || total > MaxDurationSeconds/60 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		total = total*60 + n
	}
	return positive(total, raw)
}

func positive(total int64, raw string) (int64, error) {
	if total <= 0 || total > MaxDurationSeconds {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}
	return total, nil
}
