package rules

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" in 24-hour notation.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: time %q", ErrInvalidRange, s)
	}

	limits := []int{24, 60, 60}
	var fields [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n >= limits[i] {
			return 0, fmt.Errorf("%w: time %q", ErrInvalidRange, s)
		}
		fields[i] = n
	}
	return NewTimeOfDay(fields[0], fields[1], fields[2]), nil
}

// ParseTimeRange parses "HH:MM-HH:MM".
func ParseTimeRange(s string) (TimeRange, error) {
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return TimeRange{}, fmt.Errorf("%w: time range %q", ErrInvalidRange, s)
	}
	start, err := ParseTimeOfDay(from)
	if err != nil {
		return TimeRange{}, err
	}
	end, err := ParseTimeOfDay(to)
	if err != nil {
		return TimeRange{}, err
	}
	return TimeRange{Start: start, End: end}, nil
}

// ParseIntRange parses "low-high".
func ParseIntRange(s string) (IntRange, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return IntRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	low, err := strconv.Atoi(strings.TrimSpace(from))
	if err != nil {
		return IntRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	high, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return IntRange{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}
	return IntRange{Low: low, High: high}, nil
}

// Matches reports whether now falls inside the range.
// Non-wrapping ranges are inclusive on both ends, so Start == End matches
// only that instant. Wrapping ranges span midnight.
func (r TimeRange) Matches(now TimeOfDay) bool {
	if r.Start <= r.End {
		return r.Start <= now && now <= r.End
	}
	return now <= r.End || now >= r.Start
}

// Wraps reports whether the range spans midnight.
func (r TimeRange) Wraps() bool {
	return r.Start > r.End
}

// Matches reports whether Low <= v < High.
func (r IntRange) Matches(v int) bool {
	return r.Low <= v && v < r.High
}
