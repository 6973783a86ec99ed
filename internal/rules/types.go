// Package rules contains the pure scheduling logic: time-range matching,
// per-device rule sets and rule activation.
// This package has NO external dependencies (no MQTT, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package rules

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRange is returned when a time or integer range cannot be parsed.
var ErrInvalidRange = errors.New("invalid range")

// FallbackName is the sub-rule name that applies when no sibling matches.
const FallbackName = "fallback"

// DayType selects which schedule field of a Rule applies.
type DayType string

const (
	Workday DayType = "workday"
	Weekend DayType = "weekend"
)

// TimeOfDay is a wall-clock time as seconds since midnight.
type TimeOfDay int

// NewTimeOfDay builds a TimeOfDay from hour, minute and second.
func NewTimeOfDay(hour, minute, second int) TimeOfDay {
	return TimeOfDay(hour*3600 + minute*60 + second)
}

// Clock returns the wall-clock time of t, truncated to the second.
func Clock(t time.Time) TimeOfDay {
	return NewTimeOfDay(t.Hour(), t.Minute(), t.Second())
}

// String formats the time as HH:MM, or HH:MM:SS when seconds are set.
func (t TimeOfDay) String() string {
	h, m, s := int(t)/3600, int(t)%3600/60, int(t)%60
	if s != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", h, m)
}

// TimeRange is a daily window. Start > End wraps past midnight.
type TimeRange struct {
	Start TimeOfDay
	End   TimeOfDay
}

func (r TimeRange) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// IntRange is a half-open integer range [Low, High) used for hours and minutes.
type IntRange struct {
	Low  int
	High int
}

func (r IntRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// Setting is a single (sub-topic, value) pair of an action.
// Value holds the decoded config scalar (bool, int, float64 or string).
type Setting struct {
	SubTopic string
	Value    any
}

// Action is an ordered list of settings, in declaration order.
type Action []Setting

// SubRule is an hour/minute scoped action inside an active rule.
// A nil Action marks a malformed entry that is never active.
type SubRule struct {
	Name    string
	Hours   *IntRange
	Minutes *IntRange
	Action  Action
}

// Rule is a named, time-scoped specification of device actions or sub-rules.
// Exactly one of Action and SubRules is set.
type Rule struct {
	Name     string
	Workday  *TimeRange
	Weekend  *TimeRange
	Time     *TimeRange
	Action   Action
	SubRules []SubRule
}

// RuleSet is the immutable, merged list of rules attached to one device.
type RuleSet struct {
	Device string
	Rules  []Rule
}

// Command is one setting to apply to a device, with the rule path that produced it.
type Command struct {
	Device   string
	Rule     string
	SubRule  string // empty for flat rule actions
	SubTopic string
	Value    any
}
