package rules

import "time"

// DayTypeOf returns Workday for Monday to Friday and Weekend otherwise.
func DayTypeOf(t time.Time) DayType {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return Weekend
	default:
		return Workday
	}
}

// Schedule returns the range that applies on the given day type: the
// day-specific field if set, otherwise Time. Returns nil if none applies.
func (r Rule) Schedule(day DayType) *TimeRange {
	specific := r.Workday
	if day == Weekend {
		specific = r.Weekend
	}
	if specific != nil {
		return specific
	}
	return r.Time
}

// Merge builds a device rule set from the device's own rules and the
// vendor's common rules. Device rules keep their order and win on name
// collision; common rules not overridden follow in their own order.
func Merge(device string, own, common []Rule) RuleSet {
	merged := make([]Rule, 0, len(own)+len(common))
	seen := make(map[string]bool, len(own))
	for _, r := range own {
		seen[r.Name] = true
		merged = append(merged, r)
	}
	for _, r := range common {
		if seen[r.Name] {
			continue
		}
		merged = append(merged, r)
	}
	return RuleSet{Device: device, Rules: merged}
}

// ActiveRules returns the rules whose schedule contains now, in declaration
// order. Overlapping rules are all returned; no conflict resolution is done.
func ActiveRules(set RuleSet, day DayType, now TimeOfDay) []Rule {
	var active []Rule
	for _, r := range set.Rules {
		schedule := r.Schedule(day)
		if schedule == nil || !schedule.Matches(now) {
			continue
		}
		active = append(active, r)
	}
	return active
}

// ActiveSubRules returns the sub-rules in effect at now.
//
// Entries without an action are skipped. An entry with no hours/minutes
// constraint, or whose present constraints all match, is active. If no
// non-fallback entry matched and a fallback exists, the fallback is the sole
// result.
func ActiveSubRules(subRules []SubRule, now time.Time) []SubRule {
	var (
		active   []SubRule
		fallback *SubRule
	)
	for i := range subRules {
		sr := subRules[i]
		switch {
		case sr.Action == nil:
			continue
		case sr.Name == FallbackName:
			fallback = &subRules[i]
			continue
		case sr.Hours != nil && !sr.Hours.Matches(now.Hour()):
			continue
		case sr.Minutes != nil && !sr.Minutes.Matches(now.Minute()):
			continue
		}
		active = append(active, sr)
	}

	if len(active) == 0 && fallback != nil {
		return []SubRule{*fallback}
	}
	return active
}

// Plan flattens the active rules of set at t into the ordered list of
// commands to apply. Commands follow rule declaration order, then sub-rule
// order, then setting order. Nothing is deduplicated: when two commands
// target the same sub-topic the later one is applied last and wins.
func Plan(set RuleSet, t time.Time) []Command {
	var cmds []Command
	for _, r := range ActiveRules(set, DayTypeOf(t), Clock(t)) {
		for _, s := range r.Action {
			cmds = append(cmds, Command{
				Device:   set.Device,
				Rule:     r.Name,
				SubTopic: s.SubTopic,
				Value:    s.Value,
			})
		}
		for _, sr := range ActiveSubRules(r.SubRules, t) {
			for _, s := range sr.Action {
				cmds = append(cmds, Command{
					Device:   set.Device,
					Rule:     r.Name,
					SubRule:  sr.Name,
					SubTopic: s.SubTopic,
					Value:    s.Value,
				})
			}
		}
	}
	return cmds
}

// Effective collapses commands to the final value per sub-topic, in order of
// first appearance. It states the last-write-wins outcome of applying cmds.
func Effective(cmds []Command) []Command {
	index := make(map[string]int, len(cmds))
	var out []Command
	for _, c := range cmds {
		if i, ok := index[c.SubTopic]; ok {
			out[i] = c
			continue
		}
		index[c.SubTopic] = len(out)
		out = append(out, c)
	}
	return out
}
