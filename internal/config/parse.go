package config

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/mqtt-automator/internal/rules"
)

// Rule record keys.
const (
	keyWorkday  = "workday"
	keyWeekend  = "weekend"
	keyTime     = "time"
	keyAction   = "action"
	keySubRules = "sub_rules"
	keyHours    = "hours"
	keyMinutes  = "minutes"
)

type parser struct {
	logger *slog.Logger
}

// vendor parses one vendor section: its common rules and its devices.
func (p parser) vendor(cfg *Config, vendor string, node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: vendor %q must be a mapping of devices", ErrInvalidConfig, vendor)
	}

	type pending struct {
		dev   Device
		rules []rules.Rule
	}
	var (
		common  []rules.Rule
		devices []pending
	)

	for i := 0; i+1 < len(node.Content); i += 2 {
		name, val := node.Content[i].Value, resolve(node.Content[i+1])

		if name == keyCommon {
			rs, err := p.ruleRecords(vendor, keyCommon, val, false)
			if err != nil {
				return err
			}
			common = rs
			continue
		}

		dev := Device{Vendor: vendor, ID: name, Name: name}
		if val.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(val.Content); j += 2 {
				k, v := val.Content[j].Value, resolve(val.Content[j+1])
				if k != keyDevice && k != keyParent {
					continue
				}
				s, err := identifier(v)
				if err != nil {
					return fmt.Errorf("%w: %s/%s/%s: %v", ErrInvalidConfig, vendor, name, k, err)
				}
				if k == keyDevice {
					dev.ID = s
				} else {
					dev.Parent = s
				}
			}
		}
		rs, err := p.ruleRecords(vendor, name, val, true)
		if err != nil {
			return err
		}
		devices = append(devices, pending{dev: dev, rules: rs})
	}

	// Common rules may be declared after the devices that inherit them.
	for _, d := range devices {
		cfg.Devices = append(cfg.Devices, d.dev)
		cfg.RuleSets[d.dev.Name] = rules.Merge(d.dev.Name, d.rules, common)
	}
	return nil
}

// ruleRecords parses the named rules of a device (or common) record.
// Device records also carry the "device" and "parent" keys, which are skipped.
func (p parser) ruleRecords(vendor, device string, node *yaml.Node, isDevice bool) ([]rules.Rule, error) {
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s/%s must be a mapping", ErrInvalidConfig, vendor, device)
	}

	var out []rules.Rule
	for i := 0; i+1 < len(node.Content); i += 2 {
		name, val := node.Content[i].Value, resolve(node.Content[i+1])
		if isDevice && (name == keyDevice || name == keyParent) {
			continue
		}
		r, err := p.rule(name, val)
		if err != nil {
			return nil, fmt.Errorf("%w: %s/%s/%s: %v", ErrInvalidRule, vendor, device, name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// rule parses and validates a single rule record.
func (p parser) rule(name string, node *yaml.Node) (rules.Rule, error) {
	r := rules.Rule{Name: name}
	if node.Kind != yaml.MappingNode {
		return r, fmt.Errorf("rule must be a mapping")
	}

	var hasAction, hasSubRules bool
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, resolve(node.Content[i+1])
		var err error
		switch key {
		case keyWorkday:
			r.Workday, err = timeRange(val)
		case keyWeekend:
			r.Weekend, err = timeRange(val)
		case keyTime:
			r.Time, err = timeRange(val)
		case keyAction:
			hasAction = true
			r.Action, err = action(val)
		case keySubRules:
			hasSubRules = true
			r.SubRules, err = p.subRules(name, val)
		default:
			p.logger.Warn("ignoring unknown rule key", "rule", name, "key", key)
		}
		if err != nil {
			return r, fmt.Errorf("%s: %w", key, err)
		}
	}

	switch {
	case hasAction && hasSubRules:
		return r, fmt.Errorf("action and sub_rules are mutually exclusive")
	case !hasAction && !hasSubRules:
		return r, fmt.Errorf("one of action or sub_rules is required")
	case r.Time != nil && (r.Workday != nil || r.Weekend != nil):
		return r, fmt.Errorf("time cannot be combined with workday/weekend")
	case r.Time == nil && r.Workday == nil && r.Weekend == nil:
		return r, fmt.Errorf("one of time, workday or weekend is required")
	}
	return r, nil
}

// subRules parses sub-rule records. Malformed entries are logged and kept
// with a nil action so they are never active.
func (p parser) subRules(rule string, node *yaml.Node) ([]rules.SubRule, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("must be a mapping of sub-rules")
	}

	var out []rules.SubRule
	for i := 0; i+1 < len(node.Content); i += 2 {
		name, val := node.Content[i].Value, resolve(node.Content[i+1])
		sr, err := p.subRule(name, val)
		if err != nil {
			p.logger.Warn("skipping malformed sub-rule", "rule", rule, "sub_rule", name, "error", err)
			sr = rules.SubRule{Name: name}
		}
		out = append(out, sr)
	}
	return out, nil
}

func (p parser) subRule(name string, node *yaml.Node) (rules.SubRule, error) {
	sr := rules.SubRule{Name: name}
	if node.Kind != yaml.MappingNode {
		return sr, fmt.Errorf("sub-rule must be a mapping")
	}

	var hasAction bool
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, resolve(node.Content[i+1])
		var err error
		switch key {
		case keyHours:
			sr.Hours, err = intRange(val)
		case keyMinutes:
			sr.Minutes, err = intRange(val)
		case keyAction:
			hasAction = true
			sr.Action, err = action(val)
		default:
			p.logger.Warn("ignoring unknown sub-rule key", "sub_rule", name, "key", key)
		}
		if err != nil {
			return sr, fmt.Errorf("%s: %w", key, err)
		}
	}

	if !hasAction {
		return sr, fmt.Errorf("no action key")
	}
	if name == rules.FallbackName && (sr.Hours != nil || sr.Minutes != nil) {
		p.logger.Warn("fallback sub-rule ignores hours/minutes", "sub_rule", name)
		sr.Hours, sr.Minutes = nil, nil
	}
	return sr, nil
}

// identifier reads a non-empty scalar such as a device id.
func identifier(node *yaml.Node) (string, error) {
	if node.Kind != yaml.ScalarNode || node.ShortTag() == "!!null" {
		return "", fmt.Errorf("must be a string")
	}
	if node.Value == "" {
		return "", fmt.Errorf("must not be empty")
	}
	return node.Value, nil
}

func timeRange(node *yaml.Node) (*rules.TimeRange, error) {
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("time range must be a string")
	}
	r, err := rules.ParseTimeRange(node.Value)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func intRange(node *yaml.Node) (*rules.IntRange, error) {
	if node.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("range must be a string")
	}
	r, err := rules.ParseIntRange(node.Value)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// action decodes a sub-topic -> scalar mapping, keeping declaration order.
// An empty mapping yields an empty, non-nil action.
func action(node *yaml.Node) (rules.Action, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("action must be a mapping of sub-topic to value")
	}

	out := make(rules.Action, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, resolve(node.Content[i+1])
		if val.Kind != yaml.ScalarNode || val.ShortTag() == "!!null" {
			return nil, fmt.Errorf("value of %q must be a scalar", key)
		}
		var v any
		if err := val.Decode(&v); err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		out = append(out, rules.Setting{SubTopic: key, Value: v})
	}
	return out, nil
}
