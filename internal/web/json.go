package web

import (
	"encoding/json"
	"time"

	"github.com/sweeney/mqtt-automator/internal/device"
	"github.com/sweeney/mqtt-automator/internal/rules"
	"github.com/sweeney/mqtt-automator/internal/status"
)

// DeviceDetailJSON is the /devices/{name} document: the device status and
// the commands its rules produce right now.
type DeviceDetailJSON struct {
	Device    status.DeviceJSON `json:"device"`
	Timestamp string            `json:"timestamp"`
	Plan      []CommandJSON     `json:"plan"`
	Effective []CommandJSON     `json:"effective"`
}

// CommandJSON is one planned command.
type CommandJSON struct {
	Rule     string `json:"rule"`
	SubRule  string `json:"sub_rule,omitempty"`
	SubTopic string `json:"sub_topic"`
	Value    string `json:"value"`
}

func commandsJSON(cmds []rules.Command) []CommandJSON {
	out := make([]CommandJSON, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, CommandJSON{
			Rule:     c.Rule,
			SubRule:  c.SubRule,
			SubTopic: c.SubTopic,
			Value:    device.Canonical(c.Value),
		})
	}
	return out
}

func formatDeviceJSON(d status.DeviceStatus, plan []rules.Command, now time.Time) []byte {
	dj := DeviceDetailJSON{
		Device:    status.BuildDevice(d),
		Timestamp: now.UTC().Format(time.RFC3339),
		Plan:      commandsJSON(plan),
		Effective: commandsJSON(rules.Effective(plan)),
	}
	data, _ := json.MarshalIndent(dj, "", "  ")
	return data
}
