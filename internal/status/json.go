package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/mqtt-automator/internal/device"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	LastTick      string       `json:"last_tick,omitempty"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Counts        CountsJSON   `json:"counts"`
	Devices       []DeviceJSON `json:"devices"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of the totals.
type CountsJSON struct {
	Ticks           int `json:"ticks"`
	Published       int `json:"published"`
	Unchanged       int `json:"unchanged"`
	Blocked         int `json:"blocked"`
	Failed          int `json:"failed"`
	Feedback        int `json:"feedback"`
	FeedbackUnknown int `json:"feedback_unknown"`
}

// DeviceJSON is the JSON representation of one device.
type DeviceJSON struct {
	Name        string            `json:"name"`
	Vendor      string            `json:"vendor"`
	ID          string            `json:"id"`
	State       map[string]string `json:"state"`
	Blocked     []BlockJSON       `json:"blocked,omitempty"`
	ActiveRules []string          `json:"active_rules"`
	LastPublish string            `json:"last_publish,omitempty"`
	Errors      int               `json:"errors"`
	LastError   string            `json:"last_error,omitempty"`
}

// BlockJSON is a blocked sub-topic.
type BlockJSON struct {
	SubTopic string `json:"sub_topic"`
	Since    string `json:"since"`
	Until    string `json:"until"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of automator config.
type ConfigJSON struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	HeartbeatMs int64  `json:"heartbeat_ms"`
	HTTPAddr    string `json:"http_addr"`
	Timezone    string `json:"timezone,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// BuildDevice converts a device status to its JSON form.
func BuildDevice(d DeviceStatus) DeviceJSON {
	dj := DeviceJSON{
		Name:        d.Name,
		Vendor:      d.Vendor,
		ID:          d.ID,
		State:       d.State.Values,
		ActiveRules: d.ActiveRules,
		LastPublish: formatTime(d.LastPublish),
		Errors:      d.Errors,
		LastError:   d.LastError,
	}
	if dj.State == nil {
		dj.State = map[string]string{}
	}
	if dj.ActiveRules == nil {
		dj.ActiveRules = []string{}
	}
	for _, sub := range sortedKeys(d.State.Blocked) {
		since := d.State.Blocked[sub]
		dj.Blocked = append(dj.Blocked, BlockJSON{
			SubTopic: sub,
			Since:    formatTime(since),
			Until:    formatTime(since.Add(device.BlockDuration)),
		})
	}
	return dj
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     formatTime(snap.StartTime),
		Timestamp:     formatTime(snap.Now),
		LastTick:      formatTime(snap.LastTick),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts: CountsJSON{
			Ticks:           snap.Counts.Ticks,
			Published:       snap.Counts.Published,
			Unchanged:       snap.Counts.Unchanged,
			Blocked:         snap.Counts.Blocked,
			Failed:          snap.Counts.Failed,
			Feedback:        snap.Counts.Feedback,
			FeedbackUnknown: snap.Counts.FeedbackUnknown,
		},
		Devices: make([]DeviceJSON, 0, len(snap.Devices)),
		Config: ConfigJSON{
			Broker:      snap.Config.Broker,
			ClientID:    snap.Config.ClientID,
			HeartbeatMs: snap.Config.HeartbeatMs,
			HTTPAddr:    snap.Config.HTTPAddr,
			Timezone:    snap.Config.Timezone,
		},
	}
	for _, d := range snap.Devices {
		inner.Devices = append(inner.Devices, BuildDevice(d))
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
