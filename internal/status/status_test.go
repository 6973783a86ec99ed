package status

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/mqtt-automator/internal/device"
)

var start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTracker() *Tracker {
	tr := NewTracker(start, Config{Broker: "tcp://192.168.1.120:1883", ClientID: "test", HeartbeatMs: 900000, HTTPAddr: ":8080"})
	tr.now = func() time.Time { return start.Add(90 * time.Second) }
	return tr
}

func TestNewTracker(t *testing.T) {
	tr := newTracker()

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.Broker != "tcp://192.168.1.120:1883" {
		t.Errorf("Config.Broker: got %q", snap.Config.Broker)
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
	if len(snap.Devices) != 0 {
		t.Errorf("expected no devices, got %d", len(snap.Devices))
	}
	if snap.Uptime() != 90*time.Second {
		t.Errorf("Uptime: got %v, want 90s", snap.Uptime())
	}
}

func TestDevicesKeepRegistrationOrder(t *testing.T) {
	tr := newTracker()
	tr.AddDevice("restroom", "vakio", "restroom", nil)
	tr.AddDevice("cabinet", "vakio", "cabinet", nil)
	tr.AddDevice("floor", "lytko", "12345", nil)

	snap := tr.Snapshot()
	want := []string{"restroom", "cabinet", "floor"}
	if len(snap.Devices) != len(want) {
		t.Fatalf("expected %d devices, got %d", len(want), len(snap.Devices))
	}
	for i, name := range want {
		if snap.Devices[i].Name != name {
			t.Errorf("device %d: got %q, want %q", i, snap.Devices[i].Name, name)
		}
	}
}

func TestSnapshotReadsDeviceState(t *testing.T) {
	tr := newTracker()
	state := device.NewState(nil)
	tr.AddDevice("cabinet", "vakio", "cabinet", state.Snapshot)

	state.Update("speed", 3)

	d, ok := tr.Snapshot().Device("cabinet")
	if !ok {
		t.Fatal("device not found")
	}
	if d.State.Values["speed"] != "3" {
		t.Errorf("speed: got %q, want 3", d.State.Values["speed"])
	}

	if _, ok := tr.Snapshot().Device("attic"); ok {
		t.Error("unexpected device attic")
	}
}

func TestRecordTick(t *testing.T) {
	tr := newTracker()
	tr.AddDevice("cabinet", "vakio", "cabinet", nil)
	tr.AddDevice("floor", "lytko", "12345", nil)

	at := start.Add(time.Minute)
	tr.RecordTick(at, map[string][]string{"cabinet": {"day"}})

	snap := tr.Snapshot()
	if !snap.LastTick.Equal(at) {
		t.Errorf("LastTick: got %v, want %v", snap.LastTick, at)
	}
	if snap.Counts.Ticks != 1 {
		t.Errorf("Ticks: got %d, want 1", snap.Counts.Ticks)
	}
	cabinet, _ := snap.Device("cabinet")
	if len(cabinet.ActiveRules) != 1 || cabinet.ActiveRules[0] != "day" {
		t.Errorf("cabinet active rules: %v", cabinet.ActiveRules)
	}
	floor, _ := snap.Device("floor")
	if len(floor.ActiveRules) != 0 {
		t.Errorf("floor active rules: %v", floor.ActiveRules)
	}

	// Next tick with nothing active clears it.
	tr.RecordTick(at.Add(time.Minute), nil)
	cabinet, _ = tr.Snapshot().Device("cabinet")
	if len(cabinet.ActiveRules) != 0 {
		t.Errorf("expected cleared active rules, got %v", cabinet.ActiveRules)
	}
}

func TestRecordPublish(t *testing.T) {
	tr := newTracker()
	tr.AddDevice("cabinet", "vakio", "cabinet", nil)
	at := start.Add(time.Minute)

	tr.RecordPublish("cabinet", device.OutcomePublished, nil, at)
	tr.RecordPublish("cabinet", device.OutcomeUnchanged, nil, at.Add(time.Minute))
	tr.RecordPublish("cabinet", device.OutcomeBlocked, nil, at)
	tr.RecordPublish("cabinet", device.OutcomeFailed, errors.New("not connected"), at)
	tr.RecordPublish("ghost", device.OutcomePublished, nil, at)

	snap := tr.Snapshot()
	c := snap.Counts
	if c.Published != 2 || c.Unchanged != 1 || c.Blocked != 1 || c.Failed != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
	d, _ := snap.Device("cabinet")
	if !d.LastPublish.Equal(at) {
		t.Errorf("LastPublish: got %v, want %v", d.LastPublish, at)
	}
	if d.Errors != 1 || d.LastError != "not connected" {
		t.Errorf("errors: got %d %q", d.Errors, d.LastError)
	}
}

func TestRecordFeedback(t *testing.T) {
	tr := newTracker()
	tr.RecordFeedback()
	tr.RecordFeedback()
	tr.RecordUnknownFeedback()

	c := tr.Snapshot().Counts
	if c.Feedback != 2 || c.FeedbackUnknown != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}
}

func TestSetMQTTConnectedAndNetwork(t *testing.T) {
	tr := newTracker()
	tr.SetMQTTConnected(true)
	tr.SetNetwork(&NetworkInfo{Type: "wifi", IP: "192.168.1.50", Status: "connected"})

	snap := tr.Snapshot()
	if !snap.MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}
	if snap.Network == nil || snap.Network.IP != "192.168.1.50" {
		t.Errorf("unexpected network: %+v", snap.Network)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	tr := newTracker()
	tr.AddDevice("cabinet", "vakio", "cabinet", nil)
	tr.RecordTick(start, map[string][]string{"cabinet": {"day"}})

	snap := tr.Snapshot()
	snap.Devices[0].ActiveRules[0] = "mutated"

	d, _ := tr.Snapshot().Device("cabinet")
	if d.ActiveRules[0] != "day" {
		t.Errorf("snapshot mutation leaked into tracker: %v", d.ActiveRules)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := newTracker()
	state := device.NewState(nil)
	tr.AddDevice("cabinet", "vakio", "cabinet", state.Snapshot)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			tr.RecordPublish("cabinet", device.OutcomePublished, nil, time.Now())
		}()
		go func() {
			defer wg.Done()
			state.Update("speed", i)
			tr.RecordTick(time.Now(), map[string][]string{"cabinet": {"day"}})
		}()
		go func() {
			defer wg.Done()
			_ = FormatJSON(tr.Snapshot())
		}()
	}
	wg.Wait()

	if got := tr.Snapshot().Counts.Published; got != 20 {
		t.Errorf("Published: got %d, want 20", got)
	}
}

func TestFormatJSON(t *testing.T) {
	tr := newTracker()
	state := device.NewState(func() time.Time { return start })
	tr.AddDevice("cabinet", "vakio", "cabinet", state.Snapshot)
	state.Update("speed", 2)
	state.Update("speed", 5)
	tr.SetMQTTConnected(true)
	tr.RecordTick(start.Add(time.Minute), map[string][]string{"cabinet": {"day"}})

	var sj StatusJSON
	if err := json.Unmarshal(FormatJSON(tr.Snapshot()), &sj); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if sj.Status.Event != "" {
		t.Errorf("expected no event, got %q", sj.Status.Event)
	}
	if sj.Status.UptimeSeconds != 90 {
		t.Errorf("UptimeSeconds: got %d, want 90", sj.Status.UptimeSeconds)
	}
	if sj.Status.StartTime != "2026-01-01T00:00:00Z" {
		t.Errorf("StartTime: got %q", sj.Status.StartTime)
	}
	if sj.Status.LastTick != "2026-01-01T00:01:00Z" {
		t.Errorf("LastTick: got %q", sj.Status.LastTick)
	}
	if !sj.Status.MQTT.Connected || sj.Status.MQTT.Broker != "tcp://192.168.1.120:1883" {
		t.Errorf("unexpected mqtt: %+v", sj.Status.MQTT)
	}
	if len(sj.Status.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(sj.Status.Devices))
	}
	d := sj.Status.Devices[0]
	if d.State["speed"] != "5" {
		t.Errorf("speed: got %q", d.State["speed"])
	}
	if len(d.Blocked) != 1 || d.Blocked[0].SubTopic != "speed" {
		t.Fatalf("unexpected blocks: %+v", d.Blocked)
	}
	if d.Blocked[0].Until != "2026-01-01T04:00:00Z" {
		t.Errorf("block until: got %q", d.Blocked[0].Until)
	}
	if sj.Status.Network != nil {
		t.Error("expected network omitted when nil")
	}
	if sj.Status.Config.HeartbeatMs != 900000 {
		t.Errorf("HeartbeatMs: got %d", sj.Status.Config.HeartbeatMs)
	}
}

func TestFormatJSONEmptyDeviceFields(t *testing.T) {
	tr := newTracker()
	tr.AddDevice("floor", "lytko", "12345", nil)

	data := FormatJSON(tr.Snapshot())
	var raw map[string]map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	devices := raw["status"]["devices"].([]any)
	dev := devices[0].(map[string]any)
	if _, ok := dev["state"].(map[string]any); !ok {
		t.Errorf("expected state object, got %v", dev["state"])
	}
	if _, ok := dev["active_rules"].([]any); !ok {
		t.Errorf("expected active_rules array, got %v", dev["active_rules"])
	}
	if _, ok := dev["last_publish"]; ok {
		t.Error("expected last_publish omitted")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	tr := newTracker()

	var sj StatusJSON
	if err := json.Unmarshal(FormatStatusEvent(tr.Snapshot(), "SHUTDOWN", "SIGTERM"), &sj); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if sj.Status.Event != "SHUTDOWN" || sj.Status.Reason != "SIGTERM" {
		t.Errorf("event/reason: got %q/%q", sj.Status.Event, sj.Status.Reason)
	}
}
