// Package status provides a thread-safe status tracker for the automator.
// It is read by the HTTP handlers and the MQTT system events.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/mqtt-automator/internal/device"
)

// NetworkInfo contains host network state.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains automator configuration for display.
type Config struct {
	Broker      string
	ClientID    string
	HeartbeatMs int64
	HTTPAddr    string
	Timezone    string
}

// Counts are totals since start.
type Counts struct {
	Ticks           int
	Published       int
	Unchanged       int
	Blocked         int
	Failed          int
	Feedback        int
	FeedbackUnknown int
}

// DeviceStatus is the view of one device.
type DeviceStatus struct {
	Name        string
	Vendor      string
	ID          string
	State       device.Snapshot
	ActiveRules []string
	LastPublish time.Time
	LastError   string
	Errors      int
}

// Snapshot is a point-in-time view of automator state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	LastTick      time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
	Counts        Counts
	Devices       []DeviceStatus
}

// Uptime returns the duration since the automator started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Device returns the named device.
func (s Snapshot) Device(name string) (DeviceStatus, bool) {
	for _, d := range s.Devices {
		if d.Name == name {
			return d, true
		}
	}
	return DeviceStatus{}, false
}

type deviceEntry struct {
	status DeviceStatus
	state  func() device.Snapshot
}

// Tracker holds mutable automator state behind an RWMutex.
type Tracker struct {
	mu      sync.RWMutex
	snap    Snapshot
	order   []string
	devices map[string]*deviceEntry
	now     func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		devices: make(map[string]*deviceEntry),
		now:     time.Now,
	}
}

// AddDevice registers a device. state is read on every Snapshot and may be nil.
func (t *Tracker) AddDevice(name, vendor, id string, state func() device.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.devices[name]; !ok {
		t.order = append(t.order, name)
	}
	t.devices[name] = &deviceEntry{
		status: DeviceStatus{Name: name, Vendor: vendor, ID: id},
		state:  state,
	}
}

// RecordTick stores the end of a scheduler tick and the rules that were
// active per device.
func (t *Tracker) RecordTick(at time.Time, active map[string][]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snap.LastTick = at
	t.snap.Counts.Ticks++
	for name, e := range t.devices {
		e.status.ActiveRules = append([]string(nil), active[name]...)
	}
}

// RecordPublish counts one publish outcome for a device.
func (t *Tracker) RecordPublish(name string, outcome device.Outcome, err error, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch outcome {
	case device.OutcomePublished:
		t.snap.Counts.Published++
	case device.OutcomeUnchanged:
		t.snap.Counts.Unchanged++
	case device.OutcomeBlocked:
		t.snap.Counts.Blocked++
	case device.OutcomeFailed:
		t.snap.Counts.Failed++
	}

	e, ok := t.devices[name]
	if !ok {
		return
	}
	if err != nil {
		e.status.Errors++
		e.status.LastError = err.Error()
		return
	}
	if outcome == device.OutcomePublished {
		e.status.LastPublish = at
	}
}

// RecordFeedback counts a routed feedback message.
func (t *Tracker) RecordFeedback() {
	t.mu.Lock()
	t.snap.Counts.Feedback++
	t.mu.Unlock()
}

// RecordUnknownFeedback counts a message no device subscribed to.
func (t *Tracker) RecordUnknownFeedback() {
	t.mu.Lock()
	t.snap.Counts.FeedbackUnknown++
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the automator state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Devices = make([]DeviceStatus, 0, len(t.order))
	for _, name := range t.order {
		e := t.devices[name]
		ds := e.status
		ds.ActiveRules = append([]string(nil), e.status.ActiveRules...)
		if e.state != nil {
			ds.State = e.state()
		}
		s.Devices = append(s.Devices, ds)
	}
	t.mu.RUnlock()
	s.Now = t.now()
	return s
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
