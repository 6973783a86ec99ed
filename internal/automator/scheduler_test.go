package automator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/mqtt-automator/internal/metrics"
	"github.com/sweeney/mqtt-automator/internal/mqtt"
	"github.com/sweeney/mqtt-automator/internal/rules"
	"github.com/sweeney/mqtt-automator/internal/status"
)

func TestTickPublishesActiveRules(t *testing.T) {
	clock := newClock(friday)
	fc := mqtt.NewFakeClient()
	cabinet := newVakio(t, "cabinet", fc, clock.Now)

	s := NewScheduler([]Device{{Client: cabinet, Rules: cabinetRules(t)}},
		SchedulerOptions{Now: clock.Now, Location: time.UTC})
	s.Tick(context.Background())

	got := topics(fc.PublishedMessages())
	if want := []string{"cabinet/speed=3"}; !equalStrings(got, want) {
		t.Errorf("published %v, want %v", got, want)
	}
}

func TestTickIsIdempotent(t *testing.T) {
	clock := newClock(friday)
	fc := mqtt.NewFakeClient()
	cabinet := newVakio(t, "cabinet", fc, clock.Now)
	s := NewScheduler([]Device{{Client: cabinet, Rules: cabinetRules(t)}},
		SchedulerOptions{Now: clock.Now, Location: time.UTC})

	for i := 0; i < 3; i++ {
		s.Tick(context.Background())
		clock.Advance(time.Minute)
	}

	if n := len(fc.PublishedMessages()); n != 1 {
		t.Errorf("expected 1 publish across ticks, got %d", n)
	}
}

func TestTickUsesConfiguredLocation(t *testing.T) {
	// 17:00 UTC is 20:00 at UTC+3, inside the "day" rule.
	clock := newClock(time.Date(2024, 5, 17, 17, 0, 0, 0, time.UTC))
	fc := mqtt.NewFakeClient()
	cabinet := newVakio(t, "cabinet", fc, clock.Now)

	s := NewScheduler([]Device{{Client: cabinet, Rules: cabinetRules(t)}},
		SchedulerOptions{Now: clock.Now, Location: time.FixedZone("MSK", 3*60*60)})
	s.Tick(context.Background())

	if got := topics(fc.PublishedMessages()); !equalStrings(got, []string{"cabinet/speed=3"}) {
		t.Errorf("published %v", got)
	}
}

func TestTickLastWriteWins(t *testing.T) {
	clock := newClock(friday)
	fc := mqtt.NewFakeClient()
	cabinet := newVakio(t, "cabinet", fc, clock.Now)

	set := rules.RuleSet{Device: "cabinet", Rules: []rules.Rule{
		{Name: "wide", Time: mustRange(t, "00:00-23:59:59"), Action: rules.Action{{SubTopic: "speed", Value: 2}}},
		{Name: "evening", Time: mustRange(t, "19:00-21:00"), Action: rules.Action{{SubTopic: "speed", Value: 5}}},
	}}
	s := NewScheduler([]Device{{Client: cabinet, Rules: set}}, SchedulerOptions{Now: clock.Now, Location: time.UTC})
	s.Tick(context.Background())

	got := topics(fc.PublishedMessages())
	if want := []string{"cabinet/speed=2", "cabinet/speed=5"}; !equalStrings(got, want) {
		t.Errorf("published %v, want %v", got, want)
	}
	if v := cabinet.Snapshot().Values["speed"]; v != "5" {
		t.Errorf("final speed: got %q, want 5", v)
	}
}

func TestTickIsolatesFailingDevices(t *testing.T) {
	clock := newClock(friday)
	action := rules.Action{{SubTopic: "state", Value: true}, {SubTopic: "speed", Value: 3}}

	failing := &fakeDevice{name: "failing", publishErr: errors.New("broker down")}
	panicking := &fakeDevice{name: "panicking", panicMsg: "boom"}
	healthy := &fakeDevice{name: "healthy"}

	tr := status.NewTracker(friday, status.Config{})
	for _, d := range []*fakeDevice{failing, panicking, healthy} {
		tr.AddDevice(d.name, "fake", d.name, nil)
	}

	s := NewScheduler([]Device{
		{Client: failing, Rules: alwaysRules(t, "failing", action)},
		{Client: panicking, Rules: alwaysRules(t, "panicking", action)},
		{Client: healthy, Rules: alwaysRules(t, "healthy", action)},
	}, SchedulerOptions{Now: clock.Now, Location: time.UTC, Tracker: tr, Metrics: metrics.New()})
	s.Tick(context.Background())

	want := []string{"state=true", "speed=3"}
	if got := failing.Published(); !equalStrings(got, want) {
		t.Errorf("failing device: every command should still be attempted, got %v", got)
	}
	if got := healthy.Published(); !equalStrings(got, want) {
		t.Errorf("healthy device: got %v, want %v", got, want)
	}

	snap := tr.Snapshot()
	if snap.Counts.Failed != 2 || snap.Counts.Published != 2 {
		t.Errorf("unexpected counts: %+v", snap.Counts)
	}
	f, _ := snap.Device("failing")
	if f.Errors != 2 || !strings.Contains(f.LastError, "broker down") {
		t.Errorf("failing device status: %+v", f)
	}
	p, _ := snap.Device("panicking")
	if len(p.ActiveRules) != 1 || p.ActiveRules[0] != "always" {
		t.Errorf("panicking device active rules: %v", p.ActiveRules)
	}
}

func TestTickRecordsStatus(t *testing.T) {
	clock := newClock(friday)
	fc := mqtt.NewFakeClient()
	fc.SetConnected(true)
	cabinet := newVakio(t, "cabinet", fc, clock.Now)

	tr := status.NewTracker(friday, status.Config{})
	tr.AddDevice("cabinet", "vakio", "cabinet", cabinet.Snapshot)

	s := NewScheduler([]Device{{Client: cabinet, Rules: cabinetRules(t)}},
		SchedulerOptions{Now: clock.Now, Location: time.UTC, Tracker: tr, Connection: fc})
	s.Tick(context.Background())

	snap := tr.Snapshot()
	if !snap.MQTTConnected {
		t.Error("expected MQTT connected")
	}
	if snap.Counts.Ticks != 1 || !snap.LastTick.Equal(friday) {
		t.Errorf("tick not recorded: %d %v", snap.Counts.Ticks, snap.LastTick)
	}
	d, _ := snap.Device("cabinet")
	if len(d.ActiveRules) != 1 || d.ActiveRules[0] != "day" {
		t.Errorf("active rules: %v", d.ActiveRules)
	}
	if d.State.Values["speed"] != "3" {
		t.Errorf("state: %v", d.State.Values)
	}
}

func TestTickStopsOnCancel(t *testing.T) {
	healthy := &fakeDevice{name: "healthy"}
	s := NewScheduler([]Device{{Client: healthy, Rules: alwaysRules(t, "healthy", rules.Action{{SubTopic: "state", Value: true}})}},
		SchedulerOptions{Location: time.UTC})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Tick(ctx)

	if got := healthy.Published(); len(got) != 0 {
		t.Errorf("expected nothing published after cancel, got %v", got)
	}
}

// scriptedSleep advances clock by each requested duration and cancels the
// run after n sleeps.
func scriptedSleep(clock *fakeClock, n int, cancel context.CancelFunc, slept *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		clock.Advance(d)
		if len(*slept) >= n {
			cancel()
			return ctx.Err()
		}
		return nil
	}
}

func TestRunWarmUpThenAlignsToMinute(t *testing.T) {
	clock := newClock(friday) // 20:00:15
	fc := mqtt.NewFakeClient()
	cabinet := newVakio(t, "cabinet", fc, clock.Now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var slept []time.Duration

	s := NewScheduler([]Device{{Client: cabinet, Rules: cabinetRules(t)}}, SchedulerOptions{
		Now:      clock.Now,
		Location: time.UTC,
		Sleep:    scriptedSleep(clock, 4, cancel, &slept),
	})

	err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	want := []time.Duration{5 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("sleeps: got %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d: got %v, want %v", i, slept[i], want[i])
		}
	}
	if n := len(fc.PublishedMessages()); n != 1 {
		t.Errorf("expected 1 publish, got %d", n)
	}
}

func TestRunCancelledDuringWarmUp(t *testing.T) {
	healthy := &fakeDevice{name: "healthy"}
	s := NewScheduler([]Device{{Client: healthy, Rules: alwaysRules(t, "healthy", rules.Action{{SubTopic: "state", Value: true}})}},
		SchedulerOptions{Location: time.UTC})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := healthy.Published(); len(got) != 0 {
		t.Errorf("expected no ticks, got %v", got)
	}
}

func TestRunPublishesHeartbeat(t *testing.T) {
	clock := newClock(friday)
	fc := mqtt.NewFakeClient()
	tr := status.NewTracker(friday, status.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var slept []time.Duration

	s := NewScheduler(nil, SchedulerOptions{
		System:    fc,
		Tracker:   tr,
		Now:       clock.Now,
		Location:  time.UTC,
		Heartbeat: time.Minute,
		Sleep:     scriptedSleep(clock, 5, cancel, &slept),
	})
	s.Run(ctx)

	// Ticks at 20:00:20, 20:01, 20:02, 20:03; heartbeats are due from 20:01:20.
	names := fc.SystemEventNames()
	if len(names) != 2 {
		t.Fatalf("expected 2 heartbeats, got %v", names)
	}
	for _, n := range names {
		if n != mqtt.EventHeartbeat {
			t.Errorf("unexpected event %q", n)
		}
	}
	if !strings.Contains(string(fc.SystemPayloads[0]), `"event":"HEARTBEAT"`) {
		t.Errorf("expected status snapshot payload, got %s", fc.SystemPayloads[0])
	}
}

func TestRunHeartbeatDisabled(t *testing.T) {
	clock := newClock(friday)
	fc := mqtt.NewFakeClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var slept []time.Duration

	s := NewScheduler(nil, SchedulerOptions{
		System:   fc,
		Now:      clock.Now,
		Location: time.UTC,
		WarmUp:   -1,
		Sleep:    scriptedSleep(clock, 10, cancel, &slept),
	})
	s.Run(ctx)

	if names := fc.SystemEventNames(); len(names) != 0 {
		t.Errorf("expected no heartbeats, got %v", names)
	}
	if slept[0] != 0 {
		t.Errorf("expected no warm-up, got %v", slept[0])
	}
}

func TestBlockedSubTopicNotRepublished(t *testing.T) {
	clock := newClock(friday)
	fc := mqtt.NewFakeClient()
	cabinet := newVakio(t, "cabinet", fc, clock.Now)
	s := NewScheduler([]Device{{Client: cabinet, Rules: cabinetRules(t)}},
		SchedulerOptions{Now: clock.Now, Location: time.UTC})

	s.Tick(context.Background())
	// The user turns the fan up by hand.
	if err := cabinet.Receive("cabinet/speed", []byte("6")); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	s.Tick(context.Background())

	if n := len(fc.PublishedMessages()); n != 1 {
		t.Errorf("expected the manual change to be respected, got %d publishes", n)
	}
	if v := cabinet.Snapshot().Values["speed"]; v != "6" {
		t.Errorf("speed: got %q, want 6", v)
	}
}
