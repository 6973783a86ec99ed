// Package automator runs the two long-lived loops of the process: the
// scheduler, which applies the active rules to every device once a minute,
// and the feedback listener, which feeds device reports back into their state.
package automator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sweeney/mqtt-automator/internal/device"
	"github.com/sweeney/mqtt-automator/internal/metrics"
	"github.com/sweeney/mqtt-automator/internal/mqtt"
	"github.com/sweeney/mqtt-automator/internal/rules"
	"github.com/sweeney/mqtt-automator/internal/status"
)

// DefaultWarmUp gives the listener time to learn device state before the
// first tick.
const DefaultWarmUp = 5 * time.Second

// Device pairs a client with its merged rule set.
type Device struct {
	Client device.Client
	Rules  rules.RuleSet
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SchedulerOptions are the optional collaborators of a Scheduler.
type SchedulerOptions struct {
	System     mqtt.Publisher        // heartbeat events; nil disables them
	Connection mqtt.ConnectionStatus // reported in the status tracker
	Tracker    *status.Tracker
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Location   *time.Location // rule evaluation timezone, default time.Local
	Heartbeat  time.Duration  // 0 disables
	WarmUp     time.Duration  // negative means none, zero means DefaultWarmUp
	Now        func() time.Time
	Sleep      SleepFunc
}

// Scheduler applies the active rules of every device once per minute.
type Scheduler struct {
	devices []Device
	opts    SchedulerOptions
	logger  *slog.Logger
}

// NewScheduler creates a scheduler over devices in configuration order.
func NewScheduler(devices []Device, opts SchedulerOptions) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	switch {
	case opts.WarmUp == 0:
		opts.WarmUp = DefaultWarmUp
	case opts.WarmUp < 0:
		opts.WarmUp = 0
	}
	return &Scheduler{
		devices: devices,
		opts:    opts,
		logger:  opts.Logger.With("component", "scheduler"),
	}
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// UntilNextMinute is the pause after a tick that started at t.
func UntilNextMinute(t time.Time) time.Duration {
	return time.Duration(60-t.Second()) * time.Second
}

// Run waits for the warm-up, then ticks until ctx is cancelled.
// It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("waiting to init state from subscriptions", "warm_up", s.opts.WarmUp)
	if err := s.opts.Sleep(ctx, s.opts.WarmUp); err != nil {
		return err
	}

	lastHeartbeat := s.opts.Now()
	for {
		s.Tick(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}

		now := s.opts.Now()
		if s.opts.Heartbeat > 0 && now.Sub(lastHeartbeat) >= s.opts.Heartbeat {
			s.heartbeat(now)
			lastHeartbeat = now
		}

		if err := s.opts.Sleep(ctx, UntilNextMinute(now.In(s.opts.Location))); err != nil {
			return err
		}
	}
}

// Tick evaluates and applies the rules of every device once. A failing or
// panicking device does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.opts.Now()
	t := start.In(s.opts.Location)
	active := make(map[string][]string, len(s.devices))

	for _, d := range s.devices {
		if ctx.Err() != nil {
			break
		}
		active[d.Client.Device().Name] = s.applyDevice(ctx, d, t)
	}

	end := s.opts.Now()
	s.opts.Metrics.Tick(end.Sub(start))
	if tr := s.opts.Tracker; tr != nil {
		tr.RecordTick(end, active)
		if s.opts.Connection != nil {
			tr.SetMQTTConnected(s.opts.Connection.IsConnected())
		}
	}
}

// applyDevice publishes the plan of one device and returns its active rule names.
func (s *Scheduler) applyDevice(ctx context.Context, d Device, t time.Time) (active []string) {
	name := d.Client.Device().Name
	logger := s.logger.With("device", name)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("device panicked during tick", "panic", fmt.Sprint(r))
		}
	}()

	for _, r := range rules.ActiveRules(d.Rules, rules.DayTypeOf(t), rules.Clock(t)) {
		active = append(active, r.Name)
	}

	for _, cmd := range rules.Plan(d.Rules, t) {
		if ctx.Err() != nil {
			return active
		}
		logger.Debug("applying", "rule", cmd.Rule, "sub_rule", cmd.SubRule, "sub_topic", cmd.SubTopic, "value", cmd.Value)

		outcome, err := d.Client.Publish(ctx, cmd.SubTopic, cmd.Value)
		if err != nil {
			logger.Warn("publish failed", "rule", cmd.Rule, "sub_topic", cmd.SubTopic, "error", err)
		}
		s.opts.Metrics.Publish(name, outcome.String(), err)
		if s.opts.Tracker != nil {
			s.opts.Tracker.RecordPublish(name, outcome, err, s.opts.Now())
		}
	}
	return active
}

func (s *Scheduler) heartbeat(now time.Time) {
	if s.opts.System == nil {
		return
	}
	event := mqtt.SystemEvent{Timestamp: now, Event: mqtt.EventHeartbeat}
	if tr := s.opts.Tracker; tr != nil {
		if s.opts.Connection != nil {
			tr.SetMQTTConnected(s.opts.Connection.IsConnected())
		}
		event.RawPayload = status.FormatStatusEvent(tr.Snapshot(), mqtt.EventHeartbeat, "")
	}
	if err := s.opts.System.PublishSystem(event); err != nil {
		s.logger.Warn("heartbeat publish error", "error", err)
		return
	}
	s.logger.Debug("published heartbeat")
}
