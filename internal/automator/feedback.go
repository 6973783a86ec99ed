package automator

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/sweeney/mqtt-automator/internal/device"
	"github.com/sweeney/mqtt-automator/internal/metrics"
	"github.com/sweeney/mqtt-automator/internal/mqtt"
	"github.com/sweeney/mqtt-automator/internal/status"
)

// ListenerOptions are the optional collaborators of a Listener.
type ListenerOptions struct {
	// Connection, when set, skips unsubscribing while the broker is down.
	Connection mqtt.ConnectionStatus
	Tracker    *status.Tracker
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// Listener routes inbound feedback to the device that subscribed to it.
type Listener struct {
	sub    mqtt.Subscriber
	routes map[string]device.Client
	topics []string
	opts   ListenerOptions
	logger *slog.Logger
}

// NewListener builds the topic routing table from the clients'
// subscriptions. Topics are matched exactly.
func NewListener(sub mqtt.Subscriber, clients []device.Client, opts ListenerOptions) *Listener {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	l := &Listener{
		sub:    sub,
		routes: make(map[string]device.Client),
		opts:   opts,
		logger: opts.Logger.With("component", "feedback"),
	}
	for _, c := range clients {
		for _, topic := range c.Subscriptions() {
			if prev, dup := l.routes[topic]; dup {
				l.logger.Warn("topic claimed by two devices, last one wins",
					"topic", topic, "previous", prev.Device().Name, "device", c.Device().Name)
			} else {
				l.topics = append(l.topics, topic)
			}
			l.routes[topic] = c
		}
	}
	return l
}

// Topics returns the subscribed topics in subscription order.
func (l *Listener) Topics() []string {
	return append([]string(nil), l.topics...)
}

// Run subscribes to every topic and dispatches messages until ctx is
// cancelled, then unsubscribes everything and returns ctx.Err().
// Unsubscribing is skipped when the broker is unreachable; the session's
// subscriptions end with the connection.
func (l *Listener) Run(ctx context.Context) error {
	for _, topic := range l.topics {
		l.logger.Info("subscribing", "topic", topic)
		if err := l.sub.Subscribe(topic); err != nil {
			l.logger.Warn("subscribe failed", "topic", topic, "error", err)
		}
	}

	msgs := l.sub.Messages()
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("received cancel")
			if c := l.opts.Connection; c != nil && !c.IsConnected() {
				l.logger.Warn("broker not connected, skipping unsubscribe", "topics", len(l.topics))
				return ctx.Err()
			}
			for _, topic := range l.topics {
				l.logger.Info("unsubscribing", "topic", topic)
				if err := l.sub.Unsubscribe(topic); err != nil {
					l.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
				}
			}
			return ctx.Err()
		case msg := <-msgs:
			l.Dispatch(msg)
		}
	}
}

// Dispatch delivers one message to its device. Unknown topics and decode
// errors are logged and dropped.
func (l *Listener) Dispatch(msg mqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("feedback handler panicked", "topic", msg.Topic, "panic", fmt.Sprint(r))
		}
	}()

	c, ok := l.routes[msg.Topic]
	if !ok {
		l.logger.Warn("device client not found", "topic", msg.Topic)
		l.opts.Metrics.FeedbackUnknown()
		if l.opts.Tracker != nil {
			l.opts.Tracker.RecordUnknownFeedback()
		}
		return
	}

	name := c.Device().Name
	l.logger.Debug("received", "topic", msg.Topic, "payload", string(msg.Payload), "device", name)
	if err := c.Receive(msg.Topic, msg.Payload); err != nil {
		l.logger.Warn("bad feedback", "topic", msg.Topic, "device", name, "error", err)
		return
	}
	l.opts.Metrics.Feedback(name)
	if l.opts.Tracker != nil {
		l.opts.Tracker.RecordFeedback()
	}
}
