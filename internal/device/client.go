// Package device models the controllable devices: their last known state,
// the debounce against external changes, and the vendor-specific wire
// formats used to command them and decode their feedback.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/sweeney/mqtt-automator/internal/config"
)

// Vendor names as used in the configuration document.
const (
	VendorVakio   = "vakio"
	VendorLytko   = "lytko"
	VendorYeelink = "yeelink"
)

var (
	// ErrUnknownVendor is returned by New for an unsupported vendor.
	ErrUnknownVendor = errors.New("unknown vendor")

	// ErrInvalidValue is returned when a value is out of range for a sub-topic.
	ErrInvalidValue = errors.New("invalid value")

	// ErrInvalidPayload is returned when feedback cannot be decoded.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNoFeedback is returned by clients that do not subscribe to anything.
	ErrNoFeedback = errors.New("device has no feedback topics")
)

// Publisher sends a raw payload to an MQTT topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// DialFunc opens a network connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Client commands one device and consumes its feedback.
type Client interface {
	// Device returns the configured identity.
	Device() config.Device

	// Subscriptions returns the feedback topics to subscribe to.
	Subscriptions() []string

	// Receive decodes a feedback message and updates the state.
	Receive(topic string, payload []byte) error

	// Publish applies a value to a sub-topic, subject to the state rules.
	Publish(ctx context.Context, subTopic string, value any) (Outcome, error)

	// Snapshot returns the current known state.
	Snapshot() Snapshot
}

// Options carries the dependencies of a client. Zero values are replaced
// with defaults.
type Options struct {
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
	Dial      DialFunc
}

// New builds the client for dev's vendor.
func New(dev config.Device, opts Options) (Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := base{
		dev:    dev,
		state:  NewState(opts.Now),
		logger: opts.Logger.With("device", dev.Name, "vendor", dev.Vendor),
	}

	switch dev.Vendor {
	case VendorVakio:
		if opts.Publisher == nil {
			return nil, fmt.Errorf("%s device %q: publisher required", dev.Vendor, dev.Name)
		}
		return &Vakio{base: b, pub: opts.Publisher}, nil
	case VendorLytko:
		if opts.Publisher == nil {
			return nil, fmt.Errorf("%s device %q: publisher required", dev.Vendor, dev.Name)
		}
		return &Lytko{base: b, pub: opts.Publisher}, nil
	case VendorYeelink:
		dial := opts.Dial
		if dial == nil {
			dial = (&net.Dialer{Timeout: yeelinkDialTimeout}).DialContext
		}
		return &Yeelink{base: b, dial: dial}, nil
	default:
		return nil, fmt.Errorf("%w: %q (device %q)", ErrUnknownVendor, dev.Vendor, dev.Name)
	}
}

// base holds what every vendor client shares.
type base struct {
	dev    config.Device
	state  *State
	logger *slog.Logger
}

func (b *base) Device() config.Device { return b.dev }

func (b *base) Snapshot() Snapshot { return b.state.Snapshot() }

func (b *base) String() string {
	return fmt.Sprintf("%s %s (%s)", b.dev.Vendor, b.dev.Name, b.dev.ID)
}

// publish runs the state rules around send and logs the outcome.
func (b *base) publish(ctx context.Context, subTopic string, value any, send func(payload string) error) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeFailed, err
	}
	outcome, err := b.state.Publish(subTopic, value, send)
	switch {
	case err != nil:
	case outcome == OutcomeBlocked:
		b.logger.Info("skipped blocked sub-topic", "sub_topic", subTopic, "value", Canonical(value))
	case outcome == OutcomeUnchanged:
		b.logger.Debug("skipped unchanged sub-topic", "sub_topic", subTopic)
	default:
		b.logger.Info("published", "sub_topic", subTopic, "value", Canonical(value))
	}
	return outcome, err
}

// update records feedback and logs blocks.
func (b *base) update(subTopic string, value any) {
	if prev, _ := b.state.Value(subTopic); b.state.Update(subTopic, value) {
		b.logger.Info("blocked sub-topic after external change",
			"sub_topic", subTopic, "from", prev, "to", Canonical(value), "for", BlockDuration)
	}
}
