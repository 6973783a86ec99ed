package mqtt

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout   = 10 * time.Second
	publishTimeout   = 5 * time.Second
	subscribeTimeout = 5 * time.Second
	retryInterval    = 5 * time.Second
	disconnectQuiesc = 1000 // milliseconds

	// InboundBuffer is the capacity of the Messages channel.
	InboundBuffer = 256
)

// Options configures a RealClient.
type Options struct {
	Broker   string // e.g. tcp://192.168.1.120:1883
	ClientID string
	Protocol int // 3 (3.1), 4 (3.1.1) or 5, which is served as 3.1.1
	QoS      byte
	Logger   *slog.Logger
}

// RealClient talks to an actual MQTT broker.
type RealClient struct {
	client paho.Client
	qos    byte
	logger *slog.Logger
	inbox  chan Message

	mu        sync.Mutex
	topics    map[string]bool
	connected bool // set after the first successful connect
}

// ProtocolVersion maps the configured protocol to the paho protocol
// version. Reports whether the configured version had to be downgraded.
func ProtocolVersion(protocol int) (uint, bool) {
	switch protocol {
	case 3:
		return 3, false
	case 4:
		return 4, false
	default:
		return 4, true
	}
}

func newRealClient(opts Options) *RealClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RealClient{
		qos:    opts.QoS,
		logger: logger.With("component", "mqtt"),
		inbox:  make(chan Message, InboundBuffer),
		topics: make(map[string]bool),
	}
}

// NewRealClient creates a client connected to the given broker. The
// connection retries in the background after the first attempt times out,
// and subscriptions are restored on every reconnect.
func NewRealClient(opts Options) (*RealClient, error) {
	c := newRealClient(opts)

	version, downgraded := ProtocolVersion(opts.Protocol)
	if downgraded {
		c.logger.Warn("MQTT protocol not supported, using 3.1.1", "protocol", opts.Protocol)
	}

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetProtocolVersion(version).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(retryInterval).
		SetBinaryWill(TopicSystem, WillPayload(), 1, true).
		SetOnConnectHandler(func(paho.Client) { c.handleConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.Warn("MQTT connection lost", "error", err)
		})

	c.client = paho.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.logger.Warn("MQTT broker not reachable yet, retrying in background",
			"broker", opts.Broker, "error", fmt.Errorf("%w after %v", ErrTimeout, connectTimeout))
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

// handleConnect restores subscriptions after a (re)connect. A reconnect
// also replaces the retained last-will with a RECONNECTED event.
func (c *RealClient) handleConnect() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	reconnect := c.connected
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("MQTT connected", "subscriptions", len(topics), "reconnect", reconnect)
	for _, t := range topics {
		c.client.Subscribe(t, c.qos, c.handle)
	}
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventReconnected})
		c.client.Publish(TopicSystem, 1, true, payload)
	}
}

// handle forwards an inbound message. It never blocks the paho router.
func (c *RealClient) handle(_ paho.Client, msg paho.Message) {
	c.deliver(msg.Topic(), msg.Payload())
}

func (c *RealClient) deliver(topic string, payload []byte) {
	select {
	case c.inbox <- Message{Topic: topic, Payload: payload}:
	default:
		c.logger.Warn("inbound buffer full, dropping message", "topic", topic)
	}
}

func (c *RealClient) wait(token paho.Token, timeout time.Duration, op string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Publish sends payload to topic, not retained.
func (c *RealClient) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	return c.wait(c.client.Publish(topic, c.qos, false, payload), publishTimeout, "publish "+topic)
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (c *RealClient) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return c.wait(c.client.Publish(TopicSystem, 1, event.Retained, payload), publishTimeout, "publish system")
}

// Subscribe subscribes to topic and tracks it for reconnects.
func (c *RealClient) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics[topic] = true
	c.mu.Unlock()

	return c.wait(c.client.Subscribe(topic, c.qos, c.handle), subscribeTimeout, "subscribe "+topic)
}

// Unsubscribe removes the subscription to topic.
func (c *RealClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	if !c.IsConnected() {
		return fmt.Errorf("unsubscribe %s: %w", topic, ErrNotConnected)
	}
	return c.wait(c.client.Unsubscribe(topic), subscribeTimeout, "unsubscribe "+topic)
}

// Messages returns the inbound message stream.
func (c *RealClient) Messages() <-chan Message {
	return c.inbox
}

// IsConnected reports whether the broker connection is up.
func (c *RealClient) IsConnected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(disconnectQuiesc)
	return nil
}
