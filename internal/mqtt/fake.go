package mqtt

import "sync"

// FakeClient records published messages and subscriptions for test
// assertions. Inject delivers inbound messages. Safe for concurrent use.
type FakeClient struct {
	mu sync.Mutex

	// Published contains all messages that were published, in order.
	Published []Message

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// Subscribed and Unsubscribed record topics in call order.
	Subscribed   []string
	Unsubscribed []string

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// SubscribeError, if set, will be returned by Subscribe.
	SubscribeError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool

	inbox chan Message
}

// NewFakeClient creates a FakeClient for testing.
func NewFakeClient() *FakeClient {
	return &FakeClient{inbox: make(chan Message, InboundBuffer)}
}

// Publish records the message.
func (f *FakeClient) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Published = append(f.Published, Message{Topic: topic, Payload: payload})
	return nil
}

// PublishSystem records the system event.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// Subscribe records the topic.
func (f *FakeClient) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeError != nil {
		return f.SubscribeError
	}
	f.Subscribed = append(f.Subscribed, topic)
	return nil
}

// Unsubscribe records the topic.
func (f *FakeClient) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unsubscribed = append(f.Unsubscribed, topic)
	return nil
}

// Messages returns the stream fed by Inject.
func (f *FakeClient) Messages() <-chan Message {
	return f.inbox
}

// Inject queues an inbound message.
func (f *FakeClient) Inject(topic string, payload []byte) {
	f.inbox <- Message{Topic: topic, Payload: payload}
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake client is "connected".
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// SetConnected changes the reported connection state.
func (f *FakeClient) SetConnected(connected bool) {
	f.mu.Lock()
	f.Connected = connected
	f.mu.Unlock()
}

// PublishedMessages returns a copy of the messages published so far.
func (f *FakeClient) PublishedMessages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.Published...)
}

// Subscriptions returns copies of the subscribed and unsubscribed topics.
func (f *FakeClient) Subscriptions() (subscribed, unsubscribed []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Subscribed...), append([]string(nil), f.Unsubscribed...)
}

// SystemEventNames returns the event names published so far.
func (f *FakeClient) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.SystemEvents))
	for _, e := range f.SystemEvents {
		names = append(names, e.Event)
	}
	return names
}

// Reset clears recorded state.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Published = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Subscribed = nil
	f.Unsubscribed = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.SubscribeError = nil
	f.Connected = false
}
