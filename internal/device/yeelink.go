package device

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	// YeelinkPort is the LAN control port of Yeelight lamps.
	YeelinkPort = 55443

	yeelinkMaxMessageID = 65000
	yeelinkDialTimeout  = 3 * time.Second
	yeelinkWriteTimeout = 3 * time.Second
	yeelinkEffect       = "smooth"
	yeelinkDurationMs   = 500
)

// Yeelink drives a Yeelight lamp over its LAN JSON-RPC protocol. The
// sub-topic is the RPC method. Lamps give no feedback.
type Yeelink struct {
	base
	dial DialFunc

	mu        sync.Mutex
	messageID int
}

type yeelinkRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func (y *Yeelink) Subscriptions() []string { return nil }

func (y *Yeelink) Receive(topic string, _ []byte) error {
	return fmt.Errorf("%w: %s got %s", ErrNoFeedback, y, topic)
}

// Publish sends the command to the lamp. An unreachable lamp is not an
// error: the desired value is still recorded so it is not retried every tick.
func (y *Yeelink) Publish(ctx context.Context, subTopic string, value any) (Outcome, error) {
	return y.publish(ctx, subTopic, value, func(payload string) error {
		req := yeelinkRequest{ID: y.nextID(), Method: subTopic, Params: yeelinkParams(payload, value)}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", y, err)
		}

		addr := net.JoinHostPort(y.dev.ID, fmt.Sprint(YeelinkPort))
		conn, err := y.dial(ctx, "tcp", addr)
		if err != nil {
			y.logger.Warn("lamp unreachable, keeping desired state", "addr", addr, "error", err)
			return nil
		}
		defer conn.Close()

		_ = conn.SetWriteDeadline(time.Now().Add(yeelinkWriteTimeout))
		if _, err := conn.Write(append(data, '\r', '\n')); err != nil {
			return fmt.Errorf("write to %s: %w", y, err)
		}
		return nil
	})
}

// nextID advances the message id within 1..65000.
func (y *Yeelink) nextID() int {
	y.mu.Lock()
	defer y.mu.Unlock()
	y.messageID = ((y.messageID + 1) % yeelinkMaxMessageID) + 1
	return y.messageID
}

func yeelinkParams(payload string, value any) []any {
	switch payload {
	case "on":
		return []any{"on", yeelinkEffect, yeelinkDurationMs}
	case "off":
		return []any{"off"}
	default:
		return []any{value, yeelinkEffect, yeelinkDurationMs}
	}
}
