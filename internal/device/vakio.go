package device

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Vakio sub-topics.
const (
	VakioState    = "state"
	VakioWorkmode = "workmode"
	VakioSpeed    = "speed"
)

// Vakio speed limits.
const (
	VakioMinSpeed = 1
	VakioMaxSpeed = 7
)

// Vakio drives a Vakio ventilation unit. Commands and feedback share the
// topic layout <id>/<sub-topic> with plain-text payloads.
type Vakio struct {
	base
	pub Publisher
}

// Topic returns the topic of subTopic.
func (v *Vakio) Topic(subTopic string) string {
	return v.dev.ID + "/" + subTopic
}

func (v *Vakio) Subscriptions() []string {
	return []string{
		v.Topic(VakioState),
		v.Topic(VakioWorkmode),
		v.Topic(VakioSpeed),
	}
}

func (v *Vakio) Receive(topic string, payload []byte) error {
	subTopic := topic[strings.LastIndex(topic, "/")+1:]
	v.update(subTopic, strings.TrimSpace(string(payload)))
	return nil
}

func (v *Vakio) Publish(ctx context.Context, subTopic string, value any) (Outcome, error) {
	if subTopic == VakioSpeed {
		speed, err := strconv.Atoi(Canonical(value))
		if err != nil || speed < VakioMinSpeed || speed > VakioMaxSpeed {
			return OutcomeFailed, fmt.Errorf("%w: %s speed %v must be %d..%d",
				ErrInvalidValue, v, value, VakioMinSpeed, VakioMaxSpeed)
		}
	}

	topic := v.Topic(subTopic)
	return v.publish(ctx, subTopic, value, func(payload string) error {
		return v.pub.Publish(topic, []byte(payload))
	})
}
