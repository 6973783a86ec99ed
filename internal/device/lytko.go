package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Lytko sub-topics.
const (
	LytkoMode        = "mode"
	LytkoTemperature = "temperature"
)

// Lytko drives a Lytko floor-heating thermostat. Commands go to
// climate/lytko/<id>/<sub-topic>/set; the device reports a JSON document on
// climate/lytko/<id>/state.
type Lytko struct {
	base
	pub Publisher
}

type lytkoState struct {
	Heating    *string         `json:"heating"`
	TargetTemp json.RawMessage `json:"target_temp"`
}

// Topic returns the write topic of subTopic.
func (l *Lytko) Topic(subTopic string) string {
	return fmt.Sprintf("climate/lytko/%s/%s/set", l.dev.ID, subTopic)
}

// StateTopic returns the feedback topic.
func (l *Lytko) StateTopic() string {
	return fmt.Sprintf("climate/lytko/%s/state", l.dev.ID)
}

func (l *Lytko) Subscriptions() []string {
	return []string{l.StateTopic()}
}

// Receive maps the reported state onto mode (on/off) and temperature
// (integer part of the target).
func (l *Lytko) Receive(topic string, payload []byte) error {
	var st lytkoState
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, topic, err)
	}
	if st.Heating == nil || len(st.TargetTemp) == 0 {
		return fmt.Errorf("%w: %s: heating and target_temp are required", ErrInvalidPayload, topic)
	}

	raw := strings.Trim(string(st.TargetTemp), `"`)
	temp, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: %s: target_temp %s", ErrInvalidPayload, topic, st.TargetTemp)
	}

	mode := "on"
	if *st.Heating == "off" {
		mode = "off"
	}
	l.update(LytkoMode, mode)
	l.update(LytkoTemperature, int(temp))
	return nil
}

func (l *Lytko) Publish(ctx context.Context, subTopic string, value any) (Outcome, error) {
	topic := l.Topic(subTopic)
	return l.publish(ctx, subTopic, value, func(payload string) error {
		return l.pub.Publish(topic, []byte(payload))
	})
}
