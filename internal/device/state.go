package device

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// BlockDuration is how long a sub-topic is left alone after the device
// reported a change that did not come from us.
const BlockDuration = 4 * time.Hour

// Outcome is the result of a publish attempt.
type Outcome int

const (
	// OutcomePublished means the value was sent and recorded.
	OutcomePublished Outcome = iota
	// OutcomeUnchanged means the recorded value already matched.
	OutcomeUnchanged
	// OutcomeBlocked means a recent external change is still being respected.
	OutcomeBlocked
	// OutcomeFailed means sending returned an error; nothing was recorded.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Canonical converts a rule value to its wire form. Booleans become
// "on"/"off"; numbers are formatted without exponent.
func Canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return "on"
		}
		return "off"
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return fmt.Sprint(x)
	}
}

// Snapshot is a copy of a device's known state.
type Snapshot struct {
	Values  map[string]string
	Blocked map[string]time.Time
}

// State tracks the last known value of each sub-topic and the sub-topics
// blocked by external changes. Safe for concurrent use; the lock is never
// held while sending.
type State struct {
	mu      sync.Mutex
	values  map[string]string
	blocked map[string]time.Time
	now     func() time.Time
}

// NewState creates an empty State. A nil now uses time.Now.
func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{
		values:  make(map[string]string),
		blocked: make(map[string]time.Time),
		now:     now,
	}
}

// Publish sends value for subTopic unless it is already recorded or the
// sub-topic is blocked. The value is recorded before send so that an echo
// of our own command arriving through Update is not mistaken for an
// external change; a failed send restores the previous value.
func (s *State) Publish(subTopic string, value any, send func(payload string) error) (Outcome, error) {
	payload := Canonical(value)

	s.mu.Lock()
	prev, known := s.values[subTopic]
	if known && prev == payload {
		s.mu.Unlock()
		return OutcomeUnchanged, nil
	}
	if at, ok := s.blocked[subTopic]; ok {
		if s.now().Sub(at) < BlockDuration {
			s.mu.Unlock()
			return OutcomeBlocked, nil
		}
		delete(s.blocked, subTopic)
	}
	s.values[subTopic] = payload
	s.mu.Unlock()

	if err := send(payload); err != nil {
		s.mu.Lock()
		if s.values[subTopic] == payload {
			if known {
				s.values[subTopic] = prev
			} else {
				delete(s.values, subTopic)
			}
		}
		s.mu.Unlock()
		return OutcomeFailed, err
	}
	return OutcomePublished, nil
}

// Update records a value reported by the device. A change to a sub-topic
// that already had a value blocks it for BlockDuration. Reports whether a
// block was installed.
func (s *State) Update(subTopic string, value any) bool {
	v := Canonical(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, known := s.values[subTopic]
	if known && cur == v {
		return false
	}
	s.values[subTopic] = v
	if known {
		s.blocked[subTopic] = s.now()
	}
	return known
}

// Value returns the recorded value of subTopic.
func (s *State) Value(subTopic string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[subTopic]
	return v, ok
}

// Snapshot returns a copy of the recorded values and the blocks still in force.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := Snapshot{
		Values:  make(map[string]string, len(s.values)),
		Blocked: make(map[string]time.Time, len(s.blocked)),
	}
	for k, v := range s.values {
		snap.Values[k] = v
	}
	for k, at := range s.blocked {
		if now.Sub(at) < BlockDuration {
			snap.Blocked[k] = at
		}
	}
	return snap
}
