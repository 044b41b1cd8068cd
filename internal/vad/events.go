package vad

import (
	"fmt"
	"strings"
)

// Event is a transition reported by the detector
type Event int

const (
	EventDetectionInitialized Event = iota
	EventDetectionStart
	EventDetectionEnd
	EventAudioStarted
	EventSoundStart
	EventSoundEnd
	EventClear
	EventOverflow
)

var eventNames = [...]string{
	EventDetectionInitialized: "detectioninitialized",
	EventDetectionStart:       "detectionstart",
	EventDetectionEnd:         "detectionend",
	EventAudioStarted:         "audiostarted",
	EventSoundStart:           "soundstart",
	EventSoundEnd:             "soundend",
	EventClear:                "clear",
	EventOverflow:             "overflow",
}

// Events lists every event in declaration order
func Events() []Event {
	out := make([]Event, len(eventNames))
	for i := range eventNames {
		out[i] = Event(i)
	}
	return out
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// MarshalText encodes the event by name
func (e Event) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// ParseEvent maps an event name back to its value. "noise" and "silence"
// are accepted as aliases of soundstart and soundend.
func ParseEvent(name string) (Event, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "noise":
		return EventSoundStart, nil
	case "silence":
		return EventSoundEnd, nil
	default:
		for i, s := range eventNames {
			if s == n {
				return Event(i), nil
			}
		}
	}
	return 0, fmt.Errorf("unknown detection event %q", name)
}

// Listener receives detector events in the order they happen
type Listener func(Event)
