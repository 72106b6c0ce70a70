package events

import (
	"context"
	"strings"
	"time"
)

// EventType names a bus event. Control actions live under "control.",
// global pause/resume under "playback.".
type EventType string

const (
	EventControlNext       EventType = "control.next"
	EventControlPrev       EventType = "control.prev"
	EventControlTogglePlay EventType = "control.toggle-play"
	EventControlBack       EventType = "control.back"

	EventGlobalPause  EventType = "playback.global-pause"
	EventGlobalResume EventType = "playback.global-resume"
)

// ControlAction is a semantic remote-control command.
type ControlAction string

const (
	ActionNext       ControlAction = "next"
	ActionPrev       ControlAction = "prev"
	ActionTogglePlay ControlAction = "toggle-play"
	ActionBack       ControlAction = "back"
)

// ParseControlAction accepts the wire name of an action.
func ParseControlAction(s string) (ControlAction, bool) {
	switch a := ControlAction(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionNext, ActionPrev, ActionTogglePlay, ActionBack:
		return a, true
	}
	return "", false
}

// EventType returns the bus event carrying the action.
func (a ControlAction) EventType() EventType {
	return EventType("control." + string(a))
}

// Action returns the control action carried by t, if any.
func (t EventType) Action() (ControlAction, bool) {
	name, ok := strings.CutPrefix(string(t), "control.")
	if !ok {
		return "", false
	}
	return ParseControlAction(name)
}

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventFilter selects events by type. An empty filter matches everything.
type EventFilter struct {
	Types []EventType `json:"types,omitempty"`
}

var (
	// ControlEvents is the control action stream.
	ControlEvents = EventFilter{Types: []EventType{
		EventControlNext, EventControlPrev, EventControlTogglePlay, EventControlBack,
	}}

	// PlaybackEvents is the global pause/resume stream.
	PlaybackEvents = EventFilter{Types: []EventType{EventGlobalPause, EventGlobalResume}}

	// SchedulerEvents is what a region scheduler listens to.
	SchedulerEvents = EventFilter{Types: append(append([]EventType{}, ControlEvents.Types...), PlaybackEvents.Types...)}
)

// MatchesFilter checks if an event matches the given filter
func MatchesFilter(event Event, filter EventFilter) bool {
	if len(filter.Types) == 0 {
		return true
	}
	for _, t := range filter.Types {
		if t == event.Type {
			return true
		}
	}
	return false
}

// EventHandler handles one delivered event.
type EventHandler func(Event) error

// BackHandler is the session-exit callback run for every back action.
type BackHandler func(Event)

// Subscription is a registered handler with its own delivery queue.
type Subscription struct {
	ID            string      `json:"id"`
	Filter        EventFilter `json:"filter"`
	Subscriber    string      `json:"subscriber"`
	Created       time.Time   `json:"created"`
	TriggerCount  int64       `json:"trigger_count"`
	DroppedCount  int64       `json:"dropped_count"`
	LastTriggered *time.Time  `json:"last_triggered,omitempty"`

	handler EventHandler
	queue   chan Event
	done    chan struct{}
}

// EventStats summarizes bus activity.
type EventStats struct {
	TotalEvents         int64            `json:"total_events"`
	DroppedEvents       int64            `json:"dropped_events"`
	EventsByType        map[string]int64 `json:"events_by_type"`
	EventsBySource      map[string]int64 `json:"events_by_source"`
	ActiveSubscriptions int              `json:"active_subscriptions"`
}

// EventBusConfig configures an event bus.
type EventBusConfig struct {
	// QueueSize bounds each subscriber's pending events.
	QueueSize int `json:"queue_size"`
}

// DefaultEventBusConfig returns the default bus configuration.
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{QueueSize: 64}
}

// EventBus carries control actions and global pause/resume to every
// subscriber. Each subscriber observes its own events in publish order.
type EventBus interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, subscriber string, filter EventFilter, handler EventHandler) (*Subscription, error)
	Unsubscribe(subscriptionID string) error
	OnBack(handler BackHandler)
	Paused() bool
	GetSubscriptions() []Subscription
	GetStats() EventStats
	Health() error
}

// NewControlEvent builds the bus event for a control action.
func NewControlEvent(action ControlAction, source string) Event {
	return Event{
		Type:   action.EventType(),
		Source: source,
		Data:   map[string]interface{}{"action": string(action)},
	}
}

// NewPauseEvent builds a global-pause event.
func NewPauseEvent(source string) Event {
	return Event{Type: EventGlobalPause, Source: source}
}

// NewResumeEvent builds a global-resume event.
func NewResumeEvent(source string) Event {
	return Event{Type: EventGlobalResume, Source: source}
}
