package codeload

import "time"

// EventKind classifies loader activity.
type EventKind string

const (
	EventPrepared        EventKind = "prepared"
	EventLoaded          EventKind = "loaded"
	EventLoadFailed      EventKind = "load_failed"
	EventOnLoadCompleted EventKind = "on_load_completed"
	EventOnLoadFailed    EventKind = "on_load_failed"
	EventDeleted         EventKind = "deleted"
	EventPurged          EventKind = "purged"
	EventPurgeRefused    EventKind = "purge_refused"
	EventPreloaded       EventKind = "preloaded"
	EventNativeLoaded    EventKind = "native_loaded"
	EventNativeUnloaded  EventKind = "native_unloaded"
)

// Event records one loader operation.
type Event struct {
	Kind   EventKind
	Module string
	Detail string
	At     time.Time
}

// EventSink receives events. Record must not block.
type EventSink interface {
	Record(ev Event)
}

type discardSink struct{}

func (discardSink) Record(Event) {}
