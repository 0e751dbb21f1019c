package manager

import "time"

// Lifecycle event names.
const (
	EventLoadStart       = "load_start"
	EventLoadRetryCompat = "load_retry_compat"
	EventLoadDone        = "load_done"
	EventLoadFailed      = "load_failed"
	EventUnloadStart     = "unload_start"
	EventDrainTimeout    = "drain_timeout"
	EventUnloadTimeout   = "unload_timeout"
	EventUnloadDone      = "unload_done"
)

// Event is one step of a model's lifecycle.
type Event struct {
	Name   string
	Path   string
	At     time.Time
	Fields map[string]any
}

// EventPublisher receives events from the manager. Publish is called
// synchronously from lifecycle operations and must not block.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// LogPublisher adapts a function, typically one writing a zerolog event.
type LogPublisher func(Event)

func (f LogPublisher) Publish(e Event) {
	if f != nil {
		f(e)
	}
}
