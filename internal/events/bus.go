// Package events carries build and stage lifecycle notifications. The bus is
// synchronous and in-process; an optional NATS publisher mirrors events to a
// subject for external observers.
package events

import (
	"sync"
	"time"
)

// Event is a lifecycle event published by the scheduler.
type Event interface{ Name() string }

const (
	EventBuildStarted   = "BuildStarted"
	EventStageStarted   = "StageStarted"
	EventStageCompleted = "StageCompleted"
	EventBuildCompleted = "BuildCompleted"
)

// BuildStarted is published once before the first stage is scheduled.
type BuildStarted struct {
	BuildID string    `json:"build_id"`
	Stages  int       `json:"stages"`
	At      time.Time `json:"at"`
}

func (BuildStarted) Name() string { return EventBuildStarted }

// StageStarted is published when a stage begins executing.
type StageStarted struct {
	BuildID string    `json:"build_id"`
	Stage   string    `json:"stage"`
	At      time.Time `json:"at"`
}

func (StageStarted) Name() string { return EventStageStarted }

// StageCompleted is published for every stage, including skipped and blocked
// ones.
type StageCompleted struct {
	BuildID  string        `json:"build_id"`
	Stage    string        `json:"stage"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

func (StageCompleted) Name() string { return EventStageCompleted }

// BuildCompleted closes the build.
type BuildCompleted struct {
	BuildID  string        `json:"build_id"`
	Success  bool          `json:"success"`
	Failed   int           `json:"failed"`
	Blocked  int           `json:"blocked"`
	Duration time.Duration `json:"duration_ns"`
}

func (BuildCompleted) Name() string { return EventBuildCompleted }

// Handler processes an Event; return error to signal failure.
type Handler func(Event) error

// Bus is a simple synchronous pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Handler
}

func NewBus() *Bus { return &Bus{subscribers: map[string][]Handler{}} }

// Subscribe registers a handler for a given event name.
func (b *Bus) Subscribe(event string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subscribers[event] = append(b.subscribers[event], h)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every lifecycle event.
func (b *Bus) SubscribeAll(h Handler) {
	for _, name := range []string{EventBuildStarted, EventStageStarted, EventStageCompleted, EventBuildCompleted} {
		b.Subscribe(name, h)
	}
}

// Publish delivers an event to all handlers synchronously.
func (b *Bus) Publish(e Event) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.subscribers[e.Name()]...)
	b.mu.RUnlock()
	for _, h := range hs {
		if err := h(e); err != nil {
			return err
		}
	}
	return nil
}
