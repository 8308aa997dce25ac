package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a timeline record of a run, step, policy or state change.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Type is one of the EventType constants.
	Type string `json:"type"`

	// Source identifies the emitting component (executor, policy, state).
	Source string `json:"source"`

	RunID   string `json:"run_id,omitempty"`
	EntryID string `json:"entry_id,omitempty"`

	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeStepStarted     = "step.started"
	EventTypeStepCompleted   = "step.completed"
	EventTypeStepFailed      = "step.failed"
	EventTypeStepSkipped     = "step.skipped"
	EventTypePolicyViolation = "policy.violation"
	EventTypeStatePersisted  = "state.persisted"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles a delivered event.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, synchronously or from a
// background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if !cfg.Enabled {
		return ep, nil
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cancel()
			return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
		}
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}
	return ep, nil
}

// Publish delivers an event to all matching subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, command string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "executor",
		RunID:   runID,
		Message: fmt.Sprintf("run %s started (%s)", runID, command),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"command": command},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "executor",
		RunID:   runID,
		Message: fmt.Sprintf("run %s completed with status %s", runID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, status, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "executor",
		RunID:   runID,
		Message: fmt.Sprintf("run %s finished with status %s: %s", runID, status, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"status": status,
			"reason": reason,
		},
	})
}

// PublishStepStarted publishes a step started event.
func (ep *EventPublisher) PublishStepStarted(runID, entryID, action string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepStarted,
		Source:  "executor",
		RunID:   runID,
		EntryID: entryID,
		Message: fmt.Sprintf("%s %s started", action, entryID),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"action": action},
	})
}

// PublishStepFinished publishes the terminal event for a step.
func (ep *EventPublisher) PublishStepFinished(runID, entryID, action, status string, duration time.Duration, err error) error {
	event := Event{
		Source:  "executor",
		RunID:   runID,
		EntryID: entryID,
		Data: map[string]interface{}{
			"action":   action,
			"status":   status,
			"duration": duration.Seconds(),
		},
	}
	switch {
	case status == "skipped":
		event.Type = EventTypeStepSkipped
		event.Level = EventLevelWarning
		event.Message = fmt.Sprintf("%s %s skipped", action, entryID)
	case err != nil:
		event.Type = EventTypeStepFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("%s %s failed: %v", action, entryID, err)
		event.Data["error"] = err.Error()
	default:
		event.Type = EventTypeStepCompleted
		event.Level = EventLevelInfo
		event.Message = fmt.Sprintf("%s %s completed", action, entryID)
	}
	return ep.Publish(event)
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(entryID, policyName, severity, message string) error {
	level := EventLevelWarning
	if severity == "error" || severity == "critical" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		EntryID: entryID,
		Message: fmt.Sprintf("policy %s: %s", policyName, message),
		Level:   level,
		Data: map[string]interface{}{
			"policy":   policyName,
			"severity": severity,
		},
	})
}

// PublishStatePersisted publishes a state write event.
func (ep *EventPublisher) PublishStatePersisted(runID, backend string, entries int) error {
	return ep.Publish(Event{
		Type:    EventTypeStatePersisted,
		Source:  "state",
		RunID:   runID,
		Message: fmt.Sprintf("persisted %d entries to %s backend", entries, backend),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"backend": backend,
			"entries": entries,
		},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls subscribers in registration order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]
	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}
