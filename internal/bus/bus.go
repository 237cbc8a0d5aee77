// Package bus provides the in-process event bus connecting the webhook
// ingestion edge, the compute backends, and the scheduler. It is a bounded
// FIFO with a single consumer; publishing never blocks the producer.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-grid/agent-grid/internal/logging"
	"github.com/agent-grid/agent-grid/internal/metrics"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

// Event types published by the deduplicator, the gateway, and the backends.
const (
	IssueCreated   EventType = "issue.created"
	IssueUpdated   EventType = "issue.updated"
	IssueComment   EventType = "issue.comment"
	NudgeRequested EventType = "nudge.requested"
	PRReview       EventType = "pr.review"
	PRClosed       EventType = "pr.closed"
	CheckRunFailed EventType = "check_run.failed"
	AgentStarted   EventType = "agent.started"
	AgentCompleted EventType = "agent.completed"
	AgentFailed    EventType = "agent.failed"
)

// Event is a single message on the bus. Payload keys are documented on the
// publishing side; handlers must tolerate missing keys.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// Handler consumes one event. Errors are logged and never abort siblings.
type Handler func(ctx context.Context, event Event) error

// Bus is a bounded single-consumer event queue.
type Bus struct {
	queue    chan Event
	inFlight atomic.Int64

	mu          sync.RWMutex
	subscribers map[EventType][]Handler
	allHandlers []Handler
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}

	logger *slog.Logger
}

// New creates a bus with the given queue capacity.
func New(maxSize int) *Bus {
	if maxSize < 1 {
		maxSize = 1000
	}
	return &Bus{
		queue:       make(chan Event, maxSize),
		subscribers: make(map[EventType][]Handler),
		logger:      logging.WithComponent("event_bus"),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Publish enqueues an event without blocking. When the queue is full the
// event is dropped and logged; the webhook inbox is the durable backstop.
func (b *Bus) Publish(eventType EventType, payload map[string]any) bool {
	if payload == nil {
		payload = map[string]any{}
	}
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	select {
	case b.queue <- event:
		b.inFlight.Add(1)
		metrics.BusPublished.WithLabelValues(string(eventType)).Inc()
		metrics.BusDepth.Set(float64(len(b.queue)))
		return true
	default:
		b.logger.Error("event bus queue full, dropping event",
			"type", eventType,
			"capacity", cap(b.queue))
		metrics.BusDropped.WithLabelValues(string(eventType)).Inc()
		return false
	}
}

// Start spawns the consumer goroutine.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("event bus already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.consume(ctx)
	b.logger.Info("event bus started", "capacity", cap(b.queue))
	return nil
}

// Stop cancels the consumer and waits for it to exit.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	<-done
	b.logger.Info("event bus stopped")
}

func (b *Bus) consume(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-b.queue:
			metrics.BusDepth.Set(float64(len(b.queue)))
			b.dispatch(ctx, event)
			b.inFlight.Add(-1)
		}
	}
}

// dispatch runs every matching handler concurrently and waits for all of
// them before the next event is consumed. Handler errors and panics are
// logged and swallowed.
func (b *Bus) dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Type])+len(b.allHandlers))
	handlers = append(handlers, b.subscribers[event.Type]...)
	handlers = append(handlers, b.allHandlers...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"type", event.Type,
						"panic", r)
				}
			}()
			if err := h(ctx, event); err != nil {
				b.logger.Error("event handler failed",
					"type", event.Type,
					"error", err)
			}
		}(handler)
	}
	wg.Wait()
}

// WaitUntilEmpty blocks until every published event has been dispatched,
// or the context is done. Intended for tests and the standalone cycle.
func (b *Bus) WaitUntilEmpty(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Depth returns the number of events waiting in the queue.
func (b *Bus) Depth() int {
	return len(b.queue)
}

// HandlerCount reports how many handlers would fire for an event type,
// including catch-all subscribers.
func (b *Bus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType]) + len(b.allHandlers)
}
