// Package events fans run lifecycle notifications out to subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/viperbmw/netstacks-sub000/logger"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the queue cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("event handler panicked")
)

// Run lifecycle event types.
const (
	StepExecuted = "step_executed"
	RunCompleted = "run_completed"
	RunFailed    = "run_failed"
)

// Types lists every event type the engine emits.
var Types = []string{StepExecuted, RunCompleted, RunFailed}

const (
	DefaultBufferSize  = 100
	DefaultSyncTimeout = 5 * time.Second
)

// Event is one run lifecycle notification.
type Event struct {
	Type         string
	RunID        uint64
	WorkflowName string
	Data         map[string]any
	// Time is stamped by Publish when left zero.
	Time time.Time
}

// EventHandler handles events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Unsubscribe removes the subscription it was returned for. It reports
// whether anything was removed and is safe to call more than once.
type Unsubscribe func() bool

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus queues published events and delivers them from a single
// goroutine. Handlers of one event run in subscription order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	queue       chan Event
	onError     func(event Event, err error)
	syncTimeout time.Duration

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

type EventBusOption func(*EventBus)

// WithBufferSize sets the queue capacity.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size >= 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithErrorHandler receives errors from asynchronously delivered events.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.onError = handler
		}
	}
}

// WithSyncTimeout bounds PublishSync.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// NewEventBus starts a bus. Call Stop to release its goroutine.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		subs:        make(map[string][]subscription),
		queue:       make(chan Event, DefaultBufferSize),
		onError:     logError,
		syncTimeout: DefaultSyncTimeout,
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.loop()
	return eb
}

// Subscribe registers handler for eventType.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Unsubscribe {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs[eventType] = append(eb.subs[eventType], subscription{id: id, handler: handler})
	return func() bool { return eb.remove(eventType, id) }
}

// SubscribeFunc registers f for eventType.
func (eb *EventBus) SubscribeFunc(eventType string, f func(ctx context.Context, event Event) error) Unsubscribe {
	return eb.Subscribe(eventType, EventHandlerFunc(f))
}

// SubscribeAll registers handler for every type in Types. The returned
// function removes all of those subscriptions.
func (eb *EventBus) SubscribeAll(handler EventHandler) Unsubscribe {
	unsubs := make([]Unsubscribe, 0, len(Types))
	for _, t := range Types {
		unsubs = append(unsubs, eb.Subscribe(t, handler))
	}
	return func() bool {
		removed := false
		for _, u := range unsubs {
			removed = u() || removed
		}
		return removed
	}
}

func (eb *EventBus) remove(eventType string, id uint64) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	subs := eb.subs[eventType]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		rest := make([]subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(eb.subs, eventType)
		} else {
			eb.subs[eventType] = rest
		}
		return true
	}
	return false
}

// HasSubscribers reports whether eventType has at least one handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType]) > 0
}

func (eb *EventBus) handlers(eventType string) []subscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.subs[eventType]
}

// Publish queues event for asynchronous delivery. It never blocks: a full
// queue is reported as ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	select {
	case eb.queue <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers event on the caller's goroutine and returns every
// handler error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	subs := eb.handlers(event.Type)
	if len(subs) == 0 {
		return []error{ErrNoHandler}
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()
	return deliver(ctx, subs, event)
}

// Stop discards queued events and waits for the delivery goroutine.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.queue) > 0 {
			<-eb.queue
		}
		close(eb.queue)
	}
	eb.closeMu.Unlock()
	eb.wg.Wait()
}

func (eb *EventBus) loop() {
	defer eb.wg.Done()
	for event := range eb.queue {
		for _, err := range deliver(context.Background(), eb.handlers(event.Type), event) {
			eb.onError(event, err)
		}
	}
}

// deliver calls each handler in turn. A canceled ctx skips the handlers
// that have not run yet.
func deliver(ctx context.Context, subs []subscription, event Event) []error {
	var errs []error
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := call(ctx, s.handler, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func call(ctx context.Context, h EventHandler, event Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return h.Handle(ctx, event)
}

func logError(event Event, err error) {
	logger.Error("event handler failed",
		zap.String("event", event.Type),
		zap.Uint64("run_id", event.RunID),
		zap.String("workflow", event.WorkflowName),
		zap.Error(err),
	)
}
