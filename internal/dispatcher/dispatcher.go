package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CommandPost runs the func() carried in the event payload.
const CommandPost = "dispatcher.post"

// ErrStopped is returned once the loop has exited.
var ErrStopped = errors.New("dispatcher stopped")

// Event is one unit of work for the event loop.
type Event struct {
	Command   string
	Payload   any
	Timestamp time.Time
}

// HandlerFunc processes an event and returns a result.
type HandlerFunc func(Event) (any, error)

// Logger interface for pluggable logging. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	droppable bool
	logged    bool
}

// Droppable lets the dispatcher discard the event when the loop queue is full
// instead of blocking the producer. Only for events whose loss is tolerated.
func Droppable() Option {
	return func(c *config) {
		c.droppable = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// LoopOption configures the dispatcher itself.
type LoopOption func(*Dispatcher)

// WithQueue makes the dispatcher a serial event loop with a queue of the
// given size. Events are handled one at a time by Run. Without a queue every
// Dispatch runs the handler inline on the caller's goroutine.
func WithQueue(size int) LoopOption {
	return func(d *Dispatcher) {
		d.queue = make(chan Event, size)
	}
}

type registration struct {
	handler   HandlerFunc
	droppable bool
	logged    bool
}

// Dispatcher routes events to registered handlers, one at a time.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]registration
	logger   Logger

	queue    chan Event
	done     chan struct{}
	stopOnce sync.Once

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger, opts ...LoopOption) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[string]registration),
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of events waiting for the loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(d.queueSize, int64(d.Len()))
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.events.processed",
		metric.WithDescription("Total events processed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.events.dropped",
		metric.WithDescription("Total events dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	d.Register(CommandPost, func(e Event) (any, error) {
		fn, ok := e.Payload.(func())
		if !ok {
			return nil, fmt.Errorf("post payload is %T, not func()", e.Payload)
		}
		fn()
		return nil, nil
	})

	return d, nil
}

// Register adds a handler for the given command with optional configuration.
func (d *Dispatcher) Register(command string, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h
	if cfg.logged {
		handler = d.withLogging(command, handler)
	}

	d.mu.Lock()
	d.handlers[command] = registration{handler: handler, droppable: cfg.droppable, logged: cfg.logged}
	d.mu.Unlock()
}

// HasHandler returns true if a handler is registered for the command.
func (d *Dispatcher) HasHandler(command string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[command]
	return ok
}

// Queued reports whether events go through the loop queue.
func (d *Dispatcher) Queued() bool {
	return d.queue != nil
}

// Len returns the number of events waiting for the loop.
func (d *Dispatcher) Len() int {
	if d.queue == nil {
		return 0
	}
	return len(d.queue)
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Dispatch routes an event to its registered handler. With a queue it
// returns "queued" once the event is accepted by the loop.
func (d *Dispatcher) Dispatch(e Event) (any, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	d.mu.RLock()
	reg, ok := d.handlers[e.Command]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", e.Command)
	}

	if d.queue == nil {
		return d.handle(e, reg)
	}

	select {
	case <-d.done:
		return nil, ErrStopped
	default:
	}

	if reg.droppable {
		select {
		case d.queue <- e:
			return "queued", nil
		default:
			d.dropped.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("command", e.Command)))
			return nil, fmt.Errorf("queue full: %s", e.Command)
		}
	}

	select {
	case d.queue <- e:
		return "queued", nil
	case <-d.done:
		return nil, ErrStopped
	}
}

// Post schedules fn on the loop.
func (d *Dispatcher) Post(fn func()) error {
	_, err := d.Dispatch(Event{Command: CommandPost, Payload: fn})
	return err
}

// Do runs fn on the loop and waits for it to finish. Must not be called
// from a handler when the dispatcher is queued.
func (d *Dispatcher) Do(ctx context.Context, fn func()) error {
	if d.queue == nil {
		fn()
		return nil
	}

	finished := make(chan struct{})
	if err := d.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrStopped
	}
}

// Run handles queued events until ctx is cancelled. It is the only
// goroutine that runs handlers.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.queue == nil {
		return errors.New("dispatcher has no queue")
	}
	defer d.stopOnce.Do(func() { close(d.done) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-d.queue:
			d.mu.RLock()
			reg := d.handlers[e.Command]
			d.mu.RUnlock()

			if _, err := d.handle(e, reg); err != nil && !reg.logged {
				d.logger.Error("event failed", "command", e.Command, "error", err)
			}
		}
	}
}

func (d *Dispatcher) handle(e Event, reg registration) (any, error) {
	result, err := reg.handler(e)
	d.processed.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("command", e.Command)))
	return result, err
}

func (d *Dispatcher) withLogging(command string, h HandlerFunc) HandlerFunc {
	return func(e Event) (any, error) {
		start := time.Now()
		d.logger.Debug("handling event", "command", command, "payload", fmt.Sprintf("%T", e.Payload))

		result, err := h(e)

		if err != nil {
			d.logger.Error("event failed", "command", command, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("event complete", "command", command, "duration", time.Since(start),
				"latency", start.Sub(e.Timestamp))
		}

		return result, err
	}
}
