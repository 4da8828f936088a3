package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tickwire/internal/infra/telemetry"
	"github.com/coachpo/tickwire/internal/observability"
)

type registration struct {
	handle   Handle
	consumer Consumer
}

// MemoryBus delivers events synchronously on the publishing goroutine.
// Events published while a delivery is running, by a consumer or another
// goroutine, are queued and delivered in publish order once it finishes.
type MemoryBus struct {
	cfg MemoryConfig

	mu       sync.Mutex
	regs     []registration
	queue    []Event
	draining bool
	closed   bool

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	consumerPanicCounter   metric.Int64Counter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
}

// NewMemoryBus constructs an in-process bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	bus := new(MemoryBus)
	bus.cfg = cfg

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of registered consumers"),
		metric.WithUnit("{subscriber}"))
	bus.consumerPanicCounter, _ = meter.Int64Counter("eventbus.consumer.panics",
		metric.WithDescription("Number of consumer panics recovered during delivery"),
		metric.WithUnit("{panic}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of consumers per delivered event"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.delivery.duration",
		metric.WithDescription("Latency of delivering one event to every consumer"),
		metric.WithUnit("ms"))

	return bus
}

// Register adds a consumer and returns its handle. Registering on a closed bus
// returns an empty handle and the consumer never runs.
func (b *MemoryBus) Register(consumer Consumer) Handle {
	if consumer == nil {
		return ""
	}
	handle := Handle(uuid.NewString())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ""
	}
	// Copy on write: in-flight deliveries keep iterating their own snapshot.
	regs := make([]registration, len(b.regs), len(b.regs)+1)
	copy(regs, b.regs)
	b.regs = append(regs, registration{handle: handle, consumer: consumer})
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	return handle
}

// Unregister removes the consumer. Unknown handles are ignored.
func (b *MemoryBus) Unregister(handle Handle) {
	if handle == "" {
		return
	}
	b.mu.Lock()
	idx := -1
	for i, reg := range b.regs {
		if reg.handle == handle {
			idx = i
			break
		}
	}
	if idx < 0 {
		b.mu.Unlock()
		return
	}
	regs := make([]registration, 0, len(b.regs)-1)
	regs = append(regs, b.regs[:idx]...)
	regs = append(regs, b.regs[idx+1:]...)
	b.regs = regs
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1,
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

// Scope registers consumer and returns an idempotent release function.
func (b *MemoryBus) Scope(consumer Consumer) (release func()) {
	handle := b.Register(consumer)
	var once sync.Once
	return func() {
		once.Do(func() { b.Unregister(handle) })
	}
}

// Len reports the number of registered consumers.
func (b *MemoryBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regs)
}

// Publish delivers evt to every registered consumer. Publishing on a closed bus is a no-op.
func (b *MemoryBus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, evt)
	if depth := len(b.queue); depth > b.cfg.QueueWarnDepth && depth%b.cfg.QueueWarnDepth == 1 {
		b.cfg.Logger.Warn("eventbus: delivery queue is growing",
			observability.F("depth", depth),
			observability.F("event_type", string(evt.Kind)))
	}
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 && !b.closed {
		next := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		regs := b.regs
		b.mu.Unlock()

		b.deliver(next, regs)

		b.mu.Lock()
	}
	b.queue = nil
	b.draining = false
	b.mu.Unlock()
}

func (b *MemoryBus) deliver(evt Event, regs []registration) {
	ctx := context.Background()
	start := time.Now()
	attrs := metric.WithAttributes(telemetry.EventAttributes(string(evt.Kind))...)

	for _, reg := range regs {
		consumer := reg.consumer
		var catcher panics.Catcher
		catcher.Try(func() { consumer(evt) })
		recovered := catcher.Recovered()
		if recovered == nil {
			continue
		}
		b.cfg.Logger.Error("eventbus: consumer panicked",
			observability.F("handle", string(reg.handle)),
			observability.F("event_type", string(evt.Kind)),
			observability.F("panic", recovered.Value),
			observability.F("stack", string(recovered.Stack)))
		if b.consumerPanicCounter != nil {
			b.consumerPanicCounter.Add(ctx, 1, attrs)
		}
	}

	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, attrs)
	}
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(regs)), attrs)
	}
	if b.publishDuration != nil {
		b.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}

// Close drops every consumer and queued event. Later publishes are no-ops.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	dropped := len(b.regs)
	b.regs = nil
	b.queue = nil
	b.mu.Unlock()

	if b.subscriberGauge != nil && dropped > 0 {
		b.subscriberGauge.Add(context.Background(), int64(-dropped),
			metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}
