// Package subscription tracks active market-data subscriptions and replays them after every reconnect.
package subscription

import (
	"context"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/infra/telemetry"
	"github.com/coachpo/tickwire/internal/observability"
)

const component = "subscription"

// seqTag is the passthrough key tying a server reply to one subscribe frame.
const seqTag = "sub_seq"

// Sender is the slice of the connection manager the registry needs.
type Sender interface {
	Connect(ctx context.Context) error
	TrySend(frame map[string]any) (uint64, error)
	Epoch() uint64
}

// Config paces control frames sent while replaying.
type Config struct {
	// ControlRate is frames per second; zero or less disables pacing.
	ControlRate  float64
	ControlBurst int
}

// Subscription is a snapshot of one active key.
type Subscription struct {
	Key string
	// ServerID is empty until the server confirms the stream on the current link.
	ServerID string
}

type entry struct {
	serverID string
	// sentOn is the connection epoch the subscribe frame was written on; zero means never.
	sentOn uint64
	// seq tags the latest subscribe frame for this entry.
	seq uint64
}

// Registry deduplicates subscribe calls and keeps the active key set durable
// across reconnects.
type Registry struct {
	sender  Sender
	logger  observability.Logger
	limiter *rate.Limiter
	release func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	// sendMu serialises every subscribe write so a key is sent at most once per epoch.
	sendMu sync.Mutex

	mu        sync.Mutex
	entries   map[string]*entry
	forgotten map[string]struct{}
	nextSeq   uint64

	activeGauge metric.Int64UpDownCounter
}

// NewRegistry constructs a registry and registers it on bus.
func NewRegistry(sender Sender, bus eventbus.Bus, cfg Config, logger observability.Logger) *Registry {
	limit := rate.Inf
	if cfg.ControlRate > 0 {
		limit = rate.Limit(cfg.ControlRate)
	}
	burst := cfg.ControlBurst
	if burst <= 0 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sender:    sender,
		logger:    observability.OrDefault(logger),
		limiter:   rate.NewLimiter(limit, burst),
		release:   nil,
		ctx:       ctx,
		cancel:    cancel,
		wg:        conc.WaitGroup{},
		sendMu:    sync.Mutex{},
		mu:        sync.Mutex{},
		entries:   make(map[string]*entry),
		forgotten: make(map[string]struct{}),
		nextSeq:   0,
	}
	r.activeGauge, _ = otel.Meter("subscription").Int64UpDownCounter("subscription.active",
		metric.WithDescription("Number of active market-data subscriptions"),
		metric.WithUnit("{subscription}"))
	r.release = bus.Scope(r.onEvent)
	return r
}

// SubscribeToSymbol records key and sends its subscribe frame when the link is
// open. A key that is already active is a no-op. When the link is down the key
// is sent by the replay on the next open.
func (r *Registry) SubscribeToSymbol(ctx context.Context, key string) error {
	key = schema.NormalizeSymbol(key)
	if key == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if err := r.ctx.Err(); err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("registry closed"))
	}
	if ctx != nil && ctx.Err() != nil {
		return errs.New(component, errs.CodeCancelled, errs.WithCause(ctx.Err()))
	}

	r.mu.Lock()
	if _, ok := r.entries[key]; ok {
		r.mu.Unlock()
		return nil
	}
	r.entries[key] = &entry{serverID: "", sentOn: 0, seq: 0}
	r.mu.Unlock()
	r.adjustActive(1)

	err := r.sendKey(key)
	if err == nil {
		return nil
	}
	if errs.CodeOf(err) != errs.CodeNotConnected {
		return err
	}
	r.wg.Go(func() {
		if cerr := r.sender.Connect(r.ctx); cerr != nil {
			r.logger.Debug("connect for subscription failed",
				observability.F("symbol", key),
				observability.F("error", cerr))
		}
	})
	return nil
}

// Unsubscribe removes key. When the server id is known on the current link a
// forget frame is sent; a confirmation arriving later is answered with forget.
func (r *Registry) Unsubscribe(key string) error {
	key = schema.NormalizeSymbol(key)
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, key)
	serverID, sentOn := e.serverID, e.sentOn
	r.mu.Unlock()
	r.adjustActive(-1)

	if serverID == "" || sentOn != r.sender.Epoch() {
		return nil
	}
	r.markForgotten(serverID)
	if _, err := r.sender.TrySend(schema.Forget(serverID)); err != nil && errs.CodeOf(err) != errs.CodeNotConnected {
		return err
	}
	return nil
}

// ForgetAll asks the server to drop every stream of kind and clears the registry.
func (r *Registry) ForgetAll(kind string) error {
	removed := r.Clear()
	r.logger.Info("forgetting all subscriptions",
		observability.F("kind", kind),
		observability.F("removed", removed))
	if _, err := r.sender.TrySend(schema.ForgetAll(kind)); err != nil && errs.CodeOf(err) != errs.CodeNotConnected {
		return err
	}
	return nil
}

// Active returns the active subscriptions sorted by key.
func (r *Registry) Active() []Subscription {
	r.mu.Lock()
	out := make([]Subscription, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, Subscription{Key: key, ServerID: e.serverID})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Clear drops every key without sending frames and reports how many were removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	removed := len(r.entries)
	r.entries = make(map[string]*entry)
	r.forgotten = make(map[string]struct{})
	r.mu.Unlock()
	r.adjustActive(-removed)
	return removed
}

// Close unregisters from the bus, stops any replay and clears the registry.
func (r *Registry) Close() {
	r.cancel()
	if r.release != nil {
		r.release()
	}
	r.wg.Wait()
	r.Clear()
}

// sendKey writes the subscribe frame for key unless it is gone or already
// written on the current epoch.
func (r *Registry) sendKey(key string) error {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	epoch := r.sender.Epoch()
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || (e.sentOn != 0 && e.sentOn == epoch) {
		r.mu.Unlock()
		return nil
	}
	r.nextSeq++
	seq := r.nextSeq
	e.seq = seq
	r.mu.Unlock()

	sentOn, err := r.sender.TrySend(schema.SubscribeTicks(key).WithPassthrough(map[string]any{seqTag: seq}))
	if err != nil {
		return err
	}

	r.mu.Lock()
	if current, ok := r.entries[key]; ok && current == e {
		e.sentOn = sentOn
		e.serverID = ""
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) onEvent(evt eventbus.Event) {
	switch evt.Kind {
	case eventbus.KindOpen:
		r.mu.Lock()
		r.forgotten = make(map[string]struct{})
		r.mu.Unlock()
		epoch := evt.Open.Epoch
		r.wg.Go(func() { r.replay(epoch) })
	case eventbus.KindMessage:
		r.onMessage(evt.Message)
	}
}

// replay resends every live key not yet written on epoch, in key order.
func (r *Registry) replay(epoch uint64) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key, e := range r.entries {
		if e.sentOn != epoch {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	r.logger.Info("replaying subscriptions",
		observability.F("epoch", epoch),
		observability.F("count", len(keys)))
	for _, key := range keys {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}
		if r.sender.Epoch() != epoch {
			// A newer open runs its own replay.
			return
		}
		if err := r.sendKey(key); err != nil {
			r.logger.Warn("replay subscribe failed",
				observability.F("symbol", key),
				observability.F("error", err))
			return
		}
	}
}

func (r *Registry) onMessage(msg *schema.Message) {
	if msg == nil || msg.Type != schema.MsgTick {
		return
	}
	key := msg.Symbol()
	if msg.Failed() {
		if key == "" || msg.ReqID != 0 {
			return
		}
		r.onRejected(key, msg)
		return
	}

	id := msg.SubscriptionID()
	if id == "" {
		return
	}
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		if e.serverID == "" {
			e.serverID = id
		}
		r.mu.Unlock()
		return
	}
	if _, done := r.forgotten[id]; done {
		r.mu.Unlock()
		return
	}
	r.forgotten[id] = struct{}{}
	r.mu.Unlock()

	// Stream for a key that is no longer active.
	if _, err := r.sender.TrySend(schema.Forget(id)); err != nil {
		r.logger.Debug("forget orphan stream failed",
			observability.F("subscription_id", id),
			observability.F("error", err))
	}
}

// onRejected drops key only when the error answers the entry's latest
// subscribe frame. AlreadySubscribed means the stream exists, so the key stays
// and adopts the stream id from its next tick.
func (r *Registry) onRejected(key string, msg *schema.Message) {
	if msg.Error.Code == schema.ErrAlreadySubscribed {
		r.logger.Debug("subscription already active on server", observability.F("symbol", key))
		return
	}
	seq, tagged := msg.PassthroughUint(seqTag)
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || !tagged || e.seq != seq {
		r.mu.Unlock()
		r.logger.Debug("ignoring rejection of an earlier subscribe",
			observability.F("symbol", key),
			observability.F("code", msg.Error.Code))
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()
	r.adjustActive(-1)
	r.logger.Warn("subscription rejected",
		observability.F("symbol", key),
		observability.F("code", msg.Error.Code),
		observability.F("message", msg.Error.Message))
}

func (r *Registry) markForgotten(id string) {
	r.mu.Lock()
	r.forgotten[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) adjustActive(delta int) {
	if r.activeGauge == nil || delta == 0 {
		return
	}
	r.activeGauge.Add(context.Background(), int64(delta),
		metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
