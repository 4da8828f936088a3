// Package correlator matches asynchronous responses to the requests that caused them.
package correlator

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/infra/telemetry"
	"github.com/coachpo/tickwire/internal/observability"
)

const (
	component = "correlator"

	seqSpace   = 10_000
	clockSpace = 1_000_000_000

	// maxIDHistory keeps the history below the id space of one millisecond.
	maxIDHistory = 8192
)

// Sender writes or buffers a frame on the shared connection.
type Sender interface {
	Send(frame map[string]any) error
}

// Config controls request timeouts and id retention.
type Config struct {
	Timeout   time.Duration
	IDHistory int
}

func (c Config) normalize() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.IDHistory <= 0 {
		c.IDHistory = 4096
	}
	if c.IDHistory > maxIDHistory {
		c.IDHistory = maxIDHistory
	}
	return c
}

type outcome struct {
	msg *schema.Message
	err error
}

type pendingRequest struct {
	id      int64
	reqType string
	created time.Time
	timer   *time.Timer
	result  chan outcome
}

// Correlator owns the table of pending requests.
type Correlator struct {
	cfg     Config
	sender  Sender
	logger  observability.Logger
	metrics *correlatorMetrics
	release func()
	now     func() time.Time

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	history *lru.Cache[int64, struct{}]
	seq     uint64
	closed  bool
}

// New constructs a correlator listening for responses on bus.
func New(sender Sender, bus eventbus.Bus, cfg Config, logger observability.Logger) (*Correlator, error) {
	cfg = cfg.normalize()
	history, err := lru.New[int64, struct{}](cfg.IDHistory)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("id history"), errs.WithCause(err))
	}
	c := &Correlator{
		cfg:     cfg,
		sender:  sender,
		logger:  observability.OrDefault(logger),
		metrics: newCorrelatorMetrics(),
		release: nil,
		now:     time.Now,
		mu:      sync.Mutex{},
		pending: make(map[int64]*pendingRequest),
		history: history,
		seq:     0,
		closed:  false,
	}
	c.release = bus.Scope(c.onEvent)
	return c, nil
}

// nextIDLocked combines the millisecond clock with a wrapping counter and
// skips any value still present in the recent history or the pending table.
func (c *Correlator) nextIDLocked() int64 {
	for {
		c.seq++
		id := (c.now().UnixMilli()%clockSpace)*seqSpace + int64(c.seq%seqSpace)
		if id <= 0 {
			continue
		}
		if c.history.Contains(id) {
			continue
		}
		if _, busy := c.pending[id]; busy {
			continue
		}
		c.history.Add(id, struct{}{})
		return id
	}
}

// SendCorrelated tags payload with a fresh req_id, sends it and waits for the
// matching response. A response carrying an error block is returned as an
// *errs.E with the server code preserved. ctx cancellation rejects with cancelled.
func (c *Correlator) SendCorrelated(ctx context.Context, payload schema.Request) (*schema.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(payload) == 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("empty request"))
	}

	req := payload.Clone()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("correlator closed"))
	}
	id := c.nextIDLocked()
	req[schema.ReqIDField] = id
	p := &pendingRequest{
		id:      id,
		reqType: req.Type(),
		created: time.Now(),
		timer:   nil,
		result:  make(chan outcome, 1),
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.cfg.Timeout, func() {
		c.finish(p, outcome{msg: nil, err: errs.New(component, errs.CodeRequestTimeout,
			errs.WithReqID(id),
			errs.WithMessage("no response within "+c.cfg.Timeout.String()))})
	})
	c.mu.Unlock()
	c.metrics.adjustPending(1)

	if err := c.sender.Send(req); err != nil {
		c.finish(p, outcome{msg: nil, err: err})
	}

	select {
	case out := <-p.result:
		return out.msg, out.err
	case <-ctx.Done():
		c.finish(p, outcome{msg: nil, err: errs.New(component, errs.CodeCancelled,
			errs.WithReqID(id), errs.WithCause(ctx.Err()))})
		// Either the cancellation or a response that won the race.
		out := <-p.result
		return out.msg, out.err
	}
}

// finish resolves p exactly once. Later calls for the same request are no-ops.
func (c *Correlator) finish(p *pendingRequest, out outcome) bool {
	c.mu.Lock()
	if current, ok := c.pending[p.id]; !ok || current != p {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, p.id)
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.result <- out
	c.metrics.adjustPending(-1)
	c.metrics.recordOutcome(p.reqType, resultOf(out.err), time.Since(p.created))
	return true
}

func (c *Correlator) onEvent(evt eventbus.Event) {
	if evt.Kind != eventbus.KindMessage || evt.Message == nil || evt.Message.ReqID == 0 {
		return
	}
	msg := evt.Message
	c.mu.Lock()
	p, ok := c.pending[msg.ReqID]
	c.mu.Unlock()
	if !ok {
		return
	}

	if !msg.Failed() {
		c.finish(p, outcome{msg: msg, err: nil})
		return
	}
	code := errs.CodeServer
	if msg.Error.Code == "InvalidToken" {
		code = errs.CodeInvalidToken
	}
	c.finish(p, outcome{msg: msg, err: errs.New(component, code,
		errs.WithReqID(msg.ReqID),
		errs.WithRawCode(msg.Error.Code),
		errs.WithRawMessage(msg.Error.Message))})
}

// Pending reports the number of unresolved requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every pending request with cancelled and stops listening.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*pendingRequest, 0, len(c.pending))
	for _, p := range c.pending {
		pending = append(pending, p)
	}
	c.mu.Unlock()

	if c.release != nil {
		c.release()
	}
	for _, p := range pending {
		c.finish(p, outcome{msg: nil, err: errs.New(component, errs.CodeCancelled,
			errs.WithReqID(p.id), errs.WithMessage("client closed"))})
	}
	if len(pending) > 0 {
		c.logger.Info("rejected pending requests on close", observability.F("count", len(pending)))
	}
}

func resultOf(err error) string {
	switch errs.CodeOf(err) {
	case "":
		if err == nil {
			return telemetry.ResultSuccess
		}
		return telemetry.ResultError
	case errs.CodeRequestTimeout:
		return telemetry.ResultTimeout
	case errs.CodeCancelled:
		return telemetry.ResultCancel
	default:
		return telemetry.ResultError
	}
}
