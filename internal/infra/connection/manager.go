package connection

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/infra/telemetry"
	"github.com/coachpo/tickwire/internal/infra/transport"
	"github.com/coachpo/tickwire/internal/observability"
)

const component = "connection"

var pingFrame = []byte(`{"ping":1}`)

// link is one physical transport connection. Timers and goroutines owned by a
// link stop when its context is cancelled.
type link struct {
	id     uint64
	conn   transport.Conn
	ctx    context.Context
	cancel context.CancelFunc
	pong   chan struct{}
}

// Manager owns the single transport link shared by every component.
//
// mu guards state, the outbound buffer and every write, so frames reach the
// socket in the order Send was called, with buffered frames first.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	bus     eventbus.Bus
	logger  observability.Logger
	metrics *managerMetrics
	flight  singleflight.Group

	mu             sync.Mutex
	state          State
	link           *link
	nextLinkID     uint64
	gen            uint64
	epoch          uint64
	opened         bool
	buffer         [][]byte
	attempt        int
	exhausted      bool
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	lifeCtx        context.Context
	lifeCancel     context.CancelFunc
	closeCh        chan struct{}

	// observeDelay is invoked with every scheduled reconnect delay.
	observeDelay func(attempt int, delay time.Duration)
}

// NewManager constructs a manager in the Disconnected state. Nothing is dialed
// until Connect or Send is called.
func NewManager(cfg Config, dialer transport.Dialer, bus eventbus.Bus, logger observability.Logger) *Manager {
	cfg = cfg.normalize()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:            cfg,
		dialer:         dialer,
		bus:            bus,
		logger:         observability.OrDefault(logger),
		metrics:        newManagerMetrics(),
		flight:         singleflight.Group{},
		mu:             sync.Mutex{},
		state:          StateDisconnected,
		link:           nil,
		nextLinkID:     0,
		gen:            0,
		epoch:          0,
		opened:         false,
		buffer:         nil,
		attempt:        0,
		exhausted:      false,
		backoff:        newBackoff(cfg),
		reconnectTimer: nil,
		lifeCtx:        lifeCtx,
		lifeCancel:     lifeCancel,
		closeCh:        make(chan struct{}),
		observeDelay:   nil,
	}
}

func newBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBase
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.ReconnectCap
	b.Reset()
	return b
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Epoch reports how many times the link reached Open.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Buffered reports the number of frames waiting for the next open.
func (m *Manager) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffer)
}

// Connect opens the link. Concurrent callers share one in-flight attempt and
// observe its outcome. It fails with connect_timeout when the transport does
// not open within ConnectTimeout and with cancelled when Close interrupts it.
func (m *Manager) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		m.mu.Unlock()
		return nil
	case StateClosing:
		m.mu.Unlock()
		return errs.New(component, errs.CodeCancelled, errs.WithMessage("connection closing"))
	}
	if m.exhausted {
		// An explicit connect starts a fresh retry budget.
		m.exhausted = false
		m.attempt = 0
		m.backoff.Reset()
	}
	gen := m.gen
	closeCh := m.closeCh
	m.mu.Unlock()

	result := m.flight.DoChan("connect-"+strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, m.dial(gen)
	})
	select {
	case res := <-result:
		return res.Err
	case <-closeCh:
		return errs.New(component, errs.CodeCancelled, errs.WithMessage("connection closed"))
	case <-ctx.Done():
		return errs.New(component, errs.CodeCancelled, errs.WithMessage("connect abandoned"), errs.WithCause(ctx.Err()))
	}
}

// dial runs one connection attempt for generation gen.
func (m *Manager) dial(gen uint64) error {
	m.mu.Lock()
	if m.gen != gen || m.state == StateClosing {
		m.mu.Unlock()
		return errs.New(component, errs.CodeCancelled, errs.WithMessage("connection closed"))
	}
	if m.state == StateOpen {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectTimerLocked()
	m.setStateLocked(StateConnecting)
	lifeCtx := m.lifeCtx
	m.mu.Unlock()

	start := time.Now()
	dialCtx, cancel := context.WithTimeout(lifeCtx, m.cfg.ConnectTimeout)
	conn, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if lifeCtx.Err() != nil {
			m.metrics.recordConnect(start, telemetry.ResultCancel)
			return errs.New(component, errs.CodeCancelled, errs.WithMessage("connection closed"), errs.WithCause(err))
		}
		var failure *errs.E
		if timedOut || errors.Is(err, context.DeadlineExceeded) {
			m.metrics.recordConnect(start, telemetry.ResultTimeout)
			failure = errs.New(component, errs.CodeConnectTimeout,
				errs.WithMessage("transport did not open within "+m.cfg.ConnectTimeout.String()),
				errs.WithCause(err))
		} else {
			m.metrics.recordConnect(start, telemetry.ResultError)
			failure = errs.New(component, errs.CodeTransport, errs.WithMessage("dial failed"), errs.WithCause(err))
		}
		m.attemptFailed(gen, failure)
		return failure
	}
	m.metrics.recordConnect(start, telemetry.ResultSuccess)
	return m.open(gen, conn)
}

// open installs conn as the live link, flushes the buffer and starts the
// read loop and heartbeat.
func (m *Manager) open(gen uint64, conn transport.Conn) error {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = conn.Close(transport.StatusNormalClosure, "superseded")
		return errs.New(component, errs.CodeCancelled, errs.WithMessage("connection closed"))
	}

	m.nextLinkID++
	ctx, cancel := context.WithCancel(m.lifeCtx)
	l := &link{
		id:     m.nextLinkID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		pong:   make(chan struct{}, 1),
	}

	flushed := 0
	for _, frame := range m.buffer {
		if err := m.writeLocked(l, frame); err != nil {
			m.buffer = m.buffer[flushed:]
			m.metrics.adjustBuffered(-flushed)
			m.mu.Unlock()
			cancel()
			_ = conn.Close(transport.StatusAbnormal, "flush failed")
			failure := errs.New(component, errs.CodeTransport, errs.WithMessage("flush buffered frames"), errs.WithCause(err))
			m.attemptFailed(gen, failure)
			return failure
		}
		flushed++
	}
	m.buffer = nil
	m.metrics.adjustBuffered(-flushed)

	m.link = l
	m.setStateLocked(StateOpen)
	m.attempt = 0
	m.exhausted = false
	m.backoff.Reset()
	m.epoch++
	epoch := m.epoch
	reconnect := m.opened
	m.opened = true
	m.mu.Unlock()

	m.logger.Info("connection open",
		observability.F("url", m.cfg.URL),
		observability.F("epoch", epoch),
		observability.F("flushed", flushed))
	m.bus.Publish(eventbus.OpenEvent(epoch, reconnect))

	go m.readLoop(l)
	go m.heartbeat(l)
	return nil
}

// Send writes frame immediately when Open; otherwise it is buffered and a
// connect is triggered unless one is already running or scheduled.
func (m *Manager) Send(frame map[string]any) error {
	data, err := schema.Encode(frame)
	if err != nil {
		return err
	}
	return m.SendRaw(data)
}

// SendRaw is Send for an already encoded frame.
func (m *Manager) SendRaw(data []byte) error {
	m.mu.Lock()
	switch m.state {
	case StateOpen:
		l := m.link
		if err := m.writeLocked(l, data); err != nil {
			// The link is broken: keep the frame for the next open.
			m.buffer = append(m.buffer, data)
			m.metrics.adjustBuffered(1)
			m.mu.Unlock()
			m.dropLink(l, transport.StatusAbnormal, "write failed",
				errs.New(component, errs.CodeTransport, errs.WithMessage("write failed"), errs.WithCause(err)))
			return nil
		}
		m.mu.Unlock()
		return nil
	case StateClosing:
		m.mu.Unlock()
		return errs.New(component, errs.CodeCancelled, errs.WithMessage("connection closing"))
	}

	m.buffer = append(m.buffer, data)
	m.metrics.adjustBuffered(1)
	trigger := m.state == StateDisconnected && m.reconnectTimer == nil
	m.mu.Unlock()

	if trigger {
		go func() {
			if err := m.Connect(context.Background()); err != nil {
				m.logger.Debug("connect triggered by send failed", observability.F("error", err))
			}
		}()
	}
	return nil
}

// TrySend writes frame only when the link is Open and reports the epoch it was
// written on. It never buffers.
func (m *Manager) TrySend(frame map[string]any) (uint64, error) {
	data, err := schema.Encode(frame)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return 0, errs.New(component, errs.CodeNotConnected, errs.WithMessage("connection is "+m.state.String()))
	}
	l := m.link
	epoch := m.epoch
	if err := m.writeLocked(l, data); err != nil {
		m.mu.Unlock()
		m.dropLink(l, transport.StatusAbnormal, "write failed",
			errs.New(component, errs.CodeTransport, errs.WithMessage("write failed"), errs.WithCause(err)))
		return 0, errs.New(component, errs.CodeNotConnected, errs.WithMessage("write failed"), errs.WithCause(err))
	}
	m.mu.Unlock()
	return epoch, nil
}

func (m *Manager) writeLocked(l *link, data []byte) error {
	ctx, cancel := context.WithTimeout(l.ctx, m.cfg.WriteTimeout)
	defer cancel()
	return l.conn.Write(ctx, data)
}

func (m *Manager) readLoop(l *link) {
	for {
		data, err := l.conn.Read(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			code, reason := transport.StatusAbnormal, err.Error()
			if ce, ok := transport.AsCloseError(err); ok {
				code, reason = ce.Code, ce.Reason
			}
			m.dropLink(l, code, reason,
				errs.New(component, errs.CodeTransport, errs.WithMessage("link lost"), errs.WithCause(err)))
			return
		}

		msg, err := schema.DecodeMessage(data)
		if err != nil {
			m.metrics.recordMalformed()
			m.logger.Warn("dropping malformed frame",
				observability.F("error", err),
				observability.F("bytes", len(data)))
			continue
		}
		if msg.IsPong() {
			select {
			case l.pong <- struct{}{}:
			default:
			}
			continue
		}
		m.bus.Publish(eventbus.MessageEvent(msg))
	}
}

// heartbeat pings every PingInterval and declares the link dead when no pong
// arrives within StallTimeout of a ping.
func (m *Manager) heartbeat(l *link) {
	interval := time.NewTimer(m.cfg.PingInterval)
	defer interval.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-interval.C:
		}

		select {
		case <-l.pong:
		default:
		}
		if !m.writeIfCurrent(l, pingFrame) {
			return
		}

		stall := time.NewTimer(m.cfg.StallTimeout)
		select {
		case <-l.ctx.Done():
			stall.Stop()
			return
		case <-l.pong:
			stall.Stop()
			interval.Reset(m.cfg.PingInterval)
		case <-stall.C:
			m.metrics.recordStall()
			m.logger.Warn("heartbeat stalled",
				observability.F("url", m.cfg.URL),
				observability.F("stall_timeout", m.cfg.StallTimeout.String()))
			m.dropLink(l, transport.StatusGoingAway, "stalled",
				errs.New(component, errs.CodeStalled,
					errs.WithMessage("no pong within "+m.cfg.StallTimeout.String())))
			return
		}
	}
}

func (m *Manager) writeIfCurrent(l *link, data []byte) bool {
	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return false
	}
	err := m.writeLocked(l, data)
	m.mu.Unlock()
	if err != nil {
		m.dropLink(l, transport.StatusAbnormal, "write failed",
			errs.New(component, errs.CodeTransport, errs.WithMessage("ping failed"), errs.WithCause(err)))
		return false
	}
	return true
}

// dropLink tears down l after an unrequested loss and schedules a reconnect.
// Calls for a link that is no longer current are ignored.
func (m *Manager) dropLink(l *link, code int, reason string, cause *errs.E) {
	m.mu.Lock()
	if m.link != l || l == nil {
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.setStateLocked(StateDisconnected)
	gen := m.gen
	m.mu.Unlock()

	l.cancel()
	_ = l.conn.Close(code, reason)

	clean := cause.Code != errs.CodeStalled &&
		(code == transport.StatusNormalClosure || code == transport.StatusGoingAway)
	m.logger.Warn("connection lost",
		observability.F("code", code),
		observability.F("reason", reason),
		observability.F("error", cause))
	m.bus.Publish(eventbus.CloseEvent(code, reason, clean))
	m.bus.Publish(eventbus.ErrorEvent(cause, false))
	m.scheduleReconnect(gen)
}

// attemptFailed records a failed dial. The first failure of a retry cycle is
// published; later ones are only logged until the budget runs out.
func (m *Manager) attemptFailed(gen uint64, failure *errs.E) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateDisconnected)
	retrying := m.attempt > 0
	attempt := m.attempt
	m.mu.Unlock()

	if retrying {
		m.logger.Debug("reconnect attempt failed",
			observability.F("attempt", attempt),
			observability.F("error", failure))
	} else {
		m.logger.Warn("connect failed", observability.F("error", failure))
		m.bus.Publish(eventbus.ErrorEvent(failure, false))
	}
	m.scheduleReconnect(gen)
}

func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateDisconnected || m.link != nil || m.reconnectTimer != nil || m.exhausted {
		m.mu.Unlock()
		return
	}
	if m.attempt >= m.cfg.MaxReconnectAttempts {
		m.exhausted = true
		attempts := m.attempt
		m.mu.Unlock()
		terminal := errs.New(component, errs.CodeMaxReconnectAttempts,
			errs.WithMessage("gave up after "+strconv.Itoa(attempts)+" reconnect attempts"))
		m.logger.Error("reconnect budget exhausted", observability.F("attempts", attempts))
		m.bus.Publish(eventbus.ErrorEvent(terminal, true))
		return
	}
	delay := m.backoff.NextBackOff()
	if delay == backoff.Stop || delay > m.cfg.ReconnectCap {
		delay = m.cfg.ReconnectCap
	}
	m.attempt++
	attempt := m.attempt
	if m.observeDelay != nil {
		m.observeDelay(attempt, delay)
	}
	m.reconnectTimer = time.AfterFunc(delay, func() { m.reconnectFired(gen) })
	m.mu.Unlock()

	m.metrics.recordReconnect()
	m.logger.Info("reconnect scheduled",
		observability.F("attempt", attempt),
		observability.F("delay", delay.String()))
}

func (m *Manager) reconnectFired(gen uint64) {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.mu.Unlock()

	m.flight.DoChan("connect-"+strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, m.dial(gen)
	})
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	m.metrics.recordTransition(state)
}

// Close stops every timer, drops the buffer, rejects in-flight Connect callers
// with cancelled and closes the link. It never triggers a reconnect and is
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == StateClosing {
		m.mu.Unlock()
		return nil
	}
	active := m.state != StateDisconnected || m.link != nil || m.reconnectTimer != nil || len(m.buffer) > 0
	m.setStateLocked(StateClosing)
	m.gen++
	m.stopReconnectTimerLocked()
	m.lifeCancel()
	m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	close(m.closeCh)
	m.closeCh = make(chan struct{})
	m.metrics.adjustBuffered(-len(m.buffer))
	m.buffer = nil
	l := m.link
	m.link = nil
	m.attempt = 0
	m.exhausted = false
	m.backoff.Reset()
	m.mu.Unlock()

	var closeErr error
	if l != nil {
		l.cancel()
		if err := l.conn.Close(transport.StatusNormalClosure, "client closed"); err != nil {
			closeErr = errs.New(component, errs.CodeTransport, errs.WithMessage("close link"), errs.WithCause(err))
		}
	}

	m.mu.Lock()
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if active {
		m.logger.Info("connection closed", observability.F("url", m.cfg.URL))
		m.bus.Publish(eventbus.CloseEvent(transport.StatusNormalClosure, "client closed", true))
	}
	return closeErr
}
