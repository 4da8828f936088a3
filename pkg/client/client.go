// Package client is the consumer-facing entry point: one Client owns one
// resilient connection and everything layered on it.
package client

import (
	"context"
	"strings"
	"sync"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/app/correlator"
	"github.com/coachpo/tickwire/internal/app/session"
	"github.com/coachpo/tickwire/internal/app/subscription"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/domain/sessionstore"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/infra/connection"
	"github.com/coachpo/tickwire/internal/infra/transport"
	"github.com/coachpo/tickwire/internal/observability"
)

const component = "client"

// Option configures optional Client collaborators.
type Option func(*Client)

// WithDialer replaces the websocket dialer, typically with transport.MemoryDialer in tests.
func WithDialer(dialer transport.Dialer) Option {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// WithLogger sets the logger shared by every component.
func WithLogger(logger observability.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStore persists session state in store. The caller keeps ownership.
func WithStore(store sessionstore.Store) Option {
	return func(c *Client) {
		if store != nil {
			c.store = store
		}
	}
}

// WithSession authorizes creds on Connect.
func WithSession(creds []schema.Credential) Option {
	return func(c *Client) {
		c.creds = append([]schema.Credential(nil), creds...)
	}
}

// Client wires the bus, connection manager, subscription registry, request
// correlator and account session of one logical connection.
type Client struct {
	cfg    Config
	dialer transport.Dialer
	logger observability.Logger
	store  sessionstore.Store
	creds  []schema.Credential

	bus      *eventbus.MemoryBus
	conn     *connection.Manager
	registry *subscription.Registry
	requests *correlator.Correlator
	session  *session.Manager

	closeOnce sync.Once
	closeErr  error
}

// New constructs a Client. Nothing is dialed until Connect or the first send.
func New(cfg Config, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Connection.URL) == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("connection url required"))
	}
	c := &Client{
		cfg:       cfg,
		dialer:    nil,
		logger:    nil,
		store:     nil,
		creds:     nil,
		bus:       nil,
		conn:      nil,
		registry:  nil,
		requests:  nil,
		session:   nil,
		closeOnce: sync.Once{},
		closeErr:  nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = observability.OrDefault(c.logger)
	if c.dialer == nil {
		c.dialer = transport.NewWebsocketDialer(cfg.ReadLimitBytes)
	}
	if c.store == nil {
		c.store = sessionstore.NewMemoryStore()
	}

	c.bus = eventbus.NewMemoryBus(eventbus.MemoryConfig{Logger: c.logger, QueueWarnDepth: cfg.QueueWarnDepth})
	c.conn = connection.NewManager(cfg.Connection, c.dialer, c.bus, c.logger)
	c.registry = subscription.NewRegistry(c.conn, c.bus, cfg.Subscriptions, c.logger)
	requests, err := correlator.New(c.conn, c.bus, cfg.Requests, c.logger)
	if err != nil {
		c.registry.Close()
		_ = c.conn.Close()
		c.bus.Close()
		return nil, err
	}
	c.requests = requests
	c.session = session.NewManager(c.requests, c.bus, c.store, cfg.Session, c.logger)
	return c, nil
}

// Connect opens the link. With credentials from WithSession, or tokens
// persisted in the store, the session is authorized before returning.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	if c.session.State() != session.StateUnauthenticated {
		return nil
	}
	if len(c.creds) > 0 {
		return c.session.Authorize(ctx, c.creds)
	}
	return c.session.Start(ctx)
}

// Send writes frame, buffering it until the link is open.
func (c *Client) Send(frame map[string]any) error {
	return c.conn.Send(frame)
}

// Subscribe registers fn for every bus event and returns its release function.
func (c *Client) Subscribe(fn func(eventbus.Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	return c.bus.Scope(fn)
}

// SubscribeToSymbol starts a tick stream for symbol. Repeated calls are no-ops.
func (c *Client) SubscribeToSymbol(ctx context.Context, symbol string) error {
	return c.registry.SubscribeToSymbol(ctx, symbol)
}

// Unsubscribe stops the tick stream for symbol.
func (c *Client) Unsubscribe(symbol string) error {
	return c.registry.Unsubscribe(symbol)
}

// Subscriptions lists active tick streams.
func (c *Client) Subscriptions() []subscription.Subscription {
	return c.registry.Active()
}

// SendCorrelated sends payload with a fresh req_id and waits for its response.
func (c *Client) SendCorrelated(ctx context.Context, payload map[string]any) (*schema.Message, error) {
	return c.requests.SendCorrelated(ctx, schema.Request(payload))
}

// SwitchAccount makes the first account of pool ("real" or "demo") active.
func (c *Client) SwitchAccount(ctx context.Context, pool string) error {
	p, ok := schema.ParsePool(pool)
	if !ok {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("unknown account pool "+pool))
	}
	return c.session.SwitchAccount(ctx, p)
}

// Session exposes the account session.
func (c *Client) Session() *session.Manager {
	return c.session
}

// State reports the connection state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// Close cancels pending requests, clears subscriptions, closes the link and
// releases every consumer. It is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.session.Stop()
		c.requests.Close()
		c.session.Wait()
		c.registry.Close()
		connErr := c.conn.Close()
		c.bus.Close()
		c.closeErr = observability.AggregateErrors(c.logger, "client close", []error{connErr},
			observability.F("url", c.cfg.Connection.URL))
	})
	return c.closeErr
}
