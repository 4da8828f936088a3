package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/app/session"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/domain/sessionstore"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/infra/config"
	"github.com/coachpo/tickwire/internal/infra/connection"
	"github.com/coachpo/tickwire/internal/infra/transport"
)

const waitFor = 2 * time.Second

func testConfig() Config {
	cfg := DefaultConfig("mem://stream")
	cfg.Connection.ConnectTimeout = time.Second
	cfg.Connection.PingInterval = time.Hour
	cfg.Connection.StallTimeout = time.Hour
	cfg.Connection.ReconnectBase = 5 * time.Millisecond
	cfg.Connection.ReconnectCap = 20 * time.Millisecond
	cfg.Requests.Timeout = time.Second
	cfg.Subscriptions.ControlRate = 0
	return cfg
}

func newTestClient(t *testing.T, dialer *transport.MemoryDialer, opts ...Option) *Client {
	t.Helper()
	c, err := New(testConfig(), append([]Option{WithDialer(dialer)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func accept(t *testing.T, dialer *transport.MemoryDialer) *transport.ServerConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	server, err := dialer.Accept(ctx)
	require.NoError(t, err)
	return server
}

func nextFrame(t *testing.T, server *transport.ServerConn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	frame, err := server.NextJSON(ctx)
	require.NoError(t, err)
	return frame
}

func reqID(frame map[string]any) int64 {
	v, _ := frame[schema.ReqIDField].(float64)
	return int64(v)
}

type messageCounter struct {
	mu    sync.Mutex
	count map[string]int
}

func (m *messageCounter) consume(evt eventbus.Event) {
	if evt.Kind != eventbus.KindMessage {
		return
	}
	m.mu.Lock()
	m.count[evt.Message.Type]++
	m.mu.Unlock()
}

func (m *messageCounter) of(msgType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[msgType]
}

// accountServer answers authorize, balance and forget_all like the real server.
type accountServer struct {
	server *transport.ServerConn
	// holds delays the authorize answer for a token until the channel closes.
	mu       sync.Mutex
	holds    map[string]chan struct{}
	received chan string
	current  string
}

var serverAccounts = map[string]map[string]any{
	"a1-real": {"loginid": "CR1", "currency": "USD", "is_virtual": 0, "balance": 100},
	"a1-demo": {"loginid": "VR1", "currency": "USD", "is_virtual": 1, "balance": 10000},
}

func serveAccounts(t *testing.T, server *transport.ServerConn) *accountServer {
	s := &accountServer{server: server, holds: make(map[string]chan struct{}), received: make(chan string, 16)}
	go func() {
		for {
			frame, err := server.NextJSON(context.Background())
			if err != nil {
				return
			}
			s.answer(t, frame)
		}
	}()
	return s
}

func (s *accountServer) hold(token string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.holds[token] = ch
	s.mu.Unlock()
	return ch
}

func (s *accountServer) answer(t *testing.T, frame map[string]any) {
	id := reqID(frame)
	switch {
	case frame["authorize"] != nil:
		token, _ := frame["authorize"].(string)
		s.mu.Lock()
		hold := s.holds[token]
		delete(s.holds, token)
		s.mu.Unlock()
		s.received <- token
		if hold != nil {
			<-hold
		}
		acct, ok := serverAccounts[token]
		if !ok {
			_ = s.server.PushJSON(map[string]any{
				"msg_type": "authorize", "req_id": id,
				"error": map[string]any{"code": "InvalidToken", "message": "The token is invalid."},
			})
			return
		}
		s.mu.Lock()
		s.current = acct["loginid"].(string)
		s.mu.Unlock()
		_ = s.server.PushJSON(map[string]any{"msg_type": "authorize", "req_id": id, "authorize": acct})
	case frame["balance"] != nil:
		s.mu.Lock()
		current := s.current
		s.mu.Unlock()
		_ = s.server.PushJSON(map[string]any{
			"msg_type": "balance", "req_id": id,
			"balance":      map[string]any{"id": "bal-" + current, "loginid": current, "currency": "USD", "balance": serverAccounts[tokenOf(current)]["balance"]},
			"subscription": map[string]any{"id": "bal-" + current},
		})
	case frame["forget_all"] != nil:
		_ = s.server.PushJSON(map[string]any{"msg_type": "forget_all", "req_id": id, "forget_all": []string{}})
	case id != 0:
		_ = s.server.PushJSON(map[string]any{
			"msg_type": "error", "req_id": id,
			"error": map[string]any{"code": "UnrecognisedRequest", "message": "Unrecognised request."},
		})
	}
}

func tokenOf(loginID string) string {
	for token, acct := range serverAccounts {
		if acct["loginid"] == loginID {
			return token
		}
	}
	return ""
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestColdStartDeliversTickToEveryConsumer(t *testing.T) {
	dialer := transport.NewMemoryDialer()
	c := newTestClient(t, dialer)

	const consumers = 3
	counters := make([]*messageCounter, consumers)
	for i := range counters {
		counters[i] = &messageCounter{count: make(map[string]int)}
		release := c.Subscribe(counters[i].consume)
		t.Cleanup(release)
	}

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	server := accept(t, dialer)
	require.Equal(t, connection.StateOpen, c.State())

	require.NoError(t, c.SubscribeToSymbol(ctx, "R_10"))
	require.NoError(t, c.SubscribeToSymbol(ctx, "R_10"))
	frame := nextFrame(t, server)
	require.Equal(t, "R_10", frame["ticks"])
	require.Equal(t, float64(1), frame["subscribe"])

	require.NoError(t, server.PushJSON(map[string]any{
		"msg_type":     "tick",
		"echo_req":     map[string]any{"ticks": "R_10", "subscribe": 1},
		"subscription": map[string]any{"id": "sub-r10"},
		"tick":         map[string]any{"symbol": "R_10", "quote": 100.5, "epoch": 1000, "id": "sub-r10"},
	}))

	for _, counter := range counters {
		require.Eventually(t, func() bool { return counter.of(schema.MsgTick) == 1 }, waitFor, time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	for _, counter := range counters {
		require.Equal(t, 1, counter.of(schema.MsgTick))
	}
	require.Equal(t, []string{"sub-r10"}, []string{c.Subscriptions()[0].ServerID})
}

func TestBufferedSendFlushesBeforeLaterFrames(t *testing.T) {
	dialer := transport.NewMemoryDialer()
	c := newTestClient(t, dialer)

	require.NoError(t, c.Send(map[string]any{"ticks_history": "R_10", "count": 1}))
	server := accept(t, dialer)
	require.Eventually(t, func() bool { return c.State() == connection.StateOpen }, waitFor, time.Millisecond)
	require.NoError(t, c.Send(map[string]any{"ticks_history": "R_25", "count": 1}))

	require.Equal(t, "R_10", nextFrame(t, server)["ticks_history"])
	require.Equal(t, "R_25", nextFrame(t, server)["ticks_history"])
}

func TestSendCorrelatedErrorOnlyReachesCaller(t *testing.T) {
	dialer := transport.NewMemoryDialer()
	c := newTestClient(t, dialer)
	var mu sync.Mutex
	var broadcast []eventbus.Event
	t.Cleanup(c.Subscribe(func(evt eventbus.Event) {
		if evt.Kind == eventbus.KindError {
			mu.Lock()
			broadcast = append(broadcast, evt)
			mu.Unlock()
		}
	}))

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	serveAccounts(t, accept(t, dialer))

	_, err := c.SendCorrelated(ctx, map[string]any{"mystery": 1})
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeServer, e.Code)
	require.Equal(t, "UnrecognisedRequest", e.RawCode)

	mu.Lock()
	defer mu.Unlock()
	require.Empty(t, broadcast)
}

func TestAccountSwitchEndToEnd(t *testing.T) {
	dialer := transport.NewMemoryDialer()
	store := sessionstore.NewMemoryStore()
	creds, err := ParseCredentials("acct1=CR1&token1=a1-real&cur1=USD&acct2=VR1&token2=a1-demo&cur2=USD")
	require.NoError(t, err)
	c := newTestClient(t, dialer, WithStore(store), WithSession(creds))

	ctx := context.Background()
	connected := make(chan error, 1)
	go func() { connected <- c.Connect(ctx) }()
	srv := serveAccounts(t, accept(t, dialer))
	require.NoError(t, <-connected)

	sess := c.Session()
	require.Equal(t, session.StateReady, sess.State())
	active, _ := sess.Active()
	require.Equal(t, "CR1", active.LoginID)
	for len(srv.received) > 0 {
		<-srv.received
	}

	release := srv.hold("a1-demo")
	switched := make(chan error, 1)
	go func() { switched <- c.SwitchAccount(ctx, "demo") }()
	select {
	case token := <-srv.received:
		require.Equal(t, "a1-demo", token)
	case <-time.After(waitFor):
		t.Fatal("switch did not authorize the demo token")
	}

	active, _ = sess.Active()
	require.Equal(t, "CR1", active.LoginID)
	require.NoError(t, srv.server.PushJSON(map[string]any{
		"msg_type":     "balance",
		"balance":      map[string]any{"id": "bal-CR1", "loginid": "CR1", "currency": "USD", "balance": 175.5},
		"subscription": map[string]any{"id": "bal-CR1"},
	}))
	require.Eventually(t, func() bool {
		return sess.Accounts(schema.PoolReal)[0].Balance.Equal(decimal.RequireFromString("175.5"))
	}, waitFor, time.Millisecond)
	current, _ := sess.CurrentBalance()
	require.True(t, current.Equal(decimal.NewFromInt(100)))

	close(release)
	require.NoError(t, <-switched)
	active, _ = sess.Active()
	require.Equal(t, "VR1", active.LoginID)
	current, _ = sess.CurrentBalance()
	require.True(t, current.Equal(decimal.NewFromInt(10000)))

	persisted, ok, err := store.Get(ctx, sessionstore.KeyActiveLoginID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "VR1", persisted)

	require.Equal(t, errs.CodeInvalid, errs.CodeOf(c.SwitchAccount(ctx, "gold")))
}

func TestCloseRejectsPendingAndIsIdempotent(t *testing.T) {
	dialer := transport.NewMemoryDialer()
	c, err := New(testConfig(), WithDialer(dialer))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	server := accept(t, dialer)

	result := make(chan error, 1)
	go func() {
		_, err := c.SendCorrelated(ctx, map[string]any{"ticks_history": "R_10"})
		result <- err
	}()
	nextFrame(t, server)

	require.NoError(t, c.Close())
	select {
	case err := <-result:
		require.Equal(t, errs.CodeCancelled, errs.CodeOf(err))
	case <-time.After(waitFor):
		t.Fatal("pending request not rejected on close")
	}
	require.NoError(t, c.Close())
	require.Equal(t, connection.StateDisconnected, c.State())
	require.Empty(t, c.Subscriptions())
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(c.SubscribeToSymbol(ctx, "R_10")))
}

func TestConfigFromApp(t *testing.T) {
	app := config.Default()
	app.Endpoint.AppID = "99"
	app.Connection.MaxReconnectAttempts = 3

	cfg, err := ConfigFromApp(app)
	require.NoError(t, err)
	require.Equal(t, "wss://ws.derivws.com/websockets/v3?app_id=99&l=EN", cfg.Connection.URL)
	require.Equal(t, 3, cfg.Connection.MaxReconnectAttempts)
	require.Equal(t, "USD", cfg.Session.PreferredCurrency)
	require.Equal(t, app.Requests.Timeout, cfg.Requests.Timeout)
}

func TestCloseDuringSwitchAfterReconnectCancelsPromptly(t *testing.T) {
	dialer := transport.NewMemoryDialer()
	creds, err := ParseCredentials("a1-real,a1-demo")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Requests.Timeout = 10 * time.Second
	c, err := New(cfg, WithDialer(dialer), WithSession(creds))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	connected := make(chan error, 1)
	go func() { connected <- c.Connect(ctx) }()
	srv := serveAccounts(t, accept(t, dialer))
	require.NoError(t, <-connected)
	for len(srv.received) > 0 {
		<-srv.received
	}

	release := srv.hold("a1-demo")
	t.Cleanup(func() { close(release) })
	switched := make(chan error, 1)
	go func() { switched <- c.SwitchAccount(ctx, "demo") }()
	select {
	case token := <-srv.received:
		require.Equal(t, "a1-demo", token)
	case <-time.After(waitFor):
		t.Fatal("switch did not authorize the demo token")
	}

	srv.server.Drop(1006, "abnormal closure")
	accept(t, dialer)
	require.Eventually(t, func() bool { return c.State() == connection.StateOpen }, waitFor, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close())
	require.Less(t, time.Since(start), time.Second)

	select {
	case err := <-switched:
		require.Equal(t, errs.CodeCancelled, errs.CodeOf(err))
	case <-time.After(waitFor):
		t.Fatal("switch not released by close")
	}
}

func TestResubscribeBeforeConfirmationKeepsStream(t *testing.T) {
	dialer := transport.NewMemoryDialer()
	c := newTestClient(t, dialer)
	counter := &messageCounter{count: make(map[string]int)}
	t.Cleanup(c.Subscribe(counter.consume))
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	server := accept(t, dialer)

	require.NoError(t, c.SubscribeToSymbol(ctx, "R_10"))
	first := nextFrame(t, server)
	require.NoError(t, c.Unsubscribe("R_10"))
	require.NoError(t, c.SubscribeToSymbol(ctx, "R_10"))
	second := nextFrame(t, server)

	tick := map[string]any{"symbol": "R_10", "quote": 100.5, "epoch": 1000, "id": "X"}
	require.NoError(t, server.PushJSON(map[string]any{
		"msg_type": "tick", "echo_req": first, "subscription": map[string]any{"id": "X"}, "tick": tick,
	}))
	require.NoError(t, server.PushJSON(map[string]any{
		"msg_type": "tick", "echo_req": second,
		"error": map[string]any{"code": "AlreadySubscribed", "message": "You are already subscribed to R_10."},
	}))
	require.NoError(t, server.PushJSON(map[string]any{
		"msg_type": "tick", "echo_req": first, "subscription": map[string]any{"id": "X"}, "tick": tick,
	}))

	require.Eventually(t, func() bool { return counter.of(schema.MsgTick) == 3 }, waitFor, time.Millisecond)
	active := c.Subscriptions()
	require.Len(t, active, 1)
	require.Equal(t, "X", active[0].ServerID)

	// The next frame on the wire is the marker, not a forget for X.
	require.NoError(t, c.Send(map[string]any{"time": 1}))
	require.Equal(t, map[string]any{"time": float64(1)}, nextFrame(t, server))
	require.Len(t, c.Subscriptions(), 1)
}
