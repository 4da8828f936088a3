package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/domain/sessionstore"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
)

type fakeAccount struct {
	loginID  string
	currency string
	virtual  bool
	balance  string
}

type fakeRequester struct {
	t *testing.T

	mu       sync.Mutex
	accounts map[string]fakeAccount
	invalid  map[string]bool
	// override answers an authorize for token with a different login id.
	override map[string]string
	gates    map[string]chan struct{}
	gated    chan string
	requests []schema.Request
}

func newFakeRequester(t *testing.T) *fakeRequester {
	return &fakeRequester{
		t:        t,
		accounts: make(map[string]fakeAccount),
		invalid:  make(map[string]bool),
		override: make(map[string]string),
		gates:    make(map[string]chan struct{}),
		gated:    make(chan string, 4),
	}
}

func (f *fakeRequester) add(token string, acct fakeAccount) {
	f.mu.Lock()
	f.accounts[token] = acct
	f.mu.Unlock()
}

func (f *fakeRequester) setInvalid(token string) {
	f.mu.Lock()
	f.invalid[token] = true
	f.mu.Unlock()
}

func (f *fakeRequester) gate(token string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[token] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeRequester) SendCorrelated(ctx context.Context, payload schema.Request) (*schema.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, payload.Clone())
	f.mu.Unlock()

	switch payload.Type() {
	case schema.MsgAuthorize:
		token, _ := payload[schema.MsgAuthorize].(string)
		f.mu.Lock()
		gate := f.gates[token]
		delete(f.gates, token)
		f.mu.Unlock()
		if gate != nil {
			f.gated <- token
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, errs.New("correlator", errs.CodeCancelled, errs.WithCause(ctx.Err()))
			}
		}

		f.mu.Lock()
		acct, ok := f.accounts[token]
		invalid := f.invalid[token]
		override := f.override[token]
		f.mu.Unlock()
		if invalid || !ok {
			return nil, errs.New("correlator", errs.CodeInvalidToken,
				errs.WithRawCode("InvalidToken"), errs.WithRawMessage("The token is invalid."))
		}
		if override != "" {
			acct.loginID = override
		}
		return decode(f.t, fmt.Sprintf(
			`{"msg_type":"authorize","req_id":1,"authorize":{"loginid":%q,"currency":%q,"is_virtual":%d,"balance":%s}}`,
			acct.loginID, acct.currency, boolInt(acct.virtual), acct.balance)), nil
	case schema.MsgBalance:
		return decode(f.t, `{"msg_type":"balance","req_id":2,"balance":{"id":"b1","loginid":"","currency":"USD","balance":0},"subscription":{"id":"b1"}}`), nil
	default:
		return decode(f.t, fmt.Sprintf(`{"msg_type":%q,"req_id":3}`, payload.Type())), nil
	}
}

func (f *fakeRequester) authorizedTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, req := range f.requests {
		if token, ok := req[schema.MsgAuthorize].(string); ok {
			out = append(out, token)
		}
	}
	return out
}

func (f *fakeRequester) count(msgType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req.Type() == msgType {
			n++
		}
	}
	return n
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func decode(t *testing.T, raw string) *schema.Message {
	t.Helper()
	msg, err := schema.DecodeMessage([]byte(raw))
	require.NoError(t, err)
	return msg
}

func balancePush(t *testing.T, loginID, amount string) eventbus.Event {
	return eventbus.MessageEvent(decode(t, fmt.Sprintf(
		`{"msg_type":"balance","balance":{"id":"b1","loginid":%q,"currency":"USD","balance":%s},"subscription":{"id":"b1"}}`,
		loginID, amount)))
}

type harness struct {
	req    *fakeRequester
	bus    *eventbus.MemoryBus
	store  *sessionstore.MemoryStore
	mgr    *Manager
	mu     sync.Mutex
	errors []*errs.E
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		req:   newFakeRequester(t),
		bus:   eventbus.NewMemoryBus(eventbus.MemoryConfig{}),
		store: sessionstore.NewMemoryStore(),
	}
	h.bus.Register(func(evt eventbus.Event) {
		if evt.Kind == eventbus.KindError && evt.Failure != nil {
			h.mu.Lock()
			h.errors = append(h.errors, evt.Failure.Err)
			h.mu.Unlock()
		}
	})
	h.mgr = NewManager(h.req, h.bus, h.store, cfg, nil)
	t.Cleanup(func() {
		h.mgr.Close()
		h.bus.Close()
	})
	return h
}

func (h *harness) broadcastCodes() []errs.Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]errs.Code, 0, len(h.errors))
	for _, e := range h.errors {
		out = append(out, e.Code)
	}
	return out
}

func (h *harness) standardAccounts() {
	h.req.add("a1-real", fakeAccount{loginID: "CR1", currency: "USD", virtual: false, balance: "100"})
	h.req.add("a1-demo", fakeAccount{loginID: "VR1", currency: "USD", virtual: true, balance: "10000"})
}

func TestParseTokensOAuthQuery(t *testing.T) {
	creds, err := ParseTokens("https://app.example/redirect?acct1=cr1&token1=a1-real&cur1=usd&acct2=VR1&token2=a1-demo&cur2=USD")
	require.NoError(t, err)
	require.Equal(t, []schema.Credential{
		{LoginID: "CR1", Token: "a1-real", Currency: "USD"},
		{LoginID: "VR1", Token: "a1-demo", Currency: "USD"},
	}, creds)
}

func TestParseTokensPlainList(t *testing.T) {
	creds, err := ParseTokens("a1-one, a1-two  a1-one\na1-three")
	require.NoError(t, err)
	require.Len(t, creds, 3)
	require.Equal(t, "a1-two", creds[1].Token)
	require.Empty(t, creds[1].LoginID)

	_, err = ParseTokens("   ")
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestAuthorizeSelectsPreferredCurrency(t *testing.T) {
	h := newHarness(t, Config{PreferredCurrency: "usd"})
	h.req.add("t-eur", fakeAccount{loginID: "CR1", currency: "EUR", balance: "5"})
	h.req.add("t-usd", fakeAccount{loginID: "CR2", currency: "USD", balance: "50"})
	h.req.add("t-demo", fakeAccount{loginID: "VR1", currency: "USD", virtual: true, balance: "10000"})

	err := h.mgr.Authorize(context.Background(), []schema.Credential{{Token: "t-demo"}, {Token: "t-eur"}, {Token: "t-usd"}})
	require.NoError(t, err)

	require.Equal(t, StateReady, h.mgr.State())
	active, ok := h.mgr.Active()
	require.True(t, ok)
	require.Equal(t, "CR2", active.LoginID)
	require.Equal(t, []string{"t-demo", "t-eur", "t-usd", "t-usd"}, h.req.authorizedTokens())
	require.Equal(t, 1, h.req.count(schema.MsgBalance))

	balance, ok := h.mgr.CurrentBalance()
	require.True(t, ok)
	require.True(t, decimal.NewFromInt(50).Equal(balance))

	require.Len(t, h.mgr.Accounts(schema.PoolReal), 2)
	require.Len(t, h.mgr.Accounts(schema.PoolDemo), 1)

	persisted, ok, _ := h.store.Get(context.Background(), sessionstore.KeyActiveLoginID)
	require.True(t, ok)
	require.Equal(t, "CR2", persisted)
	raw, ok, _ := h.store.Get(context.Background(), sessionstore.KeyClientTokens)
	require.True(t, ok)
	creds, err := sessionstore.DecodeCredentials(raw)
	require.NoError(t, err)
	require.Len(t, creds, 3)
	require.Equal(t, "VR1", creds[0].LoginID)
}

func TestAuthorizeFallsBackToDemo(t *testing.T) {
	h := newHarness(t, Config{PreferredCurrency: "USD"})
	h.req.add("t-demo", fakeAccount{loginID: "VR1", currency: "USD", virtual: true, balance: "10000"})

	require.NoError(t, h.mgr.Authorize(context.Background(), []schema.Credential{{Token: "t-demo"}}))
	active, _ := h.mgr.Active()
	require.Equal(t, "VR1", active.LoginID)
}

func TestAuthorizeRecordsFailuresAndContinues(t *testing.T) {
	h := newHarness(t, Config{})
	h.standardAccounts()
	h.req.setInvalid("a1-expired")

	err := h.mgr.Authorize(context.Background(), []schema.Credential{{Token: "a1-expired"}, {Token: "a1-real"}})
	require.NoError(t, err)
	require.Equal(t, StateReady, h.mgr.State())

	failures := h.mgr.Failures()
	require.Len(t, failures, 1)
	require.Equal(t, errs.CodeInvalidToken, errs.CodeOf(failures[0].Err))
	require.NotContains(t, failures[0].Token, "expired")
	require.Equal(t, []errs.Code{errs.CodeInvalidToken}, h.broadcastCodes())
}

func TestAuthorizeAllInvalidEntersInvalid(t *testing.T) {
	h := newHarness(t, Config{})
	h.req.setInvalid("a1-bad")

	err := h.mgr.Authorize(context.Background(), []schema.Credential{{Token: "a1-bad"}})
	require.Equal(t, errs.CodeInvalidToken, errs.CodeOf(err))
	require.Equal(t, StateInvalid, h.mgr.State())
	_, ok := h.mgr.Active()
	require.False(t, ok)
}

func TestStartRestoresPersistedAccount(t *testing.T) {
	h := newHarness(t, Config{PreferredCurrency: "USD"})
	h.standardAccounts()
	ctx := context.Background()

	require.NoError(t, h.mgr.Start(ctx))
	require.Equal(t, StateUnauthenticated, h.mgr.State())

	encoded, err := sessionstore.EncodeCredentials([]schema.Credential{
		{LoginID: "CR1", Token: "a1-real"},
		{LoginID: "VR1", Token: "a1-demo"},
	})
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, sessionstore.KeyClientTokens, encoded))
	require.NoError(t, h.store.Set(ctx, sessionstore.KeyActiveLoginID, "VR1"))

	require.NoError(t, h.mgr.Start(ctx))
	active, ok := h.mgr.Active()
	require.True(t, ok)
	require.Equal(t, "VR1", active.LoginID)
}

func TestAccountSwitchWaitsForConfirmation(t *testing.T) {
	h := newHarness(t, Config{PreferredCurrency: "USD"})
	h.standardAccounts()
	ctx := context.Background()
	require.NoError(t, h.mgr.Authorize(ctx, []schema.Credential{{Token: "a1-real"}, {Token: "a1-demo"}}))
	active, _ := h.mgr.Active()
	require.Equal(t, "CR1", active.LoginID)

	release := h.req.gate("a1-demo")
	done := make(chan error, 1)
	go func() { done <- h.mgr.SwitchAccount(ctx, schema.PoolDemo) }()

	select {
	case token := <-h.req.gated:
		require.Equal(t, "a1-demo", token)
	case <-time.After(2 * time.Second):
		t.Fatal("switch never issued authorize")
	}

	require.Equal(t, StateSwitching, h.mgr.State())
	active, _ = h.mgr.Active()
	require.Equal(t, "CR1", active.LoginID, "active must not move before confirmation")

	err := h.mgr.SwitchAccount(ctx, schema.PoolReal)
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))

	h.bus.Publish(balancePush(t, "CR1", "250"))
	reals := h.mgr.Accounts(schema.PoolReal)
	require.Len(t, reals, 1)
	require.True(t, decimal.NewFromInt(250).Equal(reals[0].Balance))
	current, _ := h.mgr.CurrentBalance()
	require.True(t, decimal.NewFromInt(100).Equal(current), "visible balance changed mid-switch: %s", current)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("switch did not finish")
	}

	require.Equal(t, StateReady, h.mgr.State())
	active, _ = h.mgr.Active()
	require.Equal(t, "VR1", active.LoginID)
	current, _ = h.mgr.CurrentBalance()
	require.True(t, decimal.NewFromInt(10000).Equal(current))
	require.Equal(t, 1, h.req.count(schema.MsgForgetAll))

	h.bus.Publish(balancePush(t, "VR1", "9990.5"))
	current, _ = h.mgr.CurrentBalance()
	require.Equal(t, "9990.5", current.String())
}

func TestSwitchRejectsUnexpectedLoginID(t *testing.T) {
	h := newHarness(t, Config{})
	h.standardAccounts()
	ctx := context.Background()
	require.NoError(t, h.mgr.Authorize(ctx, []schema.Credential{{Token: "a1-real"}, {Token: "a1-demo"}}))

	h.req.mu.Lock()
	h.req.override["a1-demo"] = "CR1"
	h.req.mu.Unlock()

	err := h.mgr.SwitchAccount(ctx, schema.PoolDemo)
	require.Equal(t, errs.CodeServer, errs.CodeOf(err))
	require.Equal(t, StateReady, h.mgr.State())
	active, _ := h.mgr.Active()
	require.Equal(t, "CR1", active.LoginID)
}

func TestSwitchToEmptyPool(t *testing.T) {
	h := newHarness(t, Config{})
	h.req.add("a1-real", fakeAccount{loginID: "CR1", currency: "USD", balance: "1"})
	require.NoError(t, h.mgr.Authorize(context.Background(), []schema.Credential{{Token: "a1-real"}}))

	err := h.mgr.SwitchAccount(context.Background(), schema.PoolDemo)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	require.NoError(t, h.mgr.SwitchAccount(context.Background(), schema.PoolReal))
}

func TestReconnectReauthorizesActiveAccount(t *testing.T) {
	h := newHarness(t, Config{})
	h.standardAccounts()
	require.NoError(t, h.mgr.Authorize(context.Background(), []schema.Credential{{Token: "a1-real"}}))
	before := len(h.req.authorizedTokens())

	h.bus.Publish(eventbus.OpenEvent(1, false))
	h.bus.Publish(eventbus.OpenEvent(2, true))

	require.Eventually(t, func() bool {
		return len(h.req.authorizedTokens()) == before+1 && h.req.count(schema.MsgBalance) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, h.req.count(schema.MsgForgetAll))
	require.Equal(t, StateReady, h.mgr.State())
}

func TestInvalidTokenOnActiveAccountInvalidatesSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.standardAccounts()
	ctx := context.Background()
	require.NoError(t, h.mgr.Authorize(ctx, []schema.Credential{{Token: "a1-real"}}))

	h.req.setInvalid("a1-real")
	h.bus.Publish(eventbus.OpenEvent(2, true))

	require.Eventually(t, func() bool { return h.mgr.State() == StateInvalid }, 2*time.Second, 10*time.Millisecond)
	_, ok := h.mgr.Active()
	require.False(t, ok)
	_, ok = h.mgr.CurrentBalance()
	require.False(t, ok)

	_, ok, _ = h.store.Get(ctx, sessionstore.KeyActiveLoginID)
	require.False(t, ok)
	_, ok, _ = h.store.Get(ctx, sessionstore.KeyClientTokens)
	require.False(t, ok)
	require.Eventually(t, func() bool {
		codes := h.broadcastCodes()
		return len(codes) == 1 && codes[0] == errs.CodeInvalidToken
	}, time.Second, 10*time.Millisecond)
}

func TestBalancePushForUnknownAccountIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.standardAccounts()
	require.NoError(t, h.mgr.Authorize(context.Background(), []schema.Credential{{Token: "a1-real"}}))

	h.bus.Publish(balancePush(t, "CR999", "1"))
	current, _ := h.mgr.CurrentBalance()
	require.True(t, decimal.NewFromInt(100).Equal(current))

	h.bus.Publish(balancePush(t, "CR1", "101.25"))
	current, _ = h.mgr.CurrentBalance()
	require.Equal(t, "101.25", current.String())
}
