// Package session authorizes credential tokens over the shared connection and
// tracks which account is active.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tickwire/errs"
	"github.com/coachpo/tickwire/internal/domain/schema"
	"github.com/coachpo/tickwire/internal/domain/sessionstore"
	"github.com/coachpo/tickwire/internal/infra/bus/eventbus"
	"github.com/coachpo/tickwire/internal/observability"
)

const component = "session"

// State is the session lifecycle state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAuthorizing     State = "authorizing"
	StateReady           State = "ready"
	StateSwitching       State = "switching"
	// StateInvalid is entered when the active token is rejected; the caller must re-authenticate.
	StateInvalid State = "invalid"
)

// Requester issues correlated requests.
type Requester interface {
	SendCorrelated(ctx context.Context, payload schema.Request) (*schema.Message, error)
}

// Config tunes account selection.
type Config struct {
	// PreferredCurrency picks the default real account when no persisted choice applies.
	PreferredCurrency string
}

// TokenFailure records why one credential could not be authorized.
type TokenFailure struct {
	LoginID string
	Token   string
	Err     error
}

// Manager owns the account session state machine.
type Manager struct {
	cfg     Config
	req     Requester
	bus     eventbus.Bus
	store   sessionstore.Store
	logger  observability.Logger
	metrics *sessionMetrics
	release func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	// opMu serialises authorize, switch and re-authorize runs.
	opMu sync.Mutex

	mu         sync.RWMutex
	state      State
	accounts   map[string]*schema.Account
	order      []string
	creds      []schema.Credential
	failures   []TokenFailure
	active     string
	preferred  string
	current    decimal.Decimal
	hasCurrent bool
	subscribed bool
}

// NewManager constructs a session manager listening for balance pushes and reconnects on bus.
// A nil store keeps state in memory only.
func NewManager(req Requester, bus eventbus.Bus, store sessionstore.Store, cfg Config, logger observability.Logger) *Manager {
	if store == nil {
		store = sessionstore.NewMemoryStore()
	}
	cfg.PreferredCurrency = strings.ToUpper(strings.TrimSpace(cfg.PreferredCurrency))
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		req:        req,
		bus:        bus,
		store:      store,
		logger:     observability.OrDefault(logger),
		metrics:    newSessionMetrics(),
		release:    nil,
		ctx:        ctx,
		cancel:     cancel,
		wg:         conc.WaitGroup{},
		opMu:       sync.Mutex{},
		mu:         sync.RWMutex{},
		state:      StateUnauthenticated,
		accounts:   make(map[string]*schema.Account),
		order:      nil,
		creds:      nil,
		failures:   nil,
		active:     "",
		preferred:  "",
		current:    decimal.Zero,
		hasCurrent: false,
		subscribed: false,
	}
	m.release = bus.Scope(m.onEvent)
	return m
}

// Start restores persisted credentials and authorizes them. It is a no-op when
// nothing is persisted.
func (m *Manager) Start(ctx context.Context) error {
	raw, ok, err := m.store.Get(ctx, sessionstore.KeyClientTokens)
	if err != nil {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("load tokens"), errs.WithCause(err))
	}
	if !ok {
		return nil
	}
	creds, err := sessionstore.DecodeCredentials(raw)
	if err != nil {
		m.logger.Warn("discarding unreadable persisted tokens", observability.F("error", err))
		_ = m.store.Remove(ctx, sessionstore.KeyClientTokens)
		return nil
	}
	if len(creds) == 0 {
		return nil
	}
	if loginID, found, gerr := m.store.Get(ctx, sessionstore.KeyActiveLoginID); gerr == nil && found {
		m.mu.Lock()
		m.preferred = strings.ToUpper(strings.TrimSpace(loginID))
		m.mu.Unlock()
	}
	return m.Authorize(ctx, creds)
}

// Authorize authorizes every credential in order, then activates the default
// account. Per-token failures are kept in Failures and do not stop the run. An
// error is returned only when no account could be authorized or activation failed.
func (m *Manager) Authorize(ctx context.Context, creds []schema.Credential) error {
	creds = dedupeCredentials(creds)
	if len(creds) == 0 {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("no tokens supplied"))
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.failures = nil
	m.mu.Unlock()
	m.setState(StateAuthorizing)

	authorized := make([]schema.Credential, 0, len(creds))
	var lastErr error
	for _, cred := range creds {
		info, err := m.authorizeToken(ctx, cred.Token)
		if err != nil {
			lastErr = err
			if m.recordFailure(cred, err) {
				m.invalidate(ctx, err)
				m.dropToken(cred.Token)
			}
			if errs.CodeOf(err) == errs.CodeCancelled {
				break
			}
			continue
		}
		m.addAccount(info, cred.Token)
		authorized = append(authorized, schema.Credential{
			LoginID:  info.LoginID,
			Token:    cred.Token,
			Currency: info.Currency,
		})
	}

	if len(authorized) == 0 {
		code := errs.CodeOf(lastErr)
		if code == errs.CodeInvalidToken {
			m.invalidate(ctx, lastErr)
		} else {
			m.setState(StateUnauthenticated)
		}
		if code == "" {
			code = errs.CodeTransport
		}
		return errs.New(component, code, errs.WithMessage("no token could be authorized"), errs.WithCause(lastErr))
	}

	m.mu.Lock()
	m.creds = authorized
	m.mu.Unlock()
	if encoded, err := sessionstore.EncodeCredentials(authorized); err == nil {
		if serr := m.store.Set(ctx, sessionstore.KeyClientTokens, encoded); serr != nil {
			m.logger.Warn("persist tokens failed", observability.F("error", serr))
		}
	}

	target, ok := m.selectDefault()
	if !ok {
		m.setState(StateUnauthenticated)
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("no enabled account to activate"))
	}
	if err := m.activate(ctx, target); err != nil {
		if m.State() != StateInvalid {
			m.setState(StateUnauthenticated)
		}
		return err
	}
	m.setState(StateReady)
	return nil
}

// SwitchAccount activates the first enabled account in pool. A switch or
// authorization already in progress makes the call fail with conflict. The
// active account only changes once the server confirms the new login id.
func (m *Manager) SwitchAccount(ctx context.Context, pool schema.Pool) error {
	if !m.opMu.TryLock() {
		return errs.New(component, errs.CodeConflict, errs.WithMessage("account switch already in progress"))
	}
	defer m.opMu.Unlock()

	m.mu.RLock()
	state, active := m.state, m.active
	target, found := m.firstInPoolLocked(pool)
	m.mu.RUnlock()

	if state != StateReady {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("session is "+string(state)))
	}
	if !found {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("no enabled "+string(pool)+" account"))
	}
	if target.LoginID == active {
		return nil
	}

	m.setState(StateSwitching)
	err := m.activate(ctx, target)
	m.metrics.recordSwitch(pool, err)
	if err != nil {
		if m.State() == StateSwitching {
			m.setState(StateReady)
		}
		return err
	}
	m.setState(StateReady)
	m.logger.Info("switched account",
		observability.F("from", active),
		observability.F("to", target.LoginID),
		observability.F("pool", string(pool)))
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Active returns the active account.
func (m *Manager) Active() (schema.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[m.active]
	if !ok {
		return schema.Account{}, false
	}
	return *acct, true
}

// Accounts lists known accounts of pool in authorization order. An empty pool lists all.
func (m *Manager) Accounts(pool schema.Pool) []schema.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Account, 0, len(m.order))
	for _, id := range m.order {
		acct := m.accounts[id]
		if pool == "" || acct.Pool() == pool {
			out = append(out, *acct)
		}
	}
	return out
}

// CurrentBalance is the balance callers should display. It follows the active
// account only, and holds still while a switch is in flight.
func (m *Manager) CurrentBalance() (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.hasCurrent
}

// Failures returns the per-token failures of the last authorization run.
func (m *Manager) Failures() []TokenFailure {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TokenFailure(nil), m.failures...)
}

// Stop cancels background work and stops listening without waiting. Requests
// already in flight finish only when the requester resolves them.
func (m *Manager) Stop() {
	m.cancel()
	if m.release != nil {
		m.release()
	}
}

// Wait blocks until background re-authorization has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close stops listening and waits for background re-authorization.
func (m *Manager) Close() {
	m.Stop()
	m.Wait()
}

func (m *Manager) authorizeToken(ctx context.Context, token string) (schema.AuthorizeInfo, error) {
	msg, err := m.req.SendCorrelated(ctx, schema.Authorize(token))
	if err != nil {
		return schema.AuthorizeInfo{}, err
	}
	info, ok := msg.Authorize()
	if !ok || strings.TrimSpace(info.LoginID) == "" {
		return schema.AuthorizeInfo{}, errs.New(component, errs.CodeProtocol,
			errs.WithReqID(msg.ReqID),
			errs.WithMessage("authorize response without loginid"))
	}
	info.LoginID = strings.ToUpper(strings.TrimSpace(info.LoginID))
	return info, nil
}

// activate authorizes target again so it becomes the connection's account,
// moves the active pointer once the login id is confirmed, then subscribes to
// its balance stream and persists the choice.
func (m *Manager) activate(ctx context.Context, target schema.Account) error {
	info, err := m.authorizeToken(ctx, target.Token)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeInvalidToken {
			m.mu.RLock()
			wasActive := m.active == "" || m.active == target.LoginID
			m.mu.RUnlock()
			if wasActive {
				m.invalidate(ctx, err)
			}
			m.dropToken(target.Token)
			m.broadcast(err)
		}
		return err
	}
	if info.LoginID != target.LoginID {
		return errs.New(component, errs.CodeServer,
			errs.WithMessage("authorized "+info.LoginID+", expected "+target.LoginID))
	}

	m.mu.Lock()
	if acct, ok := m.accounts[target.LoginID]; ok {
		acct.Balance = info.Balance
		if info.Currency != "" {
			acct.Currency = info.Currency
		}
	}
	m.active = target.LoginID
	m.current = info.Balance
	m.hasCurrent = true
	resubscribe := m.subscribed
	m.mu.Unlock()

	if resubscribe {
		if _, ferr := m.req.SendCorrelated(ctx, schema.Request(schema.ForgetAll(schema.MsgBalance))); ferr != nil {
			m.logger.Debug("forget balance stream failed", observability.F("error", ferr))
		}
	}
	if _, berr := m.req.SendCorrelated(ctx, schema.BalanceSubscribe()); berr != nil {
		m.logger.Warn("balance subscribe failed",
			observability.F("loginid", target.LoginID),
			observability.F("error", berr))
	} else {
		m.mu.Lock()
		m.subscribed = true
		m.mu.Unlock()
	}

	if serr := m.store.Set(ctx, sessionstore.KeyActiveLoginID, target.LoginID); serr != nil {
		m.logger.Warn("persist active account failed", observability.F("error", serr))
	}
	return nil
}

// selectDefault prefers the persisted login id, then the preferred currency
// among real accounts, then the first real account, then the first demo account.
func (m *Manager) selectDefault() (schema.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acct, ok := m.accounts[m.preferred]; ok && usable(acct) {
		return *acct, true
	}
	if m.cfg.PreferredCurrency != "" {
		for _, id := range m.order {
			acct := m.accounts[id]
			if usable(acct) && acct.Pool() == schema.PoolReal && strings.EqualFold(acct.Currency, m.cfg.PreferredCurrency) {
				return *acct, true
			}
		}
	}
	if acct, ok := m.firstInPoolLocked(schema.PoolReal); ok {
		return acct, true
	}
	return m.firstInPoolLocked(schema.PoolDemo)
}

func (m *Manager) firstInPoolLocked(pool schema.Pool) (schema.Account, bool) {
	for _, id := range m.order {
		acct := m.accounts[id]
		if usable(acct) && acct.Pool() == pool {
			return *acct, true
		}
	}
	return schema.Account{}, false
}

func usable(acct *schema.Account) bool {
	return acct != nil && acct.Token != "" && !acct.Disabled
}

// addAccount records the account a token authorized and refreshes flags of
// known accounts from the returned account list.
func (m *Manager) addAccount(info schema.AuthorizeInfo, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[info.LoginID]
	if !ok {
		acct = &schema.Account{LoginID: info.LoginID}
		m.accounts[info.LoginID] = acct
		m.order = append(m.order, info.LoginID)
	}
	acct.Currency = info.Currency
	acct.IsVirtual = bool(info.IsVirtual)
	acct.Token = token
	acct.Balance = info.Balance
	for _, entry := range info.AccountList {
		known, found := m.accounts[strings.ToUpper(entry.LoginID)]
		if !found {
			continue
		}
		known.Disabled = bool(entry.IsDisabled)
		if known.Currency == "" {
			known.Currency = entry.Currency
		}
	}
	if !ok {
		m.metrics.adjustAccounts(acct.Pool(), 1)
	}
}

// recordFailure stores a per-token failure and reports whether it invalidated
// the active account.
func (m *Manager) recordFailure(cred schema.Credential, err error) bool {
	m.logger.Warn("token authorization failed",
		observability.F("token", maskToken(cred.Token)),
		observability.F("loginid", cred.LoginID),
		observability.F("error", err))
	m.mu.Lock()
	m.failures = append(m.failures, TokenFailure{LoginID: cred.LoginID, Token: maskToken(cred.Token), Err: err})
	acct, hasActive := m.accounts[m.active]
	activeHit := hasActive && acct.Token == cred.Token
	m.mu.Unlock()

	if errs.CodeOf(err) != errs.CodeInvalidToken {
		return false
	}
	m.dropToken(cred.Token)
	m.broadcast(err)
	return activeHit
}

// dropToken forgets every account authorized by token. When one of them is
// active the caller is expected to invalidate the session.
func (m *Manager) dropToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.order[:0]
	for _, id := range m.order {
		if m.accounts[id].Token == token && id != m.active {
			m.metrics.adjustAccounts(m.accounts[id].Pool(), -1)
			delete(m.accounts, id)
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	creds := m.creds[:0]
	for _, cred := range m.creds {
		if cred.Token != token {
			creds = append(creds, cred)
		}
	}
	m.creds = creds
}

// invalidate moves the session to Invalid and forgets persisted identifiers.
// Broadcasting the cause is left to the caller.
func (m *Manager) invalidate(ctx context.Context, cause error) {
	m.mu.Lock()
	m.active = ""
	m.current = decimal.Zero
	m.hasCurrent = false
	m.subscribed = false
	m.mu.Unlock()
	m.setState(StateInvalid)

	if err := m.store.Remove(ctx, sessionstore.KeyActiveLoginID); err != nil {
		m.logger.Warn("clear persisted account failed", observability.F("error", err))
	}
	if err := m.store.Remove(ctx, sessionstore.KeyClientTokens); err != nil {
		m.logger.Warn("clear persisted tokens failed", observability.F("error", err))
	}
	m.logger.Error("session invalidated", observability.F("error", cause))
}

func (m *Manager) broadcast(err error) {
	e, ok := errs.As(err)
	if !ok {
		e = errs.New(component, errs.CodeInvalidToken, errs.WithCause(err))
	}
	m.bus.Publish(eventbus.ErrorEvent(e, false))
}

func (m *Manager) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev != next {
		m.metrics.recordTransition(next)
		m.logger.Debug("session state", observability.F("from", string(prev)), observability.F("to", string(next)))
	}
}

func (m *Manager) onEvent(evt eventbus.Event) {
	switch evt.Kind {
	case eventbus.KindMessage:
		if info, ok := evt.Message.Balance(); ok && !evt.Message.Failed() {
			m.applyBalance(info)
		}
	case eventbus.KindOpen:
		if evt.Open != nil && evt.Open.Reconnect {
			m.wg.Go(m.reauthorize)
		}
	}
}

// applyBalance updates the cached balance of the account named in the push.
// The visible balance only moves for the active account while Ready.
func (m *Manager) applyBalance(info schema.BalanceInfo) {
	loginID := strings.ToUpper(strings.TrimSpace(info.LoginID))
	m.mu.Lock()
	defer m.mu.Unlock()
	if loginID == "" {
		loginID = m.active
	}
	acct, ok := m.accounts[loginID]
	if !ok {
		return
	}
	acct.Balance = info.Balance
	if loginID == m.active && m.state == StateReady {
		m.current = info.Balance
		m.hasCurrent = true
	}
}

// reauthorize restores the active account on a fresh link; the server forgets
// authorization when the socket drops.
func (m *Manager) reauthorize() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	var acct schema.Account
	current, ok := m.accounts[m.active]
	if ok {
		acct = *current
	}
	ready := m.state == StateReady
	m.subscribed = false
	m.mu.Unlock()
	if !ok || !ready {
		return
	}
	if err := m.activate(m.ctx, acct); err != nil {
		m.logger.Warn("re-authorize after reconnect failed",
			observability.F("loginid", acct.LoginID),
			observability.F("error", err))
		return
	}
	m.logger.Info("re-authorized after reconnect", observability.F("loginid", acct.LoginID))
}
