package schema

import (
	"bytes"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tickwire/errs"
)

// Known msg_type values.
const (
	MsgTick      = "tick"
	MsgAuthorize = "authorize"
	MsgBalance   = "balance"
	MsgPing      = "ping"
	MsgForget    = "forget"
	MsgForgetAll = "forget_all"
)

// ErrAlreadySubscribed is the server code for a stream the socket already has.
const ErrAlreadySubscribed = "AlreadySubscribed"

// ServerError is the error block carried by a failed response.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SubscriptionRef carries the server-assigned stream id.
type SubscriptionRef struct {
	ID string `json:"id"`
}

// Tick is a single price update.
type Tick struct {
	ID      string          `json:"id"`
	Symbol  string          `json:"symbol"`
	Quote   decimal.Decimal `json:"quote"`
	Ask     decimal.Decimal `json:"ask"`
	Bid     decimal.Decimal `json:"bid"`
	Epoch   int64           `json:"epoch"`
	PipSize int             `json:"pip_size"`
}

// AuthorizeInfo is the body of an authorize response.
type AuthorizeInfo struct {
	LoginID     string          `json:"loginid"`
	Currency    string          `json:"currency"`
	IsVirtual   Flag            `json:"is_virtual"`
	Balance     decimal.Decimal `json:"balance"`
	Email       string          `json:"email"`
	FullName    string          `json:"fullname"`
	AccountList []AccountEntry  `json:"account_list"`
}

// AccountEntry is an element of authorize.account_list.
type AccountEntry struct {
	LoginID        string `json:"loginid"`
	Currency       string `json:"currency"`
	IsVirtual      Flag   `json:"is_virtual"`
	IsDisabled     Flag   `json:"is_disabled"`
	LandingCompany string `json:"landing_company_name"`
}

// BalanceInfo is the body of a balance response or push.
type BalanceInfo struct {
	ID       string          `json:"id"`
	LoginID  string          `json:"loginid"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// Flag decodes the protocol's 0/1 booleans as well as JSON booleans.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(data)), `"`) {
	case "1", "true":
		*f = true
	case "0", "false", "null", "":
		*f = false
	default:
		return errs.New("schema", errs.CodeProtocol, errs.WithMessage("invalid flag "+string(data)))
	}
	return nil
}

// Message is a decoded inbound frame.
type Message struct {
	Type         string
	ReqID        int64
	Error        *ServerError
	Subscription *SubscriptionRef
	EchoReq      map[string]any
	Passthrough  map[string]any
	Raw          []byte

	pong      bool
	tick      *Tick
	authorize *AuthorizeInfo
	balance   *BalanceInfo
}

type envelope struct {
	MsgType      string           `json:"msg_type"`
	ReqID        int64            `json:"req_id"`
	Error        *ServerError     `json:"error"`
	Subscription *SubscriptionRef `json:"subscription"`
	EchoReq      map[string]any   `json:"echo_req"`
	Passthrough  map[string]any   `json:"passthrough"`
	Ping         json.RawMessage  `json:"ping"`
	Pong         json.RawMessage  `json:"pong"`
	Tick         *Tick            `json:"tick"`
	Authorize    *AuthorizeInfo   `json:"authorize"`
	Balance      *BalanceInfo     `json:"balance"`
}

// DecodeMessage parses an inbound frame. Frames without msg_type are rejected
// unless they are a bare pong.
func DecodeMessage(data []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errs.New("schema", errs.CodeProtocol, errs.WithMessage("empty frame"))
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, errs.New("schema", errs.CodeProtocol, errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	msg := &Message{
		Type:         strings.TrimSpace(env.MsgType),
		ReqID:        env.ReqID,
		Error:        env.Error,
		Subscription: env.Subscription,
		EchoReq:      env.EchoReq,
		Passthrough:  env.Passthrough,
		Raw:          append([]byte(nil), trimmed...),
		pong:         isPong(env),
		tick:         env.Tick,
		authorize:    env.Authorize,
		balance:      env.Balance,
	}
	if msg.Type == "" && !msg.pong {
		return nil, errs.New("schema", errs.CodeProtocol, errs.WithMessage("missing msg_type"))
	}
	return msg, nil
}

func isPong(env envelope) bool {
	if len(env.Pong) > 0 && string(env.Pong) != "null" {
		return true
	}
	return env.MsgType == MsgPing && string(bytes.TrimSpace(env.Ping)) == `"pong"`
}

// IsPong reports whether the frame answers a heartbeat ping.
func (m *Message) IsPong() bool { return m != nil && m.pong }

// Failed reports whether the frame carries an error block.
func (m *Message) Failed() bool { return m != nil && m.Error != nil }

// Tick returns the tick body, if any.
func (m *Message) Tick() (Tick, bool) {
	if m == nil || m.tick == nil {
		return Tick{}, false
	}
	return *m.tick, true
}

// Authorize returns the authorize body, if any.
func (m *Message) Authorize() (AuthorizeInfo, bool) {
	if m == nil || m.authorize == nil {
		return AuthorizeInfo{}, false
	}
	return *m.authorize, true
}

// Balance returns the balance body, if any.
func (m *Message) Balance() (BalanceInfo, bool) {
	if m == nil || m.balance == nil {
		return BalanceInfo{}, false
	}
	return *m.balance, true
}

// SubscriptionID returns the server stream id, or "".
func (m *Message) SubscriptionID() string {
	if m == nil || m.Subscription == nil {
		return ""
	}
	return m.Subscription.ID
}

// Echo returns a string field from echo_req.
func (m *Message) Echo(key string) (string, bool) {
	if m == nil || m.EchoReq == nil {
		return "", false
	}
	value, ok := m.EchoReq[key].(string)
	return value, ok
}

// PassthroughUint returns an unsigned tag the client attached to the request,
// read from passthrough or, failing that, from the echoed request.
func (m *Message) PassthroughUint(key string) (uint64, bool) {
	if m == nil {
		return 0, false
	}
	if v, ok := uintField(m.Passthrough, key); ok {
		return v, true
	}
	if echoed, ok := m.EchoReq[PassthroughField].(map[string]any); ok {
		return uintField(echoed, key)
	}
	return 0, false
}

func uintField(fields map[string]any, key string) (uint64, bool) {
	switch v := fields[key].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case json.Number:
		n, err := strconv.ParseUint(string(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Symbol resolves the tick subscription key from the body or the echoed request.
func (m *Message) Symbol() string {
	if tick, ok := m.Tick(); ok && tick.Symbol != "" {
		return tick.Symbol
	}
	symbol, _ := m.Echo("ticks")
	return symbol
}
