// Package schema defines the wire frames exchanged with the streaming trading server.
package schema

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/tickwire/errs"
)

// Frame is an outbound JSON object written to the socket.
type Frame map[string]any

// Request is the payload of a correlated request. The correlator merges req_id into it.
type Request map[string]any

// ReqIDField is the protocol key carrying the correlation id.
const ReqIDField = "req_id"

// PassthroughField is echoed back verbatim by the server on every response.
const PassthroughField = "passthrough"

// SubscribeTicks builds {ticks: symbol, subscribe: 1}.
func SubscribeTicks(symbol string) Frame {
	return Frame{"ticks": symbol, "subscribe": 1}
}

// WithPassthrough returns a copy of f carrying fields under passthrough.
func (f Frame) WithPassthrough(fields map[string]any) Frame {
	out := make(Frame, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[PassthroughField] = fields
	return out
}

// Forget builds {forget: id}.
func Forget(subscriptionID string) Frame {
	return Frame{"forget": subscriptionID}
}

// ForgetAll builds {forget_all: kind}, e.g. kind "ticks" or "balance".
func ForgetAll(kind string) Frame {
	return Frame{"forget_all": kind}
}

// Ping builds the heartbeat frame.
func Ping() Frame {
	return Frame{"ping": 1}
}

// Authorize builds the authorize request for token.
func Authorize(token string) Request {
	return Request{"authorize": token}
}

// BalanceSubscribe builds a streaming balance request for the currently authorized account.
func BalanceSubscribe() Request {
	return Request{"balance": 1, "subscribe": 1, "account": "current"}
}

// Clone returns a shallow copy so callers can reuse templates.
func (r Request) Clone() Request {
	out := make(Request, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Type reports the primary request key used for logging and metrics.
func (r Request) Type() string {
	for _, key := range []string{"authorize", "balance", "buy", "sell", "proposal", "ticks", "ticks_history", "forget", "forget_all"} {
		if _, ok := r[key]; ok {
			return key
		}
	}
	keys := make([]string, 0, len(r))
	for k := range r {
		if k == ReqIDField || k == "subscribe" || k == PassthroughField {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 1 {
		return keys[0]
	}
	return "request"
}

// Encode serialises a frame.
func Encode(frame map[string]any) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errs.New("schema", errs.CodeInvalid, errs.WithMessage("empty frame"))
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, errs.New("schema", errs.CodeInvalid, errs.WithMessage("encode frame"), errs.WithCause(err))
	}
	return data, nil
}

// NormalizeSymbol trims whitespace around a subscription key.
func NormalizeSymbol(symbol string) string {
	return strings.TrimSpace(symbol)
}
