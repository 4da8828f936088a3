// Package errs provides structured error types and helpers for tickwire components.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a failure category shared across the connection, request and session layers.
type Code string

const (
	// CodeConnectTimeout indicates the transport did not reach the open state in time.
	CodeConnectTimeout Code = "connect_timeout"
	// CodeTransport indicates a socket-level failure reported by the transport.
	CodeTransport Code = "transport"
	// CodeStalled indicates the heartbeat did not receive a pong within the stall timeout.
	CodeStalled Code = "stalled"
	// CodeMaxReconnectAttempts indicates automatic reconnection gave up.
	CodeMaxReconnectAttempts Code = "max_reconnect_attempts"
	// CodeRequestTimeout indicates a correlated request received no response in time.
	CodeRequestTimeout Code = "request_timeout"
	// CodeInvalidToken indicates the server rejected a credential token.
	CodeInvalidToken Code = "invalid_token"
	// CodeProtocol indicates a malformed or undecodable frame.
	CodeProtocol Code = "protocol"
	// CodeCancelled indicates the operation was abandoned by close or context cancellation.
	CodeCancelled Code = "cancelled"
	// CodeServer indicates the server answered a request with an error payload.
	CodeServer Code = "server"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent operation already owns the resource.
	CodeConflict Code = "conflict"
	// CodeNotConnected indicates the transport is not open.
	CodeNotConnected Code = "not_connected"
	// CodeUnavailable indicates the component has been shut down.
	CodeUnavailable Code = "unavailable"
)

// Sentinel values usable with errors.Is; matching is by Code.
var (
	ErrConnectTimeout       = New("", CodeConnectTimeout)
	ErrTransport            = New("", CodeTransport)
	ErrStalled              = New("", CodeStalled)
	ErrMaxReconnectAttempts = New("", CodeMaxReconnectAttempts)
	ErrRequestTimeout       = New("", CodeRequestTimeout)
	ErrInvalidToken         = New("", CodeInvalidToken)
	ErrProtocol             = New("", CodeProtocol)
	ErrCancelled            = New("", CodeCancelled)
	ErrServer               = New("", CodeServer)
	ErrConflict             = New("", CodeConflict)
	ErrNotConnected         = New("", CodeNotConnected)
	ErrUnavailable          = New("", CodeUnavailable)
)

// E captures structured error information produced across the tickwire stack.
type E struct {
	Component string
	Code      Code
	RawCode   string
	RawMsg    string
	Message   string
	ReqID     int64

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
		RawCode:   "",
		RawMsg:    "",
		Message:   "",
		ReqID:     0,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawCode captures the raw server error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw server error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithReqID records the correlated request id the error belongs to.
func WithReqID(id int64) Option {
	return func(e *E) {
		e.ReqID = id
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.ReqID > 0 {
		parts = append(parts, "req_id="+strconv.FormatInt(e.ReqID, 10))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope carrying the same code.
func (e *E) Is(target error) bool {
	if e == nil {
		return false
	}
	var other *E
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Code == e.Code
}

// CodeOf extracts the envelope code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// As returns the first envelope in err's chain.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}
