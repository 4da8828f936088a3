// Package transport abstracts the duplex socket carrying protocol frames.
package transport

import (
	"context"
	"errors"
	"strconv"
)

// Close codes used by the connection layer.
const (
	StatusNormalClosure = 1000
	StatusGoingAway     = 1001
	StatusAbnormal      = 1006
)

// ErrClosed is returned by operations on a connection closed locally.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one open duplex link. Read and Write may be called concurrently
// with each other, but each must have a single caller at a time.
type Conn interface {
	// Read blocks until the next text frame arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one text frame.
	Write(ctx context.Context, frame []byte) error
	// Close terminates the link with a close code and reason.
	Close(code int, reason string) error
}

// Dialer opens new links.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError reports a close initiated by the remote peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return "transport: remote closed with status " + strconv.Itoa(e.Code)
	}
	return "transport: remote closed with status " + strconv.Itoa(e.Code) + ": " + e.Reason
}

// Clean reports whether the peer closed normally.
func (e *CloseError) Clean() bool {
	return e != nil && (e.Code == StatusNormalClosure || e.Code == StatusGoingAway)
}

// AsCloseError extracts a remote close from err.
func AsCloseError(err error) (*CloseError, bool) {
	var ce *CloseError
	if errors.As(err, &ce) && ce != nil {
		return ce, true
	}
	return nil, false
}
