package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"
)

const defaultReadLimit int64 = 2 << 20

// WebsocketDialer dials the server over github.com/coder/websocket.
type WebsocketDialer struct {
	ReadLimit int64
	Header    http.Header
}

// NewWebsocketDialer returns a dialer enforcing readLimit bytes per frame.
func NewWebsocketDialer(readLimit int64) *WebsocketDialer {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &WebsocketDialer{ReadLimit: readLimit, Header: nil}
}

// Dial performs the websocket handshake. ctx bounds the handshake only.
func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	var opts *websocket.DialOptions
	if d != nil && len(d.Header) > 0 {
		opts = &websocket.DialOptions{HTTPHeader: d.Header}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	limit := defaultReadLimit
	if d != nil && d.ReadLimit > 0 {
		limit = d.ReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, mapWebsocketError(err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Write(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return mapWebsocketError(err)
	}
	return nil
}

func (c *wsConn) Close(code int, reason string) error {
	err := c.conn.Close(websocket.StatusCode(code), reason)
	if err == nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return nil
	}
	return err
}

func mapWebsocketError(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return &CloseError{Code: int(ce.Code), Reason: ce.Reason}
	}
	return err
}
