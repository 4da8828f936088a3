package transport

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
)

const pipeBuffer = 256

// MemoryDialer is an in-process Dialer. Every successful dial yields a
// ServerConn retrievable through Accept.
type MemoryDialer struct {
	mu       sync.Mutex
	accepted chan *ServerConn
	refuse   error
	hang     bool
	dials    int
}

// NewMemoryDialer constructs an in-process dialer.
func NewMemoryDialer() *MemoryDialer {
	return &MemoryDialer{
		mu:       sync.Mutex{},
		accepted: make(chan *ServerConn, 64),
		refuse:   nil,
		hang:     false,
		dials:    0,
	}
}

// Refuse makes subsequent dials fail with err; nil restores normal behaviour.
func (d *MemoryDialer) Refuse(err error) {
	d.mu.Lock()
	d.refuse = err
	d.mu.Unlock()
}

// Hang makes subsequent dials block until their context ends.
func (d *MemoryDialer) Hang(hang bool) {
	d.mu.Lock()
	d.hang = hang
	d.mu.Unlock()
}

// Dials reports how many dial attempts were made.
func (d *MemoryDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements Dialer.
func (d *MemoryDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	refuse, hang := d.refuse, d.hang
	d.mu.Unlock()

	if refuse != nil {
		return nil, refuse
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := Pipe()
	select {
	case d.accepted <- server:
	default:
		// Nobody is consuming Accept; drop the server end and keep the link usable.
	}
	return client, nil
}

// Accept waits for the server end of the next dialed link.
func (d *MemoryDialer) Accept(ctx context.Context) (*ServerConn, error) {
	select {
	case server := <-d.accepted:
		return server, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pipe struct {
	toClient chan []byte
	toServer chan []byte
	done     chan struct{}
	once     sync.Once

	mu        sync.Mutex
	clientErr error
	serverErr error
}

func (p *pipe) shutdown(clientErr, serverErr error) bool {
	closed := false
	p.once.Do(func() {
		p.mu.Lock()
		p.clientErr = clientErr
		p.serverErr = serverErr
		p.mu.Unlock()
		close(p.done)
		closed = true
	})
	return closed
}

func (p *pipe) closeErrors() (clientErr, serverErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientErr, p.serverErr
}

// Pipe returns both ends of an in-memory link.
func Pipe() (Conn, *ServerConn) {
	p := &pipe{
		toClient:  make(chan []byte, pipeBuffer),
		toServer:  make(chan []byte, pipeBuffer),
		done:      make(chan struct{}),
		once:      sync.Once{},
		mu:        sync.Mutex{},
		clientErr: nil,
		serverErr: nil,
	}
	return &clientConn{p: p}, &ServerConn{p: p}
}

type clientConn struct {
	p *pipe
}

func (c *clientConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.p.toClient:
		return data, nil
	case <-c.p.done:
		select {
		case data := <-c.p.toClient:
			return data, nil
		default:
		}
		clientErr, _ := c.p.closeErrors()
		return nil, clientErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientConn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-c.p.done:
		return ErrClosed
	default:
	}
	select {
	case c.p.toServer <- append([]byte(nil), frame...):
		return nil
	case <-c.p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *clientConn) Close(code int, reason string) error {
	c.p.shutdown(ErrClosed, &CloseError{Code: code, Reason: reason})
	return nil
}

// ServerConn is the peer end of an in-memory link.
type ServerConn struct {
	p *pipe
}

// Push delivers a raw frame to the client.
func (s *ServerConn) Push(frame []byte) error {
	select {
	case <-s.p.done:
		return ErrClosed
	default:
	}
	select {
	case s.p.toClient <- append([]byte(nil), frame...):
		return nil
	case <-s.p.done:
		return ErrClosed
	}
}

// PushJSON encodes v and delivers it to the client.
func (s *ServerConn) PushJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Push(data)
}

// Next returns the next frame written by the client.
func (s *ServerConn) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.p.toServer:
		return data, nil
	case <-s.p.done:
		select {
		case data := <-s.p.toServer:
			return data, nil
		default:
		}
		_, serverErr := s.p.closeErrors()
		return nil, serverErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextJSON decodes the next client frame into a map.
func (s *ServerConn) NextJSON(ctx context.Context) (map[string]any, error) {
	data, err := s.Next(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Drop closes the link from the server side; the client observes a CloseError.
func (s *ServerConn) Drop(code int, reason string) {
	s.p.shutdown(&CloseError{Code: code, Reason: reason}, ErrClosed)
}

// Done is closed once either side closed the link.
func (s *ServerConn) Done() <-chan struct{} {
	return s.p.done
}
