package session

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by pipe operations after Close.
var ErrTransportClosed = errors.New("session: transport closed")

// Transport is one bidirectional message stream to a client. Send honors the
// context deadline; Receive blocks until a frame arrives or the transport
// fails.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Pipe is an in-memory Transport pair for tests. Frames written on one end
// surface on the other.
type Pipe struct {
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	closed chan struct{}

	// FailSends makes Send return an error, simulating a broken transport.
	FailSends bool
}

// NewPipe returns the two ends of an in-memory transport.
func NewPipe() (*Pipe, *Pipe) {
	a2b := make(chan []byte, 256)
	b2a := make(chan []byte, 256)
	closed := make(chan struct{})
	a := &Pipe{in: b2a, out: a2b, closed: closed}
	b := &Pipe{in: a2b, out: b2a, closed: closed}
	return a, b
}

func (p *Pipe) Send(ctx context.Context, data []byte) error {
	p.mu.Lock()
	fail := p.FailSends
	p.mu.Unlock()
	if fail {
		return errors.New("session: simulated send failure")
	}
	cp := append([]byte(nil), data...)
	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- cp:
		return nil
	}
}

func (p *Pipe) Receive() ([]byte, error) {
	select {
	case <-p.closed:
		return nil, ErrTransportClosed
	case data, ok := <-p.in:
		if !ok {
			return nil, ErrTransportClosed
		}
		return data, nil
	}
}

func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// SetFailSends toggles simulated send failures.
func (p *Pipe) SetFailSends(v bool) {
	p.mu.Lock()
	p.FailSends = v
	p.mu.Unlock()
}
