package message

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("message channel is closed")

// CallerEnd is the dispatcher's side of a bidirectional message channel.
//
// Implementations must be safe for concurrent use.
type CallerEnd interface {
	// Send posts a request. It does not wait for a response.
	Send(ctx context.Context, req *Request) error

	// Responses delivers responses in arrival order.
	Responses() <-chan *Response

	// Done is closed once the channel can no longer deliver responses.
	Done() <-chan struct{}

	// Close releases the channel.
	Close() error
}

// WorkerEnd is the router's side of a bidirectional message channel.
//
// Implementations must be safe for concurrent use.
type WorkerEnd interface {
	// Requests delivers requests in arrival order.
	Requests() <-chan *Request

	// Reply posts a response.
	Reply(ctx context.Context, resp *Response) error

	// Done is closed once the channel can no longer deliver requests.
	Done() <-chan struct{}
}

// DefaultPipeBuffer is the per-direction buffer used by Pipe when size <= 0.
const DefaultPipeBuffer = 64

// Pipe returns the two connected ends of an in-process channel.
func Pipe(size int) (CallerEnd, WorkerEnd) {
	if size <= 0 {
		size = DefaultPipeBuffer
	}
	p := &pipe{
		reqs:   make(chan *Request, size),
		resps:  make(chan *Response, size),
		closed: make(chan struct{}),
	}
	return &pipeCaller{p}, &pipeWorker{p}
}

type pipe struct {
	reqs   chan *Request
	resps  chan *Response
	once   sync.Once
	closed chan struct{}
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

type pipeCaller struct{ p *pipe }

func (c *pipeCaller) Send(ctx context.Context, req *Request) error {
	select {
	case <-c.p.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case <-c.p.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.p.reqs <- req:
		return nil
	}
}

func (c *pipeCaller) Responses() <-chan *Response { return c.p.resps }
func (c *pipeCaller) Done() <-chan struct{}       { return c.p.closed }

func (c *pipeCaller) Close() error {
	c.p.close()
	return nil
}

type pipeWorker struct{ p *pipe }

func (w *pipeWorker) Requests() <-chan *Request { return w.p.reqs }
func (w *pipeWorker) Done() <-chan struct{}     { return w.p.closed }

func (w *pipeWorker) Reply(ctx context.Context, resp *Response) error {
	select {
	case <-w.p.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case <-w.p.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case w.p.resps <- resp:
		return nil
	}
}

// Compile-time checks.
var (
	_ CallerEnd = (*pipeCaller)(nil)
	_ WorkerEnd = (*pipeWorker)(nil)
)
