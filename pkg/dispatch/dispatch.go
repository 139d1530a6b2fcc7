// Package dispatch turns a fire-and-forget message channel into concurrent
// request/response calls.
//
// Every Submit gets the next job id, starting at 0. Responses are matched to
// their caller by id alone, so they may arrive in any order. Operation
// failures are part of the Result and never make Submit fail; Client converts
// them into errors.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3leaps/ffenv/pkg/message"
)

// ErrClosed is returned by Submit once the dispatcher or its channel is closed.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher correlates responses with submitted requests.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	end    message.CallerEnd
	logger *zap.Logger

	next atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan message.Result
	closed  bool

	stop      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New starts a dispatcher reading responses from end. The dispatcher owns end
// and closes it on Close.
func New(end message.CallerEnd, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		end:      end,
		logger:   logger,
		pending:  make(map[int64]chan message.Result),
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	go d.pump()
	return d
}

// Submit posts cmd under a new job id and waits for its response.
//
// Submit imposes no deadline. Cancelling ctx abandons the call and removes
// its listener; a response arriving later is dropped.
func (d *Dispatcher) Submit(ctx context.Context, cmd message.Command) (message.Result, error) {
	id := d.next.Add(1) - 1
	ch := make(chan message.Result, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return message.Result{}, ErrClosed
	}
	d.pending[id] = ch
	d.mu.Unlock()

	if err := d.end.Send(ctx, &message.Request{Job: id, Command: cmd}); err != nil {
		d.forget(id)
		if errors.Is(err, message.ErrChannelClosed) {
			return message.Result{}, ErrClosed
		}
		return message.Result{}, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return message.Result{}, ErrClosed
		}
		return res, nil
	case <-ctx.Done():
		d.forget(id)
		return message.Result{}, ctx.Err()
	}
}

// Pending returns the number of calls waiting for a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops the dispatcher, releases every waiting call with ErrClosed and
// closes the channel.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.stop)
		<-d.pumpDone
		d.closeErr = d.end.Close()
	})
	return d.closeErr
}

func (d *Dispatcher) forget(id int64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *Dispatcher) pump() {
	defer close(d.pumpDone)
	defer d.release()

	resps := d.end.Responses()
	for {
		select {
		case <-d.stop:
			return
		case resp := <-resps:
			d.resolve(resp)
		case <-d.end.Done():
			for {
				select {
				case resp := <-resps:
					d.resolve(resp)
				default:
					d.logger.Debug("Message channel closed")
					return
				}
			}
		}
	}
}

func (d *Dispatcher) resolve(resp *message.Response) {
	if resp == nil {
		return
	}
	d.mu.Lock()
	ch, ok := d.pending[resp.Job]
	if ok {
		delete(d.pending, resp.Job)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("Dropping response for unknown job", zap.Int64("job", resp.Job))
		return
	}
	ch <- resp.Result
}

// release fails every waiting call and refuses new ones.
func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}
