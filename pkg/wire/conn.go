package wire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/ffenv/pkg/failure"
	"github.com/3leaps/ffenv/pkg/message"
)

// Options configures a connection.
type Options struct {
	// Session is stamped on every written record. A random UUID is used when empty.
	Session string

	// Logger receives transport diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger

	// MaxLineBytes and MaxBlobBytes bound incoming frames. Zero means default.
	MaxLineBytes int
	MaxBlobBytes int64

	// Buffer is the size of the inbound message channel.
	Buffer int
}

func (o Options) withDefaults() Options {
	if o.Session == "" {
		o.Session = uuid.NewString()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Buffer <= 0 {
		o.Buffer = message.DefaultPipeBuffer
	}
	return o
}

// conn holds the state shared by both ends.
type conn struct {
	r       io.Reader
	w       io.Writer
	writer  *Writer
	decoder *Decoder
	logger  *zap.Logger

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newConn(r io.Reader, w io.Writer, opts Options) *conn {
	opts = opts.withDefaults()
	dec := NewDecoder(r)
	dec.SetMaxLineBytes(opts.MaxLineBytes)
	dec.SetMaxBlobBytes(opts.MaxBlobBytes)
	return &conn{
		r:       r,
		w:       w,
		writer:  NewWriter(w, opts.Session),
		decoder: dec,
		logger:  opts.Logger.With(zap.String("session", opts.Session)),
		done:    make(chan struct{}),
	}
}

// Session returns the session id stamped on outgoing records.
func (c *conn) Session() string { return c.writer.session }

// Done is closed once the inbound stream has ended. Writing stays possible
// until Close so in-flight replies can still be delivered.
func (c *conn) Done() <-chan struct{} { return c.done }

// Close stops the connection. The underlying reader and writer are closed
// when they implement io.Closer.
func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.writer.Close()
		c.markDone()
		if wc, ok := c.w.(io.Closer); ok {
			c.closeErr = wc.Close()
		}
		// Unblocks readLoop for pipes; the error is irrelevant once done.
		if rc, ok := c.r.(io.Closer); ok {
			_ = rc.Close()
		}
	})
	return c.closeErr
}

func (c *conn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *conn) write(ctx context.Context, recordType string, data any, blob []byte) error {
	if err := c.writer.Write(ctx, recordType, data, blob); err != nil {
		if errors.Is(err, ErrWriterClosed) {
			return message.ErrChannelClosed
		}
		return err
	}
	return nil
}

// readLoop decodes frames until the stream ends, handing each frame of
// wantType to deliver. It marks the connection done on exit.
func (c *conn) readLoop(wantType string, deliver func(Frame) bool) {
	defer c.markDone()

	for {
		f, err := c.decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Debug("Stream closed by peer")
			} else {
				select {
				case <-c.done:
				default:
					c.logger.Warn("Stream read failed", zap.Error(err))
				}
			}
			return
		}
		if f.Record.Type != wantType {
			c.logger.Warn("Ignoring unexpected record", zap.String("type", f.Record.Type))
			continue
		}
		if !deliver(f) {
			return
		}
	}
}

// CallerConn is the dispatcher side of a JSONL connection.
type CallerConn struct {
	*conn
	resps chan *message.Response
}

// NewCallerConn starts a caller connection reading responses from r and
// writing requests to w.
func NewCallerConn(r io.Reader, w io.Writer, opts Options) *CallerConn {
	c := &CallerConn{conn: newConn(r, w, opts)}
	c.resps = make(chan *message.Response, opts.withDefaults().Buffer)
	go c.readLoop(TypeResponse, c.deliver)
	return c
}

func (c *CallerConn) deliver(f Frame) bool {
	var resp message.Response
	if err := json.Unmarshal(f.Record.Data, &resp); err != nil {
		c.logger.Warn("Dropping undecodable response", zap.Error(err))
		return true
	}
	resp.FPull = f.Blob
	select {
	case c.resps <- &resp:
		return true
	case <-c.done:
		return false
	}
}

// Send writes req. Its Buffer travels as the raw payload.
func (c *CallerConn) Send(ctx context.Context, req *message.Request) error {
	return c.write(ctx, TypeRequest, req, req.Buffer)
}

func (c *CallerConn) Responses() <-chan *message.Response { return c.resps }

// WorkerConn is the router side of a JSONL connection.
type WorkerConn struct {
	*conn
	reqs chan *message.Request
}

// NewWorkerConn starts a worker connection reading requests from r and
// writing responses to w.
func NewWorkerConn(r io.Reader, w io.Writer, opts Options) *WorkerConn {
	c := &WorkerConn{conn: newConn(r, w, opts)}
	c.reqs = make(chan *message.Request, opts.withDefaults().Buffer)
	go c.readLoop(TypeRequest, c.deliver)
	return c
}

func (c *WorkerConn) deliver(f Frame) bool {
	var req message.Request
	if err := json.Unmarshal(f.Record.Data, &req); err != nil {
		c.rejectUndecodable(f.Record.Data, err)
		return true
	}
	req.Buffer = f.Blob
	select {
	case c.reqs <- &req:
		return true
	case <-c.done:
		return false
	}
}

// rejectUndecodable answers a request whose body did not decode. The frame is
// dropped only when no job id can be recovered from it.
func (c *WorkerConn) rejectUndecodable(data json.RawMessage, cause error) {
	var head map[string]json.RawMessage
	var job int64
	if json.Unmarshal(data, &head) != nil || json.Unmarshal(head["job"], &job) != nil {
		c.logger.Warn("Dropping undecodable request", zap.Error(cause))
		return
	}
	var op string
	_ = json.Unmarshal(head["exec"], &op)

	c.logger.Warn("Rejecting undecodable request", zap.Int64("job", job), zap.Error(cause))
	resp := &message.Response{Job: job, Result: message.Result{
		Err: failure.Wrap(failure.KindDecode, op, cause),
	}}
	if err := c.Reply(context.Background(), resp); err != nil {
		c.logger.Debug("Rejection not delivered", zap.Int64("job", job), zap.Error(err))
	}
}

func (c *WorkerConn) Requests() <-chan *message.Request { return c.reqs }

// Reply writes resp. Its FPull bytes travel as the raw payload.
func (c *WorkerConn) Reply(ctx context.Context, resp *message.Response) error {
	return c.write(ctx, TypeResponse, resp, resp.FPull)
}

// Compile-time checks.
var (
	_ message.CallerEnd = (*CallerConn)(nil)
	_ message.WorkerEnd = (*WorkerConn)(nil)
)
