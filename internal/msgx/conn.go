package msgx

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"qrkeeper/internal/common"
	"qrkeeper/internal/logging"
)

// DefaultRequestTimeout bounds how long Request waits for a reply.
const DefaultRequestTimeout = 5 * time.Second

// RequestHandler answers one correlated request. The returned value is
// marshalled into the reply's data field.
type RequestHandler func(ctx context.Context, data json.RawMessage) (any, error)

// BroadcastHandler consumes one uncorrelated notification.
type BroadcastHandler func(data json.RawMessage)

// Option configures a Conn.
type Option func(*Conn)

// WithRequestTimeout overrides the reply deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) { c.timeout = d }
}

// WithBroadcast registers a listener before the read loop starts, so
// messages the peer sends immediately after connecting cannot be missed.
func WithBroadcast(msgType string, h BroadcastHandler) Option {
	return func(c *Conn) { c.listeners[msgType] = append(c.listeners[msgType], h) }
}

// Conn multiplexes correlated requests, request serving and broadcasts over
// a single byte stream. Safe for concurrent use.
type Conn struct {
	rwc     io.ReadWriteCloser
	logger  logging.Logger
	timeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]chan *Envelope
	handlers  map[string]RequestHandler
	listeners map[string][]BroadcastHandler
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConn wraps the stream and starts the read loop. Register handlers
// before the peer starts sending.
func NewConn(rwc io.ReadWriteCloser, logger logging.Logger, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		rwc:       rwc,
		logger:    logger,
		timeout:   DefaultRequestTimeout,
		pending:   make(map[uint64]chan *Envelope),
		handlers:  make(map[string]RequestHandler),
		listeners: make(map[string][]BroadcastHandler),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Handle registers the handler answering requests of the given type.
func (c *Conn) Handle(msgType string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = h
}

// OnBroadcast registers a listener for uncorrelated messages of the given
// type. Returns an unsubscribe func.
func (c *Conn) OnBroadcast(msgType string, h BroadcastHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[msgType] = append(c.listeners[msgType], h)
	idx := len(c.listeners[msgType]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.listeners[msgType]
		if idx < len(ls) && ls[idx] != nil {
			ls[idx] = nil
		}
	}
}

// Request sends a correlated request and waits for the reply's data. A
// missing reply fails with common.ErrTimeout after the configured deadline;
// a reply carrying an error field fails with that error text.
func (c *Conn) Request(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("msgx: request %s: %w", msgType, common.ErrClosed)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.send(&Envelope{Type: msgType, MessageID: id, Data: data}); err != nil {
		c.forget(id)
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		if reply == nil {
			return nil, fmt.Errorf("msgx: request %s: %w", msgType, common.ErrClosed)
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("msgx: request %s: %s", msgType, reply.Error)
		}
		return reply.Data, nil
	case <-timer.C:
		c.forget(id)
		return nil, fmt.Errorf("msgx: request %s: %w", msgType, common.ErrTimeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("msgx: request %s: %w", msgType, common.ErrClosed)
	}
}

// Notify sends a fire-and-forget message.
func (c *Conn) Notify(msgType string, payload any) error {
	data, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return c.send(&Envelope{Type: msgType, Data: data})
}

// Close tears the stream down and rejects every pending request with
// common.ErrClosed. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.rwc.Close()
	c.rejectPending()
	return err
}

// Done is closed once the read loop has exited, whether by Close or by the
// peer going away.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.rejectPending()
	for {
		env, err := readFrame(c.rwc)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Debug(c.ctx, "msgx: read loop ended", "error", err)
			}
			return
		}
		c.dispatch(env)
	}
}

// dispatch routes one inbound envelope. Replies are recognised by their
// success/error markers; a reply whose id is no longer pending is dropped.
func (c *Conn) dispatch(env *Envelope) {
	if env.MessageID != 0 && (env.Success || env.Error != "") {
		c.mu.Lock()
		ch, ok := c.pending[env.MessageID]
		if ok {
			delete(c.pending, env.MessageID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		} else {
			c.logger.Debug(c.ctx, "msgx: dropping late reply", "type", env.Type, "id", env.MessageID)
		}
		return
	}

	if env.MessageID != 0 {
		c.mu.Lock()
		h := c.handlers[env.Type]
		c.mu.Unlock()
		if h == nil {
			c.reply(env, nil, fmt.Errorf("unknown request type %q: %w", env.Type, common.ErrUnsupported))
			return
		}
		go func() {
			result, err := h(c.ctx, env.Data)
			c.reply(env, result, err)
		}()
		return
	}

	c.mu.Lock()
	ls := append([]BroadcastHandler(nil), c.listeners[env.Type]...)
	c.mu.Unlock()
	for _, h := range ls {
		if h != nil {
			h(env.Data)
		}
	}
}

func (c *Conn) reply(req *Envelope, result any, err error) {
	env := &Envelope{Type: req.Type, MessageID: req.MessageID}
	if err != nil {
		env.Error = err.Error()
	} else {
		env.Success = true
		data, merr := marshalPayload(result)
		if merr != nil {
			env.Error = merr.Error()
		} else {
			env.Data = data
		}
	}
	if serr := c.send(env); serr != nil {
		c.logger.Warn(c.ctx, "msgx: sending reply failed", "type", req.Type, "error", serr)
	}
}

func (c *Conn) send(env *Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.rwc, env)
}

func (c *Conn) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Conn) rejectPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan *Envelope)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- nil
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("msgx: marshal payload: %w", err)
	}
	return data, nil
}
