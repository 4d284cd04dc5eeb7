// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcwire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Control methods of the socket protocol.
const (
	methodCancel = ".cancel"
	methodPing   = ".ping"
	methodPong   = ".pong"
)

// SocketOptions configures the persistent socket.
type SocketOptions struct {
	// PingInterval is how long the socket may stay silent before a ping is
	// sent. Zero disables keepalive.
	PingInterval time.Duration

	// PongTimeout is how long to wait for any frame after a ping before the
	// connection is considered dead.
	PongTimeout time.Duration

	// IdleTimeout closes a connection with no pending requests. Zero keeps
	// idle connections open.
	IdleTimeout time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Header is sent with the opening handshake.
	Header http.Header

	Dialer *websocket.Dialer
}

// DefaultSocketOptions returns reasonable defaults
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		IdleTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

type connState uint8

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	return [...]string{"connecting", "open", "closing", "closed"}[s]
}

// outFrame is a client-to-server frame. ID is present iff a reply is
// expected.
type outFrame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	ID     uint64          `json:"id,omitempty"`
}

// inFrame is a server-to-client frame. Close marks the end of a stream for
// ID, not of the connection.
type inFrame struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
	Close  bool            `json:"close,omitempty"`
}

type reply struct {
	frame inFrame
	err   error
}

type pendingRequest struct {
	id      uint64
	pattern ResultPattern
	sent    bool
	reply   chan reply  // PatternRequest
	sink    *frameQueue // PatternStream
}

type outbound struct {
	id      uint64
	data    []byte
	written chan error // notifications only
}

// socketConn is one persistent connection and all of its state. Every field
// below mu is guarded by it.
type socketConn struct {
	id      uuid.UUID
	url     string
	opts    SocketOptions
	log     *zap.Logger
	metrics *metrics

	mu        sync.Mutex
	state     connState
	ws        *websocket.Conn
	nextID    uint64
	pending   map[uint64]*pendingRequest
	outq      []outbound
	timerGen  uint64
	pingTimer *time.Timer
	pongTimer *time.Timer
	idleGen   uint64
	idleTimer *time.Timer

	wake chan struct{}
	done chan struct{}
}

func newSocketConn(url string, opts SocketOptions, log *zap.Logger, m *metrics) *socketConn {
	c := &socketConn{
		id:      uuid.New(),
		url:     url,
		opts:    opts,
		metrics: m,
		pending: make(map[uint64]*pendingRequest),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.log = log.With(zap.String("socket", c.id.String()), zap.String("url", url))
	go c.connect()
	return c
}

func (c *socketConn) connect() {
	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	}
	ctx := context.Background()
	if c.opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
	}

	ws, resp, err := dialer.DialContext(ctx, c.url, c.opts.Header)
	if resp != nil && resp.Body != nil {
		CleanlyCloseBody(resp.Body)
	}
	if err != nil {
		c.log.Debug("socket handshake failed", zap.Error(err))
		c.fail(&NetworkError{Op: "dial", URL: c.url, Err: err})
		return
	}
	ws.SetReadLimit(maxRecordSize)

	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.state = stateOpen
	c.ws = ws
	c.touchLocked()
	c.armIdleLocked()
	c.mu.Unlock()

	c.metrics.socketOpened()
	c.log.Debug("socket open")
	go c.readLoop(ws)
	go c.writeLoop(ws)
}

// usable reports whether new calls may be issued on this connection.
func (c *socketConn) usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state < stateClosing
}

// submit registers a call and queues its frame. Frames queued before the
// handshake completes are flushed in order once it does.
func (c *socketConn) submit(method string, params json.RawMessage, pattern ResultPattern) (*pendingRequest, *outbound, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= stateClosing {
		return nil, nil, errConnRetired
	}
	c.stopIdleLocked()

	f := outFrame{Method: method, Params: params}
	ob := outbound{}
	var p *pendingRequest
	if pattern == PatternNotification {
		ob.written = make(chan error, 1)
	} else {
		c.nextID++
		p = &pendingRequest{id: c.nextID, pattern: pattern}
		switch pattern {
		case PatternRequest:
			p.reply = make(chan reply, 1)
		case PatternStream:
			p.sink = newFrameQueue()
		}
		c.pending[p.id] = p
		c.metrics.setPending(len(c.pending))
		f.ID = p.id
		ob.id = p.id
	}
	data, err := json.Marshal(f)
	if err != nil {
		if p != nil {
			delete(c.pending, p.id)
		}
		return nil, nil, err
	}
	ob.data = data
	c.enqueueLocked(ob)
	return p, &ob, nil
}

func (c *socketConn) enqueueLocked(ob outbound) {
	c.outq = append(c.outq, ob)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *socketConn) request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	p, _, err := c.submit(method, params, PatternRequest)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-p.reply:
		if r.err != nil {
			return nil, r.err
		}
		if r.frame.Error != nil {
			return nil, r.frame.Error.toRequestError(0)
		}
		return r.frame.Result, nil
	case <-ctx.Done():
		c.cancel(p.id)
		return nil, cancelled(ctx, p.id)
	}
}

func (c *socketConn) notify(ctx context.Context, method string, params json.RawMessage) error {
	_, ob, err := c.submit(method, params, PatternNotification)
	if err != nil {
		return err
	}
	select {
	case err := <-ob.written:
		return err
	case <-ctx.Done():
		c.withdraw(ob.written)
		return cancelled(ctx, 0)
	}
}

// withdraw drops a queued notification. One already handed to the writer
// still goes out.
func (c *socketConn) withdraw(written chan error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ob := range c.outq {
		if ob.written == written {
			c.outq = append(c.outq[:i], c.outq[i+1:]...)
			c.armIdleLocked()
			c.log.Debug("notification withdrawn")
			return
		}
	}
}

func (c *socketConn) stream(ctx context.Context, method string, params json.RawMessage) (*frameQueue, error) {
	p, _, err := c.submit(method, params, PatternStream)
	if err != nil {
		return nil, err
	}
	id := p.id
	stop := context.AfterFunc(ctx, func() { c.cancel(id) })
	p.sink.onClose = func() {
		stop()
		c.cancel(id)
	}
	return p.sink, nil
}

// cancel settles id locally and, when the request already went out on an
// open connection, tells the peer to stop working on it.
func (c *socketConn) cancel(id uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.metrics.setPending(len(c.pending))

	if !p.sent {
		for i, ob := range c.outq {
			if ob.id == id {
				c.outq = append(c.outq[:i], c.outq[i+1:]...)
				break
			}
		}
	} else if c.state == stateOpen {
		params, _ := json.Marshal([]uint64{id})
		data, _ := json.Marshal(outFrame{Method: methodCancel, Params: params})
		c.enqueueLocked(outbound{data: data})
	}
	c.armIdleLocked()
	c.mu.Unlock()

	c.log.Debug("call cancelled", zap.Uint64("id", id), zap.Bool("sent", p.sent))
	if p.sink != nil {
		p.sink.end(nil)
	}
}

func (c *socketConn) writeLoop(ws *websocket.Conn) {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}

		c.mu.Lock()
		batch := c.outq
		c.outq = nil
		for _, ob := range batch {
			if p, ok := c.pending[ob.id]; ok {
				p.sent = true
			}
		}
		c.mu.Unlock()

		for i, ob := range batch {
			if c.opts.WriteTimeout > 0 {
				ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}
			err := ws.WriteMessage(websocket.TextMessage, ob.data)
			if ob.written != nil {
				ob.written <- wrapWriteErr(c.url, err)
			}
			if err != nil {
				for _, rest := range batch[i+1:] {
					if rest.written != nil {
						rest.written <- wrapWriteErr(c.url, err)
					}
				}
				c.fail(&NetworkError{Op: "write", URL: c.url, Sent: true, Err: err})
				return
			}
			if ob.written != nil {
				c.mu.Lock()
				c.armIdleLocked()
				c.mu.Unlock()
			}
		}
	}
}

func wrapWriteErr(url string, err error) error {
	if err == nil {
		return nil
	}
	return &NetworkError{Op: "write", URL: url, Err: err}
}

func (c *socketConn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.fail(&NetworkError{Op: "read", URL: c.url, Sent: true, Err: err})
			return
		}
		c.receive(data)
	}
}

func (c *socketConn) receive(data []byte) {
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Debug("ignoring malformed frame", zap.Error(err))
		c.mu.Lock()
		c.touchLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.touchLocked()
	if f.ID == nil {
		if f.Method == methodPing && c.state == stateOpen {
			data, _ := json.Marshal(outFrame{Method: methodPong})
			c.enqueueLocked(outbound{data: data})
		}
		c.mu.Unlock()
		return
	}

	p, ok := c.pending[*f.ID]
	if !ok {
		c.mu.Unlock()
		return
	}
	terminal := p.pattern == PatternRequest || f.Error != nil || f.Close
	if terminal {
		delete(c.pending, p.id)
		c.metrics.setPending(len(c.pending))
		c.armIdleLocked()
	}
	c.mu.Unlock()

	switch p.pattern {
	case PatternRequest:
		p.reply <- reply{frame: f}
	case PatternStream:
		if len(f.Result) > 0 {
			p.sink.push(record{value: f.Result})
		}
		switch {
		case f.Error != nil:
			p.sink.end(f.Error.toRequestError(0))
		case f.Close:
			p.sink.end(nil)
		}
	}
}

// touchLocked clears a pending pong timeout and re-arms the ping timer.
// Bumping the generation defuses timers that already fired but have not
// yet taken the lock.
func (c *socketConn) touchLocked() {
	c.timerGen++
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.state != stateOpen || c.opts.PingInterval <= 0 {
		return
	}
	gen := c.timerGen
	c.pingTimer = time.AfterFunc(c.opts.PingInterval, func() { c.ping(gen) })
}

func (c *socketConn) ping(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen || c.state != stateOpen {
		return
	}
	data, _ := json.Marshal(outFrame{Method: methodPing})
	c.enqueueLocked(outbound{data: data})
	if c.opts.PongTimeout <= 0 {
		return
	}
	c.pongTimer = time.AfterFunc(c.opts.PongTimeout, func() {
		c.mu.Lock()
		stale := gen != c.timerGen
		c.mu.Unlock()
		if stale {
			return
		}
		c.log.Warn("socket keepalive timed out", zap.Duration("pongTimeout", c.opts.PongTimeout))
		c.fail(&NetworkError{Op: "keepalive", URL: c.url, Sent: true, Err: errPongTimeout})
	})
}

func (c *socketConn) armIdleLocked() {
	c.stopIdleLocked()
	if c.opts.IdleTimeout <= 0 || len(c.pending) > 0 || c.state != stateOpen {
		return
	}
	gen := c.idleGen
	c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, func() { c.idle(gen) })
}

func (c *socketConn) stopIdleLocked() {
	c.idleGen++
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
}

func (c *socketConn) idle(gen uint64) {
	c.mu.Lock()
	if gen != c.idleGen || len(c.pending) > 0 || c.state != stateOpen {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.mu.Unlock()
	c.log.Debug("closing idle socket", zap.Duration("idleTimeout", c.opts.IdleTimeout))
	c.shutdown(errIdleShutdown)
}

// close retires the connection and closes it with a normal close frame.
func (c *socketConn) close(err error) {
	c.mu.Lock()
	if c.state >= stateClosing {
		c.mu.Unlock()
		return
	}
	c.state = stateClosing
	c.mu.Unlock()
	c.shutdown(err)
}

func (c *socketConn) shutdown(err error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}
	c.fail(&NetworkError{Op: "close", URL: c.url, Sent: true, Err: err})
}

// fail moves the connection to closed and rejects everything pending on it.
func (c *socketConn) fail(cause *NetworkError) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	wasOpen := c.ws != nil
	c.state = stateClosed
	c.timerGen++
	for _, t := range []*time.Timer{c.pingTimer, c.pongTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.stopIdleLocked()
	pending := c.pending
	c.pending = make(map[uint64]*pendingRequest)
	queued := c.outq
	c.outq = nil
	ws := c.ws
	c.metrics.setPending(0)
	c.mu.Unlock()

	close(c.done)
	if ws != nil {
		ws.Close()
	}
	if wasOpen {
		c.metrics.socketClosed()
	}
	if len(pending) > 0 {
		c.log.Debug("socket closed with pending calls", zap.Int("pending", len(pending)), zap.Error(cause))
	}

	for _, ob := range queued {
		if ob.written != nil {
			ob.written <- &NetworkError{Op: cause.Op, URL: c.url, Err: cause.Err}
		}
	}
	for _, p := range pending {
		err := &NetworkError{Op: cause.Op, URL: c.url, Sent: p.sent && cause.Sent, Err: cause.Err}
		switch p.pattern {
		case PatternRequest:
			p.reply <- reply{err: err}
		case PatternStream:
			p.sink.end(err)
		}
	}
}

// frameQueue buffers stream frames between the read loop and the consumer
// so that one slow stream never stalls the connection.
type frameQueue struct {
	mu      sync.Mutex
	items   []record
	ended   bool
	err     error
	notify  chan struct{}
	once    sync.Once
	onClose func()
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) push(r record) {
	q.mu.Lock()
	if !q.ended {
		q.items = append(q.items, r)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) end(err error) {
	q.mu.Lock()
	if !q.ended {
		q.ended = true
		q.err = err
	}
	q.mu.Unlock()
	q.signal()
}

func (q *frameQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *frameQueue) read(ctx context.Context) (record, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, nil
		}
		if q.ended {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				return record{}, io.EOF
			}
			var reqErr *RequestError
			if errors.As(err, &reqErr) {
				return record{terminal: &terminal{err: reqErr}}, nil
			}
			return record{}, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return record{}, ctx.Err()
		}
	}
}

func (q *frameQueue) close() error {
	q.once.Do(func() {
		if q.onClose != nil {
			q.onClose()
		}
	})
	return nil
}
