// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package blip

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler processes an incoming request. It runs on the connection's
// delegate context. If it returns without responding and the request does
// not have the NoReply flag set, an empty reply is sent automatically.
type Handler func(*Request)

// Stats holds the byte and message counters of a Conn.
type Stats struct {
	BytesRead        int64
	BytesWritten     int64
	MessagesSent     int64
	MessagesReceived int64
}

// msgKey identifies an outgoing message for acknowledgement routing: the
// same number is used by a request and its reply, so the type is part of
// the key.
type msgKey struct {
	number MessageNumber
	typ    MessageType
}

func keyOf(m *Message) msgKey {
	t := TypeRequest
	if m.Type() != TypeRequest {
		t = TypeResponse
	}
	return msgKey{number: m.number, typ: t}
}

// Conn multiplexes BLIP messages over a single Transport. Scheduler state
// (outbox, icebox, pending tables, counters) is owned by the transport
// context; user callbacks and per-message framing run on the delegate
// context. Neither context needs locks of its own; work crosses between
// them by posting tasks.
type Conn struct {
	// Logger receives frame-level traces and lifecycle events.
	// Defaults to a nop logger.
	Logger *zap.Logger

	transport  Transport
	transportQ *serialQueue
	delegateQ  *serialQueue

	// transport context state
	outbox              []*Message
	icebox              map[msgKey]*Message
	outgoing            map[msgKey]*Message
	pendingRequests     map[MessageNumber]*Request
	pendingResponses    map[MessageNumber]*Response
	sendingMsg          *Message
	nextRequestNumber   MessageNumber
	nextExpectedRequest MessageNumber
	opened              bool
	closed              bool
	closeErr            error

	mu       sync.Mutex // guards handlers and callbacks
	handlers map[string]Handler
	onOpen   func()
	onError  func(error)
	onClose  func(error)

	doneCh          chan struct{}
	pendingDelegate int64 // outstanding delegate tasks, atomic

	bytesRead        int64
	bytesWritten     int64
	messagesSent     int64
	messagesReceived int64

	serialNumber uint32
}

var connNextSerialNumber uint32

// NewConn creates a Conn bound to the given transport. Call Start to open
// the transport and begin pumping frames.
func NewConn(t Transport) *Conn {
	c := &Conn{
		Logger:              zap.NewNop(),
		transport:           t,
		transportQ:          newSerialQueue(),
		delegateQ:           newSerialQueue(),
		icebox:              map[msgKey]*Message{},
		outgoing:            map[msgKey]*Message{},
		pendingRequests:     map[MessageNumber]*Request{},
		pendingResponses:    map[MessageNumber]*Response{},
		handlers:            map[string]Handler{},
		nextRequestNumber:   1,
		nextExpectedRequest: 1,
		doneCh:              make(chan struct{}),
		serialNumber:        atomic.AddUint32(&connNextSerialNumber, 1),
	}
	t.SetEvents(TransportEvents{
		OnOpen:  func() { c.transportQ.post(c.transportOpened) },
		OnFrame: func(frame []byte) { c.transportQ.post(func() { c.receivedFrame(frame) }) },
		OnError: func(err error) { c.transportQ.post(func() { c.closeWithError(err) }) },
		OnClose: func(clean bool, reason error) {
			c.transportQ.post(func() { c.transportClosed(clean, reason) })
		},
	})
	return c
}

func (c *Conn) String() string {
	return fmt.Sprintf("[Conn %x]", c.serialNumber)
}

// Start opens the transport. Frames queued before Start are sent once the
// transport reports open.
func (c *Conn) Start() error {
	return c.transport.Connect()
}

// Handle registers the handler for a profile. Registering for the empty
// profile sets the fallback handler for requests whose profile has no
// registration of its own.
func (c *Conn) Handle(profile string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[profile] = h
}

func (c *Conn) handler(profile string) Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handlers[profile]; ok {
		return h
	}
	return c.handlers[""]
}

// OnOpen sets the callback fired on the delegate context when the
// transport opens.
func (c *Conn) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = fn
}

// OnError sets the callback fired on the delegate context when a fatal
// error is recorded, before the connection closes.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// OnClose sets the callback fired on the delegate context when the
// connection has shut down. The error is nil for a clean close.
func (c *Conn) OnClose(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Done returns a channel that is closed when the connection has fully shut
// down and both execution contexts have drained.
func (c *Conn) Done() <-chan struct{} { return c.doneCh }

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() Stats {
	return Stats{
		BytesRead:        atomic.LoadInt64(&c.bytesRead),
		BytesWritten:     atomic.LoadInt64(&c.bytesWritten),
		MessagesSent:     atomic.LoadInt64(&c.messagesSent),
		MessagesReceived: atomic.LoadInt64(&c.messagesReceived),
	}
}

// Active reports whether the connection has outstanding work: queued or
// paused messages, incomplete incoming or outgoing exchanges, or pending
// delegate calls.
func (c *Conn) Active() (active bool) {
	c.transportQ.sync(func() {
		active = len(c.outbox)+len(c.icebox)+len(c.pendingRequests)+len(c.pendingResponses) > 0 ||
			c.sendingMsg != nil ||
			atomic.LoadInt64(&c.pendingDelegate) > 0
	})
	return
}

// Request creates a new outgoing request for this connection.
func (c *Conn) Request() *Request {
	r := &Request{}
	r.mine = true
	return r
}

// Send encodes and enqueues an outgoing request, waiting for the scheduler
// to assign its message number. Returns the response that will receive the
// peer's reply, or nil if the request has the NoReply flag set.
func (c *Conn) Send(r *Request) (resp *Response, err error) {
	if !r.mine {
		return nil, errors.Wrap(ErrAlreadySent{}, "cannot send a received request")
	}
	if err = r.encode(); err != nil {
		return nil, err
	}
	ok := c.transportQ.sync(func() {
		if c.closed {
			err = errors.WithStack(ErrConnClosed{})
			return
		}
		if r.sent {
			err = errors.WithStack(ErrAlreadySent{})
			return
		}
		r.sent = true
		r.number = c.nextRequestNumber
		c.nextRequestNumber++
		if resp = r.Response(); resp != nil {
			resp.number = r.number
			resp.flags = FrameFlags(TypeResponse)
			if r.Urgent() {
				resp.flags |= FlagUrgent
			}
			c.pendingResponses[r.number] = resp
		}
		c.outgoing[keyOf(&r.Message)] = &r.Message
		c.queueMessage(&r.Message, true)
		c.pump()
	})
	if !ok {
		return nil, errors.WithStack(ErrConnClosed{})
	}
	if err != nil {
		return nil, err
	}
	return
}

// sendReply enqueues an outgoing reply. Replies are fire-and-forget; a
// reply queued on a closed connection is dropped.
func (c *Conn) sendReply(m *Message) (err error) {
	if err = m.encode(); err != nil {
		return err
	}
	c.transportQ.post(func() {
		if c.closed {
			c.Logger.Debug("reply dropped, connection closed", zap.Stringer("msg", m.number))
			return
		}
		m.sent = true
		c.outgoing[keyOf(m)] = m
		c.queueMessage(m, true)
		c.pump()
	})
	return nil
}

// queueMessage inserts a message into the outbox. Urgent messages are
// interleaved ahead of non-urgent ones but never starve them: the message
// goes after the last queued urgent message, leaving at most one
// non-urgent message behind it. A new message never passes over another
// message that has not started sending, keeping message-start order stable
// between peers.
func (c *Conn) queueMessage(m *Message, isNew bool) {
	n := len(c.outbox)
	idx := n
	if m.Urgent() && n > 1 {
		idx = -1
		for i := n - 1; i >= 0; i-- {
			if c.outbox[i].Urgent() {
				idx = i + 2
				break
			}
		}
		if idx < 0 {
			idx = 1
		} else if idx > n {
			idx = n
		}
		if isNew {
			for j := n - 1; j >= idx; j-- {
				if atomic.LoadInt64(&c.outbox[j].bytesWritten) == 0 {
					idx = j + 1
					break
				}
			}
		}
	}
	c.outbox = append(c.outbox, nil)
	copy(c.outbox[idx+1:], c.outbox[idx:])
	c.outbox[idx] = m
}

// pump feeds the transport: while no frame is in flight and the outbox has
// work, pop the head message and have the delegate context produce its next
// frame. Messages that have reached the unacked byte window move to the
// icebox instead of sending.
func (c *Conn) pump() {
	for c.sendingMsg == nil && !c.closed && c.opened && len(c.outbox) > 0 && c.transport.CanSend() {
		m := c.outbox[0]
		frameSize := DefaultFrameSize
		if m.Urgent() || len(c.outbox) == 1 || c.outbox[1].Urgent() {
			frameSize *= BigFrameFactor
		}
		c.outbox = c.outbox[1:]
		if m.needsAck(int64(frameSize)) {
			c.icebox[keyOf(m)] = m
			continue
		}
		c.sendingMsg = m
		c.dispatch(func() {
			fd, more := m.nextFrame(frameSize)
			c.transportQ.post(func() { c.frameReady(m, fd, more) })
		})
	}
}

// frameReady runs on the transport context after the delegate produced a
// frame. It hands the frame to the transport and requeues, pauses or
// completes the message.
func (c *Conn) frameReady(m *Message, fd FrameData, more bool) {
	c.sendingMsg = nil
	if c.closed {
		FrameDataFree(fd)
		return
	}
	if len(fd) > 0 {
		c.Logger.Debug("writ", zap.Stringer("msg", m.number), zap.Int("bytes", len(fd)), zap.Bool("more", more))
		atomic.AddInt64(&c.bytesWritten, int64(len(fd)))
		if err := c.transport.SendFrame(fd); err != nil {
			if !isClosedError(err) {
				c.closeWithError(err)
			}
			return
		}
	}
	if more {
		if m.needsAck(0) {
			c.icebox[keyOf(m)] = m
		} else {
			c.queueMessage(m, false)
		}
	} else {
		delete(c.outgoing, keyOf(m))
		atomic.AddInt64(&c.messagesSent, 1)
	}
	c.pump()
}

// receivedFrame decodes and routes one inbound frame. Runs on the
// transport context.
func (c *Conn) receivedFrame(data []byte) {
	if c.closed {
		return
	}
	atomic.AddInt64(&c.bytesRead, int64(len(data)))
	num, flags, payload, err := parseFrame(data)
	if err != nil {
		c.closeWithError(err)
		return
	}
	c.Logger.Debug("read", zap.Stringer("msg", num), zap.Stringer("flags", flags), zap.Int("bytes", len(payload)))

	switch t := flags.Type(); {
	case t == TypeRequest:
		req := c.pendingRequests[num]
		if req == nil {
			if num != c.nextExpectedRequest {
				c.closeWithError(errors.Wrapf(ErrBadFrame{}, "unexpected request number %v, want %v", num, c.nextExpectedRequest))
				return
			}
			req = &Request{}
			req.mine = false
			req.number = num
			req.conn = c
			c.nextExpectedRequest++
			if flags&FlagMoreComing != 0 {
				c.pendingRequests[num] = req
			}
		} else if flags&FlagMoreComing == 0 {
			delete(c.pendingRequests, num)
		}
		c.dispatch(func() { c.deliverRequest(req, flags, payload) })

	case t == TypeResponse || t == TypeError:
		resp := c.pendingResponses[num]
		if resp == nil {
			if num >= c.nextRequestNumber {
				c.closeWithError(errors.Wrapf(ErrBadFrame{}, "reply to unsent request %v", num))
			} else {
				// benign race with a completed or unwanted exchange
				c.Logger.Debug("reply dropped, no receiver", zap.Stringer("msg", num))
			}
			return
		}
		if flags&FlagMoreComing == 0 {
			delete(c.pendingResponses, num)
		}
		c.dispatch(func() { c.deliverResponse(resp, flags, payload) })

	case t.isAck():
		acked, n := readUvarint(payload)
		if n == 0 {
			c.closeWithError(errors.Wrapf(ErrBadFrame{}, "bad ack payload for %v", num))
			return
		}
		key := msgKey{number: num, typ: t.ackedType()}
		m := c.outgoing[key]
		if m == nil {
			c.Logger.Debug("ack for unknown message", zap.Stringer("msg", num))
			return
		}
		if err := m.receivedAck(int64(acked)); err != nil {
			c.closeWithError(err)
			return
		}
		if iced, ok := c.icebox[key]; ok {
			delete(c.icebox, key)
			c.queueMessage(iced, false)
		}
		c.pump()

	default:
		// unknown message type, ignored for forward compatibility
		c.Logger.Debug("unknown frame type ignored", zap.Stringer("msg", num), zap.Stringer("flags", flags))
	}
}

// deliverRequest appends a frame to an incoming request and serves it when
// complete. Runs on the delegate context.
func (c *Conn) deliverRequest(req *Request, flags FrameFlags, payload []byte) {
	if !c.deliverFrame(&req.Message, flags, payload) {
		return
	}
	if req.Complete() {
		atomic.AddInt64(&c.messagesReceived, 1)
		c.serveRequest(req)
	}
}

// deliverResponse appends a frame to an incoming response and completes it
// when the last frame has arrived. Runs on the delegate context.
func (c *Conn) deliverResponse(resp *Response, flags FrameFlags, payload []byte) {
	if !c.deliverFrame(&resp.Message, flags, payload) {
		return
	}
	if resp.Message.Complete() {
		atomic.AddInt64(&c.messagesReceived, 1)
		resp.finish(nil)
	}
}

// deliverFrame feeds payload bytes into a message and emits an
// acknowledgement whenever the received byte count crosses an
// AckByteInterval boundary. Returns false if the payload was malformed, in
// which case the connection is closing.
func (c *Conn) deliverFrame(m *Message, flags FrameFlags, payload []byte) bool {
	before := atomic.LoadInt64(&m.bytesReceived)
	err := m.receivedFrame(flags, payload)
	if err != nil {
		c.transportQ.post(func() { c.closeWithError(err) })
		return false
	}
	after := atomic.LoadInt64(&m.bytesReceived)
	if !m.Complete() && after > 0 && before/AckByteInterval < after/AckByteInterval {
		fd := m.ackFrame()
		c.transportQ.post(func() {
			if !c.closed && c.transport.CanSend() {
				atomic.AddInt64(&c.bytesWritten, int64(len(fd)))
				c.transport.SendFrame(fd)
			} else {
				FrameDataFree(fd)
			}
		})
	}
	return true
}

// serveRequest dispatches a complete incoming request to its handler.
// Runs on the delegate context.
func (c *Conn) serveRequest(req *Request) {
	if req.flags&FlagMeta != 0 {
		c.serveMeta(req)
		return
	}
	h := c.handler(req.Profile())
	if h == nil {
		c.Logger.Debug("no handler", zap.String("profile", req.Profile()), zap.Stringer("msg", req.number))
		if !req.NoReply() {
			req.RespondError(CodeNotFound, "No handler was found")
		}
		return
	}
	func() {
		defer func() {
			if p := recover(); p != nil {
				c.Logger.Warn("handler panic", zap.String("profile", req.Profile()), zap.Any("panic", p))
				if !req.NoReply() && !req.hasResponded() {
					req.RespondError(CodeHandlerFailed, fmt.Sprint(p))
				}
			}
		}()
		h(req)
	}()
	if !req.NoReply() && !req.hasResponded() {
		req.Respond(nil, "")
	}
}

// serveMeta routes a Meta-flagged request. The meta dispatch table is
// reserved; unknown meta requests are answered with NotFound.
func (c *Conn) serveMeta(req *Request) {
	if !req.NoReply() {
		req.RespondError(CodeNotFound, "No handler was found")
	}
}

// dispatch posts message work to the delegate context, tracking the
// outstanding call count for Active().
func (c *Conn) dispatch(task func()) {
	atomic.AddInt64(&c.pendingDelegate, 1)
	c.delegateQ.post(func() {
		defer atomic.AddInt64(&c.pendingDelegate, -1)
		task()
	})
}

func (c *Conn) transportOpened() {
	if c.closed {
		return
	}
	c.opened = true
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		c.dispatch(fn)
	}
	c.pump()
}

// closeWithError records a fatal error and closes the transport. The
// cleanup work happens in transportClosed once the transport reports
// closed.
func (c *Conn) closeWithError(err error) {
	if c.closed {
		return
	}
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.Logger.Debug("closing", zap.Error(err))
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		c.dispatch(func() { fn(err) })
	}
	c.transport.Close()
}

// transportClosed tears the connection down: queued outgoing work is
// discarded, incomplete pending responses are completed with a synthesized
// Disconnected error so waiters observe completion, and the close callback
// fires. Runs on the transport context.
func (c *Conn) transportClosed(clean bool, reason error) {
	if c.closed {
		return
	}
	c.closed = true
	err := c.closeErr
	if err == nil {
		if reason != nil {
			err = reason
		} else if !clean {
			err = errors.WithStack(ErrDisconnected{})
		}
	}
	c.closeErr = err

	c.outbox = nil
	c.icebox = map[msgKey]*Message{}
	c.outgoing = map[msgKey]*Message{}
	c.pendingRequests = map[MessageNumber]*Request{}
	for num, resp := range c.pendingResponses {
		delete(c.pendingResponses, num)
		r := resp
		c.dispatch(func() { r.finish(errDisconnectedResponse) })
	}

	c.mu.Lock()
	fn := c.onClose
	c.mu.Unlock()
	c.dispatch(func() {
		if fn != nil {
			fn(err)
		}
	})
	// stop both contexts once the delegate has drained the work above
	c.delegateQ.post(func() {
		c.transportQ.stop()
		c.delegateQ.stop()
		go func() {
			c.transportQ.wait()
			c.delegateQ.wait()
			close(c.doneCh)
		}()
	})
}

// Close closes the connection. Pending outgoing requests fail and pending
// incoming responses complete with a Disconnected error.
func (c *Conn) Close() error {
	c.transportQ.sync(func() {
		if !c.closed {
			c.transport.Close()
		}
	})
	return nil
}
