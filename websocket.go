// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package blip

import (
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// UserAgent is sent during the client handshake.
var UserAgent = fmt.Sprintf("blip-go/%d (%s)", ProtocolVersion, runtime.GOOS)

// WSTransport is a Transport over a WebSocket. Each BLIP frame is carried
// as one binary WebSocket message; non-binary messages are ignored.
type WSTransport struct {
	URL    string            // address to dial, for client transports
	Header http.Header       // extra handshake headers, for client transports
	Dialer *websocket.Dialer // dialer to use, nil for the default

	ws        *websocket.Conn // nil until connected (client) or set at accept (server)
	events    TransportEvents
	writeCh   chan FrameData
	doneCh    chan struct{}
	closed    int32
	closeOnce sync.Once
}

// NewWSTransport returns a client transport that will dial the given URL.
func NewWSTransport(url string, header http.Header) *WSTransport {
	return &WSTransport{
		URL:     url,
		Header:  header,
		writeCh: make(chan FrameData, 0x100),
		doneCh:  make(chan struct{}),
	}
}

// NewAcceptedWSTransport returns a transport over an already-upgraded
// server-side WebSocket.
func NewAcceptedWSTransport(ws *websocket.Conn) *WSTransport {
	return &WSTransport{
		ws:      ws,
		writeCh: make(chan FrameData, 0x100),
		doneCh:  make(chan struct{}),
	}
}

// SetEvents installs the event callbacks. Must be called before Connect.
func (t *WSTransport) SetEvents(ev TransportEvents) {
	t.events = ev
}

// Connect dials the server if needed, verifies that the BLIP subprotocol
// was negotiated and starts the read and write pumps. On failure the
// OnClose event fires so the owner can clean up.
func (t *WSTransport) Connect() (err error) {
	if t.ws == nil {
		dialer := t.Dialer
		if dialer == nil {
			d := *websocket.DefaultDialer
			dialer = &d
		}
		dialer.Subprotocols = []string{ProtocolName}
		header := t.Header
		if header == nil {
			header = http.Header{}
		}
		if header.Get("User-Agent") == "" {
			header = header.Clone()
			header.Set("User-Agent", UserAgent)
		}
		var ws *websocket.Conn
		if ws, _, err = dialer.Dial(t.URL, header); err != nil {
			err = errors.WithStack(err)
			t.fireClose(false, err)
			return
		}
		if ws.Subprotocol() != ProtocolName {
			ws.Close()
			err = errors.Wrapf(ErrPeerNotAllowed{}, "server selected subprotocol %q", ws.Subprotocol())
			t.fireClose(false, err)
			return
		}
		t.ws = ws
	}
	go t.readPump()
	go t.writePump()
	if t.events.OnOpen != nil {
		t.events.OnOpen()
	}
	return nil
}

// CanSend reports whether the transport is open for sending.
func (t *WSTransport) CanSend() bool {
	return atomic.LoadInt32(&t.closed) == 0
}

// SendFrame queues one binary frame for sending. The transport owns the
// buffer until it has been written.
func (t *WSTransport) SendFrame(frame []byte) error {
	select {
	case t.writeCh <- FrameData(frame):
		return nil
	case <-t.doneCh:
		return errors.WithStack(ErrConnClosed{})
	}
}

// Close closes the WebSocket. The close handshake is attempted but not
// waited for.
func (t *WSTransport) Close() error {
	t.teardown(true)
	return nil
}

// teardown stops both pumps and closes the socket. It runs at most once.
func (t *WSTransport) teardown(sendCloseFrame bool) {
	t.closeOnce.Do(func() {
		atomic.StoreInt32(&t.closed, 1)
		close(t.doneCh)
		if t.ws != nil {
			if sendCloseFrame {
				t.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeWriteDeadline())
			}
			t.ws.Close()
		} else {
			// never connected
			t.fireClose(true, nil)
		}
	})
}

func (t *WSTransport) readPump() {
	for {
		msgType, data, err := t.ws.ReadMessage()
		if err != nil {
			clean := atomic.LoadInt32(&t.closed) != 0 ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			var reason error
			if !clean {
				reason = errors.Wrap(ErrDisconnected{}, err.Error())
			}
			t.teardown(false)
			t.fireClose(clean, reason)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if t.events.OnFrame != nil {
			t.events.OnFrame(data)
		}
	}
}

func (t *WSTransport) writePump() {
	for {
		select {
		case fd := <-t.writeCh:
			if err := t.ws.WriteMessage(websocket.BinaryMessage, fd); err != nil {
				return
			}
			FrameDataFree(fd)
		case <-t.doneCh:
			return
		}
	}
}

func closeWriteDeadline() time.Time {
	return time.Now().Add(time.Second)
}

func (t *WSTransport) fireClose(clean bool, reason error) {
	if t.events.OnClose != nil {
		t.events.OnClose(clean, reason)
	}
}

// Dial connects to a BLIP server over WebSocket and returns a started Conn.
func Dial(url string, header http.Header) (*Conn, error) {
	t := NewWSTransport(url, header)
	c := NewConn(t)
	if err := c.Start(); err != nil {
		<-c.Done()
		return nil, err
	}
	return c, nil
}

// Listener accepts BLIP connections over WebSocket upgrades. It implements
// http.Handler; mount it on the path clients dial.
type Listener struct {
	// Handler is invoked for each accepted connection, before frames are
	// pumped, so it can register profile handlers race-free.
	Handler func(*Conn)
	// MaxConns limits concurrent connections; zero means no limit.
	MaxConns int

	upgrader websocket.Upgrader
	mu       sync.Mutex
	active   int
	initOnce sync.Once
}

func (l *Listener) init() {
	l.upgrader = websocket.Upgrader{
		Subprotocols: []string{ProtocolName},
	}
}

func (l *Listener) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.MaxConns > 0 && l.active >= l.MaxConns {
		return false
	}
	l.active++
	return true
}

func (l *Listener) release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}

// ActiveConns returns the number of connections currently open.
func (l *Listener) ActiveConns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l.initOnce.Do(l.init)
	if !hasSubprotocol(r, ProtocolName) {
		http.Error(w, "subprotocol BLIP required", http.StatusBadRequest)
		return
	}
	if !l.acquire() {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.release()
		return
	}
	c := NewConn(NewAcceptedWSTransport(ws))
	go func() {
		<-c.Done()
		l.release()
	}()
	if l.Handler != nil {
		l.Handler(c)
	}
	c.Start()
}

func hasSubprotocol(r *http.Request, name string) bool {
	for _, p := range websocket.Subprotocols(r) {
		if p == name {
			return true
		}
	}
	return false
}
