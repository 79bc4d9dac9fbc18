package blip

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// Request is a message of type MSG. An outgoing request is created with
// Conn.Request, configured, and passed to Conn.Send. An incoming request is
// handed to the handler registered for its profile.
type Request struct {
	Message
	mu        sync.Mutex
	response  *Response
	responded bool
}

// Response returns the response object that will receive the peer's reply,
// allocating it on first use. It returns nil if the request has the NoReply
// flag set, or if the request is an incoming one.
func (r *Request) Response() *Response {
	if !r.mine || r.NoReply() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.response == nil {
		r.response = newResponse()
	}
	return r.response
}

// Clone returns a fresh copy of a request so the same logical request can
// be sent on another connection. The clone preserves body, properties and
// the Compressed, Urgent and NoReply flags, and has no number assigned.
func (r *Request) Clone() *Request {
	c := &Request{}
	c.mine = true
	c.flags = r.flags & (FlagCompressed | FlagUrgent | FlagNoReply)
	c.body = append([]byte(nil), r.body...)
	if r.properties != nil {
		c.properties = Properties{}
		for k, v := range r.properties {
			c.properties[k] = v
		}
	}
	return c
}

// Respond sends a reply to an incoming request. The contentType may be
// empty. Returns an error if the request came from this side, asked for no
// reply, or has already been responded to.
func (r *Request) Respond(body []byte, contentType string) error {
	m := &Message{mine: true, number: r.number, body: body}
	m.flags = FrameFlags(TypeResponse)
	if contentType != "" {
		m.properties = Properties{PropertyContentType: contentType}
	}
	return r.sendReply(m)
}

// RespondError sends an ERR reply carrying the given code and message.
func (r *Request) RespondError(code int, message string) error {
	m := &Message{mine: true, number: r.number, body: []byte(message)}
	m.flags = FrameFlags(TypeError)
	m.properties = Properties{PropertyErrorCode: strconv.Itoa(code)}
	return r.sendReply(m)
}

func (r *Request) sendReply(m *Message) error {
	if r.mine {
		return errors.Wrap(ErrAlreadySent{}, "cannot respond to an outgoing request")
	}
	if r.NoReply() {
		return errors.WithStack(ErrNoReply{})
	}
	r.mu.Lock()
	if r.responded {
		r.mu.Unlock()
		return errors.WithStack(ErrAlreadyResponded{})
	}
	r.responded = true
	r.mu.Unlock()
	if r.Urgent() {
		m.flags |= FlagUrgent
	}
	return r.conn.sendReply(m)
}

// hasResponded reports whether a reply has been queued for this request.
func (r *Request) hasResponded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responded
}
