package blip

import (
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Error codes carried on ERR responses in the Error-Code property.
const (
	CodeBadRequest    = 400
	CodeForbidden     = 403
	CodeNotFound      = 404
	CodeBadRange      = 416
	CodeHandlerFailed = 501
	CodeUnspecified   = 599
)

// ErrorDomain is the default error domain for errors originated by this package.
const ErrorDomain = "BLIP"

// Error is an application-level error carried on an ERR response.
type Error struct {
	Domain  string
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Domain, e.Code, e.Message)
}

// errorFromResponse decodes the error carried by a completed ERR response.
// An unparseable or missing Error-Code yields CodeUnspecified.
func errorFromResponse(m *Message) *Error {
	code, err := strconv.Atoi(m.Property(PropertyErrorCode))
	if err != nil || code == 0 {
		code = CodeUnspecified
	}
	domain := m.Property(PropertyErrorDomain)
	if domain == "" {
		domain = ErrorDomain
	}
	return &Error{Domain: domain, Code: code, Message: string(m.Body())}
}

// ErrBadFrame means a received frame could not be decoded or violated the
// protocol. It is fatal to the connection.
type ErrBadFrame struct{}

func (ErrBadFrame) Error() string { return "bad frame" }

// ErrBadData means a message payload was malformed, such as a corrupt
// property block or an undecodable compressed body. It is fatal to the connection.
type ErrBadData struct{}

func (ErrBadData) Error() string { return "bad data" }

// ErrDisconnected means the transport closed before the session completed.
type ErrDisconnected struct{}

func (ErrDisconnected) Error() string { return "disconnected" }

// ErrPeerNotAllowed means the peer failed protocol negotiation, such as a
// WebSocket handshake that did not select the BLIP subprotocol.
type ErrPeerNotAllowed struct{}

func (ErrPeerNotAllowed) Error() string { return "peer not allowed" }

// Internal error codes, never sent on the wire.
const (
	// CodeMisc is a catch-all for local errors.
	CodeMisc = 99
	// CodeDisconnected marks a response synthesized because the transport
	// closed before the reply arrived.
	CodeDisconnected = 602
)

// errDisconnectedResponse is the error placed on pending responses when the
// connection closes before their reply arrives.
var errDisconnectedResponse = &Error{Domain: ErrorDomain, Code: CodeDisconnected, Message: "disconnected"}

// ErrConnClosed is returned when an operation is attempted on a closed connection.
type ErrConnClosed struct{}

func (ErrConnClosed) Error() string { return "connection closed" }

// ErrFrozen is returned when mutating a message after it has been encoded.
type ErrFrozen struct{}

func (ErrFrozen) Error() string { return "message is frozen" }

// ErrAlreadySent is returned when sending a message a second time.
type ErrAlreadySent struct{}

func (ErrAlreadySent) Error() string { return "message already sent" }

// ErrNoReply is returned when responding to a request whose sender asked for no reply.
type ErrNoReply struct{}

func (ErrNoReply) Error() string { return "request has the NoReply flag set" }

// ErrAlreadyResponded is returned when responding to a request a second time.
type ErrAlreadyResponded struct{}

func (ErrAlreadyResponded) Error() string { return "request already responded to" }

func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case ErrConnClosed{}:
		return true
	case ErrDisconnected{}:
		return true
	case io.ErrClosedPipe:
		return true
	case io.EOF:
		return true
	}
	return false
}
