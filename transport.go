package blip

// TransportEvents receives the lifecycle callbacks of a Transport. OnFrame
// delivers one whole binary frame per call; non-binary transport messages
// are never delivered. OnClose reports whether the close was clean.
type TransportEvents struct {
	OnOpen  func()
	OnFrame func(frame []byte)
	OnError func(err error)
	OnClose func(clean bool, reason error)
}

// Transport is a reliable, message-framed byte transport, typically a
// WebSocket. It delivers whole frames and accepts whole frames.
type Transport interface {
	// SetEvents installs the event callbacks. Must be called before Connect.
	SetEvents(ev TransportEvents)
	// Connect opens the transport.
	Connect() error
	// CanSend reports whether the transport is open for sending.
	CanSend() bool
	// SendFrame queues one whole binary frame for sending. It does not
	// block the caller beyond queueing.
	SendFrame(frame []byte) error
	// Close closes the transport.
	Close() error
}
