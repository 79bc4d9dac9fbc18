package blip

const (
	// ProtocolName is the subprotocol negotiated during the WebSocket handshake.
	ProtocolName = "BLIP"
	// ProtocolVersion is the protocol revision implemented by this package.
	ProtocolVersion = 1
	// DefaultFrameSize is the target size of a frame produced by the send scheduler.
	DefaultFrameSize = 4096
	// BigFrameFactor scales DefaultFrameSize when the message being sent is
	// urgent, when the next queued message is urgent, or when nothing else is
	// queued.
	BigFrameFactor = 4
	// FrameHeaderMaxSize is the largest possible encoded frame header:
	// a 32-bit message number varint plus the flags varint.
	FrameHeaderMaxSize = 5 + 2
	// MaxFlag is the highest flag word the decoder accepts. The flags field
	// is carried as a varint to leave room for expansion.
	MaxFlag = 0xFF
)

var (
	// MaxUnackedBytes is the number of unacknowledged payload bytes allowed
	// in flight per message before the sender pauses it (configurable).
	MaxUnackedBytes = int64(128000)
	// AckByteInterval is the receive-side byte interval between acknowledgements (configurable).
	AckByteInterval = int64(50000)
)
