// frame.go

// A wire frame is one whole binary transport message with the layout
//
//	varint(message number) || varint(flags) || payload bytes
//
// The flags varint carries the 8-bit flag word. The decoder accepts up to a
// 64-bit varint there but rejects values exceeding MaxFlag, leaving room for
// future expansion without breaking older peers.

package blip

import (
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// MessageNumber identifies a message within one direction of a connection.
// Numbers are assigned sequentially by the sender, starting at 1.
type MessageNumber uint32

func (n MessageNumber) String() string {
	return fmt.Sprintf("#%d", uint32(n))
}

// FrameFlags is the 8-bit flag word carried in every frame header.
type FrameFlags uint8

// MessageType is the value of the low three bits of FrameFlags.
type MessageType FrameFlags

const (
	// TypeRequest is a MSG frame carrying (part of) a request.
	TypeRequest = MessageType(0)
	// TypeResponse is a RPY frame carrying (part of) a successful response.
	TypeResponse = MessageType(1)
	// TypeError is an ERR frame carrying (part of) an error response.
	TypeError = MessageType(2)
	// TypeAckRequest acknowledges bytes received of an incoming request.
	TypeAckRequest = MessageType(4)
	// TypeAckResponse acknowledges bytes received of an incoming response.
	TypeAckResponse = MessageType(5)

	typeMask = FrameFlags(0x07)

	// FlagCompressed marks the payload (after the property block) as deflate-compressed.
	FlagCompressed = FrameFlags(0x08)
	// FlagUrgent biases the send scheduler toward this message.
	FlagUrgent = FrameFlags(0x10)
	// FlagNoReply means the sender does not expect and will ignore any reply.
	FlagNoReply = FrameFlags(0x20)
	// FlagMoreComing means this frame is not the last one of its message.
	FlagMoreComing = FrameFlags(0x40)
	// FlagMeta marks a control request (reserved).
	FlagMeta = FrameFlags(0x80)
)

var messageTypeTexts = map[MessageType]string{
	TypeRequest:     "MSG",
	TypeResponse:    "RPY",
	TypeError:       "ERR",
	TypeAckRequest:  "ACK-MSG",
	TypeAckResponse: "ACK-RPY",
}

func (t MessageType) String() string {
	if s, ok := messageTypeTexts[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE-%d", int(t))
}

// Type returns the message type bits of the flag word.
func (f FrameFlags) Type() MessageType {
	return MessageType(f & typeMask)
}

// withType returns the flags with the type bits replaced.
func (f FrameFlags) withType(t MessageType) FrameFlags {
	return (f &^ typeMask) | FrameFlags(t)
}

func (f FrameFlags) String() string {
	s := f.Type().String()
	if f&FlagCompressed != 0 {
		s += "+Z"
	}
	if f&FlagUrgent != 0 {
		s += "+U"
	}
	if f&FlagNoReply != 0 {
		s += "+N"
	}
	if f&FlagMoreComing != 0 {
		s += "+M"
	}
	if f&FlagMeta != 0 {
		s += "+X"
	}
	return s
}

// isAck returns true for the two acknowledgement types.
func (t MessageType) isAck() bool {
	return t == TypeAckRequest || t == TypeAckResponse
}

// ackedType returns the type of outgoing message an ack refers to.
func (t MessageType) ackedType() MessageType {
	if t == TypeAckResponse {
		return TypeResponse
	}
	return TypeRequest
}

// FrameData is a byte buffer holding one encoded wire frame.
type FrameData []byte

// NewFrameData allocates an empty FrameData with room for a default frame.
func NewFrameData() FrameData {
	return FrameData(make([]byte, 0, DefaultFrameSize*BigFrameFactor+FrameHeaderMaxSize))
}

// Clear removes everything in a frame.
func (fd *FrameData) Clear() {
	*fd = (*fd)[:0]
}

func (fd FrameData) String() string {
	var contents string
	if len(fd) > 32 {
		contents = hex.EncodeToString(fd[:32]) + "..."
	} else {
		contents = hex.EncodeToString(fd)
	}
	return fmt.Sprintf("[FrameData %d %v]", len(fd), contents)
}

// WriteUvarint appends an unsigned varint using the portable base-128 encoding.
func (fd *FrameData) WriteUvarint(x uint64) {
	for x >= 0x80 {
		*fd = append(*fd, byte(x)|0x80)
		x >>= 7
	}
	*fd = append(*fd, byte(x))
}

// WriteHeader appends a frame header for the given message number and flags.
func (fd *FrameData) WriteHeader(n MessageNumber, flags FrameFlags) {
	fd.WriteUvarint(uint64(n))
	fd.WriteUvarint(uint64(flags))
}

// readUvarint decodes an unsigned varint from the start of b, returning the
// value and the number of bytes consumed. A malformed or overlong varint
// returns a consumed count of zero.
func readUvarint(b []byte) (x uint64, n int) {
	var s uint
	for i, c := range b {
		if c < 0x80 {
			if i > 9 || i == 9 && c > 1 {
				return 0, 0
			}
			return x | uint64(c)<<s, i + 1
		}
		x |= uint64(c&0x7f) << s
		s += 7
	}
	return 0, 0
}

// parseFrame decodes a frame header, returning the message number, the flag
// word and the payload following the header. Malformed varints, a message
// number exceeding 32 bits or a flag word exceeding MaxFlag are all fatal
// framing errors.
func parseFrame(b []byte) (num MessageNumber, flags FrameFlags, payload []byte, err error) {
	x, n := readUvarint(b)
	if n == 0 || x > 0xFFFFFFFF {
		err = errors.Wrapf(ErrBadFrame{}, "bad message number varint in %v", FrameData(b))
		return
	}
	num = MessageNumber(x)
	b = b[n:]
	x, n = readUvarint(b)
	if n == 0 || x > MaxFlag {
		err = errors.Wrapf(ErrBadFrame{}, "bad flags varint in frame for %v", num)
		return
	}
	flags = FrameFlags(x)
	payload = b[n:]
	return
}
