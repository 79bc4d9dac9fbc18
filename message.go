// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package blip

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Message holds the state of one logical BLIP message, either locally
// created (outgoing) or received from the peer (incoming). A message may
// span many frames; the sender slices the encoded payload into frames and
// the receiver reassembles them.
//
// A message is owned by one execution context at a time and is handed off
// by posting tasks; only the byte counters and the complete flag are
// atomic.
type Message struct {
	conn       *Conn
	number     MessageNumber
	flags      FrameFlags
	properties Properties
	body       []byte

	mine     bool  // created locally rather than received
	frozen   bool  // encode() has run; body/flags/properties are immutable
	sent     bool  // at least enqueued on a connection
	complete int32 // last frame emitted (sender) or received (receiver)

	// outgoing state, valid after encode()
	encoded []byte // property block plus (possibly deflated) payload
	readPos int    // next byte of encoded to emit

	bytesWritten  int64 // total payload bytes emitted, atomic
	bytesAcked    int64 // highest ack received from peer, atomic
	bytesReceived int64 // total payload bytes accepted, atomic

	// incoming state
	inBuf       []byte // accumulates bytes until the property block parses
	propsParsed bool
	deflated    []byte // accumulates the compressed payload stream
}

func (m *Message) String() string {
	dir := "in"
	if m.mine {
		dir = "out"
	}
	return fmt.Sprintf("[Message %v %v %s w=%d a=%d r=%d]",
		m.number, m.flags, dir,
		atomic.LoadInt64(&m.bytesWritten),
		atomic.LoadInt64(&m.bytesAcked),
		atomic.LoadInt64(&m.bytesReceived))
}

// Number returns the message number, valid once the message has been sent
// or received.
func (m *Message) Number() MessageNumber { return m.number }

// Type returns the message type.
func (m *Message) Type() MessageType { return m.flags.Type() }

// Complete reports whether the last frame has been emitted (outgoing) or
// received (incoming).
func (m *Message) Complete() bool { return atomic.LoadInt32(&m.complete) != 0 }

func (m *Message) setComplete() { atomic.StoreInt32(&m.complete, 1) }

// Properties returns the property map. The map must not be mutated once the
// message has been encoded.
func (m *Message) Properties() Properties { return m.properties }

// Property returns the value of the named property, or "".
func (m *Message) Property(name string) string { return m.properties[name] }

// Body returns the message body. For incoming messages it is valid once the
// message is complete.
func (m *Message) Body() []byte { return m.body }

// Profile returns the value of the Profile property.
func (m *Message) Profile() string { return m.properties[PropertyProfile] }

// Urgent reports whether the urgent flag is set.
func (m *Message) Urgent() bool { return m.flags&FlagUrgent != 0 }

// NoReply reports whether the sender has declared it will ignore any reply.
func (m *Message) NoReply() bool { return m.flags&FlagNoReply != 0 }

// Compressed reports whether the payload is deflate-compressed.
func (m *Message) Compressed() bool { return m.flags&FlagCompressed != 0 }

// SetBody sets the message body. Allowed only before the message is encoded.
func (m *Message) SetBody(body []byte) error {
	if m.frozen {
		return errors.WithStack(ErrFrozen{})
	}
	m.body = body
	return nil
}

// SetProperties replaces the property map. Allowed only before the message is encoded.
func (m *Message) SetProperties(p Properties) error {
	if m.frozen {
		return errors.WithStack(ErrFrozen{})
	}
	m.properties = p
	return nil
}

// SetProperty sets a single property. Allowed only before the message is encoded.
func (m *Message) SetProperty(name, value string) error {
	if m.frozen {
		return errors.WithStack(ErrFrozen{})
	}
	if m.properties == nil {
		m.properties = Properties{}
	}
	m.properties[name] = value
	return nil
}

func (m *Message) setFlag(f FrameFlags, on bool) error {
	if m.frozen {
		return errors.WithStack(ErrFrozen{})
	}
	if on {
		m.flags |= f
	} else {
		m.flags &^= f
	}
	return nil
}

// SetUrgent sets or clears the urgent flag.
func (m *Message) SetUrgent(on bool) error { return m.setFlag(FlagUrgent, on) }

// SetNoReply sets or clears the no-reply flag.
func (m *Message) SetNoReply(on bool) error { return m.setFlag(FlagNoReply, on) }

// SetCompressed sets or clears the compressed flag.
func (m *Message) SetCompressed(on bool) error { return m.setFlag(FlagCompressed, on) }

// encode freezes the message and produces the payload stream that frames
// will be sliced from: the property block followed by the body, the latter
// wrapped in a deflate stream when the compressed flag is set.
func (m *Message) encode() (err error) {
	if m.frozen {
		return nil
	}
	m.frozen = true
	var fd FrameData
	fd.AppendProperties(m.properties)
	if m.Compressed() {
		var buf bytes.Buffer
		fw, _ := flate.NewWriter(&buf, flate.DefaultCompression)
		if _, err = fw.Write(m.body); err == nil {
			err = fw.Close()
		}
		if err != nil {
			return errors.WithStack(err)
		}
		fd = append(fd, buf.Bytes()...)
	} else {
		fd = append(fd, m.body...)
	}
	m.encoded = fd
	m.readPos = 0
	return nil
}

// nextFrame produces the next wire frame for an outgoing message, up to
// maxSize bytes including the header. The returned frame has MoreComing set
// iff the payload stream has unread bytes after it.
func (m *Message) nextFrame(maxSize int) (fd FrameData, moreComing bool) {
	chunkSize := maxSize - FrameHeaderMaxSize
	if remain := len(m.encoded) - m.readPos; chunkSize > remain {
		chunkSize = remain
	}
	chunk := m.encoded[m.readPos : m.readPos+chunkSize]
	m.readPos += chunkSize
	moreComing = m.readPos < len(m.encoded)

	flags := m.flags &^ FlagMoreComing
	if moreComing {
		flags |= FlagMoreComing
	}

	fd = FrameDataAlloc()
	fd.WriteHeader(m.number, flags)
	fd = append(fd, chunk...)

	atomic.AddInt64(&m.bytesWritten, int64(len(chunk)))
	if !moreComing {
		m.setComplete()
	}
	return
}

// needsAck reports whether the sender must pause this message until the peer
// acknowledges more bytes. The extra allowance covers the frame about to be
// produced so the unacked window never exceeds MaxUnackedBytes.
func (m *Message) needsAck(pendingFrameSize int64) bool {
	w := atomic.LoadInt64(&m.bytesWritten)
	a := atomic.LoadInt64(&m.bytesAcked)
	return w+pendingFrameSize-a > MaxUnackedBytes
}

// receivedAck records an acknowledgement from the peer. The acked byte count
// must be strictly increasing and must not exceed the bytes written.
func (m *Message) receivedAck(n int64) error {
	if n <= atomic.LoadInt64(&m.bytesAcked) || n > atomic.LoadInt64(&m.bytesWritten) {
		return errors.Wrapf(ErrBadFrame{}, "non-monotonic ack %d for %v", n, m)
	}
	atomic.StoreInt64(&m.bytesAcked, n)
	return nil
}

// receivedFrame appends an incoming frame's payload to the message. The
// property block is parsed exactly once, from the prefix of the accumulated
// buffer. When a frame arrives with MoreComing cleared the message is
// complete and a compressed payload is inflated.
func (m *Message) receivedFrame(flags FrameFlags, payload []byte) (err error) {
	if m.propsParsed {
		m.flags = m.flags.withType(flags.Type())
		m.flags = (m.flags &^ FlagMoreComing) | (flags & FlagMoreComing)
	} else {
		m.flags = flags
	}
	atomic.AddInt64(&m.bytesReceived, int64(len(payload)))

	if !m.propsParsed {
		m.inBuf = append(m.inBuf, payload...)
		var p Properties
		var n int
		if p, n, err = readProperties(m.inBuf); err != nil {
			return err
		}
		if p == nil {
			// property block spans into a later frame
			if flags&FlagMoreComing == 0 {
				return errors.Wrap(ErrBadData{}, "message ended inside property block")
			}
			return nil
		}
		m.propsParsed = true
		m.properties = p
		payload = m.inBuf[n:]
		m.inBuf = nil
	}

	if m.Compressed() {
		m.deflated = append(m.deflated, payload...)
	} else {
		m.body = append(m.body, payload...)
	}

	if flags&FlagMoreComing == 0 {
		if m.Compressed() {
			var body []byte
			fr := flate.NewReader(bytes.NewReader(m.deflated))
			if body, err = io.ReadAll(fr); err == nil {
				err = fr.Close()
			}
			if err != nil {
				return errors.Wrapf(ErrBadData{}, "inflating %v: %v", m.number, err)
			}
			m.body = body
			m.deflated = nil
		}
		m.setComplete()
	}
	return nil
}

// ackFrame builds an acknowledgement frame for an incoming message,
// carrying the total bytes received so far as a varint payload.
func (m *Message) ackFrame() FrameData {
	t := TypeAckRequest
	if m.Type() != TypeRequest {
		t = TypeAckResponse
	}
	fd := FrameDataAlloc()
	fd.WriteHeader(m.number, FrameFlags(t))
	fd.WriteUvarint(uint64(atomic.LoadInt64(&m.bytesReceived)))
	return fd
}
