package blip

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutgoing(t *testing.T, props Properties, body []byte, flags FrameFlags) *Message {
	m := &Message{mine: true, number: 1}
	require.NoError(t, m.SetProperties(props))
	require.NoError(t, m.SetBody(body))
	m.flags |= flags
	require.NoError(t, m.encode())
	return m
}

// drainFrames produces all wire frames of an outgoing message.
func drainFrames(m *Message, maxSize int) (frames []FrameData) {
	for {
		fd, more := m.nextFrame(maxSize)
		frames = append(frames, fd)
		if !more {
			return
		}
	}
}

// feedFrames parses wire frames into a fresh incoming message.
func feedFrames(t *testing.T, frames []FrameData) *Message {
	in := &Message{}
	for _, fd := range frames {
		_, flags, payload, err := parseFrame(fd)
		require.NoError(t, err)
		require.NoError(t, in.receivedFrame(flags, payload))
	}
	return in
}

func Test_Message_frame_roundtrip(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	out := newOutgoing(t, Properties{"Profile": "echo", "k": "v"}, body, 0)
	frames := drainFrames(out, 256)
	assert.True(t, len(frames) > 1)
	assert.True(t, out.Complete())

	in := feedFrames(t, frames)
	assert.True(t, in.Complete())
	assert.Equal(t, body, in.Body())
	assert.Equal(t, "echo", in.Profile())
	assert.Equal(t, "v", in.Property("k"))
	assert.Equal(t, out.bytesWritten, in.bytesReceived)
}

func Test_Message_zero_length_body(t *testing.T) {
	out := newOutgoing(t, Properties{"Profile": "noop"}, nil, 0)
	frames := drainFrames(out, DefaultFrameSize)
	require.Len(t, frames, 1)
	in := feedFrames(t, frames)
	assert.True(t, in.Complete())
	assert.Empty(t, in.Body())
	assert.Equal(t, "noop", in.Profile())
}

func Test_Message_empty_final_frame(t *testing.T) {
	// a header-only final frame must complete the message
	in := &Message{}
	var first FrameData
	first.AppendProperties(Properties{"Profile": "echo"})
	first = append(first, "partial"...)
	require.NoError(t, in.receivedFrame(FrameFlags(TypeRequest)|FlagMoreComing, first))
	assert.False(t, in.Complete())
	require.NoError(t, in.receivedFrame(FrameFlags(TypeRequest), nil))
	assert.True(t, in.Complete())
	assert.Equal(t, "partial", string(in.Body()))
}

func Test_Message_property_block_spanning_frames(t *testing.T) {
	out := newOutgoing(t, Properties{"Profile": "echo", "padding": string(bytes.Repeat([]byte{'p'}, 100))}, []byte("body"), 0)
	// frame size smaller than the property block
	frames := drainFrames(out, FrameHeaderMaxSize+20)
	in := feedFrames(t, frames)
	assert.True(t, in.Complete())
	assert.Equal(t, "body", string(in.Body()))
	assert.Equal(t, "echo", in.Profile())
}

func Test_Message_property_block_at_frame_boundary(t *testing.T) {
	out := newOutgoing(t, Properties{"Profile": "echo"}, []byte("tail"), 0)
	propLen := len(out.encoded) - 4
	// the first frame carries exactly the property block and nothing else
	frames := drainFrames(out, propLen+FrameHeaderMaxSize)
	require.GreaterOrEqual(t, len(frames), 2)
	in := feedFrames(t, frames)
	assert.True(t, in.Complete())
	assert.Equal(t, "echo", in.Profile())
	assert.Equal(t, "tail", string(in.Body()))
}

func Test_Message_truncated_property_block_is_fatal(t *testing.T) {
	in := &Message{}
	var fd FrameData
	fd.AppendProperties(Properties{"Profile": "echo"})
	// final frame ends inside the property block
	err := in.receivedFrame(FrameFlags(TypeRequest), fd[:len(fd)-2])
	assert.Error(t, err)
	assert.Equal(t, ErrBadData{}, errors.Cause(err))
}

func Test_Message_compressed_roundtrip(t *testing.T) {
	body := bytes.Repeat([]byte("compress me please "), 60000) // over 1 MiB
	sum := sha256.Sum256(body)
	out := newOutgoing(t, Properties{"Profile": "push"}, body, FlagCompressed)
	// deflate should shrink this
	assert.Less(t, len(out.encoded), len(body))
	frames := drainFrames(out, DefaultFrameSize)
	in := feedFrames(t, frames)
	require.True(t, in.Complete())
	assert.True(t, in.Compressed())
	assert.Equal(t, sum, sha256.Sum256(in.Body()))
}

func Test_Message_corrupt_compressed_body(t *testing.T) {
	in := &Message{}
	var fd FrameData
	fd.AppendProperties(Properties{})
	fd = append(fd, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
	err := in.receivedFrame(FrameFlags(TypeRequest)|FlagCompressed, fd)
	assert.Error(t, err)
	assert.Equal(t, ErrBadData{}, errors.Cause(err))
}

func Test_Message_frozen_after_encode(t *testing.T) {
	m := &Message{mine: true}
	require.NoError(t, m.SetBody([]byte("x")))
	require.NoError(t, m.SetUrgent(true))
	require.NoError(t, m.encode())
	assert.Error(t, m.SetBody([]byte("y")))
	assert.Error(t, m.SetProperties(Properties{}))
	assert.Error(t, m.SetProperty("a", "b"))
	assert.Error(t, m.SetUrgent(false))
	assert.Error(t, m.SetNoReply(true))
	assert.Error(t, m.SetCompressed(true))
}

func Test_Message_ack_monotonic(t *testing.T) {
	out := newOutgoing(t, nil, bytes.Repeat([]byte{'x'}, 10000), 0)
	drainFrames(out, DefaultFrameSize)
	w := out.bytesWritten
	require.NoError(t, out.receivedAck(100))
	assert.Error(t, out.receivedAck(100), "non-increasing ack")
	assert.Error(t, out.receivedAck(50), "decreasing ack")
	assert.Error(t, out.receivedAck(w+1), "ack beyond bytes written")
	require.NoError(t, out.receivedAck(w))
}

func Test_Message_needsAck_window(t *testing.T) {
	out := newOutgoing(t, nil, bytes.Repeat([]byte{'x'}, int(MaxUnackedBytes)*2), 0)
	for !out.needsAck(int64(DefaultFrameSize)) {
		out.nextFrame(DefaultFrameSize)
	}
	w := out.bytesWritten
	assert.LessOrEqual(t, w, MaxUnackedBytes)
	require.NoError(t, out.receivedAck(w))
	assert.False(t, out.needsAck(int64(DefaultFrameSize)))
}

func Test_Message_ackFrame_payload(t *testing.T) {
	in := &Message{number: 7}
	var fd FrameData
	fd.AppendProperties(Properties{})
	fd = append(fd, bytes.Repeat([]byte{'z'}, 100)...)
	require.NoError(t, in.receivedFrame(FrameFlags(TypeRequest)|FlagMoreComing, fd))
	ack := in.ackFrame()
	num, flags, payload, err := parseFrame(ack)
	require.NoError(t, err)
	assert.Equal(t, MessageNumber(7), num)
	assert.Equal(t, TypeAckRequest, flags.Type())
	v, n := readUvarint(payload)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, in.bytesReceived, int64(v))
}

func Test_Message_MoreComing_tracks_frames(t *testing.T) {
	in := &Message{}
	var fd FrameData
	fd.AppendProperties(Properties{})
	require.NoError(t, in.receivedFrame(FrameFlags(TypeResponse)|FlagMoreComing, fd))
	assert.NotZero(t, in.flags&FlagMoreComing)
	require.NoError(t, in.receivedFrame(FrameFlags(TypeResponse), []byte("tail")))
	assert.Zero(t, in.flags&FlagMoreComing)
	assert.True(t, in.Complete())
}

func Test_Request_clone(t *testing.T) {
	r := &Request{}
	r.mine = true
	require.NoError(t, r.SetProperties(Properties{"Profile": "echo"}))
	require.NoError(t, r.SetBody([]byte("hello")))
	require.NoError(t, r.SetUrgent(true))
	require.NoError(t, r.SetCompressed(true))
	require.NoError(t, r.encode())
	r.number = 42
	r.sent = true

	c := r.Clone()
	assert.Equal(t, MessageNumber(0), c.Number())
	assert.False(t, c.sent)
	assert.True(t, c.Urgent())
	assert.True(t, c.Compressed())
	assert.False(t, c.NoReply())
	assert.Equal(t, []byte("hello"), c.Body())
	assert.Equal(t, "echo", c.Profile())
	// the clone is writable again
	assert.NoError(t, c.SetBody([]byte("changed")))
	assert.NoError(t, c.encode())
}

func Test_Response_error_decoding(t *testing.T) {
	m := &Message{}
	var fd FrameData
	fd.AppendProperties(Properties{"Error-Code": "404", "Error-Domain": "HTTP"})
	fd = append(fd, "not found"...)
	require.NoError(t, m.receivedFrame(FrameFlags(TypeError), fd))
	e := errorFromResponse(m)
	assert.Equal(t, 404, e.Code)
	assert.Equal(t, "HTTP", e.Domain)
	assert.Equal(t, "not found", e.Message)

	// missing or unparseable code yields the sentinel
	m2 := &Message{}
	var fd2 FrameData
	fd2.AppendProperties(Properties{"Error-Code": "bogus"})
	require.NoError(t, m2.receivedFrame(FrameFlags(TypeError), fd2))
	e2 := errorFromResponse(m2)
	assert.Equal(t, CodeUnspecified, e2.Code)
	assert.Equal(t, ErrorDomain, e2.Domain)
}
