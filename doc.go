// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package blip implements the BLIP messaging protocol.

BLIP is a bidirectional, message-oriented RPC protocol layered on top of a
reliable, message-framed byte transport, typically a WebSocket. Either peer
may initiate requests concurrently, and each request may optionally receive
a single response. Messages carry a string-keyed property map plus a binary
body, may be deflate-compressed, and are split into interleaved frames so
that large transfers do not starve short urgent traffic.

A Conn multiplexes messages over a single Transport. Outgoing messages wait
in an outbox; the send scheduler interleaves their frames, biased by the
urgent flag, and pauses any message that has too many unacknowledged bytes
in flight until the receiver acknowledges progress. Incoming requests are
dispatched to handlers registered per profile string.

A frame is one whole binary transport message: a varint message number, a
varint flag word, and payload bytes. The first frame of a message starts
with a dictionary-compressed property block; the remaining payload is body
data.
*/
package blip
