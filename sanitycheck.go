// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package blip

// sanity check the configuration
func init() {
	if DefaultFrameSize < FrameHeaderMaxSize+60 {
		panic("DefaultFrameSize < FrameHeaderMaxSize+60")
	}
	if BigFrameFactor < 1 {
		panic("BigFrameFactor < 1")
	}
	if AckByteInterval < 1 {
		panic("AckByteInterval < 1")
	}
	if MaxUnackedBytes < int64(DefaultFrameSize*BigFrameFactor) {
		panic("MaxUnackedBytes < DefaultFrameSize*BigFrameFactor")
	}
}
