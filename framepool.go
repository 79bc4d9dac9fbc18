package blip

// Provides a buffer of allocated but unused FrameData.
var frameDataPool chan FrameData

func init() {
	frameDataPool = make(chan FrameData, 0x1000)
}

// FrameDataAlloc returns an empty FrameData.
func FrameDataAlloc() FrameData {
	select {
	case fd := <-frameDataPool:
		fd.Clear()
		return fd
	default:
		return NewFrameData()
	}
}

// FrameDataFree releases a FrameData for reuse.
func FrameDataFree(fd FrameData) {
	if fd != nil {
		select {
		case frameDataPool <- fd:
		default:
		}
	}
}
