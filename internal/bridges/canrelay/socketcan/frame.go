package socketcan

import (
	"errors"
	"fmt"

	"github.com/brutella/can"

	"github.com/nerrad567/gray-logic-canrelay/internal/bridges/canrelay"
)

// can_id flag bits carried in can.Frame.ID.
const (
	flagEFF = 0x80000000
	flagRTR = 0x40000000
	flagERR = 0x20000000
)

// ErrUnsupportedFrame is returned for extended, remote and error frames.
var ErrUnsupportedFrame = errors.New("socketcan: unsupported frame")

// toFrame converts a relay message to a kernel CAN frame.
func toFrame(m canrelay.Message) can.Frame {
	f := can.Frame{ID: m.ID(), Length: uint8(m.Len())}
	copy(f.Data[:], m.Data())
	return f
}

// fromFrame converts a kernel CAN frame. Only standard data frames are
// accepted.
func fromFrame(f can.Frame) (canrelay.Message, error) {
	switch {
	case f.ID&flagERR != 0:
		return canrelay.Message{}, fmt.Errorf("%w: error frame 0x%08X", ErrUnsupportedFrame, f.ID)
	case f.ID&flagEFF != 0:
		return canrelay.Message{}, fmt.Errorf("%w: extended identifier 0x%08X", ErrUnsupportedFrame, f.ID)
	case f.ID&flagRTR != 0:
		return canrelay.Message{}, fmt.Errorf("%w: remote frame 0x%03X", ErrUnsupportedFrame, f.ID&canrelay.MaxStandardID)
	}

	if int(f.Length) > canrelay.MaxDataLen {
		return canrelay.Message{}, fmt.Errorf("%w: length %d", ErrUnsupportedFrame, f.Length)
	}
	return canrelay.NewMessage(f.ID&canrelay.MaxStandardID, f.Data[:f.Length]...)
}
