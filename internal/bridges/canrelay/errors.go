package canrelay

import "errors"

// Domain errors for the CAN relay package.
var (
	// ErrTooManyDataBytes is returned when a frame would carry more than
	// eight data bytes.
	ErrTooManyDataBytes = errors.New("canrelay: frame data exceeds 8 bytes")

	// ErrInvalidIdentifier is returned when a frame identifier does not fit
	// an 11-bit standard CAN identifier.
	ErrInvalidIdentifier = errors.New("canrelay: invalid CAN identifier")

	// ErrInvalidNodeID is returned when a node ID cannot be addressed on
	// the relay network.
	ErrInvalidNodeID = errors.New("canrelay: invalid node ID")

	// ErrNotConnected is returned when an operation requires a connected
	// device.
	ErrNotConnected = errors.New("canrelay: device not connected")

	// ErrSendFailed is returned by devices when a frame could not be
	// written to the bus.
	ErrSendFailed = errors.New("canrelay: frame send failed")

	// ErrTimeout is returned when an expected reply did not arrive in time.
	ErrTimeout = errors.New("canrelay: reply timed out")
)
