package canrelay

import (
	"fmt"
	"strconv"
)

// Frame classes live in identifier bits 8-10. The low byte carries the
// floor for queries and replies, and the full node ID for commands.
const (
	classMask = 0x700
	lowMask   = 0x0FF

	ClassMappingQuery  uint32 = 0x100
	ClassMappingReply  uint32 = 0x200
	ClassOutputQuery   uint32 = 0x300
	ClassOutputReply   uint32 = 0x400
	ClassOutputCommand uint32 = 0x500
)

// Node ID layout.
const (
	// MaxFloors is the number of floors addressable by a one-byte node ID.
	MaxFloors = 2

	// MaxRelaysPerFloor is the width of the mapping reply bitmap.
	MaxRelaysPerFloor = MaxDataLen * 8

	floorShift = 7
	relayMask  = 0x7F
)

// Output command and status bit patterns.
const (
	// CommandCloseA closes contact A of the relay pair, switching the
	// output on.
	CommandCloseA byte = 0x01

	// CommandOpenPair opens both contacts of the relay pair, switching the
	// output off.
	CommandOpenPair byte = 0x02

	// StatusContactA is the output reply bit for contact A.
	StatusContactA byte = 0x40

	// StatusContactB is the output reply bit for contact B.
	StatusContactB byte = 0x80

	outputReplyLen = 2
)

// NodeID packs a floor and relay index into a node ID.
func NodeID(floor, relay int) int {
	return floor<<floorShift | relay&relayMask
}

// FloorOf returns the floor encoded in a node ID.
func FloorOf(nodeID int) int {
	return nodeID >> floorShift
}

// RelayOf returns the relay index within the floor.
func RelayOf(nodeID int) int {
	return nodeID & relayMask
}

// ValidateNodeID checks that a node ID is addressable on the relay network.
func ValidateNodeID(nodeID int) error {
	if nodeID < 0 {
		return fmt.Errorf("%w: negative node ID %d", ErrInvalidNodeID, nodeID)
	}
	if FloorOf(nodeID) >= MaxFloors {
		return fmt.Errorf("%w: floor %d out of range 0-%d", ErrInvalidNodeID, FloorOf(nodeID), MaxFloors-1)
	}
	if RelayOf(nodeID) >= MaxRelaysPerFloor {
		return fmt.Errorf("%w: relay 0x%02X out of range", ErrInvalidNodeID, RelayOf(nodeID))
	}
	return nil
}

// FormatNodeID renders a node ID in hexadecimal, e.g. "0x15".
func FormatNodeID(nodeID int) string {
	return fmt.Sprintf("0x%02x", nodeID)
}

// ParseNodeID parses a node ID in decimal or 0x-prefixed hexadecimal.
func ParseNodeID(s string) (int, error) {
	v, err := strconv.ParseInt(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNodeID, s)
	}
	nodeID := int(v)
	if err := ValidateNodeID(nodeID); err != nil {
		return 0, err
	}
	return nodeID, nil
}

// MappingQueryID returns the identifier for a floor's mapping query.
func MappingQueryID(floor int) uint32 {
	return ClassMappingQuery | uint32(floor)&lowMask
}

// MappingReplyID returns the identifier a floor answers a mapping query with.
func MappingReplyID(floor int) uint32 {
	return ClassMappingReply | uint32(floor)&lowMask
}

// OutputQueryID returns the identifier for an output query on a floor.
func OutputQueryID(floor int) uint32 {
	return ClassOutputQuery | uint32(floor)&lowMask
}

// OutputReplyID returns the identifier of output replies from a floor.
func OutputReplyID(floor int) uint32 {
	return ClassOutputReply | uint32(floor)&lowMask
}

// OutputCommandID returns the identifier for switching a node.
func OutputCommandID(nodeID int) uint32 {
	return ClassOutputCommand | uint32(nodeID)&lowMask
}

// MappingQuery builds the request asking which relays exist on a floor.
func MappingQuery(floor int) Message {
	return frame(MappingQueryID(floor))
}

// OutputQuery builds the request for a node's current output state.
func OutputQuery(nodeID int) Message {
	return frame(OutputQueryID(FloorOf(nodeID)), byte(nodeID))
}

// OutputCommand builds the frame that switches a node on or off.
func OutputCommand(nodeID int, on bool) Message {
	pattern := CommandOpenPair
	if on {
		pattern = CommandCloseA
	}
	return frame(OutputCommandID(nodeID), pattern)
}

// OutputReply builds a node's output state reply.
func OutputReply(nodeID int, on bool) Message {
	return frame(OutputReplyID(FloorOf(nodeID)), byte(nodeID), EncodeOutputStatus(on))
}

// MappingReply builds a floor's mapping reply listing the given nodes.
// Nodes on other floors are skipped.
func MappingReply(floor int, nodeIDs ...int) Message {
	var bitmap [MaxDataLen]byte
	for _, id := range nodeIDs {
		if FloorOf(id) != floor || RelayOf(id) >= MaxRelaysPerFloor {
			continue
		}
		r := RelayOf(id)
		bitmap[r/8] |= 1 << (r % 8)
	}
	return frame(MappingReplyID(floor), bitmap[:]...)
}

// EncodeOutputStatus returns the status byte reported for a logical state.
func EncodeOutputStatus(on bool) byte {
	if on {
		return StatusContactA
	}
	return 0
}

// DecodeOutputStatus derives the logical state from a status byte. Either
// contact bit set means on.
func DecodeOutputStatus(status byte) bool {
	return status&(StatusContactA|StatusContactB) != 0
}

// frame builds a Message from values already known to be in range.
func frame(id uint32, data ...byte) Message {
	m := Message{id: id & MaxStandardID, n: uint8(min(len(data), MaxDataLen))} //nolint:gosec // bounded by MaxDataLen
	copy(m.data[:], data)
	return m
}
