package canrelay

// FrameKind classifies a received CAN frame.
type FrameKind int

// Frame kinds recognised on the relay network.
const (
	// FrameUnknown is any frame outside the relay protocol, or a frame of
	// a known class whose payload is not a simple on/off message.
	FrameUnknown FrameKind = iota

	// FrameMappingReply lists the relay nodes present on a floor.
	FrameMappingReply

	// FrameOutputReply reports one node's output state.
	FrameOutputReply

	// FrameCommandEcho is an output command seen on the bus.
	FrameCommandEcho

	// FrameQueryEcho is a mapping or output query seen on the bus.
	FrameQueryEcho
)

// String returns the kind name used in logs.
func (k FrameKind) String() string {
	switch k {
	case FrameMappingReply:
		return "mapping_reply"
	case FrameOutputReply:
		return "output_reply"
	case FrameCommandEcho:
		return "command_echo"
	case FrameQueryEcho:
		return "query_echo"
	default:
		return "unknown"
	}
}

// Frame is the decoded form of a Message. Which fields are meaningful
// depends on Kind:
//
//	FrameMappingReply  Floor, NodeIDs
//	FrameOutputReply   Floor, NodeID, On
//	FrameCommandEcho   Floor, NodeID, On
//	FrameQueryEcho     Floor, NodeID (output queries only, else -1)
type Frame struct {
	Kind    FrameKind
	Floor   int
	NodeID  int
	NodeIDs []int
	On      bool
	Raw     Message
}

// ParseFrame classifies a message in a single step.
func ParseFrame(m Message) Frame {
	unknown := Frame{Kind: FrameUnknown, Floor: -1, NodeID: -1, Raw: m}

	low := int(m.ID() & lowMask)
	switch m.ID() & classMask {
	case ClassMappingQuery:
		if low >= MaxFloors || m.Len() != 0 {
			return unknown
		}
		return Frame{Kind: FrameQueryEcho, Floor: low, NodeID: -1, Raw: m}

	case ClassMappingReply:
		if low >= MaxFloors || m.Len() != MaxDataLen {
			return unknown
		}
		return Frame{Kind: FrameMappingReply, Floor: low, NodeID: -1, NodeIDs: decodeBitmap(low, m), Raw: m}

	case ClassOutputQuery:
		if low >= MaxFloors || m.Len() != 1 || FloorOf(int(m.Byte(0))) != low {
			return unknown
		}
		return Frame{Kind: FrameQueryEcho, Floor: low, NodeID: int(m.Byte(0)), Raw: m}

	case ClassOutputReply:
		nodeID := int(m.Byte(0))
		if low >= MaxFloors || m.Len() != outputReplyLen || FloorOf(nodeID) != low {
			return unknown
		}
		return Frame{Kind: FrameOutputReply, Floor: low, NodeID: nodeID, On: DecodeOutputStatus(m.Byte(1)), Raw: m}

	case ClassOutputCommand:
		if m.Len() != 1 {
			return unknown
		}
		var on bool
		switch m.Byte(0) {
		case CommandCloseA:
			on = true
		case CommandOpenPair:
			on = false
		default:
			return unknown
		}
		return Frame{Kind: FrameCommandEcho, Floor: FloorOf(low), NodeID: low, On: on, Raw: m}
	}

	return unknown
}

// decodeBitmap expands a mapping reply bitmap into node IDs in ascending
// relay order.
func decodeBitmap(floor int, m Message) []int {
	var ids []int
	for i := 0; i < m.Len(); i++ {
		b := m.Byte(i)
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				ids = append(ids, NodeID(floor, i*8+bit))
			}
		}
	}
	return ids
}
